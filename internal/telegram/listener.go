package telegram

import (
	"context"
	"log"
	"strconv"
	"strings"
	"time"
)

const (
	pollTimeoutSec = 60
	errorBackoff   = 5 * time.Second
)

// Command is a chat command addressed to the bot, tagged with the sender's
// platform identity. UserID is the string form used as the storage key.
type Command struct {
	UserID   string
	Username string
	ChatID   int64
	Text     string
}

// Handler processes a parsed command. Implementations send their own replies
// through the Client so they can answer with text or documents.
type Handler interface {
	Handle(ctx context.Context, cmd Command)
}

// Listener long-polls getUpdates and dispatches slash commands to a Handler.
type Listener struct {
	client  *Client
	handler Handler
	logger  *log.Logger
}

// NewListener creates a listener that feeds commands to handler.
func NewListener(client *Client, handler Handler, logger *log.Logger) *Listener {
	return &Listener{client: client, handler: handler, logger: logger}
}

// Run blocks, polling for updates until ctx is canceled. Transport errors
// back off briefly and resume; the listener itself never gives up.
func (l *Listener) Run(ctx context.Context) error {
	l.logger.Printf("telegram listener started")
	offset := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := l.client.GetUpdates(ctx, offset, pollTimeoutSec)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Printf("telegram poll error: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(errorBackoff):
			}
			continue
		}

		for _, upd := range updates {
			offset = upd.UpdateID + 1
			if upd.Message == nil {
				continue
			}
			text := strings.TrimSpace(upd.Message.Text)
			if !strings.HasPrefix(text, "/") {
				continue
			}
			cmd := Command{
				UserID:   strconv.FormatInt(upd.Message.From.ID, 10),
				Username: upd.Message.From.Username,
				ChatID:   upd.Message.Chat.ID,
				Text:     text,
			}
			l.handler.Handle(ctx, cmd)
		}
	}
}

