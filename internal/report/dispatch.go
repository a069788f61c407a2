package report

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/premiumpilot/bot/internal/decision"
	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/storage"
)

// Messenger is the chat-delivery surface the dispatcher needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Dispatcher pushes summaries and intraday alerts to chat recipients.
// Delivery failures are logged and skipped per recipient; a batch never
// aborts because one user is unreachable.
type Dispatcher struct {
	builder      *Builder
	storage      storage.Interface
	messenger    Messenger
	publicChatID int64
	logger       *log.Logger
	now          func() time.Time

	// alertMu guards the once-per-day alert dedup set, keyed by
	// user/position/label. Cleared when the day rolls over so the set never
	// outgrows one day's alerts.
	alertMu sync.Mutex
	sent    map[string]struct{}
	sentDay string
}

// NewDispatcher creates a dispatcher. publicChatID is the shared channel for
// end-of-day posts; per-user DMs go to the chat matching each user ID.
func NewDispatcher(builder *Builder, st storage.Interface, messenger Messenger, publicChatID int64, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		builder:      builder,
		storage:      st,
		messenger:    messenger,
		publicChatID: publicChatID,
		logger:       logger,
		now:          time.Now,
		sent:         make(map[string]struct{}),
	}
}

// DispatchEOD posts every user's summary to the public channel and then DMs
// each user their own copy.
func (d *Dispatcher) DispatchEOD(ctx context.Context) {
	batch := uuid.NewString()
	users := d.storage.Users()
	d.logger.Printf("eod dispatch %s: %d users", batch, len(users))

	for _, uid := range users {
		summary := d.builder.UserSummary(ctx, uid)

		if d.publicChatID != 0 {
			if err := d.messenger.SendMessage(ctx, d.publicChatID, summary); err != nil {
				d.logger.Printf("eod dispatch %s: public post for user %s failed: %v", batch, uid, err)
			}
		}

		chatID, err := strconv.ParseInt(uid, 10, 64)
		if err != nil {
			// Legacy bucket or non-numeric identity: nowhere to DM.
			continue
		}
		if err := d.messenger.SendMessage(ctx, chatID, summary); err != nil {
			d.logger.Printf("eod dispatch %s: DM to user %s failed: %v", batch, uid, err)
		}
	}
	d.logger.Printf("eod dispatch %s: done", batch)
}

// CheckIntradayAlerts evaluates every open covered call against the live
// price cache and DMs the owner the first time a position produces a given
// recommendation each day. Uses cached prices only, plus an option-mid quote
// for positions already inside the buy-to-close window.
func (d *Dispatcher) CheckIntradayAlerts(ctx context.Context) {
	day := d.now().Format("2006-01-02")

	for uid, bucket := range d.storage.Snapshot() {
		chatID, err := strconv.ParseInt(uid, 10, 64)
		if err != nil {
			continue
		}
		for _, pos := range bucket.CC {
			label, underlying, mid, dte := d.builder.Evaluate(ctx, pos)
			if label == decision.Hold {
				continue
			}
			if !d.markAlerted(uid, pos.ID, string(label), day) {
				continue
			}
			text := d.alertText(pos, label, underlying, mid, dte)
			if err := d.messenger.SendMessage(ctx, chatID, text); err != nil {
				d.logger.Printf("intraday alert to user %s failed: %v", uid, err)
			}
		}
	}
}

// markAlerted records an alert key, returning false if it was already sent
// today. A new day discards yesterday's keys.
func (d *Dispatcher) markAlerted(uid string, posID int, label, day string) bool {
	key := fmt.Sprintf("%s/%d/%s", uid, posID, label)
	d.alertMu.Lock()
	defer d.alertMu.Unlock()
	if day != d.sentDay {
		d.sent = make(map[string]struct{})
		d.sentDay = day
	}
	if _, dup := d.sent[key]; dup {
		return false
	}
	d.sent[key] = struct{}{}
	return true
}

func (d *Dispatcher) alertText(pos models.Position, label decision.Label, underlying, mid *float64, dte int) string {
	line := d.builder.positionLine(pos, models.KindCoveredCall, underlying, mid, dte)
	switch label {
	case decision.BuyToClose:
		return fmt.Sprintf("BTC alert: profit target reached.\n%s", line)
	case decision.RollWatch:
		return fmt.Sprintf("Roll-watch: underlying near strike.\n%s", line)
	default:
		return line
	}
}
