// Package telegram is a minimal Telegram Bot API client: enough to long-poll
// for commands, send text replies and upload CSV exports. No third-party SDK
// is involved; the bot surface is three endpoints.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const defaultBaseURL = "https://api.telegram.org"

// Client talks to the Telegram Bot API.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the given bot token. baseURL overrides the
// production endpoint when non-empty (tests).
func NewClient(token, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		token:      token,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 75 * time.Second}, // > long-poll timeout
	}
}

func (c *Client) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

type apiResponse struct {
	Ok          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

func (c *Client) post(ctx context.Context, method string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram: decode %s response: %w", method, err)
	}
	if !api.Ok {
		return fmt.Errorf("telegram: %s failed: %s (code %d)", method, api.Description, api.ErrorCode)
	}
	if out != nil {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("telegram: decode %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage delivers a text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]interface{}{
		"chat_id": chatID,
		"text":    text,
	}
	return c.post(ctx, "sendMessage", payload, nil)
}

// SendDocument uploads a local file to a chat with the given display name.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, filename string) error {
	f, err := os.Open(path) // #nosec G304 -- path is a bot-managed trade log file
	if err != nil {
		return fmt.Errorf("telegram: open document: %w", err)
	}
	defer func() { _ = f.Close() }()

	if filename == "" {
		filename = filepath.Base(path)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("telegram: build form: %w", err)
	}
	part, err := mw.CreateFormFile("document", filename)
	if err != nil {
		return fmt.Errorf("telegram: build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("telegram: copy document: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("telegram: finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendDocument"), &buf)
	if err != nil {
		return fmt.Errorf("telegram: create sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: sendDocument: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram: decode sendDocument response: %w", err)
	}
	if !api.Ok {
		return fmt.Errorf("telegram: sendDocument failed: %s (code %d)", api.Description, api.ErrorCode)
	}
	return nil
}

// Update is a Telegram update object (partial schema).
type Update struct {
	UpdateID int `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		From struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
	} `json:"message"`
}

// GetUpdates long-polls for new updates after the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset, timeoutSec int) ([]Update, error) {
	payload := map[string]interface{}{
		"offset":  offset,
		"timeout": timeoutSec,
	}
	var updates []Update
	if err := c.post(ctx, "getUpdates", payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
