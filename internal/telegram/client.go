package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Update is one entry of a getUpdates response.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of a Telegram message the bot reads.
type Message struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from"`
	Text      string `json:"text"`
}

// Chat identifies where a message came from.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the message author.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// UpdateSource yields incoming updates starting at offset.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64) ([]Update, error)
}

// Client long-polls the Bot API for updates.
type Client struct {
	botToken    string
	baseURL     string
	pollTimeout time.Duration
	client      *http.Client
}

// NewClient constructs a long-polling client. The HTTP timeout is kept above
// the poll timeout so an idle poll is not reported as a failure.
func NewClient(botToken, baseURL string, pollTimeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Client{
		botToken:    botToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		pollTimeout: pollTimeout,
		client:      &http.Client{Timeout: pollTimeout + 10*time.Second},
	}
}

type updatesResponse struct {
	OK          bool     `json:"ok"`
	Description string   `json:"description"`
	Result      []Update `json:"result"`
}

// GetUpdates blocks up to the poll timeout waiting for new messages.
func (c *Client) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(c.pollTimeout/time.Second)))
	q.Set("allowed_updates", `["message"]`)
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", c.baseURL, c.botToken, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build getUpdates request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getUpdates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read getUpdates response: %w", err)
	}

	var out updatesResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode getUpdates response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return nil, fmt.Errorf("getUpdates status %d: %s", resp.StatusCode, out.Description)
	}
	return out.Result, nil
}
