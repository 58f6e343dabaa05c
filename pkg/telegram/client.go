// Package telegram is a small Bot API client: sending messages, managing the
// webhook, long polling and verifying Login Widget payloads.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// MaxTextLength is the Bot API limit for one text message.
	MaxTextLength = 4096

	// Webhook registration, as the bridge has always requested it.
	webhookMaxConnections = 40

	defaultRequestTimeout = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	BaseURL        string        // default DefaultBaseURL
	RPS            int           // outbound sends per second; <= 0 = 25
	HTTPClient     *http.Client  // default http.Client without a global timeout
	RequestTimeout time.Duration // per call, <= 0 = 30s; getUpdates adds its long-poll timeout
}

// Client talks to the Bot API for one bot token. It is safe for concurrent
// use; SendMessage calls share one token bucket.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	timeout time.Duration
}

// New creates a client for token.
func New(token string, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RPS <= 0 {
		opts.RPS = 25
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	return &Client{
		http:    opts.HTTPClient,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.RPS),
		timeout: opts.RequestTimeout,
	}
}

type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call POSTs in as JSON to method and decodes the result into out (if
// non-nil). Transport failures and API errors both wrap
// model.ErrUpstreamUnavailable.
func (c *Client) call(ctx context.Context, method string, in, out any) error {
	return c.callWithin(ctx, c.timeout, method, in, out)
}

func (c *Client) callWithin(ctx context.Context, timeout time.Duration, method string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("telegram: %s: marshal: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL embeds the token; keep it out of logs.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return fmt.Errorf("telegram: %s: %w: %w", method, model.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("telegram: %s: read body: %w: %w", method, model.ErrUpstreamUnavailable, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode != http.StatusOK || decodeErr != nil || !env.OK {
		apiErr := &APIError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   env.ErrorCode,
			Description: env.Description,
			RetryAfter:  time.Duration(env.Parameters.RetryAfter) * time.Second,
		}
		if apiErr.Description == "" {
			apiErr.Description = strings.TrimSpace(string(raw))
		}
		if apiErr.RetryAfter == 0 {
			apiErr.RetryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
		}
		return fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, apiErr)
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("telegram: %s: decode result: %w", method, err)
		}
	}
	return nil
}

func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(value); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

// IsPermanent reports whether err is an API error that retrying cannot fix.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Permanent()
}

type sendMessageRequest struct {
	ChatID                int64  `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// SendMessage sends plain text to chatID, split into several messages when
// it exceeds MaxTextLength. Sends wait on the shared rate limiter.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitText(text, MaxTextLength) {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram: sendMessage: %w", err)
		}
		req := sendMessageRequest{ChatID: chatID, Text: chunk, DisableWebPagePreview: true}
		if err := c.call(ctx, "sendMessage", req, nil); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts text into pieces of at most limit runes.
func splitText(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

type setWebhookRequest struct {
	URL            string   `json:"url"`
	MaxConnections int      `json:"max_connections"`
	AllowedUpdates []string `json:"allowed_updates"`
	SecretToken    string   `json:"secret_token,omitempty"`
}

// SetWebhook points the bot at webhookURL. Only message updates are requested.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	return c.call(ctx, "setWebhook", setWebhookRequest{
		URL:            webhookURL,
		MaxConnections: webhookMaxConnections,
		AllowedUpdates: []string{"message"},
		SecretToken:    secret,
	}, nil)
}

// DeleteWebhook removes the webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", struct{}{}, nil)
}

// GetMe returns the bot's own user.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", struct{}{}, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

type getUpdatesRequest struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// GetUpdates long-polls for updates after offset and returns them with the
// next offset to use.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, int64, error) {
	secs := max(int(timeout.Seconds()), 1)

	var updates []Update
	wait := time.Duration(secs)*time.Second + c.timeout
	err := c.callWithin(ctx, wait, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        secs,
		AllowedUpdates: []string{"message"},
	}, &updates)
	if err != nil {
		return nil, offset, err
	}

	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
	}
	return updates, next, nil
}
