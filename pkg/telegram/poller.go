package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// UpdateHandler consumes updates from the poller or the webhook.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, u Update)
}

const (
	defaultPollTimeout = 25 * time.Second
	pollRetryMin       = time.Second
	pollRetryMax       = 30 * time.Second
)

// Poller fetches updates with getUpdates for deployments without a public
// webhook URL.
type Poller struct {
	client  *Client
	handler UpdateHandler
	timeout time.Duration
}

// NewPoller creates a poller. timeout <= 0 uses 25s.
func NewPoller(client *Client, handler UpdateHandler, timeout time.Duration) *Poller {
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &Poller{client: client, handler: handler, timeout: timeout}
}

// Run removes any webhook and polls until ctx is cancelled. Failed polls are
// retried with exponential backoff.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.client.DeleteWebhook(ctx); err != nil {
		slog.Warn("telegram deleteWebhook failed", "err", err)
	}

	var offset int64
	backoff := pollRetryMin
	for {
		updates, next, err := p.client.GetUpdates(ctx, offset, p.timeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("telegram getUpdates failed", "err", err, "retry_in", backoff)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, pollRetryMax)
			continue
		}
		backoff = pollRetryMin
		offset = next
		for _, u := range updates {
			p.handler.HandleUpdate(ctx, u)
		}
	}
}
