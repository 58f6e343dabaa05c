package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
	"github.com/NicolasHaas/tgbridge/pkg/telegram"
	"github.com/NicolasHaas/tgbridge/pkg/version"
)

const (
	shutdownTimeout    = 10 * time.Second
	tokenSweepInterval = time.Minute
	metricsLogInterval = 60 * time.Second
)

// Run starts the server and blocks until ctx is cancelled or the HTTP
// listener fails. The stores are closed before it returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.closeStores()
	defer s.Shutdown()

	if err := s.Prepare(ctx); err != nil {
		return err
	}

	// Queued Telegram messages are still sent while shutting down.
	s.dispatch.Start(context.WithoutCancel(s.ctx))
	go s.watchFailures()
	s.tokens.StartSweeper(s.ctx, tokenSweepInterval)

	ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.HTTPAddr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: http: %w", err)
		}
	}()

	s.startMetricsHTTP()
	s.metrics.StartPeriodicLog(metricsLogInterval, s.ctx.Done())

	if err := s.startTelegram(ctx); err != nil {
		return err
	}

	slog.Info("tgbridge server running",
		"http", ln.Addr().String(),
		"telegram", s.cfg.TelegramMode,
		"version", version.String(),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	slog.Info("shutting down...")
	return runErr
}

// Prepare makes sure the default room exists, creates the rooms listed in
// RoomsFile and restores chat subscriptions.
func (s *Server) Prepare(ctx context.Context) error {
	if _, err := s.relay.Directory().EnsureDefault(ctx); err != nil {
		return fmt.Errorf("server: default room: %w", err)
	}

	if s.cfg.RoomsFile != "" {
		if _, err := LoadRoomsFromYAML(ctx, s.cfg.RoomsFile, s.store); err != nil {
			slog.Error("failed to load rooms config", "err", err)
		}
	}

	if err := s.relay.Restore(); err != nil {
		return fmt.Errorf("server: restore subscriptions: %w", err)
	}
	return nil
}

func (s *Server) startTelegram(ctx context.Context) error {
	if s.cfg.TelegramMode == TelegramOff {
		slog.Warn("telegram disabled, running as a web-only chat")
		return nil
	}

	me, err := s.telegram.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("server: telegram getMe: %w", err)
	}
	slog.Info("telegram bot ready", "username", me.Username, "mode", s.cfg.TelegramMode)

	switch s.cfg.TelegramMode {
	case TelegramWebhook:
		webhookURL := s.cfg.PublicURL + WebhookPath
		if err := s.telegram.SetWebhook(ctx, webhookURL, s.cfg.WebhookSecret); err != nil {
			return fmt.Errorf("server: set webhook: %w", err)
		}
		slog.Info("telegram webhook registered", "url", webhookURL)
	case TelegramPoll:
		poller := telegram.NewPoller(s.telegram, s.bot, s.cfg.PollTimeout)
		s.workers.Add(1)
		go func() {
			defer s.workers.Done()
			if err := poller.Run(s.ctx); err != nil {
				slog.Error("telegram poller stopped", "err", err)
			}
		}()
	}
	return nil
}

// watchFailures unsubscribes chats that blocked or removed the bot, so
// their rooms stop queueing messages nobody can receive.
func (s *Server) watchFailures() {
	for f := range s.dispatch.Failures() {
		var apiErr *telegram.APIError
		if !errors.As(f.Err, &apiErr) || !apiErr.Permanent() || !isForbidden(apiErr) {
			continue
		}
		profile := relay.ExternalProfile{DisplayName: "Telegram chat " + strconv.FormatInt(f.Job.ChatID, 10)}
		_, err := s.relay.UnsubscribeChat(context.Background(), f.Job.ChatID, profile)
		switch {
		case err == nil:
			slog.Warn("unsubscribed chat that blocked the bot", "chat", f.Job.ChatID, "err", f.Err)
		case !errors.Is(err, model.ErrNotSubscribed):
			slog.Error("unsubscribe blocked chat failed", "chat", f.Job.ChatID, "err", err)
		}
	}
}

func isForbidden(e *telegram.APIError) bool {
	return e.ErrorCode == http.StatusForbidden || e.StatusCode == http.StatusForbidden
}

// Shutdown gracefully stops the server: listeners first, then websocket
// connections and the poller, then the Telegram queue is drained for at
// most shutdownTimeout.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown", "err", err)
			}
		}
		if s.metricsServer != nil {
			_ = s.metricsServer.Close()
		}

		s.cancel()
		s.conns.Wait()
		s.workers.Wait()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer drainCancel()
		if err := s.dispatch.CloseContext(drainCtx); err != nil {
			slog.Warn("telegram queue not drained", "err", err)
		}
		s.metrics.LogSummary()
	})
}

func (s *Server) closeStores() {
	if s.subs != nil {
		if err := s.subs.Close(); err != nil {
			slog.Warn("close subscription store", "err", err)
		}
	}
	if c, ok := s.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close datastore", "err", err)
		}
	}
}
