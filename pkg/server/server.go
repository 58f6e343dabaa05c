// Package server wires the relay, the Telegram bot and the web transports
// into one process: the HTTP API, the websocket endpoint, the webhook or
// long poller and the background workers.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/NicolasHaas/tgbridge/pkg/auth"
	"github.com/NicolasHaas/tgbridge/pkg/bot"
	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/metrics"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
	"github.com/NicolasHaas/tgbridge/pkg/telegram"
	"github.com/NicolasHaas/tgbridge/pkg/tokens"
)

// SubscriptionStore persists chat subscriptions and is closed on shutdown.
type SubscriptionStore interface {
	relay.SubscriptionStore
	io.Closer
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and Subscriptions and will Close() them
// on shutdown.
type Dependencies struct {
	Store         datastore.DataProviderFactory
	Subscriptions SubscriptionStore // nil = subscriptions are kept in memory only
	Telegram      *telegram.Client  // nil = no Telegram delivery
}

// Server is the tgbridge server.
type Server struct {
	cfg       Config
	store     datastore.DataProviderFactory
	subs      SubscriptionStore
	telegram  *telegram.Client
	metrics   *metrics.Metrics
	relay     *relay.Relay
	dispatch  *relay.Dispatcher
	tokens    *tokens.Registry
	sessions  *auth.Sessions
	bot       *bot.Bot
	conns     sync.WaitGroup // open websocket handlers
	workers   sync.WaitGroup // Telegram poller
	closeOnce sync.Once

	httpServer    *http.Server
	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if cfg.TelegramMode != TelegramOff && deps.Telegram == nil {
		return nil, fmt.Errorf("server: telegram mode %q needs a telegram client", cfg.TelegramMode)
	}

	secret := cfg.SessionSecret
	if secret == "" {
		var err error
		if secret, err = randomSecret(); err != nil {
			return nil, err
		}
		slog.Warn("no session secret configured, web sessions end when the server restarts")
	}
	sessions, err := auth.NewSessions(secret, cfg.SessionTTL, nil)
	if err != nil {
		return nil, err
	}

	m := metrics.New()

	// A nil *telegram.Client must not become a non-nil Sender.
	var sender relay.Sender
	if deps.Telegram != nil {
		sender = deps.Telegram
	}
	dispatch := relay.NewDispatcher(sender, relay.DispatcherOptions{Metrics: m})

	var subStore relay.SubscriptionStore
	if deps.Subscriptions != nil {
		subStore = deps.Subscriptions
	}
	r := relay.New(relay.Dependencies{
		Store:         deps.Store,
		Subscriptions: subStore,
		Dispatcher:    dispatch,
		Metrics:       m,
		AdminIDs:      cfg.AdminIDs,
	}, relay.Options{HistoryLimit: cfg.HistoryLimit})

	registry := tokens.NewRegistry(tokens.Options{
		TTL:         cfg.TokenTTL,
		PasswordTTL: cfg.PasswordTTL,
		Cooldown:    cfg.TokenCooldown,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		subs:     deps.Subscriptions,
		telegram: deps.Telegram,
		metrics:  m,
		relay:    r,
		dispatch: dispatch,
		tokens:   registry,
		sessions: sessions,
		bot:      bot.New(r, registry, dispatch, bot.Options{PublicURL: cfg.PublicURL, Metrics: m}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("server: generate session secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Relay returns the relay core.
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// Tokens returns the login token registry.
func (s *Server) Tokens() *tokens.Registry {
	return s.tokens
}

// Sessions returns the web session token issuer.
func (s *Server) Sessions() *auth.Sessions {
	return s.sessions
}

// Bot returns the Telegram update handler.
func (s *Server) Bot() *bot.Bot {
	return s.bot
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}
