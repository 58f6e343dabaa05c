package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/logging"
	"github.com/NicolasHaas/tgbridge/pkg/server"
	"github.com/NicolasHaas/tgbridge/pkg/subscriptions"
	"github.com/NicolasHaas/tgbridge/pkg/telegram"
)

func newServeCmd(flags *configFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: "Run the relay server. Settings come from the environment (and an optional .env file);\n" +
			"flags override them. The bot token, webhook secret and session secret are read from\n" +
			"TELEGRAM_BOT_TOKEN, TELEGRAM_WEBHOOK_SECRET and TGBRIDGE_SESSION_SECRET only.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, flags)
		},
	}

	fs := cmd.Flags()
	flagVar(flags, fs.StringVar, "http", func(c *server.Config) *string { return &c.HTTPAddr }, "HTTP listen address for the API, websocket and webhook")
	flagVar(flags, fs.StringVar, "metrics", func(c *server.Config) *string { return &c.MetricsAddr }, "Extra listen address serving only /metrics and /healthz")
	flagVar(flags, fs.StringVar, "rooms-file", func(c *server.Config) *string { return &c.RoomsFile }, "YAML file defining rooms to create on startup")
	flagVar(flags, fs.StringVar, "subscriptions", func(c *server.Config) *string { return &c.SubscriptionsPath }, "bbolt file for chat subscriptions (empty keeps them in memory)")
	flagVar(flags, fs.StringVar, "telegram-mode", func(c *server.Config) *string { return &c.TelegramMode }, "Telegram updates: webhook, poll or off")
	flagVar(flags, fs.StringVar, "telegram-api", func(c *server.Config) *string { return &c.TelegramAPIURL }, "Bot API base URL")
	flagVar(flags, fs.IntVar, "telegram-rps", func(c *server.Config) *int { return &c.TelegramRPS }, "Outbound Telegram messages per second")
	flagVar(flags, fs.StringVar, "public-url", func(c *server.Config) *string { return &c.PublicURL }, "Public base URL of the web client")
	flagVar(flags, fs.StringSliceVar, "admin", func(c *server.Config) *[]string { return &c.AdminIDs }, "Telegram user ids promoted to admin on contact")
	flagVar(flags, fs.DurationVar, "session-ttl", func(c *server.Config) *time.Duration { return &c.SessionTTL }, "Lifetime of web session tokens")
	flagVar(flags, fs.DurationVar, "token-ttl", func(c *server.Config) *time.Duration { return &c.TokenTTL }, "Lifetime of login links")
	flagVar(flags, fs.DurationVar, "token-password-ttl", func(c *server.Config) *time.Duration { return &c.PasswordTTL }, "Lifetime of password protected login links")
	flagVar(flags, fs.DurationVar, "token-cooldown", func(c *server.Config) *time.Duration { return &c.TokenCooldown }, "Minimum time between login links for one user (0 disables)")
	flagVar(flags, fs.DurationVar, "login-max-age", func(c *server.Config) *time.Duration { return &c.LoginMaxAge }, "Maximum age of Telegram Login Widget data")
	flagVar(flags, fs.BoolVar, "allow-user-id-auth", func(c *server.Config) *bool { return &c.AllowUserIDAuth }, "Accept a bare userId on websocket authenticate (development only)")
	flagVar(flags, fs.StringSliceVar, "allowed-origins", func(c *server.Config) *[]string { return &c.AllowedOrigins }, "Websocket origins to accept (empty accepts any)")
	flagVar(flags, fs.IntVar, "history-limit", func(c *server.Config) *int { return &c.HistoryLimit }, "Messages sent to a client joining a room")
	flagVar(flags, fs.IntVar, "ws-frame-rate", func(c *server.Config) *int { return &c.FrameRate }, "Inbound websocket frames per second per connection")
	return cmd
}

func runServe(cmd *cobra.Command, flags *configFlags) error {
	cfg, err := flags.load(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logOpts := cfg.LoggingOptions()
	logOpts.Output = os.Stdout
	logCloser, err := logging.Setup(logOpts)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	defer func() { _ = logCloser.Close() }()

	st, err := datastore.NewProviderFactory(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	deps := server.Dependencies{Store: st}
	if cfg.SubscriptionsPath != "" {
		subs, err := subscriptions.Open(cfg.SubscriptionsPath)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("open subscriptions: %w", err)
		}
		deps.Subscriptions = subs
	}
	if cfg.TelegramMode != server.TelegramOff {
		deps.Telegram = telegram.New(cfg.BotToken, telegram.Options{
			BaseURL: cfg.TelegramAPIURL,
			RPS:     cfg.TelegramRPS,
		})
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
		_ = st.Close()
		if deps.Subscriptions != nil {
			_ = deps.Subscriptions.Close()
		}
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		return err
	}
	return nil
}
