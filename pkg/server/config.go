package server

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/NicolasHaas/tgbridge/pkg/logging"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
)

// Telegram integration modes.
const (
	TelegramWebhook = "webhook"
	TelegramPoll    = "poll"
	TelegramOff     = "off"
)

// WebhookPath is where Telegram posts updates in webhook mode.
const WebhookPath = "/telegram/webhook"

// Config holds server configuration. Every field can be set from the
// environment; command-line flags override it.
//
// MetricsAddr adds a listener serving only /metrics. PublicURL is the base
// URL of the web client and of the webhook. An empty SessionSecret is
// replaced by a random one, so sessions do not survive a restart. An empty
// AllowedOrigins accepts websocket connections from any origin. FrameRate
// caps inbound websocket frames per second per connection.
type Config struct {
	HTTPAddr          string `env:"TGBRIDGE_HTTP_ADDR" envDefault:":5000"`
	MetricsAddr       string `env:"TGBRIDGE_METRICS_ADDR"`
	DBPath            string `env:"TGBRIDGE_DB_PATH" envDefault:"tgbridge.db"`
	RoomsFile         string `env:"TGBRIDGE_ROOMS_FILE"`
	SubscriptionsPath string `env:"TGBRIDGE_SUBSCRIPTIONS_PATH" envDefault:"subscriptions.db"`

	BotToken       string        `env:"TELEGRAM_BOT_TOKEN"`
	WebhookSecret  string        `env:"TELEGRAM_WEBHOOK_SECRET"`
	PublicURL      string        `env:"TGBRIDGE_PUBLIC_URL"`
	TelegramMode   string        `env:"TELEGRAM_MODE" envDefault:"poll"`
	TelegramAPIURL string        `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org"`
	TelegramRPS    int           `env:"TELEGRAM_RPS" envDefault:"25"`
	PollTimeout    time.Duration `env:"TELEGRAM_POLL_TIMEOUT" envDefault:"25s"`
	AdminIDs       []string      `env:"TGBRIDGE_ADMIN_IDS" envSeparator:","`

	SessionSecret   string        `env:"TGBRIDGE_SESSION_SECRET"`
	SessionTTL      time.Duration `env:"TGBRIDGE_SESSION_TTL" envDefault:"168h"`
	TokenTTL        time.Duration `env:"TGBRIDGE_TOKEN_TTL" envDefault:"5m"`
	PasswordTTL     time.Duration `env:"TGBRIDGE_TOKEN_PASSWORD_TTL" envDefault:"24h"`
	TokenCooldown   time.Duration `env:"TGBRIDGE_TOKEN_COOLDOWN" envDefault:"0s"`
	LoginMaxAge     time.Duration `env:"TGBRIDGE_LOGIN_MAX_AGE" envDefault:"24h"`
	AllowUserIDAuth bool          `env:"TGBRIDGE_ALLOW_USER_ID_AUTH"`
	AllowedOrigins  []string      `env:"TGBRIDGE_ALLOWED_ORIGINS" envSeparator:","`
	HistoryLimit    int           `env:"TGBRIDGE_HISTORY_LIMIT" envDefault:"50"`
	FrameRate       int           `env:"TGBRIDGE_WS_FRAME_RATE" envDefault:"20"`

	LogLevel  string `env:"TGBRIDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"TGBRIDGE_LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"TGBRIDGE_LOG_FILE"`
}

// DefaultConfig returns the configuration with every default applied and
// nothing read from the environment.
func DefaultConfig() Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		panic(fmt.Sprintf("server: default config: %v", err))
	}
	return cfg
}

// LoadConfig reads an optional .env file and then the environment. An
// explicit envFile must exist; the implicit ".env" may be missing.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("server: load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("server: load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("server: parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("server: http address is required")
	}
	switch c.TelegramMode {
	case TelegramOff:
	case TelegramPoll, TelegramWebhook:
		if strings.TrimSpace(c.BotToken) == "" {
			return fmt.Errorf("server: telegram mode %q needs a bot token", c.TelegramMode)
		}
	default:
		return fmt.Errorf("server: unknown telegram mode %q (want webhook, poll or off)", c.TelegramMode)
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server: public url %q is not an absolute http(s) url", c.PublicURL)
		}
	}
	if c.TelegramMode == TelegramWebhook {
		if !strings.HasPrefix(c.PublicURL, "https://") {
			return errors.New("server: webhook mode needs an https public url")
		}
		if c.WebhookSecret == "" {
			return errors.New("server: webhook mode needs a webhook secret")
		}
	}
	if c.SessionSecret != "" && len(c.SessionSecret) < 32 {
		return errors.New("server: session secret must be at least 32 bytes")
	}
	if c.HistoryLimit < 1 || c.HistoryLimit > relay.MaxHistoryLimit {
		return fmt.Errorf("server: history limit must be between 1 and %d", relay.MaxHistoryLimit)
	}
	if c.FrameRate < 1 {
		return errors.New("server: websocket frame rate must be positive")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"session ttl", c.SessionTTL},
		{"token ttl", c.TokenTTL},
		{"password ttl", c.PasswordTTL},
		{"login max age", c.LoginMaxAge},
		{"telegram poll timeout", c.PollTimeout},
	} {
		if d.value <= 0 {
			return fmt.Errorf("server: %s must be positive", d.name)
		}
	}
	if c.TokenCooldown < 0 {
		return errors.New("server: token cooldown must not be negative")
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// LoggingOptions maps the log settings onto logging.Options.
func (c Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile}
}
