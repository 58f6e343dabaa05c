// Package metrics tracks relay runtime statistics with lock-free counters.
package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics tracks relay runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime websocket connections accepted
	ActiveConnections atomic.Int64 // current websocket connections
	TotalDisconnects  atomic.Int64
	SuccessfulAuths   atomic.Int64
	FailedAuths       atomic.Int64

	// Chat counters
	MessagesRelayed   atomic.Int64 // room messages persisted and fanned out
	PrivateMessages   atomic.Int64
	ExternalInbound   atomic.Int64 // messages received from Telegram chats
	RoomsCreated      atomic.Int64
	ChatSubscriptions atomic.Int64 // current Telegram chats subscribed to a room

	// Telegram counters
	TelegramSent    atomic.Int64
	TelegramFailed  atomic.Int64
	TelegramDropped atomic.Int64 // jobs dropped because the dispatch queue was full

	// Token counters
	TokensIssued   atomic.Int64
	TokensRedeemed atomic.Int64
	TokensRejected atomic.Int64
}

// New creates a Metrics instance with the start time set to now.
func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`

	MessagesRelayed   int64 `json:"messages_relayed"`
	PrivateMessages   int64 `json:"private_messages"`
	ExternalInbound   int64 `json:"external_inbound"`
	RoomsCreated      int64 `json:"rooms_created"`
	ChatSubscriptions int64 `json:"chat_subscriptions"`

	TelegramSent    int64 `json:"telegram_sent"`
	TelegramFailed  int64 `json:"telegram_failed"`
	TelegramDropped int64 `json:"telegram_dropped"`

	TokensIssued   int64 `json:"tokens_issued"`
	TokensRedeemed int64 `json:"tokens_redeemed"`
	TokensRejected int64 `json:"tokens_rejected"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() Snapshot {
	uptime := time.Since(m.startTime)
	return Snapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		MessagesRelayed:   m.MessagesRelayed.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		ExternalInbound:   m.ExternalInbound.Load(),
		RoomsCreated:      m.RoomsCreated.Load(),
		ChatSubscriptions: m.ChatSubscriptions.Load(),
		TelegramSent:      m.TelegramSent.Load(),
		TelegramFailed:    m.TelegramFailed.Load(),
		TelegramDropped:   m.TelegramDropped.Load(),
		TokensIssued:      m.TokensIssued.Load(),
		TokensRedeemed:    m.TokensRedeemed.Load(),
		TokensRejected:    m.TokensRejected.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"messages", s.MessagesRelayed,
		"private_messages", s.PrivateMessages,
		"telegram_sent", s.TelegramSent,
		"telegram_failed", s.TelegramFailed,
		"telegram_dropped", s.TelegramDropped,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}

// Handler serves all metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(m.serveHTTP)
}

func (m *Metrics) serveHTTP(w http.ResponseWriter, _ *http.Request) {
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("tgbridge_uptime_seconds", "Relay uptime in seconds.", "gauge", uptime)

	write("tgbridge_connections_active", "Current websocket connections.", "gauge",
		m.ActiveConnections.Load())
	write("tgbridge_connections_total", "Lifetime websocket connections accepted.", "counter",
		m.TotalConnections.Load())
	write("tgbridge_disconnects_total", "Total websocket disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("tgbridge_auth_success_total", "Successful session authentications.", "counter",
		m.SuccessfulAuths.Load())
	write("tgbridge_auth_failed_total", "Failed session authentications.", "counter",
		m.FailedAuths.Load())

	write("tgbridge_messages_total", "Room messages relayed.", "counter",
		m.MessagesRelayed.Load())
	write("tgbridge_private_messages_total", "Private messages delivered.", "counter",
		m.PrivateMessages.Load())
	write("tgbridge_external_inbound_total", "Messages received from Telegram chats.", "counter",
		m.ExternalInbound.Load())
	write("tgbridge_rooms_created_total", "Rooms created.", "counter",
		m.RoomsCreated.Load())
	write("tgbridge_chat_subscriptions", "Telegram chats subscribed to a room.", "gauge",
		m.ChatSubscriptions.Load())

	write("tgbridge_telegram_sent_total", "Telegram messages sent.", "counter",
		m.TelegramSent.Load())
	write("tgbridge_telegram_failed_total", "Telegram sends that failed.", "counter",
		m.TelegramFailed.Load())
	write("tgbridge_telegram_dropped_total", "Telegram sends dropped on a full queue.", "counter",
		m.TelegramDropped.Load())

	write("tgbridge_tokens_issued_total", "Login tokens issued.", "counter",
		m.TokensIssued.Load())
	write("tgbridge_tokens_redeemed_total", "Login tokens redeemed.", "counter",
		m.TokensRedeemed.Load())
	write("tgbridge_tokens_rejected_total", "Login token redemptions rejected.", "counter",
		m.TokensRejected.Load())
}
