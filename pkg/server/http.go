package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/protocol"
	"github.com/NicolasHaas/tgbridge/pkg/relay"
	"github.com/NicolasHaas/tgbridge/pkg/telegram"
	"github.com/NicolasHaas/tgbridge/pkg/version"
)

const (
	// Header Telegram sets on webhook calls when a secret was registered.
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	maxBodyBytes = 64 << 10
)

var (
	errBadBody          = &model.Error{Kind: model.KindInvalidArgument, Msg: "invalid request body"}
	errMissingToken     = &model.Error{Kind: model.KindInvalidArgument, Msg: "token is required"}
	errLoginUnavailable = &model.Error{Kind: model.KindUpstreamUnavailable, Msg: "telegram login is not configured"}
)

// Handler returns the HTTP API, the websocket endpoint and, in webhook
// mode, the Telegram webhook.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.TelegramMode == TelegramWebhook {
		mux.HandleFunc("POST "+WebhookPath, s.handleWebhook)
	}
	mux.HandleFunc("POST /api/telegram/verify", s.handleLoginWidget)
	mux.HandleFunc("GET /api/telegram/deep-link", s.handleDeepLink)
	mux.HandleFunc("POST /api/verify-link-password", s.handleVerifyLinkPassword)
	mux.HandleFunc("POST /api/set-link-password", s.handleSetLinkPassword)
	mux.HandleFunc("GET /api/rooms", s.handleRooms)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.Handle("GET /ws", s.wsHandler())
	return mux
}

// ---- Telegram webhook ----

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookSecret != "" {
		got := r.Header.Get(telegramSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.WebhookSecret)) != 1 {
			slog.Warn("webhook call with bad secret", "remote", r.RemoteAddr)
			writeError(w, model.ErrUnauthenticated)
			return
		}
	}

	var update telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&update); err != nil {
		writeError(w, errBadBody)
		return
	}
	s.bot.HandleUpdate(r.Context(), update)
	w.WriteHeader(http.StatusOK)
}

// ---- Login ----

type loginResponse struct {
	User         protocol.Authenticated `json:"user"`
	SessionToken string                 `json:"sessionToken"`
	ExpiresAt    time.Time              `json:"expiresAt"`
}

type linkPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func (s *Server) handleLoginWidget(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BotToken == "" {
		writeError(w, errLoginUnavailable)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errBadBody)
		return
	}
	fields, err := telegram.ParseLoginPayload(raw)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := telegram.VerifyLogin(fields, s.cfg.BotToken, s.cfg.LoginMaxAge, time.Now())
	if err != nil {
		s.metrics.FailedAuths.Add(1)
		writeError(w, err)
		return
	}

	user, err := s.relay.Identity().MarkVerified(r.Context(), relay.ExternalProfile{
		ID:          data.ExternalID(),
		DisplayName: data.DisplayName(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeLogin(w, user)
}

func (s *Server) handleDeepLink(w http.ResponseWriter, r *http.Request) {
	s.redeem(w, r, r.URL.Query().Get("token"), "")
}

func (s *Server) handleVerifyLinkPassword(w http.ResponseWriter, r *http.Request) {
	var req linkPasswordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Password == "" {
		writeError(w, model.ErrPasswordRequired)
		return
	}
	s.redeem(w, r, req.Token, req.Password)
}

func (s *Server) handleSetLinkPassword(w http.ResponseWriter, r *http.Request) {
	var req linkPasswordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeError(w, errMissingToken)
		return
	}
	if err := s.tokens.SetPassword(token, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// redeem consumes a login token and answers with a session for its user.
func (s *Server) redeem(w http.ResponseWriter, r *http.Request, token, password string) {
	token = strings.TrimSpace(token)
	if token == "" {
		writeError(w, errMissingToken)
		return
	}
	subject, err := s.tokens.Redeem(token, password)
	if err != nil {
		s.metrics.TokensRejected.Add(1)
		writeError(w, err)
		return
	}
	s.metrics.TokensRedeemed.Add(1)

	// Keep the name the bot recorded; the token carries only the id.
	profile := relay.ExternalProfile{ID: subject}
	existing, err := s.relay.Identity().GetByExternalID(r.Context(), subject)
	switch {
	case err == nil:
		profile.DisplayName = existing.DisplayName
	case !errors.Is(err, model.ErrUserNotFound):
		writeError(w, err)
		return
	}
	user, err := s.relay.Identity().MarkVerified(r.Context(), profile)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeLogin(w, user)
}

func (s *Server) writeLogin(w http.ResponseWriter, user *model.User) {
	token, expiresAt, err := s.sessions.Issue(user)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("web login", "user", user.ID, "external_id", user.ExternalID)
	writeJSON(w, http.StatusOK, loginResponse{
		User: protocol.Authenticated{
			ID:          user.ID,
			Username:    user.ExternalID,
			DisplayName: user.DisplayName,
			IsAdmin:     user.IsAdmin(),
		},
		SessionToken: token,
		ExpiresAt:    expiresAt,
	})
}

// ---- Info ----

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.relay.Rooms(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
	})
}

// ---- Helpers ----

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		slog.Error("request failed", "err", err)
	}
	writeJSON(w, statusFor(kind), map[string]protocol.Error{"error": protocol.ErrorFor(err)})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindUnauthenticated, model.KindWrongPassword, model.KindPasswordRequired:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindAlreadySet:
		return http.StatusConflict
	case model.KindExpired:
		return http.StatusGone
	case model.KindLocked:
		return http.StatusLocked
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
