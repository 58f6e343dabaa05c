// Package tokens implements the in-memory registry of single-use login
// tokens handed out by the Telegram bot.
package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/crypto"
	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// Defaults for Options fields left at zero.
const (
	DefaultTTL          = 5 * time.Minute
	DefaultPasswordTTL  = 24 * time.Hour
	DefaultMaxAttempts  = 5
	DefaultLockDuration = 15 * time.Minute
	DefaultSweepGrace   = time.Hour
)

// Options configures a Registry.
type Options struct {
	TTL          time.Duration // lifetime of a bare token
	PasswordTTL  time.Duration // lifetime from issuance once a password is bound
	Cooldown     time.Duration // minimum gap between issues for one subject; 0 disables
	MaxAttempts  int
	LockDuration time.Duration
	SweepGrace   time.Duration // how long expired tokens linger before Sweep drops them
	Now          func() time.Time
}

func (o *Options) applyDefaults() {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.PasswordTTL <= 0 {
		o.PasswordTTL = DefaultPasswordTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.LockDuration <= 0 {
		o.LockDuration = DefaultLockDuration
	}
	if o.SweepGrace <= 0 {
		o.SweepGrace = DefaultSweepGrace
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Registry holds pending tokens keyed by the hash of the raw token.
type Registry struct {
	opts Options

	mu         sync.Mutex
	tokens     map[string]*model.PendingToken
	lastIssued map[string]time.Time // subject -> last issue time, for the cool-down
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		opts:       opts,
		tokens:     make(map[string]*model.PendingToken),
		lastIssued: make(map[string]time.Time),
	}
}

// Issue creates a token for subject and returns the raw token. Only its
// hash is kept.
func (r *Registry) Issue(subject string) (string, time.Time, error) {
	if err := model.ValidateExternalID(subject); err != nil {
		return "", time.Time{}, fmt.Errorf("tokens: issue: %w", err)
	}
	raw, err := crypto.GenerateToken()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("tokens: issue: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	if r.opts.Cooldown > 0 {
		if last, ok := r.lastIssued[subject]; ok && now.Sub(last) < r.opts.Cooldown {
			return "", time.Time{}, fmt.Errorf("tokens: issue: %w", model.ErrTokenCooldown)
		}
	}

	tok := &model.PendingToken{
		Hash:              crypto.HashToken(raw),
		SubjectExternalID: subject,
		IssuedAt:          now,
		ExpiresAt:         now.Add(r.opts.TTL),
	}
	r.tokens[tok.Hash] = tok
	r.lastIssued[subject] = now
	return raw, tok.ExpiresAt, nil
}

// Redeem consumes the token and returns its subject. A password-gated
// token needs the matching password; wrong guesses count towards the lock.
func (r *Registry) Redeem(raw, password string) (string, error) {
	hash := crypto.HashToken(raw)

	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[hash]
	if !ok {
		return "", fmt.Errorf("tokens: redeem: %w", model.ErrTokenNotFound)
	}
	now := r.opts.Now()
	if tok.IsExpired(now) {
		delete(r.tokens, hash)
		return "", fmt.Errorf("tokens: redeem: %w", model.ErrTokenExpired)
	}
	if tok.Locked {
		if now.Before(tok.LockExpiresAt) {
			return "", fmt.Errorf("tokens: redeem: %w", model.ErrTokenLocked)
		}
		tok.Locked = false
		tok.Attempts = 0
		tok.LockExpiresAt = time.Time{}
	}
	if tok.HasPassword() {
		if password == "" {
			return "", fmt.Errorf("tokens: redeem: %w", model.ErrPasswordRequired)
		}
		if !crypto.VerifyPassword(password, tok.PasswordSalt, tok.PasswordHash) {
			tok.Attempts++
			if tok.Attempts >= r.opts.MaxAttempts {
				tok.Locked = true
				tok.LockExpiresAt = now.Add(r.opts.LockDuration)
				slog.Warn("login token locked", "subject", tok.SubjectExternalID, "attempts", tok.Attempts)
			}
			return "", fmt.Errorf("tokens: redeem: %w", model.ErrWrongPassword)
		}
	}

	delete(r.tokens, hash)
	return tok.SubjectExternalID, nil
}

// SetPassword binds a password to the token once and extends its lifetime
// to PasswordTTL from issuance.
func (r *Registry) SetPassword(raw, password string) error {
	if password == "" {
		return fmt.Errorf("tokens: set password: %w", model.ErrPasswordRequired)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("tokens: set password: %w", err)
	}
	hashed := crypto.HashPassword(password, salt)

	hash := crypto.HashToken(raw)
	r.mu.Lock()
	defer r.mu.Unlock()

	tok, ok := r.tokens[hash]
	if !ok || tok.IsExpired(r.opts.Now()) {
		return fmt.Errorf("tokens: set password: %w", model.ErrTokenNotFound)
	}
	if tok.HasPassword() {
		return fmt.Errorf("tokens: set password: %w", model.ErrPasswordSet)
	}
	tok.PasswordSalt = salt
	tok.PasswordHash = hashed
	if extended := tok.IssuedAt.Add(r.opts.PasswordTTL); extended.After(tok.ExpiresAt) {
		tok.ExpiresAt = extended
	}
	return nil
}

// Sweep drops tokens that expired more than SweepGrace ago and stale
// cool-down entries. It returns the number of tokens removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	removed := 0
	for hash, tok := range r.tokens {
		if now.Sub(tok.ExpiresAt) > r.opts.SweepGrace {
			delete(r.tokens, hash)
			removed++
		}
	}
	for subject, last := range r.lastIssued {
		if now.Sub(last) >= r.opts.Cooldown {
			delete(r.lastIssued, subject)
		}
	}
	return removed
}

// Len returns the number of tokens held, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					slog.Debug("swept login tokens", "removed", n)
				}
			}
		}
	}()
}
