// Package auth issues and checks the signed session tokens web clients
// present on the websocket after logging in.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

const (
	DefaultSessionTTL = 7 * 24 * time.Hour
	issuer            = "tgbridge"
	minSecretLength   = 32
)

var errSecretTooShort = fmt.Errorf("auth: session secret must be at least %d bytes", minSecretLength)

// Claims identify a bridge user.
type Claims struct {
	UserID      int64  `json:"uid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// Sessions signs session tokens with HS256.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions creates a token issuer. ttl <= 0 uses DefaultSessionTTL;
// now may be nil.
func NewSessions(secret string, ttl time.Duration, now func() time.Time) (*Sessions, error) {
	if len(secret) < minSecretLength {
		return nil, errSecretTooShort
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: now}, nil
}

// Issue returns a signed token for user and its expiry.
func (s *Sessions) Issue(user *model.User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := Claims{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign session: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse validates token and returns its claims. Expired tokens give
// model.ErrTokenExpired; anything else invalid gives model.ErrUnauthenticated.
func (s *Sessions) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, model.ErrTokenExpired
		}
		return nil, model.ErrUnauthenticated
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return nil, model.ErrUnauthenticated
	}
	return claims, nil
}
