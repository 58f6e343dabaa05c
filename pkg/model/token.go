package model

import "time"

// PendingToken is a single-use login credential waiting to be redeemed.
// Only the SHA-256 hash of the token is kept.
type PendingToken struct {
	Hash              string
	SubjectExternalID string
	IssuedAt          time.Time
	ExpiresAt         time.Time

	PasswordHash []byte // nil = no password gate
	PasswordSalt []byte

	Attempts      int
	Locked        bool
	LockExpiresAt time.Time
}

// IsExpired reports whether the token is past its expiry at now.
func (t *PendingToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// HasPassword reports whether redemption requires a password.
func (t *PendingToken) HasPassword() bool {
	return len(t.PasswordHash) > 0
}
