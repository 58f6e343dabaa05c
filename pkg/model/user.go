package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MaxDisplayNameLength = 64
	MaxExternalIDLength  = 64
)

var ErrDisplayNameEmpty = newError(KindInvalidArgument, "display name must not be empty")
var ErrDisplayNameTooLong = newError(KindInvalidArgument, fmt.Sprintf("display name must not exceed %d characters", MaxDisplayNameLength))
var ErrDisplayNameInvalidChars = newError(KindInvalidArgument, "display name must not contain control characters")
var ErrExternalIDInvalid = newError(KindInvalidArgument, "external id must be 1-64 characters without whitespace")
var ErrInvalidRole = newError(KindInvalidArgument, "invalid role: must be user (0) or admin (1)")

// User represents a person known to the relay. ExternalID is the Telegram
// user id rendered in decimal.
type User struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"externalId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	Verified    bool      `json:"isVerified"`
	LastAuthAt  time.Time `json:"lastAuthAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// Validate checks the fields that are enforced by storage.
func (u *User) Validate() error {
	if err := ValidateExternalID(u.ExternalID); err != nil {
		return err
	}
	if err := ValidateDisplayName(u.DisplayName); err != nil {
		return err
	}
	if !u.Role.Valid() {
		return ErrInvalidRole
	}
	return nil
}

// ValidateDisplayName accepts 1-64 printable characters after trimming.
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrDisplayNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return ErrDisplayNameTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return ErrDisplayNameInvalidChars
		}
	}
	return nil
}

// ValidateExternalID checks an external platform identity.
func ValidateExternalID(id string) error {
	if id == "" || len(id) > MaxExternalIDLength {
		return ErrExternalIDInvalid
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrExternalIDInvalid
		}
	}
	return nil
}

// TruncateDisplayName trims name and cuts it to MaxDisplayNameLength runes.
// External profiles are not under our control, so they are clipped instead
// of rejected.
func TruncateDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(name))
	if utf8.RuneCountInString(name) <= MaxDisplayNameLength {
		return name
	}
	return string([]rune(name)[:MaxDisplayNameLength])
}
