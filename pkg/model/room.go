package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultRoomName   = "general"
	MaxRoomNameLength = 64
)

var ErrRoomNameEmpty = newError(KindInvalidArgument, "room name must not be empty")
var ErrRoomNameTooLong = newError(KindInvalidArgument, fmt.Sprintf("room name must not exceed %d characters", MaxRoomNameLength))
var ErrRoomNameInvalidChars = newError(KindInvalidArgument, "room name must not contain spaces or control characters")

// Room is a named broadcast group joined by web sessions and Telegram chats.
type Room struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedBy int64     `json:"createdBy"` // 0 = created by the system
	IsPrivate bool      `json:"isPrivate"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewDefaultRoom returns the always-present default room.
func NewDefaultRoom() *Room {
	return &Room{Name: DefaultRoomName}
}

// IsDefault reports whether the room is the default room.
func (r *Room) IsDefault() bool {
	return r.Name == DefaultRoomName
}

// Validate checks the room name.
func (r *Room) Validate() error {
	return ValidateRoomName(r.Name)
}

// NormalizeRoomName trims surrounding whitespace. Names are case sensitive.
func NormalizeRoomName(name string) string {
	return strings.TrimSpace(name)
}

// ValidateRoomName accepts 1-64 characters with no whitespace or control
// characters.
func ValidateRoomName(name string) error {
	if name == "" {
		return ErrRoomNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return ErrRoomNameInvalidChars
		}
	}
	return nil
}
