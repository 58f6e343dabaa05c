package model

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageMaxTextLength matches the Bot API limit for a single text message.
const MessageMaxTextLength = 4096

var ErrMessageTextTooLong = newError(KindInvalidArgument, fmt.Sprintf("message text exceeds %d characters", MessageMaxTextLength))
var ErrMessageTextEmpty = newError(KindInvalidArgument, "message text cannot be empty")

// Message is an immutable room message.
type Message struct {
	ID        int64     `json:"id"`
	RoomID    int64     `json:"roomId"`
	SenderID  int64     `json:"senderId"`
	Text      string    `json:"text"`
	ReplyTo   *int64    `json:"replyTo,omitempty"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

func (m *Message) Validate() error {
	return ValidateMessageText(m.Text)
}

// ValidateMessageText checks that text is non-blank and within the size limit.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrMessageTextEmpty
	} else if utf8.RuneCountInString(text) > MessageMaxTextLength {
		return ErrMessageTextTooLong
	}
	return nil
}

type MessageFilters struct {
	LimitToRoomID   *int64
	LimitToSenderID *int64
	PageSize        *int64
	Offset          *int64
}
