package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Update is the subset of a Bot API update the bridge consumes.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date,omitempty"`
	Chat      *Chat  `json:"chat,omitempty"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

type Chat struct {
	ID    int64  `json:"id"`
	Type  string `json:"type,omitempty"` // private|group|supergroup|channel
	Title string `json:"title,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName picks the friendliest available name for u.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	return displayName(u.FirstName, u.LastName, u.Username)
}

// ExternalID is the user id as stored by the bridge.
func (u *User) ExternalID() string {
	return strconv.FormatInt(u.ID, 10)
}

func displayName(first, last, username string) string {
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)
	username = strings.TrimSpace(username)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	case username != "":
		return "@" + username
	default:
		return ""
	}
}

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = "request failed"
	}
	code := e.ErrorCode
	if code == 0 {
		code = e.StatusCode
	}
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, code, desc)
}

// Permanent reports whether retrying the same request cannot succeed: most
// 4xx answers (blocked bot, unknown chat) except rate limiting.
func (e *APIError) Permanent() bool {
	code := e.ErrorCode
	if code == 0 {
		code = e.StatusCode
	}
	if code == 429 || e.RetryAfter > 0 {
		return false
	}
	desc := strings.ToLower(e.Description)
	if strings.Contains(desc, "retry_after") || strings.Contains(desc, "retry after") {
		return false
	}
	return code >= 400 && code < 500
}
