// Package protocol defines the JSON event frames exchanged with web clients.
//
// Every websocket message carries one Frame. Inbound frames are decoded into
// one of the request types below and validated before they reach the relay;
// outbound events implement Event.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

const (
	// MaxFrameBytes is the maximum accepted size of one inbound frame.
	MaxFrameBytes = 65536
)

// Inbound frame types.
const (
	TypeAuthenticate   = "authenticate"
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeMessage        = "message"
	TypePrivateMessage = "privateMessage"
	TypeDisconnect     = "disconnect"
)

// Outbound-only frame types. TypeMessage and TypePrivateMessage are used in
// both directions.
const (
	TypeAuthenticated = "authenticated"
	TypeRoomHistory   = "roomHistory"
	TypeUserList      = "userList"
	TypeError         = "error"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ErrInvalidFrame is returned for frames that cannot be decoded or fail
// validation.
var ErrInvalidFrame = &model.Error{Kind: model.KindInvalidArgument, Msg: "invalid frame"}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFrame, fmt.Sprintf(format, args...))
}

// ----- Inbound -----

// Request is a decoded inbound frame payload.
type Request interface {
	Validate() error
}

// Authenticate binds the connection to a user, either through a session
// token or, when the server allows it, a bare user id.
type Authenticate struct {
	UserID int64  `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (a *Authenticate) Validate() error {
	a.Token = strings.TrimSpace(a.Token)
	if a.Token == "" && a.UserID <= 0 {
		return invalid("authenticate needs a token or userId")
	}
	return nil
}

type Join struct {
	Room string `json:"room"`
}

func (j *Join) Validate() error {
	j.Room = model.NormalizeRoomName(j.Room)
	return model.ValidateRoomName(j.Room)
}

type Leave struct{}

func (*Leave) Validate() error { return nil }

// SendMessage posts to a room. Room may be empty to mean the session's
// current room.
type SendMessage struct {
	Room    string `json:"room,omitempty"`
	Text    string `json:"text"`
	ReplyTo *int64 `json:"replyTo,omitempty"`
}

func (m *SendMessage) Validate() error {
	m.Room = model.NormalizeRoomName(m.Room)
	if m.Room != "" {
		if err := model.ValidateRoomName(m.Room); err != nil {
			return err
		}
	}
	if err := model.ValidateMessageText(m.Text); err != nil {
		return err
	}
	if m.ReplyTo != nil && *m.ReplyTo <= 0 {
		return invalid("replyTo must be a message id")
	}
	return nil
}

type SendPrivateMessage struct {
	To   int64  `json:"to"`
	Text string `json:"text"`
}

func (m *SendPrivateMessage) Validate() error {
	if m.To <= 0 {
		return invalid("to must be a user id")
	}
	return model.ValidateMessageText(m.Text)
}

type Disconnect struct{}

func (*Disconnect) Validate() error { return nil }

// DecodeRequest decodes and validates the payload of an inbound frame.
func DecodeRequest(f Frame) (Request, error) {
	var req Request
	switch f.Type {
	case TypeAuthenticate:
		req = &Authenticate{}
	case TypeJoin:
		req = &Join{}
	case TypeLeave:
		req = &Leave{}
	case TypeMessage:
		req = &SendMessage{}
	case TypePrivateMessage:
		req = &SendPrivateMessage{}
	case TypeDisconnect:
		req = &Disconnect{}
	case "":
		return nil, invalid("missing frame type")
	default:
		return nil, invalid("unsupported frame type %q", f.Type)
	}

	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		dec := json.NewDecoder(bytes.NewReader(f.Payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(req); err != nil {
			return nil, invalid("%s payload: %v", f.Type, err)
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// ----- Outbound -----

// Event is an outbound payload.
type Event interface {
	EventType() string
}

type Authenticated struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

func (Authenticated) EventType() string { return TypeAuthenticated }

// Message is a room message as delivered to web clients. System notices
// have System set and no ID.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	Room      string    `json:"room"`
	SenderID  int64     `json:"senderId,omitempty"`
	Sender    string    `json:"sender"`
	IsAdmin   bool      `json:"isAdmin"`
	Text      string    `json:"text"`
	ReplyTo   *int64    `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	System    bool      `json:"system,omitempty"`
	Source    string    `json:"source"`
}

func (Message) EventType() string { return TypeMessage }

type RoomHistory struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
}

func (RoomHistory) EventType() string { return TypeRoomHistory }

type PrivateMessage struct {
	From      int64     `json:"from"`
	FromName  string    `json:"fromName"`
	To        int64     `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func (PrivateMessage) EventType() string { return TypePrivateMessage }

type UserInfo struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type UserList struct {
	Room  string     `json:"room"`
	Users []UserInfo `json:"users"`
}

func (UserList) EventType() string { return TypeUserList }

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Error) EventType() string { return TypeError }

// ErrorFor converts err into an error event, hiding internal details.
func ErrorFor(err error) Error {
	kind := model.KindOf(err)
	if kind == model.KindInternal {
		return Error{Code: string(kind), Message: "internal error"}
	}
	var domainErr *model.Error
	msg := err.Error()
	if errors.As(err, &domainErr) && !errors.Is(err, ErrInvalidFrame) {
		msg = domainErr.Msg
	}
	return Error{Code: string(kind), Message: msg}
}

// EncodeFrame wraps ev in a Frame.
func EncodeFrame(requestID string, ev Event) (Frame, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal %s: %w", ev.EventType(), err)
	}
	return Frame{Type: ev.EventType(), RequestID: requestID, Payload: payload}, nil
}
