package model

import "errors"

// Kind classifies a domain failure. Transports map kinds to wire error codes
// and HTTP statuses.
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindExpired             Kind = "expired"
	KindLocked              Kind = "locked"
	KindWrongPassword       Kind = "wrong_password"
	KindPasswordRequired    Kind = "password_required"
	KindAlreadySet          Kind = "already_set"
	KindInvalidArgument     Kind = "invalid_argument"
	KindRateLimited         Kind = "rate_limited"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindInternal            Kind = "internal"
)

// Error is a classified domain error. Sentinels below are compared with
// errors.Is, so wrap them with %w rather than copying them.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

var (
	ErrUnauthenticated = newError(KindUnauthenticated, "not authenticated")

	ErrForbidden      = newError(KindForbidden, "permission denied")
	ErrRoomCreateDeny = newError(KindForbidden, "only admins can create rooms")
	ErrNotInRoom      = newError(KindForbidden, "not a member of this room")

	ErrUserNotFound      = newError(KindNotFound, "user not found")
	ErrRoomNotFound      = newError(KindNotFound, "room not found")
	ErrMessageNotFound   = newError(KindNotFound, "message not found")
	ErrTokenNotFound     = newError(KindNotFound, "token not found")
	ErrRecipientNotFound = newError(KindNotFound, "recipient is not connected")
	ErrNotSubscribed     = newError(KindNotFound, "chat is not subscribed to a room")

	ErrTokenExpired = newError(KindExpired, "token expired")
	ErrLoginExpired = newError(KindExpired, "login data is too old")

	ErrTokenLocked      = newError(KindLocked, "too many failed attempts, try again later")
	ErrWrongPassword    = newError(KindWrongPassword, "wrong password")
	ErrPasswordRequired = newError(KindPasswordRequired, "password required")
	ErrPasswordSet      = newError(KindAlreadySet, "password already set")
	ErrRoomExists       = newError(KindAlreadySet, "room already exists")

	ErrTokenCooldown = newError(KindRateLimited, "a login link was issued recently")

	ErrBadSignature = newError(KindUnauthenticated, "invalid signature")

	ErrUpstreamUnavailable = newError(KindUpstreamUnavailable, "telegram is unavailable")
)

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
