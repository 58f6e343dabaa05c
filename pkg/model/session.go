package model

// Session represents a connected web client (in-memory only).
// UserID is 0 until the session authenticates; RoomID is 0 outside a room.
type Session struct {
	ID          string
	UserID      int64
	DisplayName string
	Role        Role
	RoomID      int64
	RoomName    string
}

// Authenticated reports whether a user is bound to the session.
func (s *Session) Authenticated() bool {
	return s.UserID != 0
}
