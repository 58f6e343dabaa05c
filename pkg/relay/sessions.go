package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/protocol"
)

// Peer is the outbound side of a web connection.
type Peer interface {
	Deliver(ev protocol.Event) error
}

type sessionEntry struct {
	session model.Session
	peer    Peer
}

// SessionManager manages connected web sessions. Sessions are returned by
// value; all mutation goes through the manager.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry // sessionID -> entry
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*sessionEntry),
	}
}

// Create registers an unauthenticated session for peer.
func (sm *SessionManager) Create(peer Peer) model.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	id := uuid.NewString()
	for sm.sessions[id] != nil {
		id = uuid.NewString()
	}
	e := &sessionEntry{session: model.Session{ID: id}, peer: peer}
	sm.sessions[id] = e
	return e.session
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id string) (model.Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	e, ok := sm.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return e.session, true
}

// Peer returns the peer of a session, or nil.
func (sm *SessionManager) Peer(id string) Peer {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if e, ok := sm.sessions[id]; ok {
		return e.peer
	}
	return nil
}

// Bind attaches a user to the session.
func (sm *SessionManager) Bind(id string, user *model.User) (model.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	e, ok := sm.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	e.session.UserID = user.ID
	e.session.DisplayName = user.DisplayName
	e.session.Role = user.Role
	return e.session, true
}

// SetRoom records the session's current room. A zero roomID clears it.
func (sm *SessionManager) SetRoom(id string, roomID int64, roomName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if e, ok := sm.sessions[id]; ok {
		e.session.RoomID = roomID
		e.session.RoomName = roomName
	}
}

// ByUserID returns all sessions bound to userID.
func (sm *SessionManager) ByUserID(userID int64) []model.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	var result []model.Session
	for _, e := range sm.sessions {
		if e.session.UserID == userID {
			result = append(result, e.session)
		}
	}
	return result
}

// Remove removes a session.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
