package relay

import (
	"sort"
	"sync"
)

// Roster tracks which web sessions are present in which room. A session is
// in at most one room; rooms themselves outlive an empty roster.
type Roster struct {
	mu      sync.RWMutex
	members map[int64]map[string]bool // roomID -> set of sessionIDs
	roomOf  map[string]int64          // sessionID -> roomID
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		members: make(map[int64]map[string]bool),
		roomOf:  make(map[string]int64),
	}
}

// Join adds a session to a room, removing it from any previous room.
func (r *Roster) Join(sessionID string, roomID int64) (prevRoomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prevRoomID = r.removeLocked(sessionID)
	if _, ok := r.members[roomID]; !ok {
		r.members[roomID] = make(map[string]bool)
	}
	r.members[roomID][sessionID] = true
	r.roomOf[sessionID] = roomID
	return prevRoomID
}

// Leave removes a session from its current room and returns that room, or 0.
func (r *Roster) Leave(sessionID string) (roomID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID)
}

func (r *Roster) removeLocked(sessionID string) int64 {
	roomID, ok := r.roomOf[sessionID]
	if !ok {
		return 0
	}
	delete(r.roomOf, sessionID)
	if sessions := r.members[roomID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.members, roomID)
		}
	}
	return roomID
}

// Members returns the session IDs in a room, sorted.
func (r *Roster) Members(roomID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := r.members[roomID]
	result := make([]string, 0, len(sessions))
	for sid := range sessions {
		result = append(result, sid)
	}
	sort.Strings(result)
	return result
}

// RoomOf returns the room a session is in, or 0 if none.
func (r *Roster) RoomOf(sessionID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomOf[sessionID]
}

// Count returns how many sessions are in a room.
func (r *Roster) Count(roomID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[roomID])
}

// roomLocks serializes joins and message fan-out per room. A joiner sees
// each message once, either in its history or live after it.
type roomLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[int64]*sync.Mutex)}
}

// lock locks the room and returns the unlock function.
func (l *roomLocks) lock(roomID int64) func() {
	l.mu.Lock()
	m, ok := l.locks[roomID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[roomID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
