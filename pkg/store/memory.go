// Package store provides an in-memory datastore used by tests and by
// ephemeral deployments that run without a database file.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID    int64
	nextRoomID    int64
	nextMessageID int64

	usersByID       map[int64]*model.User
	usersByExternal map[string]*model.User
	roomsByID       map[int64]*model.Room
	messages        []*model.Message
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(nil)
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:             now,
		nextUserID:      1,
		nextRoomID:      1,
		nextMessageID:   1,
		usersByID:       make(map[int64]*model.User),
		usersByExternal: make(map[string]*model.User),
		roomsByID:       make(map[int64]*model.Room),
	}
}

// NonTx returns the store itself.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

// Tx returns a handle whose writes are applied immediately. Rollback does
// not undo them.
func (s *MemoryStore) Tx(context.Context) (datastore.DataStoreTx, error) {
	return memoryTx{s}, nil
}

type memoryTx struct {
	*MemoryStore
}

func (memoryTx) Rollback() error { return nil }
func (memoryTx) Commit() error   { return nil }

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ---- Users ----

func (s *MemoryStore) CreateUser(_ context.Context, user *model.User) error {
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if err := user.Validate(); err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByExternal[user.ExternalID]; exists {
		return fmt.Errorf("store: create user: UNIQUE constraint failed: users.external_id")
	}
	user.ID = s.nextUserID
	user.CreatedAt = s.now().UTC()
	s.nextUserID++
	stored := *user
	s.usersByID[user.ID] = &stored
	s.usersByExternal[user.ExternalID] = &stored
	return nil
}

func (s *MemoryStore) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

func (s *MemoryStore) GetUserByExternalID(_ context.Context, externalID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByExternal[externalID]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

func (s *MemoryStore) UpdateUserProfile(_ context.Context, userID int64, displayName string, verified bool, lastAuthAt time.Time) error {
	displayName = strings.TrimSpace(displayName)
	if err := model.ValidateDisplayName(displayName); err != nil {
		return fmt.Errorf("store: update user profile: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[userID]
	if !ok {
		return fmt.Errorf("store: update user profile: %w", model.ErrUserNotFound)
	}
	user.DisplayName = displayName
	user.Verified = verified
	if !lastAuthAt.IsZero() {
		user.LastAuthAt = lastAuthAt.UTC()
	}
	return nil
}

func (s *MemoryStore) UpdateUserRole(_ context.Context, userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("store: update user role: %w", model.ErrInvalidRole)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByID[userID]
	if !ok {
		return fmt.Errorf("store: update user role: %w", model.ErrUserNotFound)
	}
	user.Role = role
	return nil
}

func (s *MemoryStore) ListUsers(context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// ---- Rooms ----

func (s *MemoryStore) CreateRoom(_ context.Context, room *model.Room) error {
	room.Name = model.NormalizeRoomName(room.Name)
	if err := room.Validate(); err != nil {
		return fmt.Errorf("store: create room: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.roomsByID {
		if r.Name == room.Name {
			return fmt.Errorf("store: create room %q: %w", room.Name, model.ErrRoomExists)
		}
	}
	room.ID = s.nextRoomID
	room.CreatedAt = s.now().UTC()
	s.nextRoomID++
	stored := *room
	s.roomsByID[room.ID] = &stored
	return nil
}

// DeleteRoom removes the room and its messages.
func (s *MemoryStore) DeleteRoom(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roomsByID, id)
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.RoomID != id {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id int64) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.roomsByID[id]
	if !ok {
		return nil, nil
	}
	copyRoom := *room
	return &copyRoom, nil
}

func (s *MemoryStore) GetRoomByName(_ context.Context, name string) (*model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.roomsByID {
		if room.Name == name {
			copyRoom := *room
			return &copyRoom, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListRooms(context.Context) ([]model.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]model.Room, 0, len(s.roomsByID))
	for _, room := range s.roomsByID {
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

// ---- Messages ----

func (s *MemoryStore) CreateMessage(_ context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roomsByID[message.RoomID]; !ok {
		return fmt.Errorf("store: create message: %w", model.ErrRoomNotFound)
	}
	if message.ReplyTo != nil {
		target := s.findMessage(*message.ReplyTo)
		if target == nil || target.RoomID != message.RoomID {
			return fmt.Errorf("store: create message: reply target: %w", model.ErrMessageNotFound)
		}
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now().UTC()
	}
	if message.Source == "" {
		message.Source = model.SourceWeb
	}
	message.ID = s.nextMessageID
	s.nextMessageID++
	stored := *message
	if message.ReplyTo != nil {
		replyTo := *message.ReplyTo
		stored.ReplyTo = &replyTo
	}
	s.messages = append(s.messages, &stored)
	return nil
}

// findMessage expects s.mu to be held.
func (s *MemoryStore) findMessage(id int64) *model.Message {
	i := sort.Search(len(s.messages), func(i int) bool { return s.messages[i].ID >= id })
	if i < len(s.messages) && s.messages[i].ID == id {
		return s.messages[i]
	}
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id int64) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.findMessage(id)
	if m == nil {
		return nil, nil
	}
	return copyMessage(m), nil
}

// ListMessages returns messages newest first, like the SQLite store.
func (s *MemoryStore) ListMessages(_ context.Context, filters model.MessageFilters) ([]model.Message, error) {
	limit := int64(100)
	if filters.PageSize != nil {
		limit = *filters.PageSize
	}
	var offset int64
	if filters.Offset != nil {
		offset = *filters.Offset
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Message
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if filters.LimitToRoomID != nil && m.RoomID != *filters.LimitToRoomID {
			continue
		}
		if filters.LimitToSenderID != nil && m.SenderID != *filters.LimitToSenderID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if limit >= 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, *copyMessage(m))
	}
	return out, nil
}

func copyMessage(m *model.Message) *model.Message {
	c := *m
	if m.ReplyTo != nil {
		replyTo := *m.ReplyTo
		c.ReplyTo = &replyTo
	}
	return &c
}

// Compile-time check: *MemoryStore implements DataProviderFactory.
var _ datastore.DataProviderFactory = (*MemoryStore)(nil)
