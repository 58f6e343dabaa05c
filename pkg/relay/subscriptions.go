package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// SubscriptionStore persists chat subscriptions across restarts.
type SubscriptionStore interface {
	Save(sub model.ChatSubscription) error
	Delete(chatID int64) error
	LoadAll() ([]model.ChatSubscription, error)
}

// ChatSubscriptions maps Telegram chats to rooms. A chat relays exactly one
// room at a time.
type ChatSubscriptions struct {
	store SubscriptionStore // nil = memory only
	now   func() time.Time

	mu     sync.RWMutex
	byChat map[int64]model.ChatSubscription
	byRoom map[int64]map[int64]bool // roomID -> set of chatIDs
}

// NewChatSubscriptions creates an empty subscription map backed by store.
func NewChatSubscriptions(store SubscriptionStore) *ChatSubscriptions {
	return &ChatSubscriptions{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		byChat: make(map[int64]model.ChatSubscription),
		byRoom: make(map[int64]map[int64]bool),
	}
}

// Load replaces the in-memory state with the persisted subscriptions.
func (c *ChatSubscriptions) Load() error {
	if c.store == nil {
		return nil
	}
	subs, err := c.store.LoadAll()
	if err != nil {
		return fmt.Errorf("relay: load subscriptions: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byChat = make(map[int64]model.ChatSubscription, len(subs))
	c.byRoom = make(map[int64]map[int64]bool)
	for _, sub := range subs {
		c.putLocked(sub)
	}
	return nil
}

// Subscribe points chatID at room and returns the previous subscription,
// if there was one.
func (c *ChatSubscriptions) Subscribe(chatID int64, room *model.Room) (prev model.ChatSubscription, hadPrev bool, err error) {
	sub := model.ChatSubscription{
		ChatID:       chatID,
		RoomID:       room.ID,
		RoomName:     room.Name,
		SubscribedAt: c.now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(sub); err != nil {
			return model.ChatSubscription{}, false, fmt.Errorf("relay: subscribe chat %d: %w", chatID, err)
		}
	}
	prev, hadPrev = c.removeLocked(chatID)
	c.putLocked(sub)
	return prev, hadPrev, nil
}

// Unsubscribe removes the chat's subscription.
func (c *ChatSubscriptions) Unsubscribe(chatID int64) (model.ChatSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byChat[chatID]; !ok {
		return model.ChatSubscription{}, fmt.Errorf("relay: unsubscribe chat %d: %w", chatID, model.ErrNotSubscribed)
	}
	if c.store != nil {
		if err := c.store.Delete(chatID); err != nil {
			return model.ChatSubscription{}, fmt.Errorf("relay: unsubscribe chat %d: %w", chatID, err)
		}
	}
	sub, _ := c.removeLocked(chatID)
	return sub, nil
}

func (c *ChatSubscriptions) putLocked(sub model.ChatSubscription) {
	c.byChat[sub.ChatID] = sub
	if _, ok := c.byRoom[sub.RoomID]; !ok {
		c.byRoom[sub.RoomID] = make(map[int64]bool)
	}
	c.byRoom[sub.RoomID][sub.ChatID] = true
}

func (c *ChatSubscriptions) removeLocked(chatID int64) (model.ChatSubscription, bool) {
	sub, ok := c.byChat[chatID]
	if !ok {
		return model.ChatSubscription{}, false
	}
	delete(c.byChat, chatID)
	if chats := c.byRoom[sub.RoomID]; chats != nil {
		delete(chats, chatID)
		if len(chats) == 0 {
			delete(c.byRoom, sub.RoomID)
		}
	}
	return sub, true
}

// Get returns the chat's subscription.
func (c *ChatSubscriptions) Get(chatID int64) (model.ChatSubscription, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sub, ok := c.byChat[chatID]
	return sub, ok
}

// Chats returns the chats subscribed to a room, sorted.
func (c *ChatSubscriptions) Chats(roomID int64) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chats := c.byRoom[roomID]
	result := make([]int64, 0, len(chats))
	for id := range chats {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// Count returns the number of subscribed chats.
func (c *ChatSubscriptions) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byChat)
}
