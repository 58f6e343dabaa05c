package relay

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/model"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// MessageLog is the append-only room history.
type MessageLog struct {
	store datastore.DataProviderFactory
	now   func() time.Time

	mu     sync.Mutex
	last   time.Time
	primed bool
}

// NewMessageLog creates a log over store. now may be nil.
func NewMessageLog(store datastore.DataProviderFactory, now func() time.Time) *MessageLog {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MessageLog{store: store, now: now}
}

// Append stores a message. Timestamps never go backwards, even when the
// wall clock does.
func (l *MessageLog) Append(ctx context.Context, roomID, senderID int64, text string, replyTo *int64, source model.Source) (*model.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.primed {
		if err := l.primeLocked(ctx); err != nil {
			return nil, err
		}
	}

	createdAt := l.now().UTC().Truncate(time.Microsecond)
	if !createdAt.After(l.last) {
		createdAt = l.last.Add(time.Microsecond)
	}

	msg := &model.Message{
		RoomID:    roomID,
		SenderID:  senderID,
		Text:      text,
		ReplyTo:   replyTo,
		Source:    source,
		CreatedAt: createdAt,
	}
	if err := l.store.NonTx().CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("relay: append message: %w", err)
	}
	l.last = createdAt
	return msg, nil
}

// primeLocked seeds the clamp from the newest stored message.
func (l *MessageLog) primeLocked(ctx context.Context) error {
	one := int64(1)
	latest, err := l.store.NonTx().ListMessages(ctx, model.MessageFilters{PageSize: &one})
	if err != nil {
		return fmt.Errorf("relay: append message: %w", err)
	}
	if len(latest) > 0 {
		l.last = latest[0].CreatedAt
	}
	l.primed = true
	return nil
}

// RecentHistory returns up to limit of the room's newest messages in
// ascending order. limit <= 0 means DefaultHistoryLimit.
func (l *MessageLog) RecentHistory(ctx context.Context, roomID int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	limit = min(limit, MaxHistoryLimit)

	room, err := l.store.NonTx().GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("relay: history: %w", err)
	}
	if room == nil {
		return nil, fmt.Errorf("relay: history: %w", model.ErrRoomNotFound)
	}

	pageSize := int64(limit)
	msgs, err := l.store.NonTx().ListMessages(ctx, model.MessageFilters{LimitToRoomID: &roomID, PageSize: &pageSize})
	if err != nil {
		return nil, fmt.Errorf("relay: history: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}
