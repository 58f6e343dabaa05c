package relay

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/store"
)

func TestMessageLogClockNeverGoesBack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	room := &model.Room{Name: "general"}
	if err := st.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Hour), base}
	i := 0
	log := NewMessageLog(st, func() time.Time {
		now := ticks[i%len(ticks)]
		i++
		return now
	})

	var prev time.Time
	for n := range 3 {
		msg, err := log.Append(ctx, room.ID, 1, fmt.Sprintf("m%d", n), nil, model.SourceWeb)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if !msg.CreatedAt.After(prev) {
			t.Fatalf("message %d at %v, not after %v", n, msg.CreatedAt, prev)
		}
		prev = msg.CreatedAt
	}
}

func TestMessageLogPrimesFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	room := &model.Room{Name: "general"}
	if err := st.CreateRoom(ctx, room); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := st.CreateMessage(ctx, &model.Message{RoomID: room.ID, SenderID: 1, Text: "old", CreatedAt: future}); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	log := NewMessageLog(st, nil)
	msg, err := log.Append(ctx, room.ID, 1, "new", nil, model.SourceTelegram)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !msg.CreatedAt.After(future) {
		t.Errorf("CreatedAt %v not after stored %v", msg.CreatedAt, future)
	}
}

func TestRecentHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	log := NewMessageLog(st, nil)

	if _, err := log.RecentHistory(ctx, 42, 0); !errors.Is(err, model.ErrRoomNotFound) {
		t.Fatalf("RecentHistory(missing room): got %v, want ErrRoomNotFound", err)
	}

	general := &model.Room{Name: "general"}
	other := &model.Room{Name: "other"}
	for _, r := range []*model.Room{general, other} {
		if err := st.CreateRoom(ctx, r); err != nil {
			t.Fatalf("CreateRoom: %v", err)
		}
	}
	for n := range 60 {
		if _, err := log.Append(ctx, general.ID, 1, fmt.Sprintf("m%d", n), nil, model.SourceWeb); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if _, err := log.Append(ctx, other.ID, 1, "noise", nil, model.SourceWeb); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	msgs, err := log.RecentHistory(ctx, general.ID, 0)
	if err != nil {
		t.Fatalf("RecentHistory: %v", err)
	}
	if len(msgs) != DefaultHistoryLimit {
		t.Fatalf("got %d messages, want %d", len(msgs), DefaultHistoryLimit)
	}
	if msgs[0].Text != "m10" || msgs[len(msgs)-1].Text != "m59" {
		t.Errorf("window = %s..%s, want m10..m59", msgs[0].Text, msgs[len(msgs)-1].Text)
	}
	for _, m := range msgs {
		if m.RoomID != general.ID {
			t.Fatalf("message from room %d leaked into history", m.RoomID)
		}
	}

	empty, err := log.RecentHistory(ctx, other.ID+100, 5)
	if !errors.Is(err, model.ErrRoomNotFound) || empty != nil {
		t.Errorf("RecentHistory(unknown) = %v, %v", empty, err)
	}
}
