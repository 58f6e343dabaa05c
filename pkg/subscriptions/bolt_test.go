package subscriptions

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"

	"github.com/google/go-cmp/cmp"
	"go.etcd.io/bbolt"
)

func openTemp(t *testing.T) (*BoltStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state", "subs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestBoltStoreRoundTripAcrossReopen(t *testing.T) {
	s, path := openTemp(t)
	at := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

	subs := []model.ChatSubscription{
		{ChatID: 10, RoomID: 1, RoomName: "general", SubscribedAt: at},
		{ChatID: -100200, RoomID: 2, RoomName: "dev", SubscribedAt: at},
	}
	for _, sub := range subs {
		if err := s.Save(sub); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	moved := model.ChatSubscription{ChatID: 10, RoomID: 2, RoomName: "dev", SubscribedAt: at.Add(time.Minute)}
	if err := s.Save(moved); err != nil {
		t.Fatalf("Save(moved): %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].ChatID < got[j].ChatID })
	want := []model.ChatSubscription{subs[1], moved}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadAll mismatch (-want +got):\n%s", diff)
	}
}

func TestBoltStoreDelete(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	for chat, room := range map[int64]int64{1: 5, 2: 5, 3: 6} {
		if err := s.Save(model.ChatSubscription{ChatID: chat, RoomID: room}); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Delete(3); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(3); err != nil {
		t.Fatalf("Delete(missing): %v", err)
	}

	left, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	sort.Slice(left, func(i, j int) bool { return left[i].ChatID < left[j].ChatID })
	if len(left) != 2 || left[0].ChatID != 1 || left[1].ChatID != 2 {
		t.Errorf("LoadAll = %+v, want chats 1 and 2", left)
	}
}

func TestBoltStoreSkipsCorruptRecords(t *testing.T) {
	s, _ := openTemp(t)
	defer s.Close()

	if err := s.Save(model.ChatSubscription{ChatID: 1, RoomID: 1, RoomName: "general"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte("2"), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	got, err := s.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(got) != 1 || got[0].ChatID != 1 {
		t.Errorf("LoadAll = %+v, want only chat 1", got)
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("Open(\"\") succeeded")
	}
}
