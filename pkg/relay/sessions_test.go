package relay

import (
	"testing"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

func TestSessionManager(t *testing.T) {
	sm := NewSessionManager()
	peer := &fakePeer{}

	a := sm.Create(peer)
	b := sm.Create(&fakePeer{})
	if a.ID == b.ID {
		t.Fatal("session IDs collide")
	}
	if a.Authenticated() {
		t.Fatal("new session is authenticated")
	}
	if sm.Peer(a.ID) != peer {
		t.Fatal("Peer returned the wrong peer")
	}

	user := &model.User{ID: 7, DisplayName: "Ann", Role: model.RoleAdmin}
	if _, ok := sm.Bind(a.ID, user); !ok {
		t.Fatal("Bind failed")
	}
	sm.Bind(b.ID, user)
	sm.SetRoom(a.ID, 3, "dev")

	got, ok := sm.Get(a.ID)
	if !ok {
		t.Fatal("Get failed")
	}
	want := model.Session{ID: a.ID, UserID: 7, DisplayName: "Ann", Role: model.RoleAdmin, RoomID: 3, RoomName: "dev"}
	if got != want {
		t.Errorf("session = %+v, want %+v", got, want)
	}
	if n := len(sm.ByUserID(7)); n != 2 {
		t.Errorf("ByUserID = %d sessions, want 2", n)
	}

	sm.Remove(a.ID)
	if _, ok := sm.Get(a.ID); ok {
		t.Error("removed session still present")
	}
	if sm.Peer(a.ID) != nil {
		t.Error("removed session still has a peer")
	}
	if _, ok := sm.Bind(a.ID, user); ok {
		t.Error("Bind on removed session succeeded")
	}
	if n := sm.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}
