package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Logf("Error closing database: %v", err)
		}
	})

	return st, nil
}

func mustOpen(t *testing.T) *datastore.ProviderFactory {
	t.Helper()
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	return st
}

func seedUser(t *testing.T, st datastore.DataStore, externalID string, role model.Role) *model.User {
	t.Helper()
	u := &model.User{ExternalID: externalID, DisplayName: "user " + externalID, Role: role}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser: failed to seed user: %v", err)
	}
	return u
}

func seedRoom(t *testing.T, st datastore.DataStore, name string) *model.Room {
	t.Helper()
	r := &model.Room{Name: name}
	if err := st.CreateRoom(context.Background(), r); err != nil {
		t.Fatalf("CreateRoom: failed to seed room: %v", err)
	}
	return r
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		user      model.User
		expectErr bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			user: model.User{ExternalID: "1001", DisplayName: "John"},
		},
		"admin_verified": {
			user: model.User{ExternalID: "1002", DisplayName: "Jane", Role: model.RoleAdmin, Verified: true},
		},
		"injection_external_id": { // whitespace is not allowed in external ids
			user:      model.User{ExternalID: "' OR '1'='1", DisplayName: "x"},
			expectErr: true,
		},
		"empty_display_name": {
			user:      model.User{ExternalID: "1003", DisplayName: "  "},
			expectErr: true,
		},
		"over_privileged": {
			user:      model.User{ExternalID: "1004", DisplayName: "Mallory", Role: 10},
			expectErr: true,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			t.Parallel()
			store := mustOpen(t)

			got := tc.user
			err := store.NonTx().CreateUser(context.Background(), &got)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("CreateUser: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateUser: unexpected error: %v", err)
			}
			if got.ID == 0 || got.CreatedAt.IsZero() {
				t.Fatalf("CreateUser: expected ID and CreatedAt to be set, got %+v", got)
			}

			fetched, err := store.NonTx().GetUserByExternalID(context.Background(), tc.user.ExternalID)
			if err != nil {
				t.Fatalf("GetUserByExternalID: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.user, *fetched, cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt")); diff != "" {
				t.Errorf("CreateUser round trip mismatch (-want +got):\n%s", diff)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateUserDuplicateExternalID(t *testing.T) {
	store := mustOpen(t)
	seedUser(t, store.NonTx(), "42", model.RoleUser)

	err := store.NonTx().CreateUser(context.Background(), &model.User{ExternalID: "42", DisplayName: "again"})
	if err == nil {
		t.Fatalf("CreateUser: expected unique violation, got nil")
	}
}

func TestGetUserMissing(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()

	byID, err := store.NonTx().GetUserByID(ctx, 99)
	if err != nil || byID != nil {
		t.Fatalf("GetUserByID: want (nil, nil), got (%v, %v)", byID, err)
	}
	byExt, err := store.NonTx().GetUserByExternalID(ctx, "nobody")
	if err != nil || byExt != nil {
		t.Fatalf("GetUserByExternalID: want (nil, nil), got (%v, %v)", byExt, err)
	}
}

func TestUpdateUserProfileAndRole(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()
	u := seedUser(t, store.NonTx(), "7", model.RoleUser)

	authAt := time.Date(2026, 3, 1, 10, 30, 0, 123000, time.UTC)
	if err := store.NonTx().UpdateUserProfile(ctx, u.ID, "Seven", true, authAt); err != nil {
		t.Fatalf("UpdateUserProfile: unexpected error: %v", err)
	}
	if err := store.NonTx().UpdateUserRole(ctx, u.ID, model.RoleAdmin); err != nil {
		t.Fatalf("UpdateUserRole: unexpected error: %v", err)
	}

	got, err := store.NonTx().GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUserByID: unexpected error: %v", err)
	}
	want := &model.User{ID: u.ID, ExternalID: "7", DisplayName: "Seven", Role: model.RoleAdmin, Verified: true, LastAuthAt: authAt}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.User{}, "CreatedAt")); diff != "" {
		t.Errorf("updated user mismatch (-want +got):\n%s", diff)
	}

	// A zero lastAuthAt keeps the stored value.
	if err := store.NonTx().UpdateUserProfile(ctx, u.ID, "Seven", true, time.Time{}); err != nil {
		t.Fatalf("UpdateUserProfile: unexpected error: %v", err)
	}
	got, _ = store.NonTx().GetUserByID(ctx, u.ID)
	if !got.LastAuthAt.Equal(authAt) {
		t.Errorf("LastAuthAt = %v, want %v", got.LastAuthAt, authAt)
	}

	if err := store.NonTx().UpdateUserRole(ctx, 12345, model.RoleAdmin); !errors.Is(err, model.ErrUserNotFound) {
		t.Errorf("UpdateUserRole(missing): got %v, want ErrUserNotFound", err)
	}
	if err := store.NonTx().UpdateUserRole(ctx, u.ID, model.Role(5)); !errors.Is(err, model.ErrInvalidRole) {
		t.Errorf("UpdateUserRole(invalid role): got %v, want ErrInvalidRole", err)
	}
}

func TestCreateRoom(t *testing.T) {
	t.Parallel()

	type tcase struct {
		name      string
		wantName  string
		expectErr error
	}

	tcases := map[string]tcase{
		"default_room":   {name: "general", wantName: "general"},
		"trimmed":        {name: "  dev  ", wantName: "dev"},
		"empty":          {name: "   ", expectErr: model.ErrRoomNameEmpty},
		"inner_space":    {name: "two words", expectErr: model.ErrRoomNameInvalidChars},
		"control_chars":  {name: "dev\n", wantName: "dev"},
		"unicode_letter": {name: "oda-ğ", wantName: "oda-ğ"},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := mustOpen(t)

			room := &model.Room{Name: tc.name}
			err := store.NonTx().CreateRoom(context.Background(), room)
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("CreateRoom: got %v, want %v", err, tc.expectErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateRoom: unexpected error: %v", err)
			}

			got, err := store.NonTx().GetRoomByName(context.Background(), tc.wantName)
			if err != nil {
				t.Fatalf("GetRoomByName: unexpected error: %v", err)
			}
			if diff := cmp.Diff(room, got); diff != "" {
				t.Errorf("GetRoomByName mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCreateRoomDuplicate(t *testing.T) {
	store := mustOpen(t)
	seedRoom(t, store.NonTx(), "dev")

	err := store.NonTx().CreateRoom(context.Background(), &model.Room{Name: "dev"})
	if !errors.Is(err, model.ErrRoomExists) {
		t.Fatalf("CreateRoom(duplicate): got %v, want ErrRoomExists", err)
	}
}

func TestListAndDeleteRooms(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()
	general := seedRoom(t, store.NonTx(), "general")
	dev := seedRoom(t, store.NonTx(), "dev")

	rooms, err := store.NonTx().ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]model.Room{*general, *dev}, rooms); diff != "" {
		t.Errorf("ListRooms mismatch (-want +got):\n%s", diff)
	}

	if err := store.NonTx().DeleteRoom(ctx, dev.ID); err != nil {
		t.Fatalf("DeleteRoom: unexpected error: %v", err)
	}
	got, err := store.NonTx().GetRoom(ctx, dev.ID)
	if err != nil || got != nil {
		t.Fatalf("GetRoom(deleted): want (nil, nil), got (%v, %v)", got, err)
	}
}

func TestCreateMessage(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()
	user := seedUser(t, store.NonTx(), "1", model.RoleUser)
	room := seedRoom(t, store.NonTx(), "general")
	other := seedRoom(t, store.NonTx(), "other")

	first := &model.Message{RoomID: room.ID, SenderID: user.ID, Text: "hello"}
	if err := store.NonTx().CreateMessage(ctx, first); err != nil {
		t.Fatalf("CreateMessage: unexpected error: %v", err)
	}

	type tcase struct {
		msg       model.Message
		expectErr error
	}
	tcases := map[string]tcase{
		"reply": {
			msg: model.Message{RoomID: room.ID, SenderID: user.ID, Text: "hi back", ReplyTo: &first.ID},
		},
		"unknown_room": {
			msg:       model.Message{RoomID: 999, SenderID: user.ID, Text: "lost"},
			expectErr: model.ErrRoomNotFound,
		},
		"reply_other_room": {
			msg:       model.Message{RoomID: other.ID, SenderID: user.ID, Text: "cross", ReplyTo: &first.ID},
			expectErr: model.ErrMessageNotFound,
		},
		"empty_text": {
			msg:       model.Message{RoomID: room.ID, SenderID: user.ID, Text: " "},
			expectErr: model.ErrMessageTextEmpty,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			msg := tc.msg
			err := store.NonTx().CreateMessage(ctx, &msg)
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("CreateMessage: got %v, want %v", err, tc.expectErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateMessage: unexpected error: %v", err)
			}
			got, err := store.NonTx().GetMessage(ctx, msg.ID)
			if err != nil {
				t.Fatalf("GetMessage: unexpected error: %v", err)
			}
			if diff := cmp.Diff(&msg, got, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
				t.Errorf("GetMessage mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()
	user := seedUser(t, store.NonTx(), "1", model.RoleUser)
	room := seedRoom(t, store.NonTx(), "general")
	other := seedRoom(t, store.NonTx(), "other")

	for i := range 5 {
		if err := store.NonTx().CreateMessage(ctx, &model.Message{RoomID: room.ID, SenderID: user.ID, Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("CreateMessage: unexpected error: %v", err)
		}
	}
	if err := store.NonTx().CreateMessage(ctx, &model.Message{RoomID: other.ID, SenderID: user.ID, Text: "elsewhere"}); err != nil {
		t.Fatalf("CreateMessage: unexpected error: %v", err)
	}

	pageSize := int64(3)
	msgs, err := store.NonTx().ListMessages(ctx, model.MessageFilters{LimitToRoomID: &room.ID, PageSize: &pageSize})
	if err != nil {
		t.Fatalf("ListMessages: unexpected error: %v", err)
	}
	var texts []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
	}
	if diff := cmp.Diff([]string{"m4", "m3", "m2"}, texts); diff != "" {
		t.Errorf("ListMessages mismatch (-want +got):\n%s", diff)
	}
}

func TestTxRollback(t *testing.T) {
	store := mustOpen(t)
	ctx := context.Background()

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	if err := tx.CreateRoom(ctx, &model.Room{Name: "ghost"}); err != nil {
		t.Fatalf("CreateRoom in tx: unexpected error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: unexpected error: %v", err)
	}

	got, err := store.NonTx().GetRoomByName(ctx, "ghost")
	if err != nil || got != nil {
		t.Fatalf("GetRoomByName after rollback: want (nil, nil), got (%v, %v)", got, err)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: unexpected error: %v", err)
	}
	seedRoom(t, st.NonTx(), "general")
	if err := st.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	st, err = datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory(reopen): unexpected error: %v", err)
	}
	defer func() { _ = st.Close() }()

	rooms, err := st.NonTx().ListRooms(context.Background())
	if err != nil {
		t.Fatalf("ListRooms: unexpected error: %v", err)
	}
	if len(rooms) != 1 || rooms[0].Name != "general" {
		t.Errorf("ListRooms after reopen = %+v, want [general]", rooms)
	}
}
