package relay

import (
	"context"
	"testing"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/store"
)

func TestIdentityResolveOrCreate(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	id := NewIdentity(store.NewMemory(), []string{" 100 "}, func() time.Time { return now })

	type tcase struct {
		profile   ExternalProfile
		wantName  string
		wantAdmin bool
	}
	tcases := map[string]tcase{
		"plain":        {profile: ExternalProfile{ID: "1", DisplayName: "Ann"}, wantName: "Ann"},
		"blank_name":   {profile: ExternalProfile{ID: "2", DisplayName: "  "}, wantName: "user 2"},
		"listed_admin": {profile: ExternalProfile{ID: "100", DisplayName: "Root"}, wantName: "Root", wantAdmin: true},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			user, err := id.ResolveOrCreate(ctx, tc.profile)
			if err != nil {
				t.Fatalf("ResolveOrCreate: %v", err)
			}
			if user.DisplayName != tc.wantName || user.IsAdmin() != tc.wantAdmin {
				t.Errorf("user = %+v, want name %q admin %v", user, tc.wantName, tc.wantAdmin)
			}
			if user.Verified {
				t.Error("unverified contact marked verified")
			}
		})
	}

	if _, err := id.ResolveOrCreate(ctx, ExternalProfile{ID: "has space"}); model.KindOf(err) != model.KindInvalidArgument {
		t.Errorf("bad external id: got %v, want invalid argument", err)
	}
}

func TestIdentityRenameAndVerify(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	id := NewIdentity(store.NewMemory(), nil, func() time.Time { return now })

	first, err := id.ResolveOrCreate(ctx, ExternalProfile{ID: "1", DisplayName: "Ann"})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	renamed, err := id.ResolveOrCreate(ctx, ExternalProfile{ID: "1", DisplayName: "Annie"})
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if renamed.ID != first.ID || renamed.DisplayName != "Annie" {
		t.Errorf("renamed = %+v, want same id with name Annie", renamed)
	}

	verified, err := id.MarkVerified(ctx, ExternalProfile{ID: "1", DisplayName: "Annie"})
	if err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	if !verified.Verified || !verified.LastAuthAt.Equal(now) {
		t.Errorf("verified = %+v, want Verified at %v", verified, now)
	}

	got, err := id.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Verified {
		t.Error("verification not persisted")
	}
	if _, err := id.GetByExternalID(ctx, "nobody"); model.KindOf(err) != model.KindNotFound {
		t.Errorf("GetByExternalID(nobody): got %v, want not found", err)
	}
}

func TestIdentitySetRole(t *testing.T) {
	ctx := context.Background()
	id := NewIdentity(store.NewMemory(), nil, nil)
	if _, err := id.ResolveOrCreate(ctx, ExternalProfile{ID: "1", DisplayName: "Ann"}); err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	if _, err := id.SetRole(ctx, "1", model.RoleAdmin); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	user, _ := id.GetByExternalID(ctx, "1")
	if !user.IsAdmin() {
		t.Error("role not updated")
	}
}
