package relay

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// ExternalProfile is what Telegram tells us about a user.
type ExternalProfile struct {
	ID          string // Telegram user id
	DisplayName string
}

func (p ExternalProfile) name() string {
	if name := model.TruncateDisplayName(p.DisplayName); name != "" {
		return name
	}
	return "user " + p.ID
}

// Identity resolves users by their external identity. Users listed in
// admins are promoted on contact.
type Identity struct {
	store  datastore.DataProviderFactory
	admins map[string]bool
	now    func() time.Time
}

// NewIdentity creates an identity store. adminIDs are Telegram user ids.
func NewIdentity(store datastore.DataProviderFactory, adminIDs []string, now func() time.Time) *Identity {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = true
		}
	}
	return &Identity{store: store, admins: admins, now: now}
}

// Get returns a user by ID.
func (i *Identity) Get(ctx context.Context, id int64) (*model.User, error) {
	user, err := i.store.NonTx().GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("relay: get user: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}
	return user, nil
}

// GetByExternalID returns a user by Telegram id.
func (i *Identity) GetByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	user, err := i.store.NonTx().GetUserByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("relay: get user: %w", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}
	return user, nil
}

// ResolveOrCreate returns the user for p, creating it on first contact and
// refreshing the display name when it changed.
func (i *Identity) ResolveOrCreate(ctx context.Context, p ExternalProfile) (*model.User, error) {
	return i.resolve(ctx, p, false)
}

// MarkVerified resolves p and records a verified login now.
func (i *Identity) MarkVerified(ctx context.Context, p ExternalProfile) (*model.User, error) {
	return i.resolve(ctx, p, true)
}

func (i *Identity) resolve(ctx context.Context, p ExternalProfile, verified bool) (*model.User, error) {
	if err := model.ValidateExternalID(p.ID); err != nil {
		return nil, err
	}
	name := p.name()

	tx, err := i.store.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	user, err := tx.GetUserByExternalID(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve user: %w", err)
	}

	var authAt time.Time
	if verified {
		authAt = i.now()
	}

	if user == nil {
		user = &model.User{
			ExternalID:  p.ID,
			DisplayName: name,
			Verified:    verified,
			LastAuthAt:  authAt,
		}
		if i.admins[p.ID] {
			user.Role = model.RoleAdmin
		}
		if err := tx.CreateUser(ctx, user); err != nil {
			return nil, fmt.Errorf("relay: create user: %w", err)
		}
	} else {
		if user.DisplayName != name || verified {
			user.DisplayName = name
			user.Verified = user.Verified || verified
			if verified {
				user.LastAuthAt = authAt
			}
			if err := tx.UpdateUserProfile(ctx, user.ID, user.DisplayName, user.Verified, authAt); err != nil {
				return nil, fmt.Errorf("relay: update user: %w", err)
			}
		}
		if i.admins[p.ID] && !user.IsAdmin() {
			user.Role = model.RoleAdmin
			if err := tx.UpdateUserRole(ctx, user.ID, model.RoleAdmin); err != nil {
				return nil, fmt.Errorf("relay: promote user: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("relay: resolve user: %w", err)
	}
	return user, nil
}

// SetRole changes the role of the user with the given Telegram id.
func (i *Identity) SetRole(ctx context.Context, externalID string, role model.Role) (*model.User, error) {
	user, err := i.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := i.store.NonTx().UpdateUserRole(ctx, user.ID, role); err != nil {
		return nil, fmt.Errorf("relay: set role: %w", err)
	}
	user.Role = role
	return user, nil
}
