package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/model"
	"github.com/NicolasHaas/tgbridge/pkg/rbac"
)

// Directory resolves and creates rooms. Only admins create rooms, except
// the default room which anyone may bring into existence.
type Directory struct {
	store datastore.DataProviderFactory
}

// NewDirectory creates a directory over store.
func NewDirectory(store datastore.DataProviderFactory) *Directory {
	return &Directory{store: store}
}

// JoinOrCreate returns the named room, creating it when requester is
// allowed to. created reports whether this call created it. A nil
// requester stands for the system and is treated as a regular user.
func (d *Directory) JoinOrCreate(ctx context.Context, name string, requester *model.User) (room *model.Room, created bool, err error) {
	name = model.NormalizeRoomName(name)
	if err := model.ValidateRoomName(name); err != nil {
		return nil, false, err
	}

	room, err = d.store.NonTx().GetRoomByName(ctx, name)
	if err != nil {
		return nil, false, fmt.Errorf("relay: join room %q: %w", name, err)
	}
	if room != nil {
		return room, false, nil
	}

	var createdBy int64
	role := model.RoleUser
	if requester != nil {
		createdBy = requester.ID
		role = requester.Role
	}
	if name != model.DefaultRoomName && !rbac.HasPermission(role, model.PermCreateRoom) {
		return nil, false, fmt.Errorf("relay: join room %q: %w", name, model.ErrRoomCreateDeny)
	}

	room = &model.Room{Name: name, CreatedBy: createdBy}
	err = d.store.NonTx().CreateRoom(ctx, room)
	if errors.Is(err, model.ErrRoomExists) {
		// Lost a creation race; the winner's room is the one to join.
		room, err = d.store.NonTx().GetRoomByName(ctx, name)
		if err == nil && room == nil {
			err = model.ErrRoomNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("relay: join room %q: %w", name, err)
		}
		return room, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("relay: create room %q: %w", name, err)
	}
	return room, true, nil
}

// EnsureDefault makes sure the default room exists.
func (d *Directory) EnsureDefault(ctx context.Context) (*model.Room, error) {
	room, _, err := d.JoinOrCreate(ctx, model.DefaultRoomName, nil)
	return room, err
}

// Get returns a room by ID.
func (d *Directory) Get(ctx context.Context, id int64) (*model.Room, error) {
	room, err := d.store.NonTx().GetRoom(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("relay: get room: %w", err)
	}
	if room == nil {
		return nil, model.ErrRoomNotFound
	}
	return room, nil
}

// List returns every room ordered by creation.
func (d *Directory) List(ctx context.Context) ([]model.Room, error) {
	rooms, err := d.store.NonTx().ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: list rooms: %w", err)
	}
	return rooms, nil
}
