package datastore

import (
	"context"
	"time"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for users, rooms and messages.
// Implementations include the default SQLite store and the in-memory store
// used by tests.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	RoomReadProvider
	RoomWriteProvider

	MessageReadProvider
	MessageWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigReadProvider interface {
	Close() error
}

// Lookups return (nil, nil) when the row does not exist.
type UserReadProvider interface {
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(ctx context.Context, user *model.User) error
	UpdateUserProfile(ctx context.Context, userID int64, displayName string, verified bool, lastAuthAt time.Time) error
	UpdateUserRole(ctx context.Context, userID int64, role model.Role) error
}

type RoomReadProvider interface {
	GetRoom(ctx context.Context, id int64) (*model.Room, error)
	GetRoomByName(ctx context.Context, name string) (*model.Room, error)
	ListRooms(ctx context.Context) ([]model.Room, error)
}

type RoomWriteProvider interface {
	// CreateRoom fails with model.ErrRoomExists when the name is taken.
	CreateRoom(ctx context.Context, room *model.Room) error
	DeleteRoom(ctx context.Context, id int64) error
}

type MessageReadProvider interface {
	GetMessage(ctx context.Context, id int64) (*model.Message, error)
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	// CreateMessage fails with model.ErrRoomNotFound when the room does not exist.
	CreateMessage(ctx context.Context, message *model.Message) error
}
