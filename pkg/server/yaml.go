package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/tgbridge/pkg/datastore"
	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// RoomYAML represents a room in YAML config.
type RoomYAML struct {
	Name      string `yaml:"name"`
	Private   bool   `yaml:"private,omitempty"`
	CreatedAt string `yaml:"created_at,omitempty"` // export only
}

// RoomsConfig is the top-level YAML config for rooms.
type RoomsConfig struct {
	Rooms []RoomYAML `yaml:"rooms"`
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID          int64  `yaml:"id"`
	ExternalID  string `yaml:"external_id"`
	DisplayName string `yaml:"display_name"`
	Role        string `yaml:"role"`
	Verified    bool   `yaml:"verified"`
	CreatedAt   string `yaml:"created_at"`
	LastAuthAt  string `yaml:"last_auth_at,omitempty"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadRoomsFromYAML reads a rooms YAML file and creates the rooms missing
// from the store.
func LoadRoomsFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from operator config
	if err != nil {
		return 0, fmt.Errorf("read rooms config: %w", err)
	}
	return ImportRoomsFromYAML(ctx, data, st)
}

// ImportRoomsFromYAML parses YAML data and creates the rooms missing from
// the store. Existing rooms are left alone; a bad entry is logged and
// skipped. It returns the number of rooms created.
func ImportRoomsFromYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) (int, error) {
	var cfg RoomsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("parse rooms config: %w", err)
	}

	created := 0
	for _, r := range cfg.Rooms {
		ok, err := ensureRoom(ctx, st, r)
		if err != nil {
			if model.KindOf(err) == model.KindInternal {
				return created, err
			}
			slog.Error("failed to create room from config", "name", r.Name, "err", err)
			continue
		}
		if ok {
			created++
		}
	}

	slog.Info("imported rooms from YAML", "listed", len(cfg.Rooms), "created", created)
	return created, nil
}

func ensureRoom(ctx context.Context, st datastore.DataProviderFactory, r RoomYAML) (bool, error) {
	room := &model.Room{Name: model.NormalizeRoomName(r.Name), IsPrivate: r.Private}
	if err := room.Validate(); err != nil {
		return false, err
	}
	existing, err := st.NonTx().GetRoomByName(ctx, room.Name)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := st.NonTx().CreateRoom(ctx, room); err != nil {
		if errors.Is(err, model.ErrRoomExists) {
			return false, nil
		}
		return false, err
	}
	slog.Debug("created room from config", "room", room.Name)
	return true, nil
}

// ExportRoomsYAML exports all rooms as YAML.
func ExportRoomsYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	rooms, err := st.NonTx().ListRooms(ctx)
	if err != nil {
		return nil, err
	}

	cfg := RoomsConfig{Rooms: make([]RoomYAML, 0, len(rooms))}
	for _, r := range rooms {
		cfg.Rooms = append(cfg.Rooms, RoomYAML{
			Name:      r.Name,
			Private:   r.IsPrivate,
			CreatedAt: formatYAMLTime(r.CreatedAt),
		})
	}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	users, err := st.NonTx().ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	export := UsersExport{Users: make([]UserYAML, 0, len(users))}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:          u.ID,
			ExternalID:  u.ExternalID,
			DisplayName: u.DisplayName,
			Role:        u.Role.String(),
			Verified:    u.Verified,
			CreatedAt:   formatYAMLTime(u.CreatedAt),
			LastAuthAt:  formatYAMLTime(u.LastAuthAt),
		})
	}
	return yaml.Marshal(&export)
}

func formatYAMLTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
