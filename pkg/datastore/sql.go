package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/tgbridge/pkg/model"
)

// Timestamps are stored as fixed-width UTC text so that they sort correctly.
const (
	dbTimeLayout      = "2006-01-02 15:04:05.000000"
	dbTimeParseLayout = "2006-01-02 15:04:05.999999999"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
	now func() time.Time
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out SQLite-backed providers, with or without a
// transaction.
type ProviderFactory struct {
	DB  *sql.DB
	now func() time.Time
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB:  sf.DB,
			now: sf.now,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB:  tx,
			now: sf.now,
		},
		tx: tx,
	}, nil
}

// sqliteDSN appends connection pragmas so that every pooled connection gets
// them, not just the first one.
func sqliteDSN(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath
	}
	return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", sqliteDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: ping: %w", err)
	}

	s := &ProviderFactory{
		DB:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		external_id  TEXT    NOT NULL UNIQUE CHECK(length(external_id) > 0 AND length(external_id) <= 64),
		display_name TEXT    NOT NULL CHECK(length(display_name) > 0),
		role         INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 1),
		verified     INTEGER NOT NULL DEFAULT 0,
		last_auth_at TEXT,
		created_at   TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rooms (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL UNIQUE CHECK(length(name) > 0),
		created_by INTEGER NOT NULL DEFAULT 0,
		is_private INTEGER NOT NULL DEFAULT 0,
		created_at TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id    INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		sender_id  INTEGER NOT NULL REFERENCES users(id),
		text       TEXT    NOT NULL,
		reply_to   INTEGER REFERENCES messages(id) ON DELETE SET NULL,
		created_at TEXT    NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages(room_id, id)",
			},
		},
		{
			version: 3,
			statements: []string{
				"ALTER TABLE messages ADD COLUMN source TEXT NOT NULL DEFAULT 'web'",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeParseLayout, value, time.UTC)
}

func formatNullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDBTime(t), Valid: true}
}

func parseNullTime(v sql.NullString) (time.Time, error) {
	if !v.Valid {
		return time.Time{}, nil
	}
	return parseDBTime(v.String)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Users ----

const userColumns = "id, external_id, display_name, role, verified, last_auth_at, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var roleInt, verifiedInt int
	var lastAuth sql.NullString
	var createdAt string
	if err := row.Scan(&u.ID, &u.ExternalID, &u.DisplayName, &roleInt, &verifiedInt, &lastAuth, &createdAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(roleInt)
	u.Verified = verifiedInt != 0
	var err error
	if u.LastAuthAt, err = parseNullTime(lastAuth); err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a user and fills in its ID and CreatedAt.
func (s *baseProvider) CreateUser(ctx context.Context, user *model.User) error {
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if err := user.Validate(); err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	createdAt := s.now()
	res, err := s.ExecContext(ctx,
		"INSERT INTO users (external_id, display_name, role, verified, last_auth_at, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ExternalID, user.DisplayName, int(user.Role), boolToInt(user.Verified), formatNullTime(user.LastAuthAt), formatDBTime(createdAt))
	if err != nil {
		return fmt.Errorf("datastore: create user: %w", err)
	}
	user.ID, _ = res.LastInsertId()
	user.CreatedAt = createdAt
	return nil
}

// GetUserByID retrieves a user by ID.
func (s *baseProvider) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// GetUserByExternalID retrieves a user by external platform identity.
func (s *baseProvider) GetUserByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user by external id: %w", err)
	}
	return u, nil
}

// UpdateUserProfile refreshes the profile fields after a verified login or
// a new contact from the external platform.
func (s *baseProvider) UpdateUserProfile(ctx context.Context, userID int64, displayName string, verified bool, lastAuthAt time.Time) error {
	displayName = strings.TrimSpace(displayName)
	if err := model.ValidateDisplayName(displayName); err != nil {
		return fmt.Errorf("datastore: update user profile: %w", err)
	}
	res, err := s.ExecContext(ctx,
		"UPDATE users SET display_name = ?, verified = ?, last_auth_at = COALESCE(?, last_auth_at) WHERE id = ?",
		displayName, boolToInt(verified), formatNullTime(lastAuthAt), userID)
	if err != nil {
		return fmt.Errorf("datastore: update user profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: update user profile: %w", model.ErrUserNotFound)
	}
	return nil
}

// UpdateUserRole changes a user's role.
func (s *baseProvider) UpdateUserRole(ctx context.Context, userID int64, role model.Role) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: update user role: %w", model.ErrInvalidRole)
	}
	res, err := s.ExecContext(ctx, "UPDATE users SET role = ? WHERE id = ?", int(role), userID)
	if err != nil {
		return fmt.Errorf("datastore: update user role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: update user role: %w", model.ErrUserNotFound)
	}
	return nil
}

// ListUsers returns all users.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// ---- Rooms ----

const roomColumns = "id, name, created_by, is_private, created_at"

func scanRoom(row rowScanner) (*model.Room, error) {
	r := &model.Room{}
	var privateInt int
	var createdAt string
	if err := row.Scan(&r.ID, &r.Name, &r.CreatedBy, &privateInt, &createdAt); err != nil {
		return nil, err
	}
	r.IsPrivate = privateInt != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = parsed
	return r, nil
}

// CreateRoom inserts a room and fills in its ID and CreatedAt.
func (s *baseProvider) CreateRoom(ctx context.Context, room *model.Room) error {
	room.Name = model.NormalizeRoomName(room.Name)
	if err := room.Validate(); err != nil {
		return fmt.Errorf("datastore: create room: %w", err)
	}
	createdAt := s.now()
	res, err := s.ExecContext(ctx,
		"INSERT INTO rooms (name, created_by, is_private, created_at) VALUES (?, ?, ?, ?)",
		room.Name, room.CreatedBy, boolToInt(room.IsPrivate), formatDBTime(createdAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("datastore: create room %q: %w", room.Name, model.ErrRoomExists)
	}
	if err != nil {
		return fmt.Errorf("datastore: create room: %w", err)
	}
	room.ID, _ = res.LastInsertId()
	room.CreatedAt = createdAt
	return nil
}

// DeleteRoom deletes a room and, through the foreign key, its messages.
func (s *baseProvider) DeleteRoom(ctx context.Context, id int64) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id); err != nil {
		return fmt.Errorf("datastore: delete room: %w", err)
	}
	return nil
}

// GetRoom retrieves a room by ID.
func (s *baseProvider) GetRoom(ctx context.Context, id int64) (*model.Room, error) {
	r, err := scanRoom(s.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get room: %w", err)
	}
	return r, nil
}

// GetRoomByName retrieves a room by its unique name.
func (s *baseProvider) GetRoomByName(ctx context.Context, name string) (*model.Room, error) {
	r, err := scanRoom(s.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM rooms WHERE name = ?", name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get room by name: %w", err)
	}
	return r, nil
}

// ListRooms returns all rooms ordered by creation.
func (s *baseProvider) ListRooms(ctx context.Context) ([]model.Room, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+roomColumns+" FROM rooms ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []model.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan room: %w", err)
		}
		rooms = append(rooms, *r)
	}
	return rooms, rows.Err()
}

// ---- Messages ----

const messageColumns = "id, room_id, sender_id, text, reply_to, source, created_at"

func scanMessage(row rowScanner) (*model.Message, error) {
	m := &model.Message{}
	var replyTo sql.NullInt64
	var source, createdAt string
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &replyTo, &source, &createdAt); err != nil {
		return nil, err
	}
	if replyTo.Valid {
		id := replyTo.Int64
		m.ReplyTo = &id
	}
	m.Source = model.Source(source)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parsed
	return m, nil
}

// CreateMessage appends a message. A zero CreatedAt is set to now.
func (s *baseProvider) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: message failed validation: %w", err)
	}

	var exists int
	err := s.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", message.RoomID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("datastore: create message: %w", model.ErrRoomNotFound)
	}
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}

	var replyTo sql.NullInt64
	if message.ReplyTo != nil {
		err := s.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ? AND room_id = ?", *message.ReplyTo, message.RoomID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("datastore: create message: reply target: %w", model.ErrMessageNotFound)
		}
		if err != nil {
			return fmt.Errorf("datastore: create message: %w", err)
		}
		replyTo = sql.NullInt64{Int64: *message.ReplyTo, Valid: true}
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}
	if message.Source == "" {
		message.Source = model.SourceWeb
	}
	res, err := s.ExecContext(ctx,
		"INSERT INTO messages (room_id, sender_id, text, reply_to, source, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		message.RoomID, message.SenderID, message.Text, replyTo, string(message.Source), formatDBTime(message.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: create message: %w", err)
	}
	message.ID, _ = res.LastInsertId()
	return nil
}

// GetMessage retrieves a message by ID.
func (s *baseProvider) GetMessage(ctx context.Context, id int64) (*model.Message, error) {
	m, err := scanMessage(s.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get message: %w", err)
	}
	return m, nil
}

// ListMessages returns messages newest first.
func (s *baseProvider) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE (? IS NULL OR room_id = ?)
		AND (? IS NULL OR sender_id = ?)
		ORDER BY id DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`

	rows, err := s.QueryContext(
		ctx,
		query,
		filters.LimitToRoomID, filters.LimitToRoomID,
		filters.LimitToSenderID, filters.LimitToSenderID,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}
