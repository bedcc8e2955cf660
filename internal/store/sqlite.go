package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/dasmygame/CyCap/internal/models"
)

// SQLiteStore handles SQLite database operations. It exists so a full stack
// can run locally without PostgreSQL; the schema mirrors PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/cycap.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/cycap.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		username TEXT UNIQUE NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id, id DESC);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertMessage persists a message, assigning id and timestamp when unset.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, content, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ChannelID, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// ListMessages retrieves messages for a channel, newest-first, strictly older
// than beforeID when set.
func (s *SQLiteStore) ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if beforeID != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, channel_id, sender_id, content, type, created_at
			FROM messages
			WHERE channel_id = ? AND id < ?
			ORDER BY id DESC
			LIMIT ?
		`, channelID, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, channel_id, sender_id, content, type, created_at
			FROM messages
			WHERE channel_id = ?
			ORDER BY id DESC
			LIMIT ?
		`, channelID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg       models.Message
			msgType   string
			createdAt string
		)
		err := rows.Scan(
			&msg.ID,
			&msg.ChannelID,
			&msg.SenderID,
			&msg.Content,
			&msgType,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		msg.Type = models.MessageType(msgType)
		msg.CreatedAt = parseSQLiteTime(createdAt)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// parseSQLiteTime parses timestamps written by this store or by SQLite's
// CURRENT_TIMESTAMP default.
func parseSQLiteTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", strings.TrimSuffix(value, "Z")); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

// CountMessages returns the total number of persisted messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// TopChannels returns the busiest channels by message volume.
func (s *SQLiteStore) TopChannels(ctx context.Context, limit int) ([]ChannelActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel_id, COUNT(*) AS message_count
		FROM messages
		GROUP BY channel_id
		ORDER BY message_count DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []ChannelActivity
	for rows.Next() {
		var ch ChannelActivity
		if err := rows.Scan(&ch.ChannelID, &ch.MessageCount); err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// CreateUser creates a new directory entry.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, first_name, last_name, username, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, user.ID, user.FirstName, user.LastName, user.Username, user.AvatarURL, user.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// GetUserByID retrieves a user by id. Returns nil, nil when not found.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var (
		user      models.User
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, username, avatar_url, created_at
		FROM users WHERE id = ?
	`, id).Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.Username,
		&user.AvatarURL,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	user.CreatedAt = parseSQLiteTime(createdAt)
	return &user, nil
}

// GetUsersByIDs retrieves a set of users in one query, keyed by id.
func (s *SQLiteStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	users := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, username, avatar_url, created_at
		FROM users WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			user      models.User
			createdAt string
		)
		err := rows.Scan(
			&user.ID,
			&user.FirstName,
			&user.LastName,
			&user.Username,
			&user.AvatarURL,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		user.CreatedAt = parseSQLiteTime(createdAt)
		users[user.ID] = user
	}
	return users, rows.Err()
}

// CountUsers returns the total number of directory entries.
func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
