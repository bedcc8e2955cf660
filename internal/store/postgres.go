package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/dasmygame/CyCap/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		username TEXT UNIQUE NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id, id DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertMessage persists a message, assigning id and timestamp when unset.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Type == "" {
		msg.Type = models.MessageText
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, channel_id, sender_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, msg.ID, msg.ChannelID, msg.SenderID, msg.Content, string(msg.Type), msg.CreatedAt)
	return err
}

// ListMessages retrieves messages for a channel, newest-first. When beforeID
// is set only messages with a strictly smaller id are returned; ULIDs sort in
// creation order, so this walks backward through history.
func (s *PostgresStore) ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if beforeID != "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, channel_id, sender_id, content, type, created_at
			FROM messages
			WHERE channel_id = $1 AND id < $2
			ORDER BY id DESC
			LIMIT $3
		`, channelID, beforeID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, channel_id, sender_id, content, type, created_at
			FROM messages
			WHERE channel_id = $1
			ORDER BY id DESC
			LIMIT $2
		`, channelID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var (
			msg     models.Message
			msgType string
		)
		err := rows.Scan(
			&msg.ID,
			&msg.ChannelID,
			&msg.SenderID,
			&msg.Content,
			&msgType,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		msg.Type = models.MessageType(msgType)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages returns the total number of persisted messages.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// TopChannels returns the busiest channels by message volume.
func (s *PostgresStore) TopChannels(ctx context.Context, limit int) ([]ChannelActivity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT channel_id, COUNT(*) AS message_count
		FROM messages
		GROUP BY channel_id
		ORDER BY message_count DESC
		LIMIT $1
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
func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO users (id, first_name, last_name, username, avatar_url)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, user.ID, user.FirstName, user.LastName, user.Username, user.AvatarURL).Scan(&user.CreatedAt)
}

// GetUserByID retrieves a user by id. Returns nil, nil when not found.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	user := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, username, avatar_url, created_at
		FROM users WHERE id = $1
	`, id).Scan(
		&user.ID,
		&user.FirstName,
		&user.LastName,
		&user.Username,
		&user.AvatarURL,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

// GetUsersByIDs retrieves a set of users in one query, keyed by id. Ids with
// no directory entry are simply absent from the map.
func (s *PostgresStore) GetUsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	users := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, first_name, last_name, username, avatar_url, created_at
		FROM users WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID,
			&user.FirstName,
			&user.LastName,
			&user.Username,
			&user.AvatarURL,
			&user.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		users[user.ID] = user
	}
	return users, rows.Err()
}

// CountUsers returns the total number of directory entries.
func (s *PostgresStore) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}
