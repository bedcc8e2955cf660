package store

import (
	"context"

	"github.com/dasmygame/CyCap/internal/models"
)

// ChannelActivity summarizes message volume for one channel, for the stats
// endpoint.
type ChannelActivity struct {
	ChannelID    string `json:"channelId"`
	MessageCount int64  `json:"messageCount"`
}

// DataStore is the durable store: the source of truth for full, unbounded
// per-channel message history and for the user directory. Both PostgresStore
// and SQLiteStore implement this interface. The Redis layer only ever holds
// a bounded suffix of what lives here.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Message operations. InsertMessage assigns the ULID id and creation
	// timestamp when unset; message ids therefore sort in creation order,
	// which is what makes them usable as pagination cursors.
	InsertMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, channelID, beforeID string, limit int) ([]models.Message, error)
	CountMessages(ctx context.Context) (int64, error)
	TopChannels(ctx context.Context, limit int) ([]ChannelActivity, error)

	// User directory operations
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error)
	CountUsers(ctx context.Context) (int64, error)
}
