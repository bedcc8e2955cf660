package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dasmygame/CyCap/internal/models"
)

// recentWindow is the per-channel cache cap. Anything older lives only in
// the durable store.
const recentWindow = 100

const sessionTTL = 30 * 24 * time.Hour

// RedisStore handles Redis operations: the bounded recent-message window per
// channel, session token resolution, and rate-limit counters. The window is a
// derived, lossy view — absence means "consult the durable store", never
// "no messages exist".
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for collaborators that share the
// connection (rate limiter, fan-out broker).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// channelMessagesKey returns the key for a channel's recent-message list.
func channelMessagesKey(channelID string) string {
	return fmt.Sprintf("chat:%s:messages", channelID)
}

// sessionKey returns the key holding the user id for a session token.
func sessionKey(token string) string {
	return fmt.Sprintf("session:%s", token)
}

// StoreMessage pushes a message to the front of the channel's list and trims
// the list to the most recent entries. Callers treat a returned error as a
// degraded cache, not a failed send.
func (s *RedisStore) StoreMessage(ctx context.Context, channelID string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := channelMessagesKey(channelID)

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, 0, recentWindow-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentMessages returns up to limit messages for the channel, newest-first.
// A channel with nothing cached yields an empty slice, not an error.
func (s *RedisStore) RecentMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > recentWindow {
		limit = recentWindow
	}

	key := channelMessagesKey(channelID)
	results, err := s.client.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// PutSession stores a session token for a user. Session issuance itself
// belongs to the platform's auth subsystem; this service only resolves
// tokens it is handed.
func (s *RedisStore) PutSession(ctx context.Context, token, userID string) error {
	return s.client.Set(ctx, sessionKey(token), userID, sessionTTL).Err()
}

// ResolveSession returns the user id for a session token, or "" when the
// token is unknown or expired.
func (s *RedisStore) ResolveSession(ctx context.Context, token string) (string, error) {
	userID, err := s.client.Get(ctx, sessionKey(token)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}
