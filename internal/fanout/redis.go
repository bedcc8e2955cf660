package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker fans events out over Redis Pub/Sub so every server instance
// sees every publish regardless of which instance accepted the write.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBroker creates a broker on an existing Redis connection.
func NewRedisBroker(client *redis.Client, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{client: client, logger: logger}
}

// eventsKey returns the Pub/Sub channel name for a chat channel.
func eventsKey(channelID string) string {
	return fmt.Sprintf("chat:%s:events", channelID)
}

// Publish broadcasts the event envelope to all subscribers of the channel.
func (b *RedisBroker) Publish(ctx context.Context, channelID, event string, data []byte) error {
	envelope, err := json.Marshal(Event{Event: event, Channel: channelID, Data: data})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, eventsKey(channelID), envelope).Err()
}

// Subscribe opens a live feed of events for the channel. The feed stays open
// until Close is called or the context is cancelled.
func (b *RedisBroker) Subscribe(ctx context.Context, channelID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, eventsKey(channelID))

	// Force the SUBSCRIBE round trip so a broken connection fails here
	// instead of silently delivering nothing.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSub{
		pubsub: pubsub,
		events: make(chan Event, subBuffer),
	}

	go func() {
		defer close(sub.events)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Str("channel", channelID).Msg("dropping malformed fanout event")
				continue
			}
			select {
			case sub.events <- ev:
			default:
				// Slow consumer; drop rather than block the pubsub reader.
			}
		}
	}()

	return sub, nil
}

type redisSub struct {
	pubsub *redis.PubSub
	events chan Event
	once   sync.Once
	err    error
}

func (s *redisSub) Events() <-chan Event { return s.events }

func (s *redisSub) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
	})
	return s.err
}
