// Package fanout provides publish/subscribe delivery of chat events keyed by
// channel id. Brokers are constructed explicitly and injected; there are no
// package-level singletons.
package fanout

import (
	"context"
	"encoding/json"
)

// Event names understood by subscribers.
const (
	EventMessage = "chat:message"
	EventTyping  = "chat:typing"
)

// Event is the envelope carried over the fan-out channel. Data is the
// JSON-encoded payload — for EventMessage it is the denormalized message,
// identical in shape to an ingress write response.
type Event struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Publisher publishes events to all current subscribers of a channel.
// Delivery is best-effort: a failed publish never invalidates a persisted
// message, it only means live viewers see it on their next fetch.
type Publisher interface {
	Publish(ctx context.Context, channelID, event string, data []byte) error
}

// Subscription is a live feed of events for one channel. Close releases the
// feed; Events is closed afterwards.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Broker is a Publisher whose channels can also be subscribed to.
type Broker interface {
	Publisher
	Subscribe(ctx context.Context, channelID string) (Subscription, error)
}
