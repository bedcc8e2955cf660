package fanout

import (
	"context"
	"sync"
)

// subBuffer bounds how far a slow subscriber may fall behind before events
// are dropped for it. Dropped events surface on the subscriber's next fetch.
const subBuffer = 64

// Hub is an in-process Broker. It serves single-node deployments and tests;
// multi-instance deployments use RedisBroker so every instance sees every
// publish.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*hubSub]struct{}
}

// NewHub creates an in-process broker.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*hubSub]struct{})}
}

type hubSub struct {
	hub       *Hub
	channelID string
	events    chan Event
	once      sync.Once
}

func (s *hubSub) Events() <-chan Event { return s.events }

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.events)
	})
	return nil
}

// Publish delivers the event to every current subscriber of the channel.
func (h *Hub) Publish(_ context.Context, channelID, event string, data []byte) error {
	ev := Event{Event: event, Channel: channelID, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[channelID] {
		select {
		case sub.events <- ev:
		default:
			// Subscriber is not keeping up; drop rather than block writers.
		}
	}
	return nil
}

// Subscribe registers a new subscriber for the channel.
func (h *Hub) Subscribe(_ context.Context, channelID string) (Subscription, error) {
	sub := &hubSub{
		hub:       h,
		channelID: channelID,
		events:    make(chan Event, subBuffer),
	}

	h.mu.Lock()
	if h.subs[channelID] == nil {
		h.subs[channelID] = make(map[*hubSub]struct{})
	}
	h.subs[channelID][sub] = struct{}{}
	h.mu.Unlock()

	return sub, nil
}

func (h *Hub) remove(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.channelID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.channelID)
		}
	}
}
