package cycap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Fan-out event names.
const (
	EventMessage = "chat:message"
	EventTyping  = "chat:typing"
)

// Event is the fan-out envelope delivered to subscribers. For EventMessage,
// Data decodes into a Message.
type Event struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Subscription is a live feed of events for one channel. Events is closed
// after Close or when the underlying connection drops.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Subscriber opens live event feeds. ChatSession takes this as an interface
// so tests and embedded deployments can supply their own delivery.
type Subscriber interface {
	Subscribe(ctx context.Context, channelID string) (Subscription, error)
}

// WebSocketSubscriber subscribes via the server's live chat bridge.
type WebSocketSubscriber struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

// NewWebSocketSubscriber creates a subscriber against the given server.
func NewWebSocketSubscriber(baseURL, token string) *WebSocketSubscriber {
	return &WebSocketSubscriber{
		BaseURL: baseURL,
		Token:   token,
		Dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Subscribe dials the websocket bridge for the channel. The returned
// subscription delivers every event the server fans out for that channel.
func (s *WebSocketSubscriber) Subscribe(ctx context.Context, channelID string) (Subscription, error) {
	wsURL, err := bridgeURL(s.BaseURL, channelID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}

	conn, resp, err := s.Dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}

	sub := &wsSubscription{
		conn:   conn,
		events: make(chan Event, 64),
	}
	go sub.readLoop()

	return sub, nil
}

// bridgeURL converts the HTTP base URL into the websocket bridge URL.
func bridgeURL(baseURL, channelID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/chat/ws"
	q := u.Query()
	q.Set("channelId", channelID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsSubscription struct {
	conn   *websocket.Conn
	events chan Event
	once   sync.Once
}

func (s *wsSubscription) Events() <-chan Event { return s.events }

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close() // unblocks the read loop, which closes events
	})
	return err
}

func (s *wsSubscription) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			return
		}
		select {
		case s.events <- ev:
		default:
			// Consumer is not draining; drop rather than stall the socket.
		}
	}
}
