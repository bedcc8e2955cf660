package cycap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a ChatSession.
type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateConnected
)

var (
	// ErrSessionOpen is returned by Open on a session that is already open.
	ErrSessionOpen = errors.New("cycap: session already open")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("cycap: session not connected")
)

const localIDPrefix = "local-"

// ChatSession maintains the in-memory ordered message list for one open
// channel view. It reconciles three independent sources into one
// chronological list: the initial historical fetch, live fan-out pushes, and
// the caller's own optimistic sends. Deduplication by id is what keeps the
// sender's optimistic-then-confirmed double appearance (and any at-least-once
// redelivery) invisible.
type ChatSession struct {
	client     *Client
	subscriber Subscriber
	channelID  string
	pageSize   int

	// OnUpdate, when set before Open, is called with a snapshot after every
	// change to the message list.
	OnUpdate func([]Message)

	mu          sync.Mutex
	state       State
	messages    []Message       // strictly chronological, oldest first
	seen        map[string]bool // confirmed ids already ingested
	pending     map[string]Message
	hasMore     bool
	loadingMore bool
	sub         Subscription
	wg          sync.WaitGroup
}

// NewChatSession creates a session for one channel. The session owns no
// network state until Open.
func NewChatSession(client *Client, subscriber Subscriber, channelID string) *ChatSession {
	return &ChatSession{
		client:     client,
		subscriber: subscriber,
		channelID:  channelID,
		pageSize:   50,
		seen:       make(map[string]bool),
		pending:    make(map[string]Message),
		hasMore:    true,
	}
}

// SetPageSize overrides the page size for the initial fetch and load-more.
// Must be called before Open.
func (s *ChatSession) SetPageSize(n int) {
	if n > 0 {
		s.pageSize = n
	}
}

// Open subscribes to the channel's fan-out feed and loads the initial page.
// Subscribing before fetching closes the gap where a message lands between
// the fetch and the subscription; the ingest dedup absorbs any overlap.
func (s *ChatSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrSessionOpen
	}
	s.state = StateSubscribing
	s.mu.Unlock()

	sub, err := s.subscriber.Subscribe(ctx, s.channelID)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	page, err := s.client.GetMessages(ctx, s.channelID, s.pageSize, "")
	if err != nil {
		sub.Close()
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.state = StateConnected
	s.hasMore = len(page) == s.pageSize
	// Pages arrive newest-first; ingest oldest-first to build the list.
	for i := len(page) - 1; i >= 0; i-- {
		s.ingestLocked(page[i])
	}
	s.mu.Unlock()
	s.notify()

	s.wg.Add(1)
	go s.consume(sub)

	return nil
}

// consume drains the fan-out feed until the subscription closes.
func (s *ChatSession) consume(sub Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		if ev.Event != EventMessage {
			continue
		}
		var msg Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			continue
		}
		s.mu.Lock()
		s.ingestLocked(msg)
		s.mu.Unlock()
		s.notify()
	}
}

// Send optimistically inserts a provisional message, posts it, and
// reconciles the server-confirmed message from the response or the fan-out
// push, whichever lands first. On failure the provisional message is rolled
// back and the error returned.
func (s *ChatSession) Send(ctx context.Context, content string) (*Message, error) {
	if s.client.Token == "" {
		return nil, ErrNotAuthenticated
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}

	localID := fmt.Sprintf("%s%d", localIDPrefix, time.Now().UnixNano())
	provisional := Message{
		ID:        localID,
		ChannelID: s.channelID,
		Content:   content,
		Type:      MessageText,
		SenderID:  s.client.UserID,
		CreatedAt: time.Now(),
	}
	s.pending[localID] = provisional
	s.insertLocked(provisional)
	s.mu.Unlock()
	s.notify()

	confirmed, err := s.client.PostMessage(ctx, s.channelID, content, MessageText)
	if err != nil {
		// pending → failed: the provisional message disappears.
		s.mu.Lock()
		s.dropPendingLocked(localID)
		s.mu.Unlock()
		s.notify()
		return nil, err
	}

	// pending → confirmed. The push may have reconciled it already; both
	// paths land on one visible copy keyed by the server id.
	s.mu.Lock()
	s.dropPendingLocked(localID)
	s.ingestLocked(*confirmed)
	s.mu.Unlock()
	s.notify()

	return confirmed, nil
}

// LoadMore fetches the page older than the oldest confirmed message and
// prepends it. It is a no-op while another load is in flight or when the
// history is exhausted.
func (s *ChatSession) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected || s.loadingMore || !s.hasMore {
		s.mu.Unlock()
		return nil
	}
	s.loadingMore = true
	cursor := s.oldestConfirmedLocked()
	s.mu.Unlock()

	page, err := s.client.GetMessages(ctx, s.channelID, s.pageSize, cursor)

	s.mu.Lock()
	s.loadingMore = false
	if err != nil {
		s.mu.Unlock()
		return err
	}
	// A short page means the start of history.
	s.hasMore = len(page) == s.pageSize
	for i := len(page) - 1; i >= 0; i-- {
		s.ingestLocked(page[i])
	}
	s.mu.Unlock()
	s.notify()

	return nil
}

// Close unsubscribes and discards all local state. The session can be
// reopened afterwards.
func (s *ChatSession) Close() error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	sub := s.sub
	s.sub = nil
	s.state = StateDisconnected
	s.messages = nil
	s.seen = make(map[string]bool)
	s.pending = make(map[string]Message)
	s.hasMore = true
	s.loadingMore = false
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.wg.Wait()
	return nil
}

// Messages returns a snapshot of the local list, oldest first.
func (s *ChatSession) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// State returns the session's lifecycle state.
func (s *ChatSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasMore reports whether older history may remain on the server.
func (s *ChatSession) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// ingestLocked adds a server-confirmed message, reconciling any provisional
// send it supersedes. Duplicate ids are dropped.
func (s *ChatSession) ingestLocked(msg Message) {
	if msg.ID == "" || s.seen[msg.ID] {
		return
	}

	// A confirmed message from this sender with identical content supersedes
	// the oldest matching provisional entry (the push can beat the POST
	// response back to us).
	for localID, prov := range s.pending {
		if prov.SenderID == msg.SenderID && prov.Content == msg.Content {
			s.dropPendingLocked(localID)
			break
		}
	}

	s.seen[msg.ID] = true
	s.insertLocked(msg)
}

// insertLocked places a message so the list stays chronological. Live pushes
// append; load-more pages insert near the front; the scan from the tail
// makes the common case O(1).
func (s *ChatSession) insertLocked(msg Message) {
	i := len(s.messages)
	for i > 0 && laterThan(s.messages[i-1], msg) {
		i--
	}
	s.messages = append(s.messages, Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}

// laterThan orders messages by creation time, with id as the tiebreak so the
// order is total and stable.
func laterThan(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// dropPendingLocked removes a provisional message, if still present.
func (s *ChatSession) dropPendingLocked(localID string) {
	if _, ok := s.pending[localID]; !ok {
		return
	}
	delete(s.pending, localID)
	for i := range s.messages {
		if s.messages[i].ID == localID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

// oldestConfirmedLocked returns the pagination cursor: the id of the oldest
// server-confirmed message, or "" when none exists yet.
func (s *ChatSession) oldestConfirmedLocked() string {
	for _, msg := range s.messages {
		if !strings.HasPrefix(msg.ID, localIDPrefix) {
			return msg.ID
		}
	}
	return ""
}

func (s *ChatSession) notify() {
	if s.OnUpdate == nil {
		return
	}
	s.OnUpdate(s.Messages())
}
