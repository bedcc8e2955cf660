package cycap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// chatServer is a minimal in-memory chat API for session tests.
type chatServer struct {
	mu       sync.Mutex
	seq      int
	messages []Message
	failPost bool
}

func (s *chatServer) addMessage(content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(content, "u-other")
}

func (s *chatServer) addLocked(content, senderID string) Message {
	s.seq++
	msg := Message{
		ID:        fmt.Sprintf("msg-%04d", s.seq),
		ChannelID: "general",
		Content:   content,
		Type:      MessageText,
		SenderID:  senderID,
		Sender:    &Sender{ID: senderID, Username: senderID},
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second),
	}
	s.messages = append(s.messages, msg)
	return msg
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet:
		s.mu.Lock()
		cursor := r.URL.Query().Get("cursor")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		var page []Message
		for _, m := range s.messages {
			if cursor != "" && m.ID >= cursor {
				continue
			}
			page = append(page, m)
		}
		s.mu.Unlock()
		sort.Slice(page, func(i, j int) bool { return page[i].ID > page[j].ID })
		if len(page) > limit {
			page = page[:limit]
		}
		if page == nil {
			page = []Message{}
		}
		json.NewEncoder(w).Encode(page)

	case r.Method == http.MethodPost:
		s.mu.Lock()
		if s.failPost {
			s.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]string{"error": "failed to store message"})
			return
		}
		var req postMessageRequest
		json.NewDecoder(r.Body).Decode(&req)
		msg := s.addLocked(req.Content, "u-self")
		s.mu.Unlock()
		json.NewEncoder(w).Encode(msg)
	}
}

// fakeSubscriber hands out subscriptions the test can push events into.
type fakeSubscriber struct {
	events chan Event
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{events: make(chan Event, 64)}
}

func (f *fakeSubscriber) Subscribe(context.Context, string) (Subscription, error) {
	return &fakeSubscription{sub: f}, nil
}

// push delivers a message event and waits for the session to ingest it.
func (f *fakeSubscriber) push(t *testing.T, session *ChatSession, msg Message) {
	t.Helper()
	data, _ := json.Marshal(msg)
	f.events <- Event{Event: EventMessage, Channel: msg.ChannelID, Data: data}
	waitFor(t, func() bool {
		for _, m := range session.Messages() {
			if m.ID == msg.ID {
				return true
			}
		}
		return false
	})
}

type fakeSubscription struct {
	sub  *fakeSubscriber
	once sync.Once
}

func (s *fakeSubscription) Events() <-chan Event { return s.sub.events }
func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.sub.events) })
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

func newTestSession(t *testing.T, srv *chatServer) (*ChatSession, *fakeSubscriber) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	client := NewClient(ts.URL, "tok-test")
	client.UserID = "u-self"
	sub := newFakeSubscriber()
	return NewChatSession(client, sub, "general"), sub
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func assertChronological(t *testing.T, msgs []Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("list not chronological at %d: %v after %v", i, msgs[i].CreatedAt, msgs[i-1].CreatedAt)
		}
	}
}

func assertNoDuplicateIDs(t *testing.T, msgs []Message) {
	t.Helper()
	seen := make(map[string]bool)
	for _, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate message id %s", m.ID)
		}
		seen[m.ID] = true
	}
}

func TestSessionOpenLoadsHistoryChronologically(t *testing.T) {
	srv := &chatServer{}
	for i := 1; i <= 5; i++ {
		srv.addMessage(fmt.Sprintf("m%d", i))
	}
	session, _ := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if session.State() != StateConnected {
		t.Fatalf("expected StateConnected, got %v", session.State())
	}

	msgs := session.Messages()
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "m1" || msgs[4].Content != "m5" {
		t.Fatalf("expected oldest-first order, got %v", contents(msgs))
	}
	assertChronological(t, msgs)

	// A full history in one page means no more to load.
	if session.HasMore() {
		t.Fatal("short initial page should clear hasMore")
	}
}

func TestSessionOpenTwice(t *testing.T) {
	srv := &chatServer{}
	session, _ := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if err := session.Open(context.Background()); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("expected ErrSessionOpen, got %v", err)
	}
}

func TestSessionLivePushAppends(t *testing.T) {
	srv := &chatServer{}
	srv.addMessage("history")
	session, sub := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	live := srv.addMessage("live")
	sub.push(t, session, live)

	msgs := session.Messages()
	if len(msgs) != 2 || msgs[1].Content != "live" {
		t.Fatalf("expected live message appended, got %v", contents(msgs))
	}
	assertChronological(t, msgs)
}

func TestSessionDedupesOverlapWithInitialFetch(t *testing.T) {
	srv := &chatServer{}
	m := srv.addMessage("overlap")
	session, sub := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	// The subscription delivers a message the fetch already returned.
	sub.push(t, session, m)

	msgs := session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after redelivery, got %v", contents(msgs))
	}
	assertNoDuplicateIDs(t, msgs)
}

func TestSessionSendConfirms(t *testing.T) {
	srv := &chatServer{}
	session, _ := newTestSession(t, srv)

	var mu sync.Mutex
	var updates int
	session.OnUpdate = func([]Message) {
		mu.Lock()
		updates++
		mu.Unlock()
	}

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	confirmed, err := session.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}

	msgs := session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %v", contents(msgs))
	}
	if msgs[0].ID != confirmed.ID {
		t.Fatalf("expected the confirmed id %s, got %s", confirmed.ID, msgs[0].ID)
	}
	if msgs[0].ID == "" || strings.HasPrefix(msgs[0].ID, localIDPrefix) {
		t.Fatal("provisional id leaked into the confirmed list")
	}
	mu.Lock()
	n := updates
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected OnUpdate notifications")
	}
}

func TestSessionSendPushBeatsResponse(t *testing.T) {
	srv := &chatServer{}
	session, sub := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	confirmed, err := session.Send(context.Background(), "raced")
	if err != nil {
		t.Fatal(err)
	}

	// The fan-out copy arrives after the response already reconciled it.
	sub.push(t, session, *confirmed)

	msgs := session.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 visible copy, got %v", contents(msgs))
	}
	assertNoDuplicateIDs(t, msgs)
}

func TestSessionSendFailureRollsBack(t *testing.T) {
	srv := &chatServer{failPost: true}
	session, _ := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	_, err := session.Send(context.Background(), "doomed")
	if err == nil {
		t.Fatal("expected send failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected a 500 APIError, got %v", err)
	}

	if msgs := session.Messages(); len(msgs) != 0 {
		t.Fatalf("provisional message must be rolled back, got %v", contents(msgs))
	}
}

func TestSessionSendRequiresToken(t *testing.T) {
	srv := &chatServer{}
	session, _ := newTestSession(t, srv)
	session.client.Token = ""

	_, err := session.Send(context.Background(), "hi")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestSessionLoadMore(t *testing.T) {
	srv := &chatServer{}
	for i := 1; i <= 12; i++ {
		srv.addMessage(fmt.Sprintf("m%d", i))
	}
	session, _ := newTestSession(t, srv)
	session.SetPageSize(5)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	if got := contents(session.Messages()); len(got) != 5 || got[0] != "m8" {
		t.Fatalf("expected initial page m8..m12, got %v", got)
	}
	if !session.HasMore() {
		t.Fatal("full page should leave hasMore set")
	}

	if err := session.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs := session.Messages()
	if len(msgs) != 10 || msgs[0].Content != "m3" {
		t.Fatalf("expected m3..m12 after one load, got %v", contents(msgs))
	}
	assertChronological(t, msgs)
	assertNoDuplicateIDs(t, msgs)

	if err := session.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	msgs = session.Messages()
	if len(msgs) != 12 || msgs[0].Content != "m1" {
		t.Fatalf("expected the full history, got %v", contents(msgs))
	}
	if session.HasMore() {
		t.Fatal("short final page should clear hasMore")
	}

	// Exhausted history: a further call is a no-op.
	if err := session.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(session.Messages()) != 12 {
		t.Fatal("load-more past the start must not change the list")
	}
}

func TestSessionCloseResetsState(t *testing.T) {
	srv := &chatServer{}
	srv.addMessage("m1")
	session, _ := newTestSession(t, srv)

	if err := session.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := session.Close(); err != nil {
		t.Fatal(err)
	}

	if session.State() != StateDisconnected {
		t.Fatalf("expected StateDisconnected, got %v", session.State())
	}
	if len(session.Messages()) != 0 {
		t.Fatal("close must discard the local list")
	}

	if _, err := session.Send(context.Background(), "late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
