package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dasmygame/CyCap/internal/api/middleware"
	"github.com/dasmygame/CyCap/internal/fanout"
	"github.com/dasmygame/CyCap/internal/models"
	"github.com/dasmygame/CyCap/internal/store"
)

// fakeStore is an in-memory DataStore. Ids are assigned in lexicographic
// insertion order, matching the cursor contract.
type fakeStore struct {
	seq      int
	messages []models.Message
	users    map[string]models.User

	insertErr error
	listErr   error
	lookupErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[string]models.User)}
}

func (s *fakeStore) Close()                         {}
func (s *fakeStore) Ping(context.Context) error     { return nil }
func (s *fakeStore) CountMessages(context.Context) (int64, error) {
	return int64(len(s.messages)), nil
}
func (s *fakeStore) CountUsers(context.Context) (int64, error) { return int64(len(s.users)), nil }

func (s *fakeStore) TopChannels(_ context.Context, limit int) ([]store.ChannelActivity, error) {
	counts := make(map[string]int64)
	for _, m := range s.messages {
		counts[m.ChannelID]++
	}
	out := make([]store.ChannelActivity, 0, len(counts))
	for ch, n := range counts {
		out = append(out, store.ChannelActivity{ChannelID: ch, MessageCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageCount > out[j].MessageCount })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, msg *models.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("msg-%04d", s.seq)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(s.seq) * time.Second)
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, channelID, beforeID string, limit int) ([]models.Message, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.Message
	for _, m := range s.messages {
		if m.ChannelID != channelID {
			continue
		}
		if beforeID != "" && m.ID >= beforeID {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) CreateUser(_ context.Context, user *models.User) error {
	s.users[user.ID] = *user
	return nil
}

func (s *fakeStore) GetUserByID(_ context.Context, id string) (*models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *fakeStore) GetUsersByIDs(_ context.Context, ids []string) (map[string]models.User, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	out := make(map[string]models.User)
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

// fakeCache is an in-memory RecentCache with injectable failures.
type fakeCache struct {
	window   map[string][]models.Message
	storeErr error
	readErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{window: make(map[string][]models.Message)}
}

func (c *fakeCache) StoreMessage(_ context.Context, channelID string, msg models.Message) error {
	if c.storeErr != nil {
		return c.storeErr
	}
	c.window[channelID] = append([]models.Message{msg}, c.window[channelID]...)
	if len(c.window[channelID]) > 100 {
		c.window[channelID] = c.window[channelID][:100]
	}
	return nil
}

func (c *fakeCache) RecentMessages(_ context.Context, channelID string, limit int) ([]models.Message, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	msgs := c.window[channelID]
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// failBroker rejects every publish.
type failBroker struct{}

func (failBroker) Publish(context.Context, string, string, []byte) error {
	return errors.New("broker down")
}
func (failBroker) Subscribe(context.Context, string) (fanout.Subscription, error) {
	return nil, errors.New("broker down")
}

type env struct {
	h     *Handler
	store *fakeStore
	cache *fakeCache
	hub   *fanout.Hub
	user  *models.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fs := newFakeStore()
	fc := newFakeCache()
	hub := fanout.NewHub()
	user := &models.User{
		ID:        "u-alice",
		FirstName: "Alice",
		LastName:  "Nguyen",
		Username:  "alice",
		AvatarURL: "https://cdn.example/alice.png",
	}
	fs.CreateUser(context.Background(), user)
	return &env{
		h:     NewHandler(fs, fc, hub, nil, zerolog.Nop()),
		store: fs,
		cache: fc,
		hub:   hub,
		user:  user,
	}
}

func (e *env) request(t *testing.T, method, target string, body interface{}, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if authed {
		ctx := context.WithValue(req.Context(), middleware.UserContextKey, e.user)
		req = req.WithContext(ctx)
	}
	rec := httptest.NewRecorder()
	switch {
	case method == http.MethodPost && target == "/api/chat":
		e.h.PostMessage(rec, req)
	case method == http.MethodGet:
		e.h.GetMessages(rec, req)
	case method == http.MethodPost:
		e.h.Typing(rec, req)
	}
	return rec
}

func (e *env) post(t *testing.T, channelID, content string) models.Message {
	t.Helper()
	rec := e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{ChannelID: channelID, Content: content}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("post failed: %d %s", rec.Code, rec.Body)
	}
	var msg models.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func (e *env) get(t *testing.T, target string) (int, []models.Message) {
	t.Helper()
	rec := e.request(t, http.MethodGet, target, nil, true)
	if rec.Code != http.StatusOK {
		return rec.Code, nil
	}
	var msgs []models.Message
	if err := json.Unmarshal(rec.Body.Bytes(), &msgs); err != nil {
		t.Fatal(err)
	}
	return rec.Code, msgs
}

func TestPostMessageRequiresAuth(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{ChannelID: "general", Content: "hi"}, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(e.store.messages) != 0 {
		t.Fatal("unauthenticated post must not persist")
	}
}

func TestPostMessageValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{Content: "hi"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing channelId: expected 400, got %d", rec.Code)
	}

	rec = e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{ChannelID: "general"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing content: expected 400, got %d", rec.Code)
	}

	long := bytes.Repeat([]byte("a"), maxContentBytes+1)
	rec = e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{ChannelID: "general", Content: string(long)}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("oversized content: expected 422, got %d", rec.Code)
	}

	rec = e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{ChannelID: "general", Content: "hi", Type: "gif"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: expected 400, got %d", rec.Code)
	}
}

func TestPostMessagePersistsCachesPublishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sub, err := e.hub.Subscribe(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	msg := e.post(t, "general", "hello world")

	if msg.ID == "" {
		t.Fatal("server must assign the message id")
	}
	if msg.CreatedAt.IsZero() {
		t.Fatal("server must assign the timestamp")
	}
	if msg.Type != models.MessageText {
		t.Fatalf("expected default type text, got %q", msg.Type)
	}
	if msg.Sender == nil || msg.Sender.Username != "alice" {
		t.Fatalf("response must carry the resolved sender, got %+v", msg.Sender)
	}

	if len(e.store.messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(e.store.messages))
	}
	cached := e.cache.window["general"]
	if len(cached) != 1 || cached[0].ID != msg.ID {
		t.Fatalf("expected the message mirrored to the cache, got %+v", cached)
	}

	select {
	case ev := <-sub.Events():
		if ev.Event != fanout.EventMessage {
			t.Fatalf("expected %s event, got %s", fanout.EventMessage, ev.Event)
		}
		var pushed models.Message
		if err := json.Unmarshal(ev.Data, &pushed); err != nil {
			t.Fatal(err)
		}
		if pushed.ID != msg.ID || pushed.Sender == nil {
			t.Fatalf("pushed message should match the response, got %+v", pushed)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a fan-out publish")
	}
}

func TestPostMessageIgnoresClientSender(t *testing.T) {
	e := newEnv(t)

	rec := e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{
		ChannelID: "general",
		Content:   "spoof attempt",
		Sender:    &models.Sender{ID: "u-mallory", Username: "mallory"},
	}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var msg models.Message
	json.Unmarshal(rec.Body.Bytes(), &msg)
	if msg.SenderID != e.user.ID {
		t.Fatalf("authorship must come from the session, got %q", msg.SenderID)
	}
	if msg.Sender.Username != "alice" {
		t.Fatalf("sender snapshot must come from the session user, got %q", msg.Sender.Username)
	}
}

func TestPostMessageStoreFailureIsFatal(t *testing.T) {
	e := newEnv(t)
	e.store.insertErr = errors.New("db down")

	sub, _ := e.hub.Subscribe(context.Background(), "general")
	defer sub.Close()

	rec := e.request(t, http.MethodPost, "/api/chat", PostMessageRequest{ChannelID: "general", Content: "hi"}, true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if len(e.cache.window["general"]) != 0 {
		t.Fatal("failed insert must not reach the cache")
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("failed insert must not publish, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPostMessageCacheFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.cache.storeErr = errors.New("redis down")

	msg := e.post(t, "general", "still delivered")
	if len(e.store.messages) != 1 || e.store.messages[0].ID != msg.ID {
		t.Fatal("message must persist despite the cache failure")
	}
}

func TestPostMessagePublishFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.h = NewHandler(e.store, e.cache, failBroker{}, nil, zerolog.Nop())

	msg := e.post(t, "general", "still delivered")
	if len(e.store.messages) != 1 || e.store.messages[0].ID != msg.ID {
		t.Fatal("message must persist despite the publish failure")
	}
	if len(e.cache.window["general"]) != 1 {
		t.Fatal("message must still reach the cache")
	}
}

func TestGetMessagesRequiresAuth(t *testing.T) {
	e := newEnv(t)
	rec := e.request(t, http.MethodGet, "/api/chat?channelId=general", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestGetMessagesRequiresChannel(t *testing.T) {
	e := newEnv(t)
	code, _ := e.get(t, "/api/chat")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestGetMessagesCacheHit(t *testing.T) {
	e := newEnv(t)

	e.post(t, "general", "first")
	e.post(t, "general", "second")
	// Make sure the cached copy is what serves the read.
	e.store.listErr = errors.New("durable store must not be consulted")

	code, msgs := e.get(t, "/api/chat?channelId=general")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "second" || msgs[1].Content != "first" {
		t.Fatalf("expected newest-first, got %q then %q", msgs[0].Content, msgs[1].Content)
	}
	if msgs[0].Sender == nil || msgs[0].Sender.Username != "alice" {
		t.Fatalf("cache hits must still resolve senders, got %+v", msgs[0].Sender)
	}
}

func TestGetMessagesColdCacheFallsBackAndRepopulates(t *testing.T) {
	e := newEnv(t)

	e.post(t, "general", "one")
	e.post(t, "general", "two")
	e.cache.window = make(map[string][]models.Message)

	code, msgs := e.get(t, "/api/chat?channelId=general")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" {
		t.Fatalf("expected newest-first store results, got %+v", msgs)
	}

	// The page was written back newest-at-head so the next read hits.
	cached := e.cache.window["general"]
	if len(cached) != 2 {
		t.Fatalf("expected the window repopulated with 2 messages, got %d", len(cached))
	}
	if cached[0].Content != "two" || cached[1].Content != "one" {
		t.Fatalf("window head must be the newest message, got %q then %q", cached[0].Content, cached[1].Content)
	}
}

func TestGetMessagesCacheReadFailureDegrades(t *testing.T) {
	e := newEnv(t)

	e.post(t, "general", "resilient")
	e.cache.readErr = errors.New("redis down")

	code, msgs := e.get(t, "/api/chat?channelId=general")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(msgs) != 1 || msgs[0].Content != "resilient" {
		t.Fatalf("cache failure must fall back to the durable store, got %+v", msgs)
	}
}

func TestGetMessagesCursorBypassesCache(t *testing.T) {
	e := newEnv(t)

	var ids []string
	for i := 1; i <= 10; i++ {
		msg := e.post(t, "general", fmt.Sprintf("m%d", i))
		ids = append(ids, msg.ID)
	}
	// Poison the cache: a cursor read must never be served from it.
	e.cache.readErr = errors.New("cache must not be consulted")

	cursor := ids[4] // the fifth message
	code, msgs := e.get(t, "/api/chat?channelId=general&cursor="+cursor+"&limit=3")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	// Strictly older than the cursor, newest-first: m4, m3, m2.
	want := []string{"m4", "m3", "m2"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Fatalf("position %d: expected %s, got %s", i, w, msgs[i].Content)
		}
	}
}

func TestGetMessagesEmptyChannel(t *testing.T) {
	e := newEnv(t)

	code, msgs := e.get(t, "/api/chat?channelId=deserted")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty array, got %+v", msgs)
	}
}

func TestGetMessagesLimitCapped(t *testing.T) {
	e := newEnv(t)

	e.post(t, "general", "hello")

	code, _ := e.get(t, "/api/chat?channelId=general&limit=99999")
	if code != http.StatusOK {
		t.Fatalf("over-limit request should clamp, got %d", code)
	}
	code, msgs := e.get(t, "/api/chat?channelId=general&limit=banana")
	if code != http.StatusOK || len(msgs) != 1 {
		t.Fatalf("bad limit should fall back to default, got %d (%d msgs)", code, len(msgs))
	}
}

func TestGetMessagesPlaceholderSender(t *testing.T) {
	e := newEnv(t)

	e.post(t, "general", "hello")
	// Drop the user from the directory; the read must degrade, not fail.
	delete(e.store.users, e.user.ID)
	e.cache.window = make(map[string][]models.Message)

	code, msgs := e.get(t, "/api/chat?channelId=general")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	s := msgs[0].Sender
	if s == nil || s.FirstName != "Unknown" || s.LastName != "User" {
		t.Fatalf("expected placeholder sender, got %+v", s)
	}
}

func TestGetMessagesLookupFailureDegradesToPlaceholders(t *testing.T) {
	e := newEnv(t)

	e.post(t, "general", "hello")
	e.store.lookupErr = errors.New("directory down")
	e.cache.window = make(map[string][]models.Message)

	code, msgs := e.get(t, "/api/chat?channelId=general")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if msgs[0].Sender == nil || msgs[0].Sender.FirstName != "Unknown" {
		t.Fatalf("expected placeholder on lookup failure, got %+v", msgs[0].Sender)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	e := newEnv(t)

	sent := e.post(t, "general", "end to end")

	code, msgs := e.get(t, "/api/chat?channelId=general")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(msgs) != 1 || msgs[0].ID != sent.ID || msgs[0].Content != "end to end" {
		t.Fatalf("read must observe the write, got %+v", msgs)
	}
}

func TestTypingPublishesWithoutPersisting(t *testing.T) {
	e := newEnv(t)

	sub, _ := e.hub.Subscribe(context.Background(), "general")
	defer sub.Close()

	rec := e.request(t, http.MethodPost, "/api/chat/typing", TypingRequest{ChannelID: "general"}, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case ev := <-sub.Events():
		if ev.Event != fanout.EventTyping {
			t.Fatalf("expected %s, got %s", fanout.EventTyping, ev.Event)
		}
		var payload struct {
			ChannelID string `json:"channelId"`
			SenderID  string `json:"senderId"`
			Username  string `json:"username"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.SenderID != e.user.ID || payload.Username != "alice" {
			t.Fatalf("unexpected typing payload: %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a typing event")
	}

	if len(e.store.messages) != 0 {
		t.Fatal("typing must never be persisted")
	}
	if len(e.cache.window["general"]) != 0 {
		t.Fatal("typing must never be cached")
	}
}

func TestServeFromCache(t *testing.T) {
	if !serveFromCache("", 5) {
		t.Fatal("cursor-less read with cached entries should hit")
	}
	if serveFromCache("", 0) {
		t.Fatal("empty cache should miss")
	}
	if serveFromCache("msg-0005", 5) {
		t.Fatal("cursor reads must bypass the cache")
	}
}
