package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dasmygame/CyCap/internal/api/middleware"
	"github.com/dasmygame/CyCap/internal/fanout"
	"github.com/dasmygame/CyCap/internal/metrics"
	"github.com/dasmygame/CyCap/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxContentBytes = 4096
)

// PostMessageRequest is the ingress write body. The sender block is advisory
// UI priming only; authorship always comes from the session.
type PostMessageRequest struct {
	ChannelID string             `json:"channelId"`
	Content   string             `json:"content"`
	Type      models.MessageType `json:"type,omitempty"`
	Sender    *models.Sender     `json:"sender,omitempty"`
}

// TypingRequest is the typing-indicator body.
type TypingRequest struct {
	ChannelID string `json:"channelId"`
}

// typingEvent is the fan-out payload for typing indicators. Typing is never
// persisted or cached.
type typingEvent struct {
	ChannelID string `json:"channelId"`
	SenderID  string `json:"senderId"`
	Username  string `json:"username"`
}

// serveFromCache decides which backing strategy serves a read: the cached
// window serves only cursor-less reads that actually hit, everything else is
// a durable-store query.
func serveFromCache(cursor string, cached int) bool {
	return cursor == "" && cached > 0
}

// PostMessage handles the ingress write path: persist, mirror to the recent
// window, fan out, and return the persisted message. The HTTP response is
// the authoritative write acknowledgment; the fan-out push is for other
// subscribers.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.ChannelID == "" || req.Content == "" {
		h.Error(w, http.StatusBadRequest, "channelId and content are required")
		return
	}
	if len(req.Content) > maxContentBytes {
		h.Error(w, http.StatusUnprocessableEntity, "content too long (max 4096 bytes)")
		return
	}

	msgType := req.Type
	if msgType == "" {
		msgType = models.MessageText
	}
	if !msgType.Valid() {
		h.Error(w, http.StatusBadRequest, "unknown message type")
		return
	}

	msg := models.Message{
		ChannelID: req.ChannelID,
		Content:   req.Content,
		Type:      msgType,
		SenderID:  user.ID,
	}

	// Persistence failure is fatal: nothing is cached, nothing is published.
	if err := h.store.InsertMessage(r.Context(), &msg); err != nil {
		h.logger.Error().Err(err).Str("channel", req.ChannelID).Msg("message insert failed")
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	msg.Sender = user.SenderSnapshot()

	// Best-effort cache mirror; a cache failure degrades to a cold cache.
	if h.cache != nil {
		if err := h.cache.StoreMessage(r.Context(), msg.ChannelID, msg); err != nil {
			metrics.CacheErrors.Inc()
			h.logger.Warn().Err(err).Str("channel", msg.ChannelID).Msg("cache mirror failed")
		}
	}

	// Best-effort publish; late readers still see the message on next fetch.
	payload, err := json.Marshal(msg)
	if err == nil {
		err = h.broker.Publish(r.Context(), msg.ChannelID, fanout.EventMessage, payload)
	}
	if err != nil {
		metrics.FanoutPublishFailures.Inc()
		h.logger.Warn().Err(err).Str("channel", msg.ChannelID).Msg("fanout publish failed")
	}

	metrics.MessagesPosted.WithLabelValues(string(msg.Type)).Inc()

	h.JSON(w, http.StatusOK, msg)
}

// GetMessages handles the ingress read path: the cached recent window for
// cursor-less reads, otherwise a cursor-paginated durable-store query.
// Results are always newest-first; clients reverse for display.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	query := r.URL.Query()
	channelID := query.Get("channelId")
	if channelID == "" {
		h.Error(w, http.StatusBadRequest, "channelId is required")
		return
	}

	cursor := query.Get("cursor")

	limit := defaultPageSize
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	// Fast path: the recent window serves cursor-less reads. The cache only
	// ever holds the most recent suffix, so paging backward bypasses it.
	if cursor == "" && h.cache != nil {
		cached, err := h.cache.RecentMessages(r.Context(), channelID, limit)
		if err != nil {
			metrics.CacheErrors.Inc()
			h.logger.Warn().Err(err).Str("channel", channelID).Msg("cache read failed, falling back to store")
			cached = nil
		}
		if serveFromCache(cursor, len(cached)) {
			metrics.CacheHits.Inc()
			h.resolveSenders(r.Context(), cached)
			h.JSON(w, http.StatusOK, cached)
			return
		}
		metrics.CacheMisses.Inc()
	}

	// Cold cache or deep history: consult the source of truth. An empty cache
	// never means "no messages exist".
	messages, err := h.store.ListMessages(r.Context(), channelID, cursor, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channelID).Msg("message query failed")
		h.Error(w, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}

	h.resolveSenders(r.Context(), messages)

	// Write-through on read-miss: repopulate the window with this page so the
	// next cursor-less read hits. Pushed oldest-first so the head stays the
	// newest message.
	if cursor == "" && len(messages) > 0 && h.cache != nil {
		for i := len(messages) - 1; i >= 0; i-- {
			if err := h.cache.StoreMessage(r.Context(), channelID, messages[i]); err != nil {
				metrics.CacheErrors.Inc()
				h.logger.Warn().Err(err).Str("channel", channelID).Msg("cache repopulate failed")
				break
			}
		}
	}

	h.JSON(w, http.StatusOK, messages)
}

// Typing publishes a transient typing indicator on the fan-out channel.
func (h *Handler) Typing(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ChannelID == "" {
		h.Error(w, http.StatusBadRequest, "channelId is required")
		return
	}

	payload, err := json.Marshal(typingEvent{
		ChannelID: req.ChannelID,
		SenderID:  user.ID,
		Username:  user.Username,
	})
	if err == nil {
		err = h.broker.Publish(r.Context(), req.ChannelID, fanout.EventTyping, payload)
	}
	if err != nil {
		metrics.FanoutPublishFailures.Inc()
		h.logger.Warn().Err(err).Str("channel", req.ChannelID).Msg("typing publish failed")
	}

	h.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}
