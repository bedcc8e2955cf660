package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/dasmygame/CyCap/internal/fanout"
	"github.com/dasmygame/CyCap/internal/models"
	"github.com/dasmygame/CyCap/internal/store"
)

// RecentCache is the bounded per-channel message window. A nil or failing
// cache degrades reads to the durable store and never blocks a send.
type RecentCache interface {
	StoreMessage(ctx context.Context, channelID string, msg models.Message) error
	RecentMessages(ctx context.Context, channelID string, limit int) ([]models.Message, error)
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	cache  RecentCache
	broker fanout.Broker
	redis  pinger
	logger zerolog.Logger
}

type pinger interface {
	Ping(ctx context.Context) error
}

// NewHandler creates a new Handler with the given collaborators. redis may be
// nil when the cache tier is not configured; health reporting degrades
// accordingly.
func NewHandler(ds store.DataStore, cache RecentCache, broker fanout.Broker, redis pinger, logger zerolog.Logger) *Handler {
	return &Handler{store: ds, cache: cache, broker: broker, redis: redis, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// resolveSenders attaches display identities to messages with one bulk
// directory lookup over the distinct sender ids. Unresolved ids get the
// "Unknown User" placeholder; a failed lookup degrades every sender to the
// placeholder rather than failing the read.
func (h *Handler) resolveSenders(ctx context.Context, messages []models.Message) {
	seen := make(map[string]bool, len(messages))
	ids := make([]string, 0, len(messages))
	for _, msg := range messages {
		if !seen[msg.SenderID] {
			seen[msg.SenderID] = true
			ids = append(ids, msg.SenderID)
		}
	}

	users, err := h.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		h.logger.Warn().Err(err).Msg("sender resolution failed, using placeholders")
		users = nil
	}

	for i := range messages {
		if user, ok := users[messages[i].SenderID]; ok {
			messages[i].Sender = user.SenderSnapshot()
		} else {
			messages[i].Sender = models.PlaceholderSender(messages[i].SenderID)
		}
	}
}
