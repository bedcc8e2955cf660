package handlers

import (
	"net/http"

	"github.com/dasmygame/CyCap/internal/store"
)

// StatsResponse represents the response from the stats endpoint.
type StatsResponse struct {
	TotalUsers    int64                   `json:"totalUsers"`
	TotalMessages int64                   `json:"totalMessages"`
	TopChannels   []store.ChannelActivity `json:"topChannels"`
}

// Stats returns platform-wide chat statistics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := h.store.CountUsers(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count users")
		return
	}

	totalMessages, err := h.store.CountMessages(ctx)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to count messages")
		return
	}

	topChannels, err := h.store.TopChannels(ctx, 5)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to rank channels")
		return
	}
	if topChannels == nil {
		topChannels = []store.ChannelActivity{}
	}

	h.JSON(w, http.StatusOK, StatsResponse{
		TotalUsers:    totalUsers,
		TotalMessages: totalMessages,
		TopChannels:   topChannels,
	})
}
