package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dasmygame/CyCap/internal/api/middleware"
	"github.com/dasmygame/CyCap/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second // must be shorter than wsPongWait
	wsReadLimit  = 512              // viewers only receive; inbound frames are control traffic
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients connect from the app origin; cross-origin policy is
	// enforced by the CORS layer on the session-token endpoints the token
	// came from.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveChat upgrades the connection and bridges the fan-out channel onto it:
// every event published for the requested channel is forwarded as a JSON
// text frame. The subscription is dropped when the viewer goes away; there
// is no other server-side notion of presence.
func (h *Handler) LiveChat(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		h.Error(w, http.StatusBadRequest, "channelId is required")
		return
	}

	sub, err := h.broker.Subscribe(r.Context(), channelID)
	if err != nil {
		h.logger.Error().Err(err).Str("channel", channelID).Msg("fanout subscribe failed")
		h.Error(w, http.StatusInternalServerError, "subscription failed")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error.
		sub.Close()
		return
	}

	metrics.WebSocketConnections.Inc()
	h.logger.Debug().Str("channel", channelID).Str("user", user.ID).Msg("live chat viewer connected")

	defer func() {
		sub.Close()
		conn.Close()
		metrics.WebSocketConnections.Dec()
	}()

	// Read loop: drain control frames and detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
