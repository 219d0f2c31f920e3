package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lockerctl/lockerctl/internal/broadcast"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin dashboards only; an operator fronting this with a
		// browser UI on another origin should put a reverse proxy in front.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	},
}

// LockerFeed handles GET /api/v1/ws/lockers: upgrades to a WebSocket and
// streams every locker state change via the broadcast bus until the client
// disconnects or falls too far behind (in which case the bus drops its
// oldest buffered update rather than blocking publishers).
func (h *Handler) LockerFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := h.Bus.Subscribe(uuid.NewString(), broadcast.DefaultBufferSize)
	h.Logger.Debug("websocket client subscribed", "subscriber_id", sub.ID)

	go readPump(conn, sub.ID, h.Bus, h.Logger)
	writePump(conn, sub, h.Logger)
}

// writePump forwards bus updates to the client and keeps the connection
// alive with periodic pings; it owns the connection and closes it on exit.
func writePump(conn *websocket.Conn, sub *broadcast.Subscriber, logger *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case update, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(update); err != nil {
				logger.Debug("websocket write failed, closing", "subscriber_id", sub.ID, "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only drains and discards client frames (this feed is one-way)
// so the connection's close/ping machinery keeps working; it unsubscribes
// on any read error, which is also how a normal client close is detected.
func readPump(conn *websocket.Conn, subscriberID string, bus *broadcast.Bus, logger *slog.Logger) {
	defer bus.Unsubscribe(subscriberID)

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
