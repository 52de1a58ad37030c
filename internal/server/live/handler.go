package live

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds one frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may go without a pong before the
	// read pump gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps client frames; clients never send log data.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in lab deployments.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler upgrades HTTP connections to WebSocket and streams broadcast
// log lines to them. The subscription source comes from the ?source=
// query parameter; missing means "all".
type Handler struct {
	bc  *Broadcaster
	log *slog.Logger
}

// NewHandler creates a Handler backed by bc.
func NewHandler(bc *Broadcaster, log *slog.Logger) *Handler {
	return &Handler{bc: bc, log: log}
}

// ServeHTTP handles the upgrade and drives the connection lifecycle: a
// read pump that only consumes control frames, and a write pump that
// drains the client's broadcast channel and keeps the connection alive
// with pings.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID, r.URL.Query().Get("source"))
	defer h.bc.Unregister(clientID)

	h.log.Info("websocket client connected",
		slog.String("client_id", clientID),
		slog.String("log_source", client.Source()),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	done := make(chan struct{})
	go h.readPump(conn, clientID, done)
	h.writePump(conn, client, done)
}

// readPump discards client frames and refreshes the read deadline on
// every pong. Its exit signals a dead connection to the write pump.
func (h *Handler) readPump(conn *websocket.Conn, clientID string, done chan struct{}) {
	defer close(done)
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read ended", slog.String("client_id", clientID), slog.Any("error", err))
			}
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Broadcaster closed the channel, shut down cleanly.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Warn("websocket write failed",
					slog.String("client_id", client.ID()), slog.Any("error", err))
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
