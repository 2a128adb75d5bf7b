// Package wsconn serves fan-out subscriptions over WebSocket.
package wsconn

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kbforge/internal/fanout"
	"kbforge/internal/logging"
)

const (
	readLimit      = 4096
	controlTimeout = 5 * time.Second
)

// Command is a client request sent over the socket.
type Command struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// Reply acknowledges or rejects a Command.
type Reply struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Channel string `json:"channel,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Conn adapts a websocket connection to fanout.Conn.
type Conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// ID implements fanout.Conn.
func (c *Conn) ID() string { return c.id }

// Send implements fanout.Conn.
func (c *Conn) Send(ctx context.Context, evt fanout.Event) error {
	return c.writeJSON(ctx, evt)
}

// Ping implements fanout.Conn. WriteControl is safe alongside other writers.
func (c *Conn) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlTimeout)
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close implements fanout.Conn.
func (c *Conn) Close() error {
	deadline := time.Now().Add(controlTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"), deadline)
	return c.ws.Close()
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	} else {
		_ = c.ws.SetWriteDeadline(time.Now().Add(controlTimeout))
	}
	return c.ws.WriteJSON(v)
}

// Handler upgrades requests and registers the socket with the hub. Clients
// pick initial channels with repeated ?channel= parameters (default global)
// and may send subscribe/unsubscribe commands afterwards.
type Handler struct {
	hub      *fanout.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler.
func NewHandler(hub *fanout.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logging.NewComponentLogger(logger, "wsconn"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Access control happens in the API's bearer middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channels := r.URL.Query()["channel"]
	if len(channels) == 0 {
		channels = []string{fanout.GlobalChannel}
	}
	for _, ch := range channels {
		if err := fanout.ValidateChannel(ch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", logging.Error(err))
		return
	}
	conn := &Conn{id: uuid.NewString(), ws: ws}
	if err := h.hub.Register(conn); err != nil {
		h.logger.Warn("register websocket failed", logging.Error(err))
		_ = ws.Close()
		return
	}
	for _, ch := range channels {
		_ = h.hub.Subscribe(conn.id, ch)
	}
	h.logger.Debug("websocket connected",
		logging.String("conn", conn.id),
		logging.Any("channels", channels),
	)
	h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Conn) {
	defer h.hub.Remove(conn.id)
	conn.ws.SetReadLimit(readLimit)
	conn.ws.SetPongHandler(func(string) error {
		h.hub.Pong(conn.id)
		return nil
	})
	for {
		var cmd Command
		if err := conn.ws.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", logging.String("conn", conn.id), logging.Error(err))
			}
			return
		}
		reply := h.apply(conn.id, cmd)
		ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
		err := conn.writeJSON(ctx, reply)
		cancel()
		if err != nil {
			return
		}
	}
}

func (h *Handler) apply(connID string, cmd Command) Reply {
	var err error
	switch cmd.Action {
	case "subscribe":
		err = h.hub.Subscribe(connID, cmd.Channel)
	case "unsubscribe":
		err = h.hub.Unsubscribe(connID, cmd.Channel)
	case "pong":
		h.hub.Pong(connID)
	default:
		return Reply{Type: "error", Action: cmd.Action, Error: "unknown action"}
	}
	if err != nil {
		return Reply{Type: "error", Action: cmd.Action, Channel: cmd.Channel, Error: err.Error()}
	}
	return Reply{Type: "ack", Action: cmd.Action, Channel: cmd.Channel}
}
