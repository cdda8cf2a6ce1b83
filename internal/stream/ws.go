package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// clientMessage is anything a client may send.
type clientMessage struct {
	Action string   `json:"action,omitempty"`
	Type   string   `json:"type,omitempty"`
	Types  []string `json:"types,omitempty"`
}

type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// Send writes one JSON frame; the write deadline follows ctx.
func (c *wsConn) Send(ctx context.Context, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.WriteControl(websocket.CloseMessage, //nolint:errcheck
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

// Handler serves the metrics stream over websocket.
type Handler struct {
	hub         *Hub
	log         *slog.Logger
	upgrader    websocket.Upgrader
	idleTimeout time.Duration
}

// NewHandler returns the websocket endpoint. A connection that sends nothing
// for idleTimeout is closed.
func NewHandler(hub *Hub, idleTimeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub: hub,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		idleTimeout: idleTimeout,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	ws.SetReadLimit(64 * 1024)

	id := uuid.NewString()
	conn := &wsConn{ws: ws}
	log := h.log.With(slog.String("connection_id", id))
	if err := h.hub.RegisterConnection(id, conn); err != nil {
		log.Error("register stream connection", slog.String("error", err.Error()))
		ws.Close() //nolint:errcheck
		return
	}
	defer h.hub.Unregister(id)
	log.Info("stream client connected")

	ctx := r.Context()
	types := make([]string, 0, len(domain.MetricTypes))
	for _, t := range domain.MetricTypes {
		types = append(types, string(t))
	}
	if err := conn.Send(ctx, Frame{
		Type:      FrameWelcome,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"connection_id": id, "types": types},
	}); err != nil {
		return
	}

	for {
		if h.idleTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(h.idleTimeout)) //nolint:errcheck
		}
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			log.Info("stream client disconnected", slog.String("reason", err.Error()))
			return
		}
		if err := h.handle(ctx, id, conn, msg); err != nil {
			return
		}
	}
}

func (h *Handler) handle(ctx context.Context, id string, conn *wsConn, msg clientMessage) error {
	now := time.Now().UTC()
	switch {
	case msg.Action == "subscribe":
		types := make([]domain.MetricType, 0, len(msg.Types))
		for _, t := range msg.Types {
			types = append(types, domain.MetricType(t))
		}
		if err := h.hub.Subscribe(id, types); err != nil {
			return conn.Send(ctx, Frame{Type: FrameRejected, Timestamp: now, Data: map[string]string{"reason": err.Error()}})
		}
		return conn.Send(ctx, Frame{Type: FrameSubscribed, Timestamp: now, Data: map[string]any{"types": msg.Types}})
	case msg.Type == FramePong:
		h.hub.Pong(id)
		return nil
	case msg.Type == FramePing:
		h.hub.Pong(id)
		return conn.Send(ctx, Frame{Type: FramePong, Timestamp: now})
	}
	return conn.Send(ctx, Frame{Type: FrameRejected, Timestamp: now, Data: map[string]string{"reason": "unknown message"}})
}
