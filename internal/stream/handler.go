// Package stream serves the streaming channel: a WebSocket per client that
// accepts SUBSCRIBE, UNSUBSCRIBE and PING and receives batched updates.
package stream

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nadmax/calbulk/internal/broadcast"
	"github.com/nadmax/calbulk/internal/message"
)

const writeTimeout = 10 * time.Second

// Subscriptions is the broadcaster side of a stream.
type Subscriptions interface {
	Add(conn broadcast.Conn) string
	Remove(id string)
	Subscribe(id string, operationIDs []string) error
	Unsubscribe(id string, operationIDs []string) error
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(v)
}

func (c *conn) Send(b message.Batch) error {
	return c.write(b)
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

type Handler struct {
	subs     Subscriptions
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewHandler(subs Subscriptions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		subs: subs,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.With("component", "stream"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &conn{ws: ws}
	id := h.subs.Add(c)
	defer h.subs.Remove(id)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Info("stream closed", "subscriber_id", id, "error", err)
			}
			return
		}

		if err := h.handle(id, c, raw); err != nil {
			return
		}
	}
}

// handle applies one client command. Only write failures end the stream.
func (h *Handler) handle(id string, c *conn, raw []byte) error {
	cmd, err := message.DecodeStream(raw)
	if err != nil {
		return c.write(message.Fail(err))
	}

	switch cmd.Type {
	case message.Subscribe:
		err = h.subs.Subscribe(id, cmd.OperationIDs)
	case message.Unsubscribe:
		err = h.subs.Unsubscribe(id, cmd.OperationIDs)
	case message.Ping:
		return c.write(message.NewPong())
	}
	if err != nil {
		return c.write(message.Fail(err))
	}

	return nil
}
