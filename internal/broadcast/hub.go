package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// Hub is a WebSocket implementation of Broadcaster. Connections register
// on a channel (a session id or ChannelOwner) and receive every event
// published to it.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string][]*conn
	logger *slog.Logger
}

// conn serializes writes to one websocket connection.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string][]*conn),
		logger: logger,
	}
}

var _ Broadcaster = (*Hub)(nil)

// Register attaches ws to channel until Unregister is called.
func (h *Hub) Register(channel string, ws *websocket.Conn) *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[channel] = append(h.conns[channel], &conn{ws: ws})
	return ws
}

// Unregister detaches ws from channel. The caller closes the socket.
func (h *Hub) Unregister(channel string, ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	listeners := h.conns[channel]
	for i, c := range listeners {
		if c.ws == ws {
			h.conns[channel] = append(listeners[:i], listeners[i+1:]...)
			break
		}
	}
	if len(h.conns[channel]) == 0 {
		delete(h.conns, channel)
	}
}

// Publish sends event to every listener on channel. Write failures are
// logged and the listener is dropped; they never propagate to the caller.
func (h *Hub) Publish(ctx context.Context, channel string, event Event) {
	h.mu.RLock()
	listeners := append([]*conn(nil), h.conns[channel]...)
	h.mu.RUnlock()

	for _, c := range listeners {
		c.mu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.ws.WriteJSON(event)
		c.mu.Unlock()

		if err != nil {
			h.logger.Warn("broadcast write failed, dropping listener",
				slog.String("channel", channel),
				slog.String("event", event.Type),
				slog.String("error", err.Error()),
			)
			h.Unregister(channel, c.ws)
		}
	}
}

// ListenerCount returns the number of listeners on channel.
func (h *Hub) ListenerCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[channel])
}
