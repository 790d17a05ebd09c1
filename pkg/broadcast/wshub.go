package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// WSHub is a Sink that fans every broadcast out to connected UI clients.
// Agent workers never dial into the Brain through WSHub — only the
// dashboard/UI transport does; see pkg/registry for the worker-facing
// reverse connection.
type WSHub struct {
	mu           sync.RWMutex
	conns        map[string]*websocket.Conn
	writeTimeout time.Duration
}

// NewWSHub constructs an empty hub.
func NewWSHub(writeTimeout time.Duration) *WSHub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSHub{conns: make(map[string]*websocket.Conn), writeTimeout: writeTimeout}
}

// HandleConnection registers conn and blocks reading from it (ignoring any
// inbound payload beyond liveness) until it closes, then unregisters it.
func (h *WSHub) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	id := uuid.NewString()

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, id)
		h.mu.Unlock()
	}()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// ActiveConnections reports the number of connected UI clients.
func (h *WSHub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *WSHub) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("broadcast: marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Warn("broadcast: write failed", "error", err)
		}
		cancel()
	}
}

func (h *WSHub) BroadcastTurn(eventID string, turn conversation.Turn) {
	h.send(TurnMessage{Type: TypeTurn, EventID: eventID, Turn: turn})
}

func (h *WSHub) BroadcastMessageStatus(eventID, status string, turns StatusTurns) {
	h.send(MessageStatusMessage{Type: TypeMessageStatus, EventID: eventID, Status: status, Turns: turns})
}

func (h *WSHub) BroadcastEventCreated(eventID string) {
	h.send(EventLifecycleMessage{Type: TypeEventCreated, EventID: eventID})
}

func (h *WSHub) BroadcastEventClosed(eventID string) {
	h.send(EventLifecycleMessage{Type: TypeEventClosed, EventID: eventID})
}
