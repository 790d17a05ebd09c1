package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/darwin-brain/pkg/agentproto"
	"github.com/codeready-toolchain/darwin-brain/pkg/bridge"
	"github.com/codeready-toolchain/darwin-brain/pkg/registry"
)

// agentConnCloser adapts *websocket.Conn's two-argument Close to the
// registry.Closer interface the Registry evicts transports through.
type agentConnCloser struct{ conn *websocket.Conn }

func (c agentConnCloser) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "evicted")
}

// AgentConnSender tracks the live WebSocket connection for every registered
// agent worker and implements dispatcher.Sender on top of it.
type AgentConnSender struct {
	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewAgentConnSender constructs an empty sender.
func NewAgentConnSender() *AgentConnSender {
	return &AgentConnSender{conns: make(map[string]*websocket.Conn)}
}

func (s *AgentConnSender) add(agentID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[agentID] = conn
}

func (s *AgentConnSender) remove(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, agentID)
}

// Send implements dispatcher.Sender.
func (s *AgentConnSender) Send(agentID string, payload []byte) error {
	s.mu.RLock()
	conn, ok := s.conns[agentID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("api: no connection for agent %q", agentID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

// agentWSHandler handles GET /api/v1/agents/ws. An agent worker dials in,
// sends a Register message, and the connection is then read continuously
// for progress/result/error messages that the Dispatcher is awaiting via
// the Task Bridge.
func (s *Server) agentWSHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.allowedWSOrigins,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, raw, err := conn.Read(regCtx)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "expected register message")
		return
	}

	msg, err := agentproto.Decode(raw)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "malformed register message")
		return
	}
	reg, ok := msg.(*agentproto.Register)
	if !ok {
		_ = conn.Close(websocket.StatusPolicyViolation, "first message must be register")
		return
	}

	s.registry.Register(registry.Entry{
		AgentID: reg.AgentID,
		Role:    reg.Role,
		Caps:    reg.Capabilities,
	}, agentConnCloser{conn: conn})
	s.agentSender.add(reg.AgentID, conn)
	slog.Info("api: agent registered", "agent_id", reg.AgentID, "role", reg.Role)

	defer func() {
		s.agentSender.remove(reg.AgentID)
		s.registry.Unregister(reg.AgentID)
	}()

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleAgentMessage(reg.AgentID, raw)
	}
}

func (s *Server) handleAgentMessage(agentID string, raw []byte) {
	msg, err := agentproto.Decode(raw)
	if err != nil {
		slog.Warn("api: malformed agent message", "agent_id", agentID, "error", err)
		return
	}

	switch m := msg.(type) {
	case *agentproto.Progress:
		s.bridge.Deliver(m.TaskID, bridge.TaskMessage{Kind: bridge.KindProgress, Text: m.Message})
	case *agentproto.PartialResult:
		s.bridge.Deliver(m.TaskID, bridge.TaskMessage{Kind: bridge.KindPartialResult, Text: m.Content})
	case *agentproto.Result:
		s.bridge.Deliver(m.TaskID, bridge.TaskMessage{
			Kind:      bridge.KindResult,
			Status:    m.Status,
			Output:    m.Output,
			SessionID: m.SessionID,
			Source:    m.Source,
		})
	case *agentproto.Error:
		s.bridge.Deliver(m.TaskID, bridge.TaskMessage{Kind: bridge.KindError, ErrMessage: m.Message, Retryable: m.Retryable})
	case *agentproto.Ping:
		s.agentSender.mu.RLock()
		conn, ok := s.agentSender.conns[agentID]
		s.agentSender.mu.RUnlock()
		if ok {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
			cancel()
		}
	}
}
