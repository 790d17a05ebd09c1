package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/bridge"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/registry"
	"github.com/codeready-toolchain/darwin-brain/pkg/scheduler"
	"github.com/codeready-toolchain/darwin-brain/pkg/version"
)

// Server is the HTTP/WebSocket front door: event ingestion and inspection
// for callers and the dashboard, plus the upgrade points agent workers and
// UI clients connect through.
type Server struct {
	engine *gin.Engine

	store     blackboard.Store
	sink      broadcast.Sink
	wsHub     *broadcast.WSHub
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	bridge    *bridge.Bridge

	agentSender *AgentConnSender

	allowedWSOrigins []string

	httpServer *http.Server
}

// NewServer wires every handler's dependencies and registers routes.
func NewServer(
	store blackboard.Store,
	sink broadcast.Sink,
	wsHub *broadcast.WSHub,
	sched *scheduler.Scheduler,
	reg *registry.Registry,
	br *bridge.Bridge,
	agentSender *AgentConnSender,
	allowedWSOrigins []string,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:           engine,
		store:            store,
		sink:             sink,
		wsHub:            wsHub,
		scheduler:        sched,
		registry:         reg,
		bridge:           br,
		agentSender:      agentSender,
		allowedWSOrigins: allowedWSOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(securityHeaders())

	s.engine.GET("/health", s.healthHandler)

	v1 := s.engine.Group("/api/v1")
	v1.POST("/events", s.ingestEventHandler)
	v1.GET("/events", s.listEventsHandler)
	v1.GET("/events/:id", s.getEventHandler)
	v1.POST("/events/:id/messages", s.postMessageHandler)
	v1.GET("/ws", s.uiWSHandler)
	v1.GET("/agents/ws", s.agentWSHandler)
}

func (s *Server) healthHandler(c *gin.Context) {
	connectedAgents := 0
	if s.registry != nil {
		connectedAgents = len(s.registry.Snapshot())
	}
	uiConns := 0
	if s.wsHub != nil {
		uiConns = s.wsHub.ActiveConnections()
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:          "ok",
		Version:         version.Full(),
		ConnectedAgents: connectedAgents,
		UIConnections:   uiConns,
	})
}

// Start blocks serving HTTP on addr until the server is shut down.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener blocks serving HTTP on the already-bound listener ln.
// cmd/brain binds the configured address first and serves through this.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.engine}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
