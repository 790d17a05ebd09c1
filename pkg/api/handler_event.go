package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// ingestEventHandler handles POST /api/v1/events. It creates a new Event,
// appends its initiating turn, and activates it — the front door through
// which autonomous detectors, the dashboard, and external callers all
// start a new conversation.
func (s *Server) ingestEventHandler(c *gin.Context) {
	var req IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := conversation.Source(req.Source)
	switch source {
	case conversation.SourceAutonomousDetector, conversation.SourceUserChat,
		conversation.SourceUserSlack, conversation.SourceExternalAPI:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown source"})
		return
	}

	ctx := c.Request.Context()
	now := time.Now()
	event := &conversation.Event{
		ID:     uuid.NewString(),
		Source: source,
		Status: conversation.StatusNew,
		Service: req.Service,
		Input: conversation.Input{
			Reason:     req.Reason,
			Severity:   req.Severity,
			DomainHint: req.DomainHint,
			Evidence:   req.Evidence,
			CreatedAt:  now,
		},
		CreatedAt: now,
	}

	if err := s.store.CreateEvent(ctx, event); err != nil {
		writeError(c, err)
		return
	}

	turnNumber, err := s.store.AppendTurn(ctx, event.ID, conversation.Turn{
		Actor:    conversation.ActorSystem,
		Action:   conversation.ActionObservation,
		Thoughts: req.Reason,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.sink.BroadcastTurn(event.ID, conversation.Turn{Turn: turnNumber, Actor: conversation.ActorSystem, Action: conversation.ActionObservation})

	guard := conversation.StatusNew
	if _, err := s.store.SetEventStatus(ctx, event.ID, conversation.StatusActive, &guard); err != nil {
		writeError(c, err)
		return
	}

	s.sink.BroadcastEventCreated(event.ID)

	slog.Info("api: ingested event", "event_id", event.ID, "source", source, "actor", extractActor(c))
	c.JSON(http.StatusAccepted, IngestEventResponse{ID: event.ID, Status: string(conversation.StatusActive)})
}

// getEventHandler handles GET /api/v1/events/:id.
func (s *Server) getEventHandler(c *gin.Context) {
	e, err := s.store.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// listEventsHandler handles GET /api/v1/events, returning every active
// (non-CLOSED) event id.
func (s *Server) listEventsHandler(c *gin.Context) {
	ids, err := s.store.ListActiveEventIDs(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, EventListResponse{IDs: ids})
}

// postMessageHandler handles POST /api/v1/events/:id/messages, appending a
// fresh user turn and clearing the scheduler's waiting-for-user flag so the
// next scan pass dispatches the Processor without waiting for the idle
// safety net.
func (s *Server) postMessageHandler(c *gin.Context) {
	id := c.Param("id")

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	turnNumber, err := s.store.AppendTurn(c.Request.Context(), id, conversation.Turn{
		Actor:    conversation.ActorUser,
		Action:   conversation.ActionObservation,
		Thoughts: req.Text,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	s.sink.BroadcastTurn(id, conversation.Turn{Turn: turnNumber, Actor: conversation.ActorUser, Action: conversation.ActionObservation})

	if s.scheduler != nil {
		s.scheduler.SetWaitingForUser(id, false)
	}

	c.JSON(http.StatusAccepted, gin.H{"turn": turnNumber})
}
