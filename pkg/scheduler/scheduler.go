// Package scheduler implements the event loop: the sole background driver
// that scans active events and decides what the Processor should do next.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// Config holds the tunables from spec.md §6's configuration table.
type Config struct {
	ScanInterval          time.Duration
	MaxEventDuration      time.Duration
	GraceSeconds          time.Duration
	GraceExtension        time.Duration
	IdleReprocessSeconds  time.Duration
	CleanupInterval       time.Duration
}

// DefaultConfig returns the recommended defaults from spec.md §4.5/§6.
func DefaultConfig() Config {
	return Config{
		ScanInterval:         time.Second,
		MaxEventDuration:     45 * time.Minute,
		GraceSeconds:         60 * time.Second,
		GraceExtension:       120 * time.Second,
		IdleReprocessSeconds: 240 * time.Second,
		CleanupInterval:      10 * time.Minute,
	}
}

// Processor is the per-event decision loop the Scheduler drives. Defined
// here (rather than imported from pkg/processor) to avoid an import cycle;
// pkg/processor.Processor satisfies it.
type Processor interface {
	Process(ctx context.Context, eventID string)
}

// Scheduler owns the process-wide derivable state named in spec.md §9:
// lastProcessed and waitingForUser. Both are best-effort and reset by the
// startup migration.
type Scheduler struct {
	store     blackboard.Store
	processor Processor
	sink      broadcast.Sink
	cfg       Config

	now func() time.Time

	mu             sync.Mutex
	lastProcessed  map[string]time.Time
	waitingForUser map[string]bool
	activeTasks    map[string]bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. now defaults to time.Now; tests inject a
// fake clock to exercise boundary behaviors deterministically.
func New(store blackboard.Store, processor Processor, sink broadcast.Sink, cfg Config) *Scheduler {
	return &Scheduler{
		store:          store,
		processor:      processor,
		sink:           sink,
		cfg:            cfg,
		now:            time.Now,
		lastProcessed:  make(map[string]time.Time),
		waitingForUser: make(map[string]bool),
		activeTasks:    make(map[string]bool),
	}
}

// SetClock overrides the scheduler's time source, for deterministic tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// SetWaitingForUser adds or clears eventID in the in-memory waiting set,
// called by the Processor when it executes wait_for_user, and cleared when
// ingestion appends a fresh user turn.
func (s *Scheduler) SetWaitingForUser(eventID string, waiting bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if waiting {
		s.waitingForUser[eventID] = true
	} else {
		delete(s.waitingForUser, eventID)
	}
}

// MarkTaskActive/MarkTaskDone track whether a dispatched task for eventID
// is still outstanding, so Phase 2 skips events with a running dispatch.
func (s *Scheduler) MarkTaskActive(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeTasks[eventID] = true
}

func (s *Scheduler) MarkTaskDone(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.activeTasks, eventID)
}

func (s *Scheduler) hasActiveTask(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeTasks[eventID]
}

func (s *Scheduler) isWaitingForUser(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingForUser[eventID]
}

func (s *Scheduler) touchProcessed(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastProcessed[eventID] = s.now()
}

func (s *Scheduler) timeSinceProcessed(eventID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastProcessed[eventID]
	if !ok {
		return 0, false
	}
	return s.now().Sub(t), true
}

// Start runs the startup migration then launches the scan loop and the
// periodic cleanup sub-task on a background goroutine and returns; Stop
// ends the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.store.MarkAllTurnsEvaluatedEverywhere(ctx); err != nil {
		return err
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-cleanupTicker.C:
			s.cleanupPass(ctx)
		case <-ticker.C:
			s.scanPass(ctx)
		}
	}
}

// scanPass runs one full pass over every active event, per spec.md §4.5.
func (s *Scheduler) scanPass(ctx context.Context) {
	ids, err := s.store.ListActiveEventIDs(ctx)
	if err != nil {
		slog.Warn("scheduler: list active events failed", "error", err)
		return
	}
	for _, id := range ids {
		s.processOne(ctx, id)
	}
}

func (s *Scheduler) processOne(ctx context.Context, id string) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		if err == brainerrors.ErrNotFound {
			return // benign: closed/removed concurrently
		}
		slog.Warn("scheduler: get event failed", "event_id", id, "error", err)
		return
	}
	if e.Status.Terminal() {
		return
	}
	if e.DeferUntil != nil && e.DeferUntil.After(s.now()) {
		return
	}

	// Phase 1 — acknowledge, always.
	s.acknowledge(ctx, e)

	// Phase 2 — evaluate, only if no active agent task for this event.
	if s.hasActiveTask(id) {
		return
	}
	if e.Status == conversation.StatusWaitingApproval || s.isWaitingForUser(id) {
		return
	}

	hasUnread := false
	for _, t := range e.Conversation {
		if t.Status == conversation.StatusDelivered {
			hasUnread = true
			break
		}
	}

	if hasUnread {
		s.dispatchProcess(ctx, id)
	} else if elapsed, ok := s.timeSinceProcessed(id); ok && elapsed > s.cfg.IdleReprocessSeconds {
		s.dispatchProcess(ctx, id)
	} else if !ok && len(e.Conversation) > 0 {
		// First-ever pass for an event with turns but no recorded
		// lastProcessed: treat conservatively as idle-eligible once a turn
		// exists (spec.md §8 boundary: "idle safety net does not fire until
		// first turn exists").
		s.touchProcessed(id)
	}

	// Timeout circuit breaker.
	s.checkTimeout(ctx, e)
}

func (s *Scheduler) acknowledge(ctx context.Context, e *conversation.Event) {
	hasSent := false
	for _, t := range e.Conversation {
		if t.Status == conversation.StatusSent {
			hasSent = true
			break
		}
	}
	if !hasSent {
		return
	}
	count, err := s.store.MarkTurnsDelivered(ctx, e.ID, len(e.Conversation))
	if err != nil {
		slog.Warn("scheduler: mark delivered failed", "event_id", e.ID, "error", err)
		return
	}
	if count > 0 {
		s.sink.BroadcastMessageStatus(e.ID, broadcast.StatusDelivered, broadcast.StatusTurns{All: true})
	}
}

// dispatchProcess hands id off to the Processor on its own goroutine so one
// slow event (LLM latency, an in-flight agent task) cannot stall the scan of
// every other active event. The Processor's own per-event mutex and the
// activeTasks bookkeeping (set via SchedulerHooks) keep re-entrant scans
// from piling up duplicate work for the same event.
func (s *Scheduler) dispatchProcess(ctx context.Context, id string) {
	s.touchProcessed(id)
	go s.processor.Process(ctx, id)
}

// checkTimeout force-closes e if it has exceeded MaxEventDuration, subject
// to the grace-period extension.
func (s *Scheduler) checkTimeout(ctx context.Context, e *conversation.Event) {
	if e.FirstTurnAt == nil {
		return
	}
	limit := s.cfg.MaxEventDuration
	if s.recentAgentResult(e) {
		limit += s.cfg.GraceExtension
	}
	if s.now().Sub(*e.FirstTurnAt) <= limit {
		return
	}
	s.forceClose(ctx, e.ID, "Timed out")
}

// recentAgentResult reports whether the most recent agent-result turn
// (execute/verify/investigate, non-brain actor) was appended within
// GraceSeconds, per spec.md §4.5's grace-period rule.
func (s *Scheduler) recentAgentResult(e *conversation.Event) bool {
	for i := len(e.Conversation) - 1; i >= 0; i-- {
		t := e.Conversation[i]
		if t.Actor == conversation.ActorBrain || t.Actor == conversation.ActorUser {
			continue
		}
		if t.Action != conversation.ActionExecute && t.Action != conversation.ActionVerify && t.Action != conversation.ActionInvestigate {
			continue
		}
		return s.now().Sub(t.Timestamp) <= s.cfg.GraceSeconds
	}
	return false
}

func (s *Scheduler) forceClose(ctx context.Context, eventID, summary string) {
	if _, err := s.store.AppendTurn(ctx, eventID, conversation.Turn{
		Actor:  conversation.ActorSystem,
		Action: conversation.ActionClose,
		Result: summary,
	}); err != nil {
		slog.Warn("scheduler: append force-close turn failed", "event_id", eventID, "error", err)
	}
	if _, err := s.store.SetEventStatus(ctx, eventID, conversation.StatusClosed, nil); err != nil {
		slog.Warn("scheduler: force-close status set failed", "event_id", eventID, "error", err)
		return
	}
	if _, err := s.store.MarkTurnsEvaluated(ctx, eventID); err != nil {
		slog.Warn("scheduler: force-close mark evaluated failed", "event_id", eventID, "error", err)
	}
	s.mu.Lock()
	delete(s.lastProcessed, eventID)
	delete(s.waitingForUser, eventID)
	delete(s.activeTasks, eventID)
	s.mu.Unlock()

	s.sink.BroadcastEventClosed(eventID)
}

// cleanupPass is the periodic last-ditch sub-task from spec.md §4.5: force
// -close anything past the hard ceiling regardless of activity.
func (s *Scheduler) cleanupPass(ctx context.Context) {
	ids, err := s.store.ListActiveEventIDs(ctx)
	if err != nil {
		slog.Warn("scheduler: cleanup list failed", "error", err)
		return
	}
	for _, id := range ids {
		e, err := s.store.GetEvent(ctx, id)
		if err != nil {
			continue
		}
		if e.FirstTurnAt != nil && s.now().Sub(*e.FirstTurnAt) > s.cfg.MaxEventDuration+s.cfg.GraceExtension {
			s.forceClose(ctx, id, "Timed out")
		}
	}
}
