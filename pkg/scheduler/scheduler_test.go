package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// countingProcessor is safe for concurrent use: dispatchProcess runs the
// Processor on its own goroutine, so assertions below poll with
// assert.Eventually rather than reading synchronously after scanPass.
type countingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
}

func newCountingProcessor() *countingProcessor { return &countingProcessor{calls: make(map[string]int)} }

func (p *countingProcessor) Process(_ context.Context, eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[eventID]++
}

func (p *countingProcessor) count(eventID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[eventID]
}

const pollWait = 500 * time.Millisecond
const pollTick = 5 * time.Millisecond

func requireCount(t *testing.T, proc *countingProcessor, eventID string, want int) {
	t.Helper()
	assert.Eventually(t, func() bool { return proc.count(eventID) == want }, pollWait, pollTick)
}

func requireCountStaysAt(t *testing.T, proc *countingProcessor, eventID string, want int) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, want, proc.count(eventID))
}

type mutableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *mutableClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *mutableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestScanPassAcknowledgesAndProcessesUnread(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()
	now := &mutableClock{t: time.Now()}

	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: now.now()}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner, Action: conversation.ActionObservation})
	require.NoError(t, err)

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())
	s.SetClock(now.now)

	// Pass 1: acknowledge flips SENT -> DELIVERED in the store; the
	// snapshot already in hand for Phase 2 predates that flip, so
	// evaluation is deferred to the next tick (no re-reading a turn the
	// instant it is marked delivered).
	s.scanPass(ctx)

	got, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusDelivered, got.Conversation[0].Status)
	requireCountStaysAt(t, proc, "evt-1", 0)

	// Pass 2: Phase 2 now sees the DELIVERED turn and dispatches.
	s.scanPass(ctx)
	requireCount(t, proc, "evt-1", 1)

	got, err = store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusDelivered, got.Conversation[0].Status, "evaluation status is the Processor's job, not the scheduler's")
}

func TestTightSpinGuardNoRepeatedProcessingWhenEvaluated(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()
	now := &mutableClock{t: time.Now()}

	ids := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		id := "evt-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
		ids = append(ids, id)
		e := &conversation.Event{ID: id, Status: conversation.StatusNew, CreatedAt: now.now()}
		require.NoError(t, store.CreateEvent(ctx, e))
		_, err := store.SetEventStatus(ctx, id, conversation.StatusActive, nil)
		require.NoError(t, err)
		_, err = store.AppendTurn(ctx, id, conversation.Turn{Actor: conversation.ActorBrain, Action: conversation.ActionClose})
		require.NoError(t, err)
		_, err = store.MarkTurnsEvaluated(ctx, id)
		require.NoError(t, err)
	}

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())
	s.SetClock(now.now)

	s.scanPass(ctx)
	s.scanPass(ctx)
	time.Sleep(20 * time.Millisecond)

	for _, id := range ids {
		assert.LessOrEqual(t, proc.count(id), 1, "event %s processed more than once in two passes with no unread turns", id)
	}
}

func TestGracePeriodDelaysForceClose(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()
	now := &mutableClock{t: time.Now()}

	firstTurnAt := now.t.Add(-2800 * time.Second)
	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: firstTurnAt, FirstTurnAt: &firstTurnAt}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)

	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{
		Actor: conversation.ActorSysadmin, Action: conversation.ActionExecute, Timestamp: now.t.Add(-30 * time.Second),
	})
	require.NoError(t, err)
	_, err = store.MarkTurnsEvaluated(ctx, "evt-1")
	require.NoError(t, err)

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())
	s.SetClock(now.now)

	s.scanPass(ctx)
	got, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusActive, got.Status, "within grace period, event must not be force-closed")

	now.advance(180 * time.Second)
	s.scanPass(ctx)
	got, err = store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusClosed, got.Status, "past grace extension, event must be force-closed")
}

func TestWaitForUserBlocksIdleSafetyNet(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()
	now := &mutableClock{t: time.Now()}

	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: now.now()}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorBrain, Action: conversation.ActionWait})
	require.NoError(t, err)
	_, err = store.MarkTurnsEvaluated(ctx, "evt-1")
	require.NoError(t, err)

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())
	s.SetClock(now.now)
	s.SetWaitingForUser("evt-1", true)

	now.advance(10 * time.Minute)
	s.scanPass(ctx)
	requireCountStaysAt(t, proc, "evt-1", 0)

	s.SetWaitingForUser("evt-1", false)
	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorUser, Action: conversation.ActionObservation})
	require.NoError(t, err)

	s.scanPass(ctx) // acknowledges the fresh turn (SENT -> DELIVERED)
	requireCountStaysAt(t, proc, "evt-1", 0)

	s.scanPass(ctx) // now sees it DELIVERED and dispatches
	requireCount(t, proc, "evt-1", 1)
}

func TestIdleSafetyNetFiresAfterThreshold(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()
	now := &mutableClock{t: time.Now()}

	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: now.now()}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorBrain, Action: conversation.ActionThink})
	require.NoError(t, err)
	_, err = store.MarkTurnsEvaluated(ctx, "evt-1")
	require.NoError(t, err)

	cfg := DefaultConfig()
	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, cfg)
	s.SetClock(now.now)

	s.scanPass(ctx) // establishes lastProcessed via the no-unread branch
	requireCountStaysAt(t, proc, "evt-1", 0)

	now.advance(cfg.IdleReprocessSeconds + time.Second)
	s.scanPass(ctx)
	requireCount(t, proc, "evt-1", 1)
}

func TestActiveTaskBlocksPhase2(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()

	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: time.Now()}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner})
	require.NoError(t, err)

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())
	s.MarkTaskActive("evt-1")

	s.scanPass(ctx)
	requireCountStaysAt(t, proc, "evt-1", 0)
}

func TestDeferredEventSkipped(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()

	future := time.Now().Add(time.Hour)
	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: time.Now(), DeferUntil: &future}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner})
	require.NoError(t, err)

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())

	s.scanPass(ctx)
	requireCountStaysAt(t, proc, "evt-1", 0)
}

func TestStartupMigrationMarksExistingTurnsEvaluated(t *testing.T) {
	ctx := context.Background()
	store := blackboard.NewMemoryStore()

	e := &conversation.Event{ID: "evt-1", Status: conversation.StatusNew, CreatedAt: time.Now()}
	require.NoError(t, store.CreateEvent(ctx, e))
	_, err := store.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner})
	require.NoError(t, err)

	proc := newCountingProcessor()
	s := New(store, proc, broadcast.NopSink{}, DefaultConfig())
	require.NoError(t, s.Start(ctx))
	s.Stop()

	got, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusEvaluated, got.Conversation[0].Status)
}
