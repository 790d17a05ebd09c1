package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
	"github.com/codeready-toolchain/darwin-brain/pkg/dispatcher"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
	llmfake "github.com/codeready-toolchain/darwin-brain/pkg/llmport/fake"
)

type fakeDispatcher struct {
	result dispatcher.Result
	err    error
}

func (d *fakeDispatcher) DispatchToAgent(context.Context, string, string, string, string, *dispatcher.SessionAffinity) (dispatcher.Result, error) {
	return d.result, d.err
}

type fakeHooks struct {
	mu      sync.Mutex
	waiting map[string]bool
	active  map[string]bool
}

func newFakeHooks() *fakeHooks {
	return &fakeHooks{waiting: make(map[string]bool), active: make(map[string]bool)}
}

func (h *fakeHooks) SetWaitingForUser(eventID string, waiting bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiting[eventID] = waiting
}

func (h *fakeHooks) MarkTaskActive(eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[eventID] = true
}

func (h *fakeHooks) MarkTaskDone(eventID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, eventID)
}

func (h *fakeHooks) isWaiting(eventID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waiting[eventID]
}

func newTestProcessor(t *testing.T, disp AgentDispatcher) (*Processor, blackboard.Store, *fakeHooks, string) {
	t.Helper()
	store := blackboard.NewMemoryStore()
	hooks := newFakeHooks()
	chat := llmfake.New()

	ctx := context.Background()
	eventID := "evt-1"
	require.NoError(t, store.CreateEvent(ctx, &conversation.Event{ID: eventID, Status: conversation.StatusNew}))
	_, err := store.SetEventStatus(ctx, eventID, conversation.StatusActive, nil)
	require.NoError(t, err)

	p := New(store, disp, chat, broadcast.NopSink{}, hooks, nil, nil, DefaultConfig())
	return p, store, hooks, eventID
}

func TestDispatchTableIsExhaustive(t *testing.T) {
	p, _, _, _ := newTestProcessor(t, &fakeDispatcher{})
	want := []string{
		"select_agent", "ask_agent_for_state", "request_user_approval", "wait_for_user",
		"defer_event", "close_event", "lookup_service", "consult_deep_memory",
		"notify_user_slack", "get_event_history",
	}
	for _, name := range want {
		_, ok := p.functions[name]
		assert.True(t, ok, "missing dispatch entry for %q", name)
	}
	assert.Len(t, p.functions, len(want))
}

func TestRequestUserApprovalTransitionsStatus(t *testing.T) {
	ctx := context.Background()
	p, store, _, eventID := newTestProcessor(t, &fakeDispatcher{})

	e, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)

	outcome, err := p.fnRequestUserApproval(ctx, e, map[string]any{"question": "ok to restart?", "context": "pod crashlooping"})
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)

	got, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusWaitingApproval, got.Status)
	require.Len(t, got.Conversation, 1)
	assert.True(t, got.Conversation[0].PendingApproval)
}

func TestWaitForUserSetsHook(t *testing.T) {
	ctx := context.Background()
	p, store, hooks, eventID := newTestProcessor(t, &fakeDispatcher{})

	e, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)

	outcome, err := p.fnWaitForUser(ctx, e, map[string]any{"summary": "waiting on confirmation"})
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)
	assert.True(t, hooks.isWaiting(eventID))
}

func TestCloseEventTearsDownSessionAndEvaluatesAllTurns(t *testing.T) {
	ctx := context.Background()
	p, store, _, eventID := newTestProcessor(t, &fakeDispatcher{})

	_, err := store.AppendTurn(ctx, eventID, conversation.Turn{Actor: conversation.ActorAligner})
	require.NoError(t, err)

	sessionID, err := p.chat.CreateChat(ctx, "sys", llmport.Params{})
	require.NoError(t, err)
	p.mu.Lock()
	p.sessionTable[eventID] = sessionID
	p.mu.Unlock()

	e, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)

	outcome, err := p.fnCloseEvent(ctx, e, map[string]any{"summary": "resolved", "outcome": "fixed"})
	require.NoError(t, err)
	assert.True(t, outcome.Terminal)

	got, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusClosed, got.Status)
	for _, turn := range got.Conversation {
		assert.Equal(t, conversation.StatusEvaluated, turn.Status)
	}

	fake := p.chat.(*llmfake.ChatPort)
	assert.Contains(t, fake.Closed(), sessionID)
}

func TestRetryableAgentErrorDefersEvent(t *testing.T) {
	ctx := context.Background()
	p, store, _, eventID := newTestProcessor(t, &fakeDispatcher{err: fmt.Errorf("%w: 429", brainerrors.ErrRetryableAgent)})

	e, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)

	outcome, err := p.fnSelectAgent(ctx, e, map[string]any{"role": "sysadmin", "task": "restart pod"})
	require.NoError(t, err)
	assert.True(t, outcome.Terminal, "a retryable dispatch error should end this pass's tool chain")

	got, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	require.NotNil(t, got.DeferUntil)
	require.Len(t, got.Conversation, 1)
	assert.Equal(t, conversation.ActionDefer, got.Conversation[0].Action)
}

func TestAgentUnavailableIsFedBackNotFatal(t *testing.T) {
	ctx := context.Background()
	p, store, _, eventID := newTestProcessor(t, &fakeDispatcher{err: brainerrors.ErrAgentUnavailable})

	e, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)

	outcome, err := p.fnSelectAgent(ctx, e, map[string]any{"role": "developer", "task": "ship it"})
	require.NoError(t, err)
	assert.False(t, outcome.Terminal)
	assert.NotEmpty(t, outcome.ResultText)

	got, err := store.GetEvent(ctx, eventID)
	require.NoError(t, err)
	assert.Empty(t, got.Conversation, "no turn is appended for a retried-in-LLM outcome")
}
