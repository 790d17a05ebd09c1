package blackboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

func newTestEvent(id string) *conversation.Event {
	return &conversation.Event{
		ID:        id,
		Source:    conversation.SourceAutonomousDetector,
		Status:    conversation.StatusNew,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStore_AppendTurnAssignsContiguousIndices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))

	n1, err := s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner, Action: conversation.ActionObservation})
	require.NoError(t, err)
	assert.Equal(t, 1, n1)

	n2, err := s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorBrain, Action: conversation.ActionThink})
	require.NoError(t, err)
	assert.Equal(t, 2, n2)

	e, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, conversation.ValidateSequence(e.Conversation))
	assert.NotNil(t, e.FirstTurnAt)
}

func TestMemoryStore_AppendTurnRejectedAfterClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))

	active := conversation.StatusActive
	_, _ = s.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	ok, err := s.SetEventStatus(ctx, "evt-1", conversation.StatusClosed, &active)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorBrain})
	assert.Error(t, err)
}

func TestMemoryStore_MarkTurnsDeliveredIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))
	_, _ = s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner})
	_, _ = s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorBrain})

	count1, err := s.MarkTurnsDelivered(ctx, "evt-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count1)

	count2, err := s.MarkTurnsDelivered(ctx, "evt-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, count2, "applying MarkTurnsDelivered twice must be a no-op the second time")
}

func TestMemoryStore_MarkTurnsEvaluatedIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))
	_, _ = s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner})

	count1, err := s.MarkTurnsEvaluated(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count1)

	count2, err := s.MarkTurnsEvaluated(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count2)
}

func TestMemoryStore_SetEventStatusCASGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))

	wrongGuard := conversation.StatusActive
	ok, err := s.SetEventStatus(ctx, "evt-1", conversation.StatusActive, &wrongGuard)
	require.NoError(t, err)
	assert.False(t, ok, "CAS must fail when guardExpected does not match current status")

	correctGuard := conversation.StatusNew
	ok, err = s.SetEventStatus(ctx, "evt-1", conversation.StatusActive, &correctGuard)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_ListActiveEventIDsExcludesClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-2")))

	active := conversation.StatusActive
	_, _ = s.SetEventStatus(ctx, "evt-2", conversation.StatusActive, nil)
	_, _ = s.SetEventStatus(ctx, "evt-2", conversation.StatusClosed, &active)

	ids, err := s.ListActiveEventIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"evt-1"}, ids)
}

func TestMemoryStore_GetEventNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetEvent(context.Background(), "missing")
	assert.ErrorIs(t, err, brainerrors.ErrNotFound)
}

func TestMemoryStore_StartupMigrationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))
	_, _ = s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorAligner})

	require.NoError(t, s.MarkAllTurnsEvaluatedEverywhere(ctx))
	e, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusEvaluated, e.Conversation[0].Status)

	require.NoError(t, s.MarkAllTurnsEvaluatedEverywhere(ctx))
	e2, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, e.Conversation, e2.Conversation)
}

func TestMemoryStore_SetEventStatusStampsClosedAt(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))

	_, err := s.SetEventStatus(ctx, "evt-1", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = s.SetEventStatus(ctx, "evt-1", conversation.StatusClosed, nil)
	require.NoError(t, err)

	e, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, e.ClosedAt)
}

func TestMemoryStore_DeleteClosedBeforeOnlyRemovesOldClosedEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateEvent(ctx, newTestEvent("old-closed")))
	_, err := s.SetEventStatus(ctx, "old-closed", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = s.SetEventStatus(ctx, "old-closed", conversation.StatusClosed, nil)
	require.NoError(t, err)
	old, err := s.GetEvent(ctx, "old-closed")
	require.NoError(t, err)
	backdated := old.ClosedAt.Add(-48 * time.Hour)
	old.ClosedAt = &backdated
	s.events["old-closed"].event = old

	require.NoError(t, s.CreateEvent(ctx, newTestEvent("recently-closed")))
	_, err = s.SetEventStatus(ctx, "recently-closed", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = s.SetEventStatus(ctx, "recently-closed", conversation.StatusClosed, nil)
	require.NoError(t, err)

	require.NoError(t, s.CreateEvent(ctx, newTestEvent("still-active")))

	n, err := s.DeleteClosedBefore(ctx, time.Now().Add(-1*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetEvent(ctx, "old-closed")
	assert.ErrorIs(t, err, brainerrors.ErrNotFound)
	_, err = s.GetEvent(ctx, "recently-closed")
	assert.NoError(t, err)
	_, err = s.GetEvent(ctx, "still-active")
	assert.NoError(t, err)
}

func TestMemoryStore_DeleteStaleBeforeOnlyRemovesOldNonClosedEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateEvent(ctx, newTestEvent("stale-open")))
	stale, err := s.GetEvent(ctx, "stale-open")
	require.NoError(t, err)
	backdated := stale.CreatedAt.Add(-48 * time.Hour)
	stale.CreatedAt = backdated
	s.events["stale-open"].event = stale

	require.NoError(t, s.CreateEvent(ctx, newTestEvent("fresh-open")))

	require.NoError(t, s.CreateEvent(ctx, newTestEvent("stale-but-closed")))
	_, err = s.SetEventStatus(ctx, "stale-but-closed", conversation.StatusActive, nil)
	require.NoError(t, err)
	_, err = s.SetEventStatus(ctx, "stale-but-closed", conversation.StatusClosed, nil)
	require.NoError(t, err)
	closed, err := s.GetEvent(ctx, "stale-but-closed")
	require.NoError(t, err)
	closed.CreatedAt = backdated
	s.events["stale-but-closed"].event = closed

	n, err := s.DeleteStaleBefore(ctx, time.Now().Add(-1*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the stale, still-open event should be removed")

	_, err = s.GetEvent(ctx, "stale-open")
	assert.ErrorIs(t, err, brainerrors.ErrNotFound)
	_, err = s.GetEvent(ctx, "fresh-open")
	assert.NoError(t, err)
	_, err = s.GetEvent(ctx, "stale-but-closed")
	assert.NoError(t, err, "DeleteStaleBefore must leave CLOSED events to DeleteClosedBefore")
}

func TestMemoryStore_ConcurrentAppendsStayContiguous(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateEvent(ctx, newTestEvent("evt-1")))

	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.AppendTurn(ctx, "evt-1", conversation.Turn{Actor: conversation.ActorBrain, Action: conversation.ActionThink})
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}

	e, err := s.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Len(t, e.Conversation, n)
	assert.True(t, conversation.ValidateSequence(e.Conversation))
}
