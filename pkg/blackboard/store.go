// Package blackboard is the sole owner of event-document mutations. It
// exposes an atomic read-modify-write API over Event documents; every
// method is safe for concurrent callers.
package blackboard

import (
	"context"
	"time"

	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// Store is the Blackboard contract consumed by the Scheduler, Processor,
// and Dispatcher. Implementations: MemoryStore (tests, single-process
// deployments) and PostgresStore (durable).
type Store interface {
	// GetEvent loads an event by id. Returns brainerrors.ErrNotFound if absent.
	GetEvent(ctx context.Context, id string) (*conversation.Event, error)

	// CreateEvent inserts a brand new event, starting at status NEW.
	CreateEvent(ctx context.Context, e *conversation.Event) error

	// ListActiveEventIDs returns the ids of all non-terminal (non-CLOSED) events.
	ListActiveEventIDs(ctx context.Context) ([]string, error)

	// AppendTurn atomically assigns the next turn index and appends it.
	// Returns brainerrors.ErrInvalidTransition if the event is CLOSED.
	AppendTurn(ctx context.Context, id string, turn conversation.Turn) (int, error)

	// MarkTurnsDelivered advances every turn with status SENT whose index
	// is <= uptoTurn to DELIVERED. Returns the number of turns advanced.
	MarkTurnsDelivered(ctx context.Context, id string, uptoTurn int) (int, error)

	// MarkTurnsEvaluated advances every non-EVALUATED turn to EVALUATED.
	MarkTurnsEvaluated(ctx context.Context, id string) (int, error)

	// MarkTurnStatus sets a single turn's status, enforcing monotonicity.
	MarkTurnStatus(ctx context.Context, id string, turnNumber int, newStatus conversation.MessageStatus) (bool, error)

	// SetEventStatus performs an optimistic CAS on the event status. If
	// guardExpected is non-nil, the write only succeeds when the current
	// status equals *guardExpected.
	SetEventStatus(ctx context.Context, id string, newStatus conversation.Status, guardExpected *conversation.Status) (bool, error)

	// SetDeferUntil sets (or clears, with a nil ts) the event's defer timestamp.
	SetDeferUntil(ctx context.Context, id string, ts *time.Time) (bool, error)

	// MarkAllTurnsEvaluatedEverywhere performs the scheduler startup
	// migration: every turn in every active event becomes EVALUATED. It is
	// idempotent — running it against an already-migrated store is a no-op.
	MarkAllTurnsEvaluatedEverywhere(ctx context.Context) error

	// DeleteClosedBefore removes every CLOSED event whose ClosedAt precedes
	// cutoff, returning the number removed. Used by pkg/retention.
	DeleteClosedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// DeleteStaleBefore removes every non-CLOSED event whose CreatedAt
	// precedes cutoff, returning the number removed. This is a safety net
	// for events that never reach CLOSED through the normal scheduler
	// force-close path; used by pkg/retention alongside DeleteClosedBefore.
	DeleteStaleBefore(ctx context.Context, cutoff time.Time) (int, error)
}
