package blackboard

import (
	"context"
	"sync"
	"time"

	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// MemoryStore is an in-process Store implementation backed by a map guarded
// by per-event mutexes. It is the default store for tests and for
// single-process deployments that do not need durability across restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	event *conversation.Event
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*entry)}
}

func (s *MemoryStore) getEntry(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok
}

// atomicUpdate is the generic read-modify-write primitive: it locks the
// per-event mutex, hands the caller the live event to mutate, and returns
// whatever the callback returns. The callback must not retain the pointer
// past its own execution.
func (s *MemoryStore) atomicUpdate(id string, fn func(e *conversation.Event) error) error {
	en, ok := s.getEntry(id)
	if !ok {
		return brainerrors.ErrNotFound
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return fn(en.event)
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*conversation.Event, error) {
	en, ok := s.getEntry(id)
	if !ok {
		return nil, brainerrors.ErrNotFound
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.event.Clone(), nil
}

func (s *MemoryStore) CreateEvent(_ context.Context, e *conversation.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.ID]; exists {
		return brainerrors.NewStorageError("CreateEvent", e.ID, brainerrors.ErrConcurrentModification)
	}
	if e.Status == "" {
		e.Status = conversation.StatusNew
	}
	s.events[e.ID] = &entry{event: e.Clone()}
	return nil
}

func (s *MemoryStore) ListActiveEventIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.events))
	for id, en := range s.events {
		en.mu.Lock()
		terminal := en.event.Status.Terminal()
		en.mu.Unlock()
		if !terminal {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, id string, turn conversation.Turn) (int, error) {
	var assigned int
	err := s.atomicUpdate(id, func(e *conversation.Event) error {
		if e.Status.Terminal() {
			return brainerrors.NewStorageError("AppendTurn", id, brainerrors.ErrInvalidTransition)
		}
		turn.Turn = 0 // let AppendTurn compute the contiguous index
		if turn.Status == "" {
			turn.Status = conversation.StatusSent
		}
		if turn.Timestamp.IsZero() {
			turn.Timestamp = time.Now()
		}
		next, err := conversation.AppendTurn(e.Conversation, turn)
		if err != nil {
			return brainerrors.NewStorageError("AppendTurn", id, err)
		}
		e.Conversation = next
		assigned = len(next)
		if e.FirstTurnAt == nil {
			t := turn.Timestamp
			e.FirstTurnAt = &t
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return assigned, nil
}

func (s *MemoryStore) MarkTurnsDelivered(_ context.Context, id string, uptoTurn int) (int, error) {
	count := 0
	err := s.atomicUpdate(id, func(e *conversation.Event) error {
		for i := range e.Conversation {
			t := &e.Conversation[i]
			if t.Turn > uptoTurn {
				continue
			}
			if t.Status == conversation.StatusSent {
				t.Status = conversation.StatusDelivered
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *MemoryStore) MarkTurnsEvaluated(_ context.Context, id string) (int, error) {
	count := 0
	err := s.atomicUpdate(id, func(e *conversation.Event) error {
		for i := range e.Conversation {
			t := &e.Conversation[i]
			if t.Status != conversation.StatusEvaluated {
				t.Status = conversation.StatusEvaluated
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *MemoryStore) MarkTurnStatus(_ context.Context, id string, turnNumber int, newStatus conversation.MessageStatus) (bool, error) {
	ok := false
	err := s.atomicUpdate(id, func(e *conversation.Event) error {
		next, err := conversation.AdvanceTurnStatus(e.Conversation, turnNumber, newStatus)
		if err != nil {
			// Idempotent no-op semantics: a redundant or stale advance is
			// benign, not an error, per the spec's monotonicity rule.
			return nil
		}
		e.Conversation = next
		ok = true
		return nil
	})
	return ok, err
}

func (s *MemoryStore) SetEventStatus(_ context.Context, id string, newStatus conversation.Status, guardExpected *conversation.Status) (bool, error) {
	ok := false
	err := s.atomicUpdate(id, func(e *conversation.Event) error {
		if guardExpected != nil && e.Status != *guardExpected {
			return nil
		}
		if err := conversation.ValidateTransition(e.Status, newStatus); err != nil {
			return nil
		}
		e.Status = newStatus
		if newStatus == conversation.StatusClosed && e.ClosedAt == nil {
			now := time.Now()
			e.ClosedAt = &now
		}
		ok = true
		return nil
	})
	return ok, err
}

// DeleteClosedBefore removes every CLOSED event whose ClosedAt precedes
// cutoff. Events never closed (ClosedAt nil) are left alone regardless of
// age here. pkg/scheduler force-closes only events that have a first turn;
// DeleteStaleBefore handles events that stay non-CLOSED.
func (s *MemoryStore) DeleteClosedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, en := range s.events {
		en.mu.Lock()
		del := en.event.Status == conversation.StatusClosed && en.event.ClosedAt != nil && en.event.ClosedAt.Before(cutoff)
		en.mu.Unlock()
		if del {
			delete(s.events, id)
			count++
		}
	}
	return count, nil
}

// DeleteStaleBefore removes every non-CLOSED event whose CreatedAt precedes
// cutoff, a safety net for events stuck open well past any normal lifetime.
func (s *MemoryStore) DeleteStaleBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, en := range s.events {
		en.mu.Lock()
		del := en.event.Status != conversation.StatusClosed && en.event.CreatedAt.Before(cutoff)
		en.mu.Unlock()
		if del {
			delete(s.events, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) SetDeferUntil(_ context.Context, id string, ts *time.Time) (bool, error) {
	err := s.atomicUpdate(id, func(e *conversation.Event) error {
		e.DeferUntil = ts
		return nil
	})
	return err == nil, err
}

func (s *MemoryStore) MarkAllTurnsEvaluatedEverywhere(ctx context.Context) error {
	ids, err := s.ListActiveEventIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.MarkTurnsEvaluated(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
