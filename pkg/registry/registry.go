// Package registry tracks connected agent workers behind the WebSocket
// boundary: registration, eviction on reconnect, and role-scoped selection.
package registry

import (
	"sync"
	"time"
)

// Entry describes one connected worker.
type Entry struct {
	AgentID        string
	Role           string
	Busy           bool
	CurrentEventID string
	CurrentTaskID  string
	ConnectedAt    time.Time
	Caps           map[string]string

	// transport is closed by the registry on eviction. Kept as an opaque
	// closer so the registry has no dependency on a concrete transport type.
	transport Closer
}

// Closer is satisfied by the worker's underlying WebSocket connection.
type Closer interface {
	Close() error
}

// EvictionHook is invoked whenever an entry is evicted (reconnect or
// explicit unregister) so owners such as the Task Bridge can inject an
// orphan sentinel for any outstanding task.
type EvictionHook func(evicted Entry)

// Registry is the Agent Registry. All operations are atomic under an
// internal lock, mirroring events.ConnectionManager's connection table.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	onEvict EvictionHook
}

// New constructs an empty Registry. onEvict may be nil.
func New(onEvict EvictionHook) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		onEvict: onEvict,
	}
}

// Register adds entry, evicting any existing entry with the same AgentID.
func (r *Registry) Register(entry Entry, transport Closer) {
	entry.transport = transport
	if entry.ConnectedAt.IsZero() {
		entry.ConnectedAt = time.Now()
	}

	r.mu.Lock()
	old, existed := r.entries[entry.AgentID]
	r.entries[entry.AgentID] = &entry
	r.mu.Unlock()

	if existed {
		r.evict(old)
	}
}

// Unregister removes agentID, evicting it symmetrically to a reconnect.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	old, existed := r.entries[agentID]
	if existed {
		delete(r.entries, agentID)
	}
	r.mu.Unlock()

	if existed {
		r.evict(old)
	}
}

func (r *Registry) evict(old *Entry) {
	if old.transport != nil {
		_ = old.transport.Close()
	}
	if r.onEvict != nil {
		r.onEvict(*old)
	}
}

// PickAvailable returns a not-busy entry for role, preferring preferAgentID
// (session affinity) when it is present and idle. ok is false when no
// matching entry is available.
func (r *Registry) PickAvailable(role, preferAgentID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if preferAgentID != "" {
		if e, ok := r.entries[preferAgentID]; ok && !e.Busy && e.Role == role {
			return *e, true
		}
	}

	for _, e := range r.entries {
		if e.Role == role && !e.Busy {
			return *e, true
		}
	}
	return Entry{}, false
}

// AcquireAvailable atomically picks an idle entry for role (preferring
// preferAgentID when idle) and marks it busy under the same lock, so two
// concurrent dispatches for the same role can never both receive the same
// worker. ok is false when no matching entry is available.
func (r *Registry) AcquireAvailable(role, preferAgentID, eventID, taskID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pick := func() *Entry {
		if preferAgentID != "" {
			if e, ok := r.entries[preferAgentID]; ok && !e.Busy && e.Role == role {
				return e
			}
		}
		for _, e := range r.entries {
			if e.Role == role && !e.Busy {
				return e
			}
		}
		return nil
	}

	e := pick()
	if e == nil {
		return Entry{}, false
	}
	e.Busy = true
	e.CurrentEventID = eventID
	e.CurrentTaskID = taskID
	return *e, true
}

// MarkBusy transitions agentID to busy, bound to eventID/taskID.
func (r *Registry) MarkBusy(agentID, eventID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	e.Busy = true
	e.CurrentEventID = eventID
	e.CurrentTaskID = taskID
	return true
}

// MarkIdle clears busy state for agentID.
func (r *Registry) MarkIdle(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[agentID]
	if !ok {
		return false
	}
	e.Busy = false
	e.CurrentEventID = ""
	e.CurrentTaskID = ""
	return true
}

// GetByEvent finds the worker currently assigned to eventID, if any.
func (r *Registry) GetByEvent(eventID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Busy && e.CurrentEventID == eventID {
			return *e, true
		}
	}
	return Entry{}, false
}

// Snapshot returns a copy of every entry, for health/diagnostics endpoints.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}
