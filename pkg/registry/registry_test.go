package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestRegisterAndPickAvailable(t *testing.T) {
	r := New(nil)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})

	e, ok := r.PickAvailable("sysadmin", "")
	require.True(t, ok)
	assert.Equal(t, "a1", e.AgentID)
	assert.False(t, e.Busy)

	_, ok = r.PickAvailable("developer", "")
	assert.False(t, ok)
}

func TestPickAvailablePrefersSessionAffinity(t *testing.T) {
	r := New(nil)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})
	r.Register(Entry{AgentID: "a2", Role: "sysadmin"}, &fakeCloser{})

	e, ok := r.PickAvailable("sysadmin", "a2")
	require.True(t, ok)
	assert.Equal(t, "a2", e.AgentID)
}

func TestPickAvailableSkipsBusyAffinity(t *testing.T) {
	r := New(nil)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})
	require.True(t, r.MarkBusy("a1", "evt-1", "task-1"))

	_, ok := r.PickAvailable("sysadmin", "a1")
	assert.False(t, ok, "a busy preferred agent must not be returned")
}

func TestRegisterEvictsPriorEntryWithSameAgentID(t *testing.T) {
	var evicted []Entry
	r := New(func(e Entry) { evicted = append(evicted, e) })

	oldTransport := &fakeCloser{}
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, oldTransport)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})

	assert.True(t, oldTransport.closed)
	require.Len(t, evicted, 1)
	assert.Equal(t, "a1", evicted[0].AgentID)
}

func TestUnregisterEvicts(t *testing.T) {
	var evicted []Entry
	r := New(func(e Entry) { evicted = append(evicted, e) })

	transport := &fakeCloser{}
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, transport)
	r.Unregister("a1")

	assert.True(t, transport.closed)
	require.Len(t, evicted, 1)

	_, ok := r.PickAvailable("sysadmin", "")
	assert.False(t, ok)
}

func TestMarkBusyIdleAndGetByEvent(t *testing.T) {
	r := New(nil)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})

	require.True(t, r.MarkBusy("a1", "evt-1", "task-1"))
	e, ok := r.GetByEvent("evt-1")
	require.True(t, ok)
	assert.Equal(t, "a1", e.AgentID)
	assert.True(t, e.Busy)

	require.True(t, r.MarkIdle("a1"))
	_, ok = r.GetByEvent("evt-1")
	assert.False(t, ok)
}

func TestMarkBusyUnknownAgent(t *testing.T) {
	r := New(nil)
	assert.False(t, r.MarkBusy("ghost", "evt-1", "task-1"))
}

func TestAcquireAvailableMarksBusyAtomically(t *testing.T) {
	r := New(nil)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})

	e, ok := r.AcquireAvailable("sysadmin", "", "evt-1", "task-1")
	require.True(t, ok)
	assert.Equal(t, "a1", e.AgentID)

	_, ok = r.AcquireAvailable("sysadmin", "", "evt-2", "task-2")
	assert.False(t, ok, "worker already acquired must not be handed out again")

	got, ok := r.GetByEvent("evt-1")
	require.True(t, ok)
	assert.Equal(t, "task-1", got.CurrentTaskID)
}

func TestAcquireAvailableConcurrentCallersNeverDoubleAssign(t *testing.T) {
	r := New(nil)
	r.Register(Entry{AgentID: "a1", Role: "sysadmin"}, &fakeCloser{})

	const attempts = 50
	results := make(chan bool, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := r.AcquireAvailable("sysadmin", "", "evt", fmt.Sprintf("task-%d", i))
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one caller may acquire the single idle worker")
}
