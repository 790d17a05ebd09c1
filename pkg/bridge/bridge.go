// Package bridge correlates outstanding task IDs to single-consumer
// response channels, decoupling the Dispatcher (awaiter) from the
// transport goroutine that receives worker messages (producer).
package bridge

import (
	"log/slog"
	"sync"
)

// MessageKind discriminates TaskMessage payloads.
type MessageKind string

const (
	KindProgress      MessageKind = "progress"
	KindPartialResult MessageKind = "partialResult"
	KindResult        MessageKind = "result"
	KindError         MessageKind = "error"

	// Sentinel kinds injected by the bridge itself, never by a worker.
	KindDisconnected MessageKind = "disconnected"
	KindCancelled    MessageKind = "cancelled"
)

// TaskMessage is one unit handed from the transport to the Dispatcher's
// await loop.
type TaskMessage struct {
	Kind MessageKind

	Text      string // progress / partialResult text
	Status    string // result.status
	Output    string // result.output
	SessionID string // result.sessionID
	Source    string // result.source

	ErrMessage string // error.message
	Retryable  bool   // error.retryable
}

// channelCapacity bounds the buffer so a producer never blocks on a slow
// consumer; the Dispatcher drains promptly and task volume per bridge
// channel is small (progress + one terminal message, typically).
const channelCapacity = 16

// Bridge is the Task Bridge. Safe for concurrent use.
type Bridge struct {
	mu    sync.Mutex
	chans map[string]chan TaskMessage
}

// New constructs an empty Bridge.
func New() *Bridge {
	return &Bridge{chans: make(map[string]chan TaskMessage)}
}

// Open creates a single-consumer channel for taskID. Calling Open twice for
// the same taskID replaces the prior channel without closing it; callers
// must not do this — one dispatch owns one taskID for its lifetime.
func (b *Bridge) Open(taskID string) <-chan TaskMessage {
	ch := make(chan TaskMessage, channelCapacity)
	b.mu.Lock()
	b.chans[taskID] = ch
	b.mu.Unlock()
	return ch
}

// Deliver enqueues msg for taskID. If no channel is open (the dispatch
// already finished, or the message arrived for an unknown task), the
// message is dropped with a warning: this is an orphan message.
//
// The lookup, send, and Close's delete+close all happen under b.mu so a
// message that loses the race with Close is dropped as an orphan instead of
// sending on a closed channel.
func (b *Bridge) Deliver(taskID string, msg TaskMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.chans[taskID]
	if !ok {
		slog.Warn("bridge: dropping orphan message", "task_id", taskID, "kind", msg.Kind)
		return
	}

	select {
	case ch <- msg:
	default:
		slog.Warn("bridge: channel full, dropping message", "task_id", taskID, "kind", msg.Kind)
	}
}

// Close removes and closes taskID's channel. Safe to call even if no
// channel is open.
func (b *Bridge) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.chans[taskID]
	if !ok {
		return
	}
	delete(b.chans, taskID)
	close(ch)
}

// InjectSentinel enqueues a synthetic terminal message of the given kind,
// used on worker disconnect or dispatch cancellation.
func (b *Bridge) InjectSentinel(taskID string, kind MessageKind) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.chans[taskID]
	if !ok {
		return
	}
	select {
	case ch <- TaskMessage{Kind: kind}:
	default:
		slog.Warn("bridge: channel full delivering sentinel", "task_id", taskID, "kind", kind)
	}
}

// IsOpen reports whether taskID currently has an open channel.
func (b *Bridge) IsOpen(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.chans[taskID]
	return ok
}
