// Package fake provides a scriptable in-memory llmport.ChatPort for tests
// that drive the Processor without a real model.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
)

// ChatPort returns its queued batches in order, one per
// ChatSend/ChatReportToolResult call across the whole fake (sessions are
// not scripted independently — tests that need otherwise should construct
// per-session fakes).
type ChatPort struct {
	mu        sync.Mutex
	responses []llmport.Chunk
	batches   [][]llmport.Chunk

	sessions map[string]bool
	closed   []string

	GenerateFunc func(systemPrompt, userPrompt string) (string, error)
}

// New constructs a fake with no queued responses.
func New() *ChatPort {
	return &ChatPort{sessions: make(map[string]bool)}
}

// QueueBatch appends one batch of chunks to be returned by the next
// ChatSend or ChatReportToolResult call, in order.
func (f *ChatPort) QueueBatch(chunks ...llmport.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, chunks)
}

func (f *ChatPort) CreateChat(_ context.Context, _ string, _ llmport.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.sessions[id] = true
	return id, nil
}

func (f *ChatPort) nextBatch() ([]llmport.Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, fmt.Errorf("fake: no queued response available")
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *ChatPort) stream(batch []llmport.Chunk) <-chan llmport.Chunk {
	ch := make(chan llmport.Chunk, len(batch))
	for _, c := range batch {
		ch <- c
	}
	close(ch)
	return ch
}

func (f *ChatPort) ChatSend(_ context.Context, sessionID, _ string) (<-chan llmport.Chunk, error) {
	f.mu.Lock()
	_, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: unknown session %q", sessionID)
	}
	batch, err := f.nextBatch()
	if err != nil {
		return nil, err
	}
	return f.stream(batch), nil
}

func (f *ChatPort) ChatReportToolResult(ctx context.Context, sessionID, _, _ string) (<-chan llmport.Chunk, error) {
	return f.ChatSend(ctx, sessionID, "")
}

func (f *ChatPort) CloseChat(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *ChatPort) Generate(_ context.Context, systemPrompt, userPrompt string, _ llmport.Params) (string, error) {
	if f.GenerateFunc != nil {
		return f.GenerateFunc(systemPrompt, userPrompt)
	}
	return "", fmt.Errorf("fake: Generate not configured")
}

// Closed returns the session IDs closed so far, for assertions.
func (f *ChatPort) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.closed))
	copy(out, f.closed)
	return out
}
