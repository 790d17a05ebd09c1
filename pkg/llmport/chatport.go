// Package llmport defines the ChatPort interface the Processor consumes:
// a reusable, per-event chat session plus a stateless fallback generate
// call. Concrete adapters (grpcchat, or a test fake) live in subpackages.
package llmport

import "context"

// ToolDefinition describes one function the LLM may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON-schema-shaped parameter spec
}

// ToolCall is a single function invocation request emitted by the model.
type ToolCall struct {
	ToolUseID string
	Name      string
	Args      map[string]any
}

// ChunkType discriminates the payload carried by a Chunk.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// Chunk is one streamed unit of a chat response.
type Chunk struct {
	Type     ChunkType
	Text     string
	ToolCall *ToolCall
	Err      error
}

// Params bounds a single generation call.
type Params struct {
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
}

// ChatPort is the external LLM adapter contract described in spec.md §6.
// The core treats it as out of scope; this interface is the only surface
// the Processor is coupled to.
type ChatPort interface {
	// CreateChat opens a new session with systemPrompt as its initial
	// context, returning an opaque sessionID.
	CreateChat(ctx context.Context, systemPrompt string, params Params) (string, error)

	// ChatSend sends userMessage within sessionID and streams the response.
	ChatSend(ctx context.Context, sessionID, userMessage string) (<-chan Chunk, error)

	// ChatReportToolResult feeds a tool's result back into the session and
	// streams the model's continuation.
	ChatReportToolResult(ctx context.Context, sessionID, toolUseID, resultText string) (<-chan Chunk, error)

	// CloseChat tears down sessionID. Safe to call on an already-closed or
	// unknown session.
	CloseChat(ctx context.Context, sessionID string) error

	// Generate is the stateless one-shot fallback used when a chat session
	// must be discarded after a stream error.
	Generate(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error)
}
