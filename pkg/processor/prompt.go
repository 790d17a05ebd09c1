package processor

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
)

// buildSystemPrompt renders the event's metadata into the initial context
// handed to a freshly-created chat session.
func buildSystemPrompt(e *conversation.Event) string {
	var b strings.Builder
	b.WriteString("You are the Brain, an autonomous cloud-ops orchestrator. ")
	b.WriteString("You decide what happens next for one event by calling exactly one function per turn.\n\n")
	fmt.Fprintf(&b, "Event ID: %s\n", e.ID)
	fmt.Fprintf(&b, "Source: %s\n", e.Source)
	if e.Service != "" {
		fmt.Fprintf(&b, "Service: %s\n", e.Service)
	}
	fmt.Fprintf(&b, "Reason: %s\n", e.Input.Reason)
	if e.Input.Severity != "" {
		fmt.Fprintf(&b, "Severity: %s\n", e.Input.Severity)
	}
	if e.Input.DomainHint != "" {
		fmt.Fprintf(&b, "Domain hint: %s\n", e.Input.DomainHint)
	}
	if e.Input.Evidence != "" {
		fmt.Fprintf(&b, "Evidence: %s\n", e.Input.Evidence)
	}
	b.WriteString("\nConversation so far:\n")
	b.WriteString(buildDelta(e.Conversation))
	return b.String()
}

// buildDelta renders a slice of turns as plain text, one line per turn. It
// is used both for the full-conversation case (new session) and for the
// incremental case (turns appended since the last send).
func buildDelta(turns []conversation.Turn) string {
	if len(turns) == 0 {
		return "(no turns)"
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%d] %s/%s", t.Turn, t.Actor, t.Action)
		if t.Thoughts != "" {
			fmt.Fprintf(&b, " thoughts=%q", t.Thoughts)
		}
		if t.Result != "" {
			fmt.Fprintf(&b, " result=%q", t.Result)
		}
		if t.Plan != "" {
			fmt.Fprintf(&b, " plan=%q", t.Plan)
		}
		if t.Evidence != "" {
			fmt.Fprintf(&b, " evidence=%q", t.Evidence)
		}
		if t.WaitingFor != "" {
			fmt.Fprintf(&b, " waitingFor=%s", t.WaitingFor)
		}
		if t.PendingApproval {
			b.WriteString(" pendingApproval=true")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// toolDefinitions describes the functions from spec.md §4.6's table (plus
// the supplemented get_event_history) in the shape llmport.ChatPort expects.
func toolDefinitions() []llmport.ToolDefinition {
	return []llmport.ToolDefinition{
		{
			Name:        "select_agent",
			Description: "Dispatch work to an agent of the given role.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role": map[string]any{"type": "string"},
					"task": map[string]any{"type": "string"},
					"mode": map[string]any{"type": "string", "enum": []string{"execute", "verify", "investigate"}},
				},
				"required": []string{"role", "task"},
			},
		},
		{
			Name:        "ask_agent_for_state",
			Description: "Ask an agent of the given role a read-only question about current state.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role":     map[string]any{"type": "string"},
					"question": map[string]any{"type": "string"},
				},
				"required": []string{"role", "question"},
			},
		},
		{
			Name:        "request_user_approval",
			Description: "Pause the event and ask a human to approve a proposed action.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{"type": "string"},
					"context":  map[string]any{"type": "string"},
				},
				"required": []string{"question"},
			},
		},
		{
			Name:        "wait_for_user",
			Description: "Pause the event pending a message from a human; does not request approval.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string"},
				},
				"required": []string{"summary"},
			},
		},
		{
			Name:        "defer_event",
			Description: "Postpone re-evaluation of this event for a number of seconds.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"duration_s": map[string]any{"type": "number"},
					"reason":     map[string]any{"type": "string"},
				},
				"required": []string{"duration_s", "reason"},
			},
		},
		{
			Name:        "close_event",
			Description: "Close the event with a final summary and outcome.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string"},
					"outcome": map[string]any{"type": "string"},
				},
				"required": []string{"summary", "outcome"},
			},
		},
		{
			Name:        "lookup_service",
			Description: "Read-only lookup of known facts about a service.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string"},
				},
				"required": []string{"name"},
			},
		},
		{
			Name:        "consult_deep_memory",
			Description: "Read-only search of prior incident history for relevant context.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        "notify_user_slack",
			Description: "Send a side-channel Slack notification to a human.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"email":   map[string]any{"type": "string"},
					"message": map[string]any{"type": "string"},
				},
				"required": []string{"email", "message"},
			},
		},
		{
			Name:        "get_event_history",
			Description: "Read-only fetch of the full turn log of a related event, for cross-event correlation.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"event_id": map[string]any{"type": "string"},
				},
				"required": []string{"event_id"},
			},
		},
	}
}
