package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
	"github.com/codeready-toolchain/darwin-brain/pkg/dispatcher"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
)

// functionOutcome is what executing one tool call produces: text to feed
// back to the LLM, and whether the call closes this pass's tool chain.
type functionOutcome struct {
	Terminal   bool
	ResultText string
}

// toolFunc implements one named function from the dispatch table.
type toolFunc func(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error)

// buildDispatchTable wires every function name the LLM may call to its
// implementation. Built once per Processor; asserted exhaustive in
// functions_test.go.
func (p *Processor) buildDispatchTable() map[string]toolFunc {
	return map[string]toolFunc{
		"select_agent":          p.fnSelectAgent,
		"ask_agent_for_state":   p.fnAskAgentForState,
		"request_user_approval": p.fnRequestUserApproval,
		"wait_for_user":         p.fnWaitForUser,
		"defer_event":           p.fnDeferEvent,
		"close_event":           p.fnCloseEvent,
		"lookup_service":        p.fnLookupService,
		"consult_deep_memory":   p.fnConsultDeepMemory,
		"notify_user_slack":     p.fnNotifyUserSlack,
		"get_event_history":     p.fnGetEventHistory,
	}
}

// invokeFunction looks up call.Name in the dispatch table and runs it. An
// unknown function name is reported back to the LLM rather than treated as
// a processor-level error, so the model can recover by trying another name.
func (p *Processor) invokeFunction(ctx context.Context, e *conversation.Event, call llmport.ToolCall) (functionOutcome, error) {
	fn, ok := p.functions[call.Name]
	if !ok {
		return functionOutcome{ResultText: fmt.Sprintf("unknown function %q", call.Name)}, nil
	}
	return fn(ctx, e, call.Args)
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringArgOr(args map[string]any, key, def string) string {
	if v := stringArg(args, key); v != "" {
		return v
	}
	return def
}

// floatArg extracts a numeric argument. JSON-decoded tool-call arguments
// carry numbers as float64 regardless of the schema's declared type.
func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// fnSelectAgent implements select_agent(role, task, mode?).
func (p *Processor) fnSelectAgent(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	role := stringArg(args, "role")
	task := stringArg(args, "task")
	mode := stringArgOr(args, "mode", "execute")

	res, err := p.dispatcher.DispatchToAgent(ctx, role, e.ID, task, mode, nil)
	return p.dispatchOutcome(ctx, e, res, err)
}

// fnAskAgentForState implements ask_agent_for_state(role, question), the
// read-only dispatch variant: same routing path, fixed investigate mode.
func (p *Processor) fnAskAgentForState(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	role := stringArg(args, "role")
	question := stringArg(args, "question")

	res, err := p.dispatcher.DispatchToAgent(ctx, role, e.ID, question, "investigate", nil)
	return p.dispatchOutcome(ctx, e, res, err)
}

// dispatchOutcome classifies a dispatcher result per spec.md §7's error
// taxonomy. SecurityBlocked is recorded as a turn describing the block;
// RetryableAgentError defers the whole event rather than failing the call;
// AgentUnavailable and FatalAgentError are handed back to the LLM as
// tool-result text so it can replan.
func (p *Processor) dispatchOutcome(ctx context.Context, e *conversation.Event, res dispatcher.Result, err error) (functionOutcome, error) {
	if err == nil {
		return functionOutcome{Terminal: true, ResultText: res.Output}, nil
	}

	switch {
	case errors.Is(err, brainerrors.ErrSecurityBlocked):
		desc := fmt.Sprintf("dispatch blocked by security policy: %v", err)
		if _, aerr := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
			Actor:    conversation.ActorBrain,
			Action:   conversation.ActionThink,
			Thoughts: desc,
		}); aerr != nil {
			return functionOutcome{}, aerr
		}
		return functionOutcome{ResultText: desc}, nil

	case errors.Is(err, brainerrors.ErrRetryableAgent):
		until := time.Now().Add(p.cfg.RetryDeferSeconds)
		if _, derr := p.store.SetDeferUntil(ctx, e.ID, &until); derr != nil {
			return functionOutcome{}, derr
		}
		if _, aerr := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
			Actor:  conversation.ActorBrain,
			Action: conversation.ActionDefer,
			Result: fmt.Sprintf("agent reported a retryable error: %v", err),
		}); aerr != nil {
			return functionOutcome{}, aerr
		}
		return functionOutcome{Terminal: true, ResultText: "deferred after retryable agent error"}, nil

	case errors.Is(err, brainerrors.ErrAgentUnavailable):
		return functionOutcome{ResultText: fmt.Sprintf("no agent available: %v", err)}, nil

	case errors.Is(err, brainerrors.ErrFatalAgent):
		return functionOutcome{ResultText: fmt.Sprintf("agent error: %v", err)}, nil

	default:
		return functionOutcome{ResultText: fmt.Sprintf("dispatch error: %v", err)}, nil
	}
}

func (p *Processor) fnRequestUserApproval(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	question := stringArg(args, "question")
	context_ := stringArg(args, "context")

	if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
		Actor:           conversation.ActorBrain,
		Action:          conversation.ActionWait,
		Thoughts:        question,
		Evidence:        context_,
		PendingApproval: true,
	}); err != nil {
		return functionOutcome{}, err
	}
	if _, err := p.store.SetEventStatus(ctx, e.ID, conversation.StatusWaitingApproval, nil); err != nil {
		return functionOutcome{}, err
	}
	return functionOutcome{Terminal: true, ResultText: "approval requested"}, nil
}

func (p *Processor) fnWaitForUser(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	summary := stringArg(args, "summary")

	if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
		Actor:      conversation.ActorBrain,
		Action:     conversation.ActionWait,
		Thoughts:   summary,
		WaitingFor: conversation.WaitingForUser,
	}); err != nil {
		return functionOutcome{}, err
	}
	p.hooks.SetWaitingForUser(e.ID, true)
	return functionOutcome{Terminal: true, ResultText: "waiting for user"}, nil
}

func (p *Processor) fnDeferEvent(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	seconds := floatArg(args, "duration_s", 300)
	reason := stringArg(args, "reason")

	until := time.Now().Add(time.Duration(seconds) * time.Second)
	if _, err := p.store.SetDeferUntil(ctx, e.ID, &until); err != nil {
		return functionOutcome{}, err
	}
	if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
		Actor:  conversation.ActorBrain,
		Action: conversation.ActionDefer,
		Result: reason,
	}); err != nil {
		return functionOutcome{}, err
	}
	return functionOutcome{Terminal: true, ResultText: "deferred"}, nil
}

func (p *Processor) fnCloseEvent(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	summary := stringArg(args, "summary")
	outcome := stringArg(args, "outcome")

	if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
		Actor:    conversation.ActorBrain,
		Action:   conversation.ActionClose,
		Result:   summary,
		Evidence: outcome,
	}); err != nil {
		return functionOutcome{}, err
	}
	if _, err := p.store.SetEventStatus(ctx, e.ID, conversation.StatusClosed, nil); err != nil {
		return functionOutcome{}, err
	}

	p.mu.Lock()
	sessionID, ok := p.sessionTable[e.ID]
	p.mu.Unlock()
	if ok {
		p.discardSession(ctx, e.ID, sessionID)
	}

	if _, err := p.store.MarkTurnsEvaluated(ctx, e.ID); err != nil {
		return functionOutcome{}, err
	}
	return functionOutcome{Terminal: true, ResultText: "closed"}, nil
}

// fnLookupService and fnConsultDeepMemory are read-only enrichment calls:
// per spec.md §4.8's invisible-scratch decision, no turn is appended for
// the lookup itself, only the text fed back to the LLM.
func (p *Processor) fnLookupService(ctx context.Context, _ *conversation.Event, args map[string]any) (functionOutcome, error) {
	text, err := p.enrichment.LookupService(ctx, stringArg(args, "name"))
	if err != nil {
		return functionOutcome{ResultText: fmt.Sprintf("lookup_service error: %v", err)}, nil
	}
	return functionOutcome{ResultText: text}, nil
}

func (p *Processor) fnConsultDeepMemory(ctx context.Context, _ *conversation.Event, args map[string]any) (functionOutcome, error) {
	text, err := p.enrichment.ConsultDeepMemory(ctx, stringArg(args, "query"))
	if err != nil {
		return functionOutcome{ResultText: fmt.Sprintf("consult_deep_memory error: %v", err)}, nil
	}
	return functionOutcome{ResultText: text}, nil
}

// fnGetEventHistory is the supplemented read-only function for pulling a
// related event's turn log for cross-event correlation (e.g. a prior
// incident on the same service).
func (p *Processor) fnGetEventHistory(ctx context.Context, _ *conversation.Event, args map[string]any) (functionOutcome, error) {
	other, err := p.store.GetEvent(ctx, stringArg(args, "event_id"))
	if err != nil {
		if errors.Is(err, brainerrors.ErrNotFound) {
			return functionOutcome{ResultText: "no such event"}, nil
		}
		return functionOutcome{}, err
	}
	return functionOutcome{ResultText: buildDelta(other.Conversation)}, nil
}

func (p *Processor) fnNotifyUserSlack(ctx context.Context, e *conversation.Event, args map[string]any) (functionOutcome, error) {
	email := stringArg(args, "email")
	message := stringArg(args, "message")

	if err := p.notifier.NotifySlack(ctx, email, message); err != nil {
		return functionOutcome{ResultText: fmt.Sprintf("notify_user_slack error: %v", err)}, nil
	}
	if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
		Actor:    conversation.ActorBrain,
		Action:   conversation.ActionNotify,
		Thoughts: message,
		Result:   email,
	}); err != nil {
		return functionOutcome{}, err
	}
	return functionOutcome{Terminal: true, ResultText: "notified"}, nil
}
