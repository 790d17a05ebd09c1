// Package processor implements the per-event LLM decision loop: the piece
// that turns unread conversation turns into either a dispatched agent task,
// a status change, or a scratch "think" turn, under a per-event mutex.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
	"github.com/codeready-toolchain/darwin-brain/pkg/dispatcher"
	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
)

// AgentDispatcher is the subset of *dispatcher.Dispatcher the Processor
// needs, narrowed to an interface so tests can substitute a fake without
// standing up a Registry/Bridge.
type AgentDispatcher interface {
	DispatchToAgent(ctx context.Context, role, eventID, prompt, mode string, affinity *dispatcher.SessionAffinity) (dispatcher.Result, error)
}

// SchedulerHooks is the slice of *scheduler.Scheduler the Processor calls
// into. Defined locally (rather than importing pkg/scheduler) so neither
// package depends on the other; cmd/brain wires a *scheduler.Scheduler in.
type SchedulerHooks interface {
	SetWaitingForUser(eventID string, waiting bool)
	MarkTaskActive(eventID string)
	MarkTaskDone(eventID string)
}

// Config holds the processor-side tunables from spec.md §6.
type Config struct {
	MaxToolChains                int
	RetryDeferSeconds            time.Duration
	LLMStreamFailureDeferSeconds time.Duration
}

// DefaultConfig returns the recommended defaults from spec.md §4.6/§6/§7.
func DefaultConfig() Config {
	return Config{
		MaxToolChains:                8,
		RetryDeferSeconds:            5 * time.Minute,
		LLMStreamFailureDeferSeconds: 60 * time.Second,
	}
}

// Processor drives one LLM turn for one event at a time.
type Processor struct {
	store      blackboard.Store
	dispatcher AgentDispatcher
	chat       llmport.ChatPort
	sink       broadcast.Sink
	hooks      SchedulerHooks
	enrichment Enrichment
	notifier   Notifier
	cfg        Config

	functions map[string]toolFunc

	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	sessionTable map[string]string
	deltaCursor  map[string]int
	cancels      map[string]context.CancelFunc
}

// New constructs a Processor. enrichment and notifier may be nil, in which
// case NopEnrichment/NopNotifier are used.
func New(
	store blackboard.Store,
	disp AgentDispatcher,
	chat llmport.ChatPort,
	sink broadcast.Sink,
	hooks SchedulerHooks,
	enrichment Enrichment,
	notifier Notifier,
	cfg Config,
) *Processor {
	if enrichment == nil {
		enrichment = NopEnrichment{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	p := &Processor{
		store:        store,
		dispatcher:   disp,
		chat:         chat,
		sink:         sink,
		hooks:        hooks,
		enrichment:   enrichment,
		notifier:     notifier,
		cfg:          cfg,
		locks:        make(map[string]*sync.Mutex),
		sessionTable: make(map[string]string),
		deltaCursor:  make(map[string]int),
		cancels:      make(map[string]context.CancelFunc),
	}
	p.functions = p.buildDispatchTable()
	return p
}

func (p *Processor) lockFor(eventID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[eventID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[eventID] = l
	}
	return l
}

// Cancel interrupts the active tool chain and LLM stream for eventID, if
// one is running. Per spec.md §5 this does not transition event status.
func (p *Processor) Cancel(eventID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[eventID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Process implements spec.md §4.6's per-event algorithm. It satisfies
// pkg/scheduler.Processor.
func (p *Processor) Process(ctx context.Context, eventID string) {
	lock := p.lockFor(eventID)
	lock.Lock()
	defer lock.Unlock()

	p.hooks.MarkTaskActive(eventID)
	defer p.hooks.MarkTaskDone(eventID)

	procCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[eventID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.cancels, eventID)
		p.mu.Unlock()
		cancel()
	}()

	e, err := p.store.GetEvent(procCtx, eventID)
	if err != nil {
		if !errors.Is(err, brainerrors.ErrNotFound) {
			slog.Warn("processor: get event failed", "event_id", eventID, "error", err)
		}
		return
	}
	if e.Status.Terminal() {
		return
	}

	_, cancelled, err := p.runChat(procCtx, e)
	if cancelled {
		return
	}
	if err != nil {
		slog.Warn("processor: chat run failed", "event_id", eventID, "error", err)
		return
	}

	if _, err := p.store.MarkTurnsEvaluated(procCtx, eventID); err != nil {
		slog.Warn("processor: mark evaluated failed", "event_id", eventID, "error", err)
		return
	}
	p.sink.BroadcastMessageStatus(eventID, broadcast.StatusEvaluated, broadcast.StatusTurns{All: true})
}

// runChat implements steps 2-5 of spec.md §4.6: session lifecycle, the
// tool-call chain, and the trailing think-turn.
func (p *Processor) runChat(ctx context.Context, e *conversation.Event) (terminalCalled, cancelled bool, err error) {
	sessionID, isNew, err := p.getOrCreateSession(ctx, e)
	if err != nil {
		return false, false, err
	}

	p.mu.Lock()
	cursor := p.deltaCursor[e.ID]
	p.mu.Unlock()

	var delta string
	if isNew {
		delta = buildDelta(e.Conversation)
	} else if cursor < len(e.Conversation) {
		delta = buildDelta(e.Conversation[cursor:])
	}

	p.mu.Lock()
	p.deltaCursor[e.ID] = len(e.Conversation)
	p.mu.Unlock()

	ch, err := p.chat.ChatSend(ctx, sessionID, delta)
	if err != nil {
		if ctx.Err() != nil {
			return false, true, nil
		}
		return p.handleStreamFailure(ctx, e, sessionID)
	}

	var accumulated strings.Builder
	terminalCalled = false
	chainCount := 0

	for {
		text, calls, derr := p.drain(ctx, ch)
		accumulated.WriteString(text)
		if derr != nil {
			if ctx.Err() != nil {
				return false, true, nil
			}
			return p.handleStreamFailure(ctx, e, sessionID)
		}
		if len(calls) == 0 {
			break
		}
		if chainCount >= p.cfg.MaxToolChains {
			break
		}
		chainCount++
		call := calls[0]
		if len(calls) > 1 {
			slog.Debug("processor: multiple tool calls in one round, handling the first only",
				"event_id", e.ID, "count", len(calls))
		}

		outcome, ferr := p.invokeFunction(ctx, e, call)
		if ferr != nil {
			slog.Warn("processor: tool function error", "event_id", e.ID, "function", call.Name, "error", ferr)
			outcome = functionOutcome{ResultText: fmt.Sprintf("error: %v", ferr)}
		}
		if outcome.Terminal {
			terminalCalled = true
			break
		}

		nextCh, err := p.chat.ChatReportToolResult(ctx, sessionID, call.ToolUseID, outcome.ResultText)
		if err != nil {
			if ctx.Err() != nil {
				return false, true, nil
			}
			return p.handleStreamFailure(ctx, e, sessionID)
		}
		ch = nextCh
	}

	if !terminalCalled && accumulated.Len() > 0 {
		if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
			Actor:    conversation.ActorBrain,
			Action:   conversation.ActionThink,
			Thoughts: accumulated.String(),
		}); err != nil {
			return terminalCalled, false, err
		}
	}

	return terminalCalled, false, nil
}

// handleStreamFailure implements the LLMStreamError recovery path: discard
// the session, fall back to a stateless Generate, and on a second failure
// defer the event per spec.md §7.
func (p *Processor) handleStreamFailure(ctx context.Context, e *conversation.Event, sessionID string) (bool, bool, error) {
	p.discardSession(ctx, e.ID, sessionID)

	text, genErr := p.chat.Generate(ctx, buildSystemPrompt(e), buildDelta(e.Conversation), llmport.Params{})
	if genErr != nil {
		until := time.Now().Add(p.cfg.LLMStreamFailureDeferSeconds)
		if _, err := p.store.SetDeferUntil(ctx, e.ID, &until); err != nil {
			slog.Warn("processor: set defer until failed", "event_id", e.ID, "error", err)
		}
		if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
			Actor:  conversation.ActorBrain,
			Action: conversation.ActionDefer,
			Result: "LLM unavailable, retrying shortly",
		}); err != nil {
			slog.Warn("processor: append llm-failure defer turn failed", "event_id", e.ID, "error", err)
		}
		return true, false, nil
	}

	if strings.TrimSpace(text) != "" {
		if _, err := p.store.AppendTurn(ctx, e.ID, conversation.Turn{
			Actor:    conversation.ActorBrain,
			Action:   conversation.ActionThink,
			Thoughts: text,
		}); err != nil {
			return false, false, err
		}
	}
	return true, false, nil
}

func (p *Processor) drain(ctx context.Context, ch <-chan llmport.Chunk) (string, []llmport.ToolCall, error) {
	var text strings.Builder
	var calls []llmport.ToolCall
	for {
		select {
		case <-ctx.Done():
			return text.String(), calls, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), calls, nil
			}
			switch chunk.Type {
			case llmport.ChunkText:
				text.WriteString(chunk.Text)
			case llmport.ChunkToolCall:
				if chunk.ToolCall != nil {
					calls = append(calls, *chunk.ToolCall)
				}
			case llmport.ChunkDone:
				return text.String(), calls, nil
			case llmport.ChunkError:
				return text.String(), calls, chunk.Err
			}
		}
	}
}

func (p *Processor) getOrCreateSession(ctx context.Context, e *conversation.Event) (string, bool, error) {
	p.mu.Lock()
	sessionID, ok := p.sessionTable[e.ID]
	p.mu.Unlock()
	if ok {
		return sessionID, false, nil
	}

	sessionID, err := p.chat.CreateChat(ctx, buildSystemPrompt(e), llmport.Params{Tools: toolDefinitions()})
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", brainerrors.ErrLLMStream, err)
	}

	p.mu.Lock()
	p.sessionTable[e.ID] = sessionID
	p.deltaCursor[e.ID] = 0
	p.mu.Unlock()
	return sessionID, true, nil
}

func (p *Processor) discardSession(ctx context.Context, eventID, sessionID string) {
	_ = p.chat.CloseChat(ctx, sessionID)
	p.mu.Lock()
	delete(p.sessionTable, eventID)
	delete(p.deltaCursor, eventID)
	p.mu.Unlock()
}
