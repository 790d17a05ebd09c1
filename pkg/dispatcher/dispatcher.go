// Package dispatcher implements the sole entry point for routing work from
// the Processor to a connected agent worker via the Registry and Bridge.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/darwin-brain/pkg/agentproto"
	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/brainerrors"
	"github.com/codeready-toolchain/darwin-brain/pkg/bridge"
	"github.com/codeready-toolchain/darwin-brain/pkg/broadcast"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
	"github.com/codeready-toolchain/darwin-brain/pkg/registry"
	"github.com/codeready-toolchain/darwin-brain/pkg/security"
)

// Sender delivers a JSON-encoded task or cancel message to a specific
// agent's WebSocket connection. The concrete transport lives with the
// Registry's entries; Dispatcher only needs to address an agentID.
type Sender interface {
	Send(agentID string, payload []byte) error
}

// SessionAffinity optionally pins a dispatch to a previously-used worker.
type SessionAffinity struct {
	AgentID string
}

// Result is returned by DispatchToAgent on success.
type Result struct {
	Output    string
	SessionID string
	Source    string
}

// selectionWait bounds how long DispatchToAgent waits for an available
// worker before failing with ErrAgentUnavailable.
const selectionWait = 3 * time.Second
const selectionPollInterval = 100 * time.Millisecond

// Dispatcher is the only public entry point for sending work to a worker.
type Dispatcher struct {
	store    blackboard.Store
	registry *registry.Registry
	bridge   *bridge.Bridge
	sender   Sender
	checker  *security.Checker
	sink     broadcast.Sink

	timeoutFor func(role, mode string) time.Duration
}

// New constructs a Dispatcher. timeoutFor resolves AGENT_DISPATCH_TIMEOUT
// per spec.md §6 (role-specific, e.g. longer for implement-mode developer);
// pass nil to use a flat 10-minute default.
func New(
	store blackboard.Store,
	reg *registry.Registry,
	br *bridge.Bridge,
	sender Sender,
	checker *security.Checker,
	sink broadcast.Sink,
	timeoutFor func(role, mode string) time.Duration,
) *Dispatcher {
	if timeoutFor == nil {
		timeoutFor = func(string, string) time.Duration { return 10 * time.Minute }
	}
	return &Dispatcher{store: store, registry: reg, bridge: br, sender: sender, checker: checker, sink: sink, timeoutFor: timeoutFor}
}

// DispatchToAgent implements spec.md §4.4's algorithm.
func (d *Dispatcher) DispatchToAgent(ctx context.Context, role, eventID, prompt, mode string, affinity *SessionAffinity) (Result, error) {
	// 1. Security.
	if d.checker != nil {
		if v, blocked := d.checker.Scan(prompt); blocked {
			return Result{}, brainerrors.NewDispatchError(eventID, role, fmt.Errorf("%w: %s", brainerrors.ErrSecurityBlocked, v))
		}
	}

	// 2. Task ID, then selection: PickAvailable/MarkBusy as two separate
	// locked calls would let two concurrent dispatches for the same role
	// both observe the same idle worker before either marks it busy.
	// AcquireAvailable picks-and-marks-busy atomically under one lock.
	taskID := uuid.NewString()
	prefer := ""
	if affinity != nil {
		prefer = affinity.AgentID
	}
	entry, ok := d.waitForAvailable(ctx, role, prefer, eventID, taskID)
	if !ok {
		return Result{}, brainerrors.NewDispatchError(eventID, role, brainerrors.ErrAgentUnavailable)
	}
	defer d.registry.MarkIdle(entry.AgentID)

	// 3. Bridge channel.
	msgCh := d.bridge.Open(taskID)
	defer d.bridge.Close(taskID)

	// 4. Routing turn.
	routingTurnNumber, err := d.store.AppendTurn(ctx, eventID, conversation.Turn{
		Actor:      conversation.ActorBrain,
		Action:     conversation.ActionRoute,
		Thoughts:   prompt,
		WaitingFor: conversation.WaitingFor(role),
	})
	if err != nil {
		return Result{}, brainerrors.NewDispatchError(eventID, role, err)
	}
	d.sink.BroadcastTurn(eventID, conversation.Turn{Turn: routingTurnNumber, Actor: conversation.ActorBrain, Action: conversation.ActionRoute})

	// 5. Send.
	task := agentproto.Task{Type: agentproto.TypeTask, TaskID: taskID, EventID: eventID, Prompt: prompt, Mode: mode}
	if affinity != nil {
		task.SessionID = affinity.AgentID
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return Result{}, brainerrors.NewDispatchError(eventID, role, err)
	}
	if err := d.sender.Send(entry.AgentID, payload); err != nil {
		d.bridge.InjectSentinel(taskID, bridge.KindDisconnected)
		return Result{}, brainerrors.NewDispatchError(eventID, role, fmt.Errorf("%w: %v", brainerrors.ErrFatalAgent, err))
	}

	// 6. Consume.
	deadline := time.NewTimer(d.timeoutFor(role, mode))
	defer deadline.Stop()

	firstProgress := true
	for {
		select {
		case <-ctx.Done():
			d.bridge.InjectSentinel(taskID, bridge.KindCancelled)
			return Result{}, brainerrors.NewDispatchError(eventID, role, ctx.Err())

		case <-deadline.C:
			return Result{}, brainerrors.NewDispatchError(eventID, role, fmt.Errorf("%w: timeout", brainerrors.ErrRetryableAgent))

		case msg, open := <-msgCh:
			if !open {
				return Result{}, brainerrors.NewDispatchError(eventID, role, fmt.Errorf("%w: bridge closed", brainerrors.ErrFatalAgent))
			}

			switch msg.Kind {
			case bridge.KindProgress:
				if firstProgress {
					firstProgress = false
					if _, err := d.store.MarkTurnStatus(ctx, eventID, routingTurnNumber, conversation.StatusDelivered); err != nil {
						slog.Warn("dispatcher: mark routing turn delivered failed", "event_id", eventID, "error", err)
					}
					d.sink.BroadcastMessageStatus(eventID, broadcast.StatusDelivered, broadcast.StatusTurns{Turns: []int{routingTurnNumber}})
				}
				n, err := d.store.AppendTurn(ctx, eventID, conversation.Turn{
					Actor:  conversation.Actor(role),
					Action: conversation.ActionProgress,
					Result: msg.Text,
				})
				if err == nil {
					d.sink.BroadcastTurn(eventID, conversation.Turn{Turn: n, Actor: conversation.Actor(role), Action: conversation.ActionProgress})
				}

			case bridge.KindPartialResult:
				// Visible only via progress-style turns; no dedicated turn type
				// in the core model beyond what progress already covers.
				continue

			case bridge.KindResult:
				if _, err := d.store.MarkTurnStatus(ctx, eventID, routingTurnNumber, conversation.StatusEvaluated); err != nil {
					slog.Warn("dispatcher: mark routing turn evaluated failed", "event_id", eventID, "error", err)
				}
				action := resultAction(mode)
				n, err := d.store.AppendTurn(ctx, eventID, conversation.Turn{
					Actor:  conversation.Actor(role),
					Action: action,
					Result: msg.Output,
				})
				if err != nil {
					return Result{}, brainerrors.NewDispatchError(eventID, role, err)
				}
				d.sink.BroadcastTurn(eventID, conversation.Turn{Turn: n, Actor: conversation.Actor(role), Action: action})
				return Result{Output: msg.Output, SessionID: msg.SessionID, Source: msg.Source}, nil

			case bridge.KindError:
				if msg.Retryable {
					return Result{}, brainerrors.NewDispatchError(eventID, role, fmt.Errorf("%w: %s", brainerrors.ErrRetryableAgent, msg.ErrMessage))
				}
				return Result{}, brainerrors.NewDispatchError(eventID, role, fmt.Errorf("%w: %s", brainerrors.ErrFatalAgent, msg.ErrMessage))

			case bridge.KindDisconnected:
				return Result{}, brainerrors.NewDispatchError(eventID, role, brainerrors.ErrFatalAgent)

			case bridge.KindCancelled:
				return Result{}, brainerrors.NewDispatchError(eventID, role, errors.New("dispatch cancelled"))
			}
		}
	}
}

func resultAction(mode string) conversation.Action {
	switch mode {
	case "verify":
		return conversation.ActionVerify
	case "investigate":
		return conversation.ActionInvestigate
	default:
		return conversation.ActionExecute
	}
}

// waitForAvailable polls the registry for up to selectionWait, honoring
// session affinity, per spec.md §4.4 step 2 ("wait up to a small bounded
// time then fail"). Each poll atomically acquires and marks the worker busy
// so two concurrent dispatches can never claim the same idle worker.
func (d *Dispatcher) waitForAvailable(ctx context.Context, role, prefer, eventID, taskID string) (registry.Entry, bool) {
	deadline := time.Now().Add(selectionWait)
	for {
		if e, ok := d.registry.AcquireAvailable(role, prefer, eventID, taskID); ok {
			return e, true
		}
		if time.Now().After(deadline) {
			return registry.Entry{}, false
		}
		select {
		case <-ctx.Done():
			return registry.Entry{}, false
		case <-time.After(selectionPollInterval):
		}
	}
}
