package processor

import (
	"context"

	"github.com/codeready-toolchain/darwin-brain/pkg/blackboard"
	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

// AppendAlignerConfirm implements spec.md §4.8's deduplication rule. It
// scans the event's conversation tail-to-head for a prior aligner/confirm
// turn the Processor has not yet evaluated (still SENT or DELIVERED) and,
// if found, skips the append rather than piling up redundant re-verification
// triggers.
func AppendAlignerConfirm(ctx context.Context, store blackboard.Store, eventID string) (bool, error) {
	e, err := store.GetEvent(ctx, eventID)
	if err != nil {
		return false, err
	}

	for i := len(e.Conversation) - 1; i >= 0; i-- {
		t := e.Conversation[i]
		if t.Actor != conversation.ActorAligner || t.Action != conversation.ActionConfirm {
			continue
		}
		if t.Status == conversation.StatusSent || t.Status == conversation.StatusDelivered {
			return false, nil
		}
		break
	}

	if _, err := store.AppendTurn(ctx, eventID, conversation.Turn{
		Actor:  conversation.ActorAligner,
		Action: conversation.ActionConfirm,
	}); err != nil {
		return false, err
	}
	return true, nil
}
