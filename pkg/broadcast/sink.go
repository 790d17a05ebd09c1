// Package broadcast defines the typed push API the core uses to mirror
// state changes to connected UI clients, and a concrete WebSocket
// implementation.
package broadcast

import (
	"encoding/json"

	"github.com/codeready-toolchain/darwin-brain/pkg/conversation"
)

func marshalInts(ints []int) ([]byte, error) {
	return json.Marshal(ints)
}

// TurnMessage mirrors an appended turn.
type TurnMessage struct {
	Type    string            `json:"type"`
	EventID string            `json:"event_id"`
	Turn    conversation.Turn `json:"turn"`
}

// StatusTurns is either a list of turn numbers or the literal "all".
type StatusTurns struct {
	All   bool
	Turns []int
}

// MarshalJSON renders StatusTurns as either the string "all" or a JSON
// array of turn numbers, per spec.md §6's wire format.
func (s StatusTurns) MarshalJSON() ([]byte, error) {
	if s.All {
		return []byte(`"all"`), nil
	}
	if s.Turns == nil {
		return []byte(`[]`), nil
	}
	return marshalInts(s.Turns)
}

// MessageStatusMessage mirrors a read-receipt advance.
type MessageStatusMessage struct {
	Type    string      `json:"type"`
	EventID string      `json:"event_id"`
	Status  string      `json:"status"`
	Turns   StatusTurns `json:"turns"`
}

// EventLifecycleMessage mirrors event_created / event_closed.
type EventLifecycleMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

const (
	TypeTurn          = "turn"
	TypeMessageStatus = "message_status"
	TypeEventCreated  = "event_created"
	TypeEventClosed   = "event_closed"

	StatusDelivered = "delivered"
	StatusEvaluated = "evaluated"
)

// Sink is the push API the core depends on. The transport is out of scope
// per spec.md §1; this interface is the seam.
type Sink interface {
	BroadcastTurn(eventID string, turn conversation.Turn)
	BroadcastMessageStatus(eventID, status string, turns StatusTurns)
	BroadcastEventCreated(eventID string)
	BroadcastEventClosed(eventID string)
}

// NopSink discards every broadcast. Used where no UI transport is wired
// (tests, or a headless deployment).
type NopSink struct{}

func (NopSink) BroadcastTurn(string, conversation.Turn)             {}
func (NopSink) BroadcastMessageStatus(string, string, StatusTurns)  {}
func (NopSink) BroadcastEventCreated(string)                        {}
func (NopSink) BroadcastEventClosed(string)                         {}
