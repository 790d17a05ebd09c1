package agentproto

import (
	"encoding/json"
	"fmt"
)

// Decode inspects raw's "type" field and unmarshals it into the matching
// concrete message type, returned as `any`. Callers type-switch on the
// result.
func Decode(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("agentproto: decode envelope: %w", err)
	}

	var target any
	switch env.Type {
	case TypeRegister:
		target = &Register{}
	case TypeProgress:
		target = &Progress{}
	case TypePartialResult:
		target = &PartialResult{}
	case TypeResult:
		target = &Result{}
	case TypeError:
		target = &Error{}
	case TypePing:
		target = &Ping{}
	case TypePong:
		target = &Pong{}
	default:
		return nil, fmt.Errorf("agentproto: unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("agentproto: decode %s: %w", env.Type, err)
	}
	return target, nil
}
