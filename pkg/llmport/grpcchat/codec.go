// Package grpcchat implements llmport.ChatPort over a gRPC connection to an
// external chat-completion service, without protoc-generated stubs: it
// registers a JSON encoding.Codec and drives the low-level
// grpc.ClientConn.Invoke/NewStream API directly against wire messages
// defined in this package.
package grpcchat

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is selected per call as the content-subtype (the
// "application/grpc+json" content-type) via grpc.CallContentSubtype in
// NewClient.
const codecName = "json"

// jsonCodec implements encoding.Codec by marshalling wire messages as JSON
// instead of protobuf, so this client needs no .pb.go stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcchat: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcchat: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
