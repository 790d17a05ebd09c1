package grpcchat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := &sendRequest{SessionID: "s1", Message: "hello"}

	data, err := c.Marshal(req)
	assert.NoError(t, err)

	var out sendRequest
	assert.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, *req, out)
	assert.Equal(t, "json", c.Name())
}

func TestTranslateChunkText(t *testing.T) {
	chunk := translateChunk(wireChunk{Text: "hi"})
	assert.Equal(t, llmport.ChunkText, chunk.Type)
	assert.Equal(t, "hi", chunk.Text)
}

func TestTranslateChunkToolCall(t *testing.T) {
	chunk := translateChunk(wireChunk{FunctionCall: &wireFunctionCall{Name: "select_agent", ToolUseID: "tu1"}})
	assert.Equal(t, llmport.ChunkToolCall, chunk.Type)
	assert.Equal(t, "select_agent", chunk.ToolCall.Name)
}

func TestTranslateChunkDone(t *testing.T) {
	chunk := translateChunk(wireChunk{Done: true})
	assert.Equal(t, llmport.ChunkDone, chunk.Type)
}

func TestTranslateChunkError(t *testing.T) {
	chunk := translateChunk(wireChunk{Error: "boom"})
	assert.Equal(t, llmport.ChunkError, chunk.Type)
	assert.Error(t, chunk.Err)
}
