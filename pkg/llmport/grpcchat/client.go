package grpcchat

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/codeready-toolchain/darwin-brain/pkg/llmport"
)

// Service method full names, in the usual "/package.Service/Method" form a
// codegen'd stub would use — hand-written here since no .proto is compiled.
const (
	methodCreateChat        = "/darwinbrain.ChatService/CreateChat"
	methodChatSend          = "/darwinbrain.ChatService/ChatSend"
	methodReportToolResult  = "/darwinbrain.ChatService/ReportToolResult"
	methodCloseChat         = "/darwinbrain.ChatService/CloseChat"
	methodGenerate          = "/darwinbrain.ChatService/Generate"
)

// Client implements llmport.ChatPort against a gRPC chat-completion
// service using the json codec registered in codec.go.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient dials addr. Connection establishment is lazy/non-blocking per
// grpc.NewClient's usual semantics; errors surface on first RPC.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcchat: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func toWireParams(p llmport.Params) wireParams {
	return wireParams{Temperature: p.Temperature, MaxTokens: p.MaxTokens}
}

func toWireTools(tools []llmport.ToolDefinition) []wireToolDef {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireToolDef, len(tools))
	for i, t := range tools {
		out[i] = wireToolDef{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return out
}

func (c *Client) CreateChat(ctx context.Context, systemPrompt string, params llmport.Params) (string, error) {
	req := &createChatRequest{SystemPrompt: systemPrompt, Params: toWireParams(params), Tools: toWireTools(params.Tools)}
	resp := &createChatResponse{}
	if err := c.conn.Invoke(ctx, methodCreateChat, req, resp); err != nil {
		return "", fmt.Errorf("grpcchat: CreateChat: %w", err)
	}
	return resp.SessionID, nil
}

func (c *Client) CloseChat(ctx context.Context, sessionID string) error {
	req := &closeChatRequest{SessionID: sessionID}
	resp := &closeChatResponse{}
	if err := c.conn.Invoke(ctx, methodCloseChat, req, resp); err != nil {
		return fmt.Errorf("grpcchat: CloseChat: %w", err)
	}
	return nil
}

func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, params llmport.Params) (string, error) {
	req := &generateRequest{SystemPrompt: systemPrompt, UserPrompt: userPrompt, Params: toWireParams(params)}
	resp := &generateResponse{}
	if err := c.conn.Invoke(ctx, methodGenerate, req, resp); err != nil {
		return "", fmt.Errorf("grpcchat: Generate: %w", err)
	}
	return resp.Text, nil
}

func (c *Client) ChatSend(ctx context.Context, sessionID, userMessage string) (<-chan llmport.Chunk, error) {
	return c.stream(ctx, methodChatSend, &sendRequest{SessionID: sessionID, Message: userMessage})
}

func (c *Client) ChatReportToolResult(ctx context.Context, sessionID, toolUseID, resultText string) (<-chan llmport.Chunk, error) {
	return c.stream(ctx, methodReportToolResult, &reportToolResultRequest{
		SessionID:  sessionID,
		ToolUseID:  toolUseID,
		ResultText: resultText,
	})
}

// stream opens a server-streaming call against method, sends req as the
// single client message, and translates each received wireChunk into an
// llmport.Chunk on the returned channel.
func (c *Client) stream(ctx context.Context, method string, req any) (<-chan llmport.Chunk, error) {
	desc := &grpc.StreamDesc{ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, fmt.Errorf("grpcchat: open stream %s: %w", method, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("grpcchat: send %s: %w", method, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("grpcchat: close send %s: %w", method, err)
	}

	out := make(chan llmport.Chunk, 32)
	go func() {
		defer close(out)
		for {
			var wc wireChunk
			err := stream.RecvMsg(&wc)
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case out <- llmport.Chunk{Type: llmport.ChunkError, Err: fmt.Errorf("grpcchat: recv %s: %w", method, err)}:
				case <-ctx.Done():
				}
				return
			}

			chunk := translateChunk(wc)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Type == llmport.ChunkDone || chunk.Type == llmport.ChunkError {
				return
			}
		}
	}()
	return out, nil
}

func translateChunk(wc wireChunk) llmport.Chunk {
	switch {
	case wc.Error != "":
		return llmport.Chunk{Type: llmport.ChunkError, Err: fmt.Errorf("grpcchat: %s", wc.Error)}
	case wc.FunctionCall != nil:
		return llmport.Chunk{
			Type: llmport.ChunkToolCall,
			ToolCall: &llmport.ToolCall{
				ToolUseID: wc.FunctionCall.ToolUseID,
				Name:      wc.FunctionCall.Name,
				Args:      wc.FunctionCall.Args,
			},
		}
	case wc.Done:
		return llmport.Chunk{Type: llmport.ChunkDone}
	default:
		return llmport.Chunk{Type: llmport.ChunkText, Text: wc.Text}
	}
}
