package grpcchat

// Wire messages exchanged with the chat-completion service. These stand in
// for what would otherwise be protoc-generated message types; jsonCodec
// marshals them directly.

type createChatRequest struct {
	SystemPrompt string         `json:"systemPrompt"`
	Params       wireParams     `json:"params"`
	Tools        []wireToolDef  `json:"tools,omitempty"`
}

type wireParams struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

type wireToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type createChatResponse struct {
	SessionID string `json:"sessionId"`
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type reportToolResultRequest struct {
	SessionID  string `json:"sessionId"`
	ToolUseID  string `json:"toolUseId"`
	ResultText string `json:"resultText"`
}

// wireChunk mirrors spec.md §6's Chunk union: exactly one of Text,
// FunctionCall, Done, or Error is populated.
type wireChunk struct {
	Text         string            `json:"text,omitempty"`
	FunctionCall *wireFunctionCall `json:"functionCall,omitempty"`
	Done         bool              `json:"done,omitempty"`
	Error        string            `json:"error,omitempty"`
}

type wireFunctionCall struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args,omitempty"`
	ToolUseID string         `json:"toolUseId"`
}

type closeChatRequest struct {
	SessionID string `json:"sessionId"`
}

type closeChatResponse struct{}

type generateRequest struct {
	SystemPrompt string     `json:"systemPrompt"`
	UserPrompt   string     `json:"userPrompt"`
	Params       wireParams `json:"params"`
}

type generateResponse struct {
	Text string `json:"text"`
}
