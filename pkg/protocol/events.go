// Package protocol defines the event topics and payloads emitted by the
// agent runtime on its event bus. External surfaces (CLI, HTTP, WebSocket,
// bot adapters) subscribe to these to observe a run.
package protocol

// LLM service events, namespaced "llmservice:". Emitted per session in
// program order during a turn.
const (
	EventThinking          = "llmservice:thinking"
	EventChunk             = "llmservice:chunk"
	EventToolCall          = "llmservice:toolCall"
	EventToolResult        = "llmservice:toolResult"
	EventResponse          = "llmservice:response"
	EventError             = "llmservice:error"
	EventConversationReset = "llmservice:conversationReset"
)

// Runtime-level events.
const (
	EventMcpServerConnected    = "mcpServerConnected"
	EventAvailableToolsUpdated = "availableToolsUpdated"
	EventInputValidationFailed = "inputValidationFailed"
	EventDuplicateToolName     = "duplicate-tool-name"
)

// Tool source identifiers for AvailableToolsUpdatedPayload.
const (
	ToolSourceMCP    = "mcp"
	ToolSourceCustom = "custom"
)

// ThinkingPayload accompanies EventThinking.
type ThinkingPayload struct {
	SessionID string `json:"sessionId"`
}

// ChunkPayload carries one streamed text delta.
type ChunkPayload struct {
	SessionID string `json:"sessionId"`
	Delta     string `json:"delta"`
}

// ToolCallPayload accompanies EventToolCall.
type ToolCallPayload struct {
	SessionID string         `json:"sessionId"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
}

// ToolResultPayload accompanies EventToolResult. Exactly one of Result or
// Error is set.
type ToolResultPayload struct {
	SessionID string `json:"sessionId"`
	ToolName  string `json:"toolName"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ResponsePayload carries the final assistant text for a turn.
type ResponsePayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// ConversationResetPayload accompanies EventConversationReset.
type ConversationResetPayload struct {
	SessionID string `json:"sessionId"`
}

// McpServerConnectedPayload reports the outcome of an MCP connection attempt.
type McpServerConnectedPayload struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// AvailableToolsUpdatedPayload is emitted whenever the aggregated tool set
// changes. Source is ToolSourceMCP or ToolSourceCustom.
type AvailableToolsUpdatedPayload struct {
	Tools  []string `json:"tools"`
	Source string   `json:"source"`
}

// InputValidationFailedPayload is emitted when a user input is rejected
// before any LLM call.
type InputValidationFailedPayload struct {
	SessionID string   `json:"sessionId"`
	Issues    []string `json:"issues"`
	Provider  string   `json:"provider"`
	Model     string   `json:"model"`
}

// DuplicateToolNamePayload is emitted when two MCP servers expose the same
// tool name. The tool from Kept wins; Shadowed loses the name.
type DuplicateToolNamePayload struct {
	ToolName string `json:"toolName"`
	Kept     string `json:"kept"`
	Shadowed string `json:"shadowed"`
}
