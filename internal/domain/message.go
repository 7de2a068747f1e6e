package domain

import "time"

// Role constants for message roles.
const (
	// RoleDirective is the instructional message establishing the
	// assistant's behavior. At most one per conversation, always first.
	RoleDirective = "directive"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one unit of conversation history. Role discriminates the
// variant: user text, assistant text (optionally carrying tool call
// requests), a tool result, or the opening directive.
type Message struct {
	ID        string            `json:"id,omitempty"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []ToolCallRequest `json:"tool_calls,omitempty"` // assistant role only

	// Tool result fields (tool role only). ToolCallID references the
	// ToolCallRequest this result answers, ToolName the executed tool,
	// IsError marks an in-band failure fed back to the model.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewDirective builds the conversation-opening directive message.
func NewDirective(text string) Message {
	return Message{
		Role:      RoleDirective,
		Content:   text,
		Timestamp: time.Now(),
	}
}

// NewUserMessage builds a user message with a fresh id.
func NewUserMessage(text string) Message {
	now := time.Now()
	return Message{
		ID:        NewID(now),
		Role:      RoleUser,
		Content:   text,
		Timestamp: now,
	}
}

// NewToolResultMessage converts an executed tool's result into the
// tool-role history message the next reasoning step consumes.
func NewToolResultMessage(res *ToolResult) Message {
	return Message{
		Role:       RoleTool,
		Content:    res.Content,
		ToolCallID: res.CallID,
		ToolName:   res.ToolName,
		IsError:    res.IsError,
		Timestamp:  time.Now(),
	}
}

// ChatRequest is the input to one model gateway call.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`

	// ParallelToolUse permits the model to request several tool calls
	// in one assistant turn. Off by default to match the runner's
	// sequential dispatch.
	ParallelToolUse bool `json:"parallel_tool_use,omitempty"`
}

// ChatResponse is the gateway's reply: either a terminal assistant
// message or one carrying tool call requests.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
