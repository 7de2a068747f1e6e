package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the model's function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCallRequest is the model's request to invoke one named tool.
// Produced only by the model gateway, never fabricated elsewhere.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call. Content is a
// JSON document {"status":"success"|"error", ...}; validation failures
// travel here with IsError set, not as Go errors, so the next reasoning
// step can read them and self-correct.
type ToolResult struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	Content  string `json:"content"`
	IsError  bool   `json:"is_error"`
}

// Tool is the contract every registered tool implements. Executors are
// the only writers of ConversationState.DomainFields; a tool reporting
// Mutating()==false must not touch state at all.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Mutating() bool
	Execute(ctx context.Context, state *ConversationState, args json.RawMessage) (*ToolResult, error)
}

// ToolResolver abstracts tool lookup for the loop. Implementations are
// immutable after construction and safe for concurrent use.
type ToolResolver interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}
