package domain

import "context"

// ModelGateway is the capability interface over a language-model
// backend: history plus bound tool schemas in, a final assistant
// message or tool call requests out. One implementation per backend,
// selected at construction time.
type ModelGateway interface {
	// Chat sends a request and blocks for the complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the backend identifier (e.g., "anthropic").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming response.
type StreamDelta struct {
	// Content is incremental assistant text.
	Content string
	// ToolCalls carries incremental tool call request fragments,
	// merged by index across deltas.
	ToolCalls []ToolCallRequest
	// Done signals the end of the stream.
	Done bool
	// Usage is set on the final delta when the backend reports it.
	Usage *Usage
}

// StreamingModelGateway is implemented by backends that can stream
// partial output before the final message is known.
type StreamingModelGateway interface {
	ModelGateway
	// ChatStream returns a channel of deltas. The channel is closed
	// when the stream ends. A Done delta precedes the close.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}
