package domain

import (
	"context"
	"encoding/json"
	"time"
)

// TurnEmitter receives mid-turn loop events in emission order. The
// implementation must deliver them to the client in that exact order;
// callers never emit concurrently for one turn. Terminal frames
// (complete/error) are the session's job, keeping exactly-one-terminal
// enforced in a single place.
type TurnEmitter interface {
	EmitToken(content string)
	EmitToolStart(toolName string, arguments json.RawMessage)
	EmitToolComplete(toolName, result string)
}

// NopEmitter discards all events. Useful for tests and replay.
type NopEmitter struct{}

func (NopEmitter) EmitToken(string)                      {}
func (NopEmitter) EmitToolStart(string, json.RawMessage) {}
func (NopEmitter) EmitToolComplete(string, string)       {}

// EventType identifies the kind of ambient event being published.
type EventType string

const (
	EventTurnStarted   EventType = "turn.started"
	EventTurnCompleted EventType = "turn.completed"
	EventTurnFailed    EventType = "turn.failed"
	EventToolExecuted  EventType = "tool.executed"
	EventGatewayCall   EventType = "gateway.call"
	EventClientJoined  EventType = "client.joined"
	EventClientLeft    EventType = "client.left"
	EventLeaseConflict EventType = "lease.conflict"
	EventPruneDone     EventType = "maintenance.prune"
)

// Event is the envelope published on the ambient event bus. The bus is
// observational only; it never carries client-ordered turn events.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides publish/subscribe for ambient events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
