package domain

import (
	"encoding/json"
	"time"
)

// ArtifactRef records one durable export artifact produced by the
// finalize tool. Appended to state only by that tool.
type ArtifactRef struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationState is the full checkpointable state of one thread.
// Messages are append-only and totally ordered. DomainFields hold
// task-specific collected data and are mutated only by tool executions,
// never by the loop or the gateway directly.
type ConversationState struct {
	ThreadID     string         `json:"thread_id"`
	UserID       string         `json:"user_id"`
	Kind         string         `json:"kind"`
	Messages     []Message      `json:"messages"`
	DomainFields map[string]any `json:"domain_fields,omitempty"`
	Artifacts    []ArtifactRef  `json:"artifacts,omitempty"`
}

// NewConversationState creates empty state for a fresh thread.
func NewConversationState(threadID, userID, kind string) *ConversationState {
	return &ConversationState{
		ThreadID: threadID,
		UserID:   userID,
		Kind:     kind,
	}
}

// Append adds messages to the history in order.
func (s *ConversationState) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
}

// HasDirective reports whether the history already begins with a
// directive message.
func (s *ConversationState) HasDirective() bool {
	return len(s.Messages) > 0 && s.Messages[0].Role == RoleDirective
}

// SetField records one collected domain field. Callers are tool
// executors only.
func (s *ConversationState) SetField(name string, value any) {
	if s.DomainFields == nil {
		s.DomainFields = make(map[string]any)
	}
	s.DomainFields[name] = value
}

// Field returns one collected domain field.
func (s *ConversationState) Field(name string) (any, bool) {
	v, ok := s.DomainFields[name]
	return v, ok
}

// Clone returns a deep copy so stored checkpoints never alias live
// loop state.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	out := &ConversationState{
		ThreadID: s.ThreadID,
		UserID:   s.UserID,
		Kind:     s.Kind,
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		for i, m := range s.Messages {
			out.Messages[i] = cloneMessage(m)
		}
	}
	if s.DomainFields != nil {
		out.DomainFields = make(map[string]any, len(s.DomainFields))
		for k, v := range s.DomainFields {
			out.DomainFields[k] = v
		}
	}
	if s.Artifacts != nil {
		out.Artifacts = append([]ArtifactRef(nil), s.Artifacts...)
	}
	return out
}

func cloneMessage(m Message) Message {
	if len(m.ToolCalls) > 0 {
		calls := make([]ToolCallRequest, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = ToolCallRequest{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: append(json.RawMessage(nil), tc.Arguments...),
			}
		}
		m.ToolCalls = calls
	}
	return m
}

// Checkpoint is an immutable, versioned snapshot of conversation state.
// Versions are strictly increasing per thread; the latest checkpoint is
// the resumption point for the next turn.
type Checkpoint struct {
	ThreadID  string            `json:"thread_id"`
	Version   uint64            `json:"version"`
	State     ConversationState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
}
