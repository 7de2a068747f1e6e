package usecase

import (
	"strings"
	"time"

	"parley/internal/domain"
)

// maxAccumToolCalls bounds how many tool call slots one streamed
// response may accumulate. Matches the adapter-side stream bound.
const maxAccumToolCalls = 50

// streamAccumulator folds a stream of deltas into the final assistant
// message. Tool call fragments are merged by slot index: the first
// fragment for a slot carries the call id and name, later fragments
// append argument bytes. Padding slots (all-zero entries emitted to
// keep indexes aligned) are ignored.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCallRequest
	usage     *domain.Usage
}

func (a *streamAccumulator) add(delta domain.StreamDelta) {
	if delta.Content != "" {
		a.content.WriteString(delta.Content)
	}

	for i, tc := range delta.ToolCalls {
		if i >= maxAccumToolCalls {
			break
		}
		if tc.ID == "" && tc.Name == "" && len(tc.Arguments) == 0 {
			continue
		}
		for len(a.toolCalls) <= i {
			a.toolCalls = append(a.toolCalls, domain.ToolCallRequest{})
		}
		slot := &a.toolCalls[i]
		if tc.ID != "" {
			slot.ID = tc.ID
		}
		if tc.Name != "" {
			slot.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			slot.Arguments = append(slot.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		a.usage = delta.Usage
	}
}

// message returns the accumulated assistant message. Slots that never
// received a name are dropped; they cannot be dispatched.
func (a *streamAccumulator) message(now time.Time) domain.Message {
	msg := domain.Message{
		ID:        domain.NewID(now),
		Role:      domain.RoleAssistant,
		Content:   a.content.String(),
		Timestamp: now,
	}
	for _, tc := range a.toolCalls {
		if tc.Name == "" {
			continue
		}
		msg.ToolCalls = append(msg.ToolCalls, tc)
	}
	return msg
}
