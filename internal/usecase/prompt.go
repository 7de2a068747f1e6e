package usecase

import (
	"time"

	"parley/internal/domain"
)

// missingResultContent is the in-band status document injected for a
// tool call that never produced a result, so provider APIs never see a
// dangling call.
const missingResultContent = `{"status":"error","message":"tool call did not produce a result"}`

// RepairTranscript returns a copy of the history with broken tool
// chains fixed:
//  1. An assistant message whose tool calls lack matching results gets
//     error results injected, in call order.
//  2. A tool result without a preceding matching call is dropped.
//
// The input is not modified.
func RepairTranscript(messages []domain.Message) []domain.Message {
	if len(messages) == 0 {
		return messages
	}

	result := make([]domain.Message, 0, len(messages))
	var pending []domain.ToolCallRequest

	for _, msg := range messages {
		switch msg.Role {
		case domain.RoleAssistant:
			// Close out calls left pending by a previous assistant
			// message before starting a new set.
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			for _, tc := range msg.ToolCalls {
				if tc.ID != "" {
					pending = append(pending, tc)
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			matched := false
			for i, tc := range pending {
				if tc.ID == msg.ToolCallID {
					pending = append(pending[:i], pending[i+1:]...)
					matched = true
					break
				}
			}
			if !matched {
				// Orphaned result, drop it.
				continue
			}
			result = append(result, msg)

		default:
			result = injectMissingResults(result, pending)
			pending = pending[:0]
			result = append(result, msg)
		}
	}

	return injectMissingResults(result, pending)
}

// injectMissingResults appends an error result for each pending call,
// preserving call order.
func injectMissingResults(msgs []domain.Message, pending []domain.ToolCallRequest) []domain.Message {
	for _, tc := range pending {
		msgs = append(msgs, domain.Message{
			Role:       domain.RoleTool,
			Content:    missingResultContent,
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
			IsError:    true,
			Timestamp:  time.Now(),
		})
	}
	return msgs
}

// groupMessages partitions messages into atomic groups. An assistant
// message with tool calls and its immediately following tool results
// form a single group; every other message is its own group. Groups
// are the truncation unit so a call is never separated from its
// results.
func groupMessages(msgs []domain.Message) [][]domain.Message {
	var groups [][]domain.Message
	i := 0
	for i < len(msgs) {
		msg := msgs[i]
		if msg.Role == domain.RoleAssistant && len(msg.ToolCalls) > 0 {
			group := []domain.Message{msg}
			j := i + 1
			for j < len(msgs) && msgs[j].Role == domain.RoleTool {
				group = append(group, msgs[j])
				j++
			}
			groups = append(groups, group)
			i = j
		} else {
			groups = append(groups, []domain.Message{msg})
			i++
		}
	}
	return groups
}

// PromptBuilder assembles the outgoing request for one reasoning step:
// repaired history, group-safe truncation, token budget, bound tool
// schemas. It never mutates the checkpointed history.
type PromptBuilder struct {
	maxMessages int
	guard       *PromptGuard
}

// NewPromptBuilder creates a builder. maxMessages caps the history
// message count (0 = uncapped); guard bounds the token estimate
// (nil = unbounded).
func NewPromptBuilder(maxMessages int, guard *PromptGuard) *PromptBuilder {
	return &PromptBuilder{
		maxMessages: maxMessages,
		guard:       guard,
	}
}

// Build maps conversation state to a ChatRequest. Model, token and
// temperature defaults are the gateway's concern.
func (b *PromptBuilder) Build(state *domain.ConversationState, tools []domain.ToolSchema, parallel bool) (domain.ChatRequest, error) {
	history := RepairTranscript(state.Messages)
	history = b.truncateHistory(history)

	if b.guard != nil {
		fitted, err := b.guard.Fit(history)
		if err != nil {
			return domain.ChatRequest{}, err
		}
		history = fitted
	}

	return domain.ChatRequest{
		Messages:        history,
		Tools:           tools,
		ParallelToolUse: parallel,
	}, nil
}

func (b *PromptBuilder) truncateHistory(history []domain.Message) []domain.Message {
	if b.maxMessages <= 0 || len(history) <= b.maxMessages {
		return history
	}

	groups := groupMessages(history)

	// Keep whole groups from the newest end within the budget.
	var kept [][]domain.Message
	total := 0
	for i := len(groups) - 1; i >= 0; i-- {
		groupLen := len(groups[i])
		if total+groupLen > b.maxMessages && total > 0 {
			break
		}
		kept = append(kept, groups[i])
		total += groupLen
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	result := make([]domain.Message, 0, total)
	for _, g := range kept {
		result = append(result, g...)
	}

	// The directive survives truncation.
	if len(history) > 0 && history[0].Role == domain.RoleDirective {
		if len(result) == 0 || result[0].Role != domain.RoleDirective {
			result = append([]domain.Message{history[0]}, result...)
		}
	}

	return result
}
