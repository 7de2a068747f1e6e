package usecase

import (
	"encoding/json"
	"strings"
	"testing"

	"parley/internal/domain"
)

func TestRepairTranscriptEmpty(t *testing.T) {
	result := RepairTranscript(nil)
	if result != nil {
		t.Errorf("expected nil, got %d messages", len(result))
	}
}

func TestRepairTranscriptNoToolCalls(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleAssistant, Content: "hi there"},
		{Role: domain.RoleUser, Content: "how are you?"},
	}
	result := RepairTranscript(msgs)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}
	for i, m := range result {
		if m.Content != msgs[i].Content {
			t.Errorf("message[%d] content = %q, want %q", i, m.Content, msgs[i].Content)
		}
	}
}

func TestRepairTranscriptValidToolChain(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "use the tool"},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", Name: "kb_search", Arguments: json.RawMessage(`{}`)},
			},
		},
		{Role: domain.RoleTool, ToolCallID: "call_1", ToolName: "kb_search", Content: `{"status":"success"}`},
		{Role: domain.RoleAssistant, Content: "done"},
	}
	result := RepairTranscript(msgs)
	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}
}

func TestRepairTranscriptMissingToolResult(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "use the tool"},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", Name: "kb_search", Arguments: json.RawMessage(`{}`)},
			},
		},
		// Missing tool result, next is a user message.
		{Role: domain.RoleUser, Content: "what happened?"},
	}
	result := RepairTranscript(msgs)
	// user, assistant(call), injected result, user
	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}
	injected := result[2]
	if injected.Role != domain.RoleTool {
		t.Errorf("result[2] role = %q, want %q", injected.Role, domain.RoleTool)
	}
	if injected.ToolCallID != "call_1" {
		t.Errorf("injected tool_call_id = %q", injected.ToolCallID)
	}
	if !injected.IsError {
		t.Error("injected result not marked as error")
	}
	if !strings.Contains(injected.Content, "did not produce a result") {
		t.Errorf("injected content = %q", injected.Content)
	}
	if result[3].Role != domain.RoleUser {
		t.Errorf("result[3] role = %q, want %q", result[3].Role, domain.RoleUser)
	}
}

func TestRepairTranscriptOrphanedToolResult(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "hello"},
		{Role: domain.RoleTool, ToolCallID: "call_999", ToolName: "kb_search", Content: `{"status":"success"}`},
		{Role: domain.RoleAssistant, Content: "ok"},
	}
	result := RepairTranscript(msgs)
	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Content != "hello" || result[1].Content != "ok" {
		t.Errorf("kept = [%q, %q]", result[0].Content, result[1].Content)
	}
}

func TestRepairTranscriptPartialResults(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "use tools"},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", Name: "profile_get", Arguments: json.RawMessage(`{}`)},
				{ID: "call_2", Name: "kb_search", Arguments: json.RawMessage(`{}`)},
				{ID: "call_3", Name: "profile_update", Arguments: json.RawMessage(`{}`)},
			},
		},
		{Role: domain.RoleTool, ToolCallID: "call_1", ToolName: "profile_get", Content: `{"status":"success"}`},
		{Role: domain.RoleTool, ToolCallID: "call_2", ToolName: "kb_search", Content: `{"status":"success"}`},
		{Role: domain.RoleAssistant, Content: "done"},
	}
	result := RepairTranscript(msgs)
	// user, assistant(3 calls), result_1, result_2, injected_3, assistant
	if len(result) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(result))
	}
	injected := result[4]
	if injected.Role != domain.RoleTool || injected.ToolName != "profile_update" {
		t.Errorf("injected = %q/%q, want tool/profile_update", injected.Role, injected.ToolName)
	}
	if injected.ToolCallID != "call_3" {
		t.Errorf("injected tool_call_id = %q", injected.ToolCallID)
	}
}

func TestRepairTranscriptConsecutiveAssistantMessages(t *testing.T) {
	msgs := []domain.Message{
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", Name: "kb_search", Arguments: json.RawMessage(`{}`)},
			},
		},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_2", Name: "profile_get", Arguments: json.RawMessage(`{}`)},
			},
		},
		{Role: domain.RoleTool, ToolCallID: "call_2", ToolName: "profile_get", Content: `{"status":"success"}`},
	}
	result := RepairTranscript(msgs)
	// assistant(call_1), injected_1, assistant(call_2), result_2
	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}
	if result[1].Role != domain.RoleTool || result[1].ToolCallID != "call_1" {
		t.Errorf("result[1] = %q/%q, want tool/call_1", result[1].Role, result[1].ToolCallID)
	}
}

func TestRepairTranscriptTrailingPendingCalls(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, Content: "use tool"},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", Name: "kb_search", Arguments: json.RawMessage(`{}`)},
			},
		},
	}
	result := RepairTranscript(msgs)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}
	if result[2].Role != domain.RoleTool {
		t.Errorf("result[2] role = %q, want tool", result[2].Role)
	}
}

func TestGroupMessagesAtomicToolGroups(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleDirective, Content: "directive"},
		{Role: domain.RoleUser, Content: "hi"},
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCallRequest{
				{ID: "call_1", Name: "kb_search"},
				{ID: "call_2", Name: "profile_get"},
			},
		},
		{Role: domain.RoleTool, ToolCallID: "call_1", Content: `{}`},
		{Role: domain.RoleTool, ToolCallID: "call_2", Content: `{}`},
		{Role: domain.RoleAssistant, Content: "done"},
	}
	groups := groupMessages(msgs)
	if len(groups) != 4 {
		t.Fatalf("groups = %d, want 4", len(groups))
	}
	if len(groups[2]) != 3 {
		t.Errorf("tool group size = %d, want 3", len(groups[2]))
	}
}

func TestPromptBuilderKeepsShortHistory(t *testing.T) {
	state := domain.NewConversationState("t1", "u1", "chat")
	state.Append(
		domain.NewDirective("be helpful"),
		domain.NewUserMessage("hello"),
	)

	b := NewPromptBuilder(0, nil)
	req, err := b.Build(state, nil, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(req.Messages))
	}
	if req.Messages[0].Role != domain.RoleDirective {
		t.Errorf("first role = %q", req.Messages[0].Role)
	}
	if req.ParallelToolUse {
		t.Error("parallel tool use should be off")
	}
}

func TestPromptBuilderTruncationPreservesDirective(t *testing.T) {
	state := domain.NewConversationState("t1", "u1", "chat")
	state.Append(domain.NewDirective("be helpful"))
	for i := 0; i < 10; i++ {
		state.Append(
			domain.NewUserMessage("question"),
			domain.Message{Role: domain.RoleAssistant, Content: "answer"},
		)
	}

	b := NewPromptBuilder(6, nil)
	req, err := b.Build(state, nil, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(req.Messages) > 7 {
		t.Fatalf("messages = %d, want <= 7 (budget plus directive)", len(req.Messages))
	}
	if req.Messages[0].Role != domain.RoleDirective {
		t.Errorf("first role = %q, want directive", req.Messages[0].Role)
	}
	// Newest messages survive.
	last := req.Messages[len(req.Messages)-1]
	if last.Content != "answer" {
		t.Errorf("last content = %q", last.Content)
	}
}

func TestPromptBuilderTruncationKeepsToolGroupsWhole(t *testing.T) {
	state := domain.NewConversationState("t1", "u1", "chat")
	state.Append(domain.NewDirective("be helpful"))
	for i := 0; i < 5; i++ {
		state.Append(
			domain.NewUserMessage("question"),
			domain.Message{
				Role: domain.RoleAssistant,
				ToolCalls: []domain.ToolCallRequest{
					{ID: "call_a", Name: "kb_search", Arguments: json.RawMessage(`{}`)},
				},
			},
			domain.Message{Role: domain.RoleTool, ToolCallID: "call_a", ToolName: "kb_search", Content: `{"status":"success"}`},
			domain.Message{Role: domain.RoleAssistant, Content: "answer"},
		)
	}

	b := NewPromptBuilder(10, nil)
	req, err := b.Build(state, nil, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Every assistant tool call in the prompt must be followed by its
	// result.
	for i, m := range req.Messages {
		if m.Role == domain.RoleAssistant && len(m.ToolCalls) > 0 {
			if i+1 >= len(req.Messages) || req.Messages[i+1].ToolCallID != m.ToolCalls[0].ID {
				t.Fatalf("tool call at index %d split from its result", i)
			}
		}
	}
}

func TestPromptBuilderPassesToolSchemasAndParallel(t *testing.T) {
	state := domain.NewConversationState("t1", "u1", "chat")
	state.Append(domain.NewUserMessage("hello"))

	tools := []domain.ToolSchema{{Name: "kb_search", Parameters: json.RawMessage(`{}`)}}
	b := NewPromptBuilder(0, nil)
	req, err := b.Build(state, tools, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "kb_search" {
		t.Errorf("tools = %+v", req.Tools)
	}
	if !req.ParallelToolUse {
		t.Error("parallel tool use not set")
	}
}
