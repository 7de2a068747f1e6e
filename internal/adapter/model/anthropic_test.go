package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

func TestAnthropicChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("unexpected api key: %s", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1",
			"model": "claude-sonnet-4-20250514",
			"type": "message",
			"role": "assistant",
			"content": [{"type":"text","text":"Hello!"}],
			"usage": {"input_tokens":10,"output_tokens":4}
		}`)
	}))
	defer server.Close()

	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())

	resp, err := gw.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "Hello!" {
		t.Errorf("Content = %q, want Hello!", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("TotalTokens = %d, want 14", resp.Usage.TotalTokens)
	}
}

func TestAnthropicChatToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_2",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type":"text","text":"Let me check."},
				{"type":"tool_use","id":"toolu_1","name":"kb_search","input":{"query":"opening hours"}}
			],
			"usage": {"input_tokens":30,"output_tokens":12}
		}`)
	}))
	defer server.Close()

	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())

	resp, err := gw.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "When are you open?"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Message.Content != "Let me check." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("ToolCalls len = %d, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "kb_search" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]string
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args["query"] != "opening hours" {
		t.Errorf("query = %q", args["query"])
	}
}

func TestAnthropicChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected Accept: %s", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		events := []string{
			`data: {"type":"message_start"}`,
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":" world"}}`,
			`data: {"type":"message_delta","usage":{"input_tokens":5,"output_tokens":2}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	defer server.Close()

	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var gotDone bool
	var usage *domain.Usage
	for delta := range ch {
		content += delta.Content
		if delta.Done {
			gotDone = true
		}
		if delta.Usage != nil {
			usage = delta.Usage
		}
	}

	if content != "Hello world" {
		t.Errorf("content = %q, want %q", content, "Hello world")
	}
	if !gotDone {
		t.Error("expected Done=true")
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %+v, want total 7", usage)
	}
}

func TestAnthropicChatStreamToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		// Text block at index 0, tool_use block at index 1.
		events := []string{
			`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"kb_search"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"hours\"}"}}`,
			`data: {"type":"message_delta","usage":{"input_tokens":8,"output_tokens":6}}`,
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	defer server.Close()

	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())

	ch, err := gw.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hours?"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content, id, name, args string
	for delta := range ch {
		content += delta.Content
		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				id = tc.ID
			}
			if tc.Name != "" {
				name = tc.Name
			}
			args += string(tc.Arguments)
		}
	}

	if content != "Checking" {
		t.Errorf("content = %q, want Checking", content)
	}
	if id != "toolu_9" || name != "kb_search" {
		t.Errorf("id = %q, name = %q", id, name)
	}
	if args != `{"query":"hours"}` {
		t.Errorf("args = %q", args)
	}
}

func TestAnthropicChatStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer server.Close()

	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "bad-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())

	_, err := gw.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if err == nil {
		t.Fatal("expected error from HTTP error")
	}
}

func TestAnthropicChatReadBodyError(t *testing.T) {
	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:    "test",
		BaseURL: "http://localhost",
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())

	gw.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       &errorReadCloser{},
				Header:     make(http.Header),
			}, nil
		}),
	}

	_, err := gw.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if err == nil {
		t.Fatal("expected error from body read failure")
	}
	if !strings.Contains(err.Error(), "read response") {
		t.Errorf("error = %q, want it to contain 'read response'", err.Error())
	}
}

func TestAnthropicRequestConversion(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []domain.Message{
			{Role: domain.RoleDirective, Content: "You are a booking assistant."},
			{Role: domain.RoleUser, Content: "Hello"},
		},
		MaxTokens: 1024,
	}

	antReq := toAnthropicRequest(req)

	if antReq.System != "You are a booking assistant." {
		t.Errorf("System = %q", antReq.System)
	}
	if len(antReq.Messages) != 1 {
		t.Fatalf("Messages len = %d, want 1 (directive extracted)", len(antReq.Messages))
	}
	if antReq.Messages[0].Role != "user" {
		t.Errorf("Message role = %q, want user", antReq.Messages[0].Role)
	}
	if antReq.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", antReq.MaxTokens)
	}
	if antReq.ToolChoice != nil {
		t.Error("expected no tool_choice without tools")
	}
}

func TestAnthropicRequestConversionToolResult(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-sonnet-4-20250514",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "hours?"},
			{Role: domain.RoleAssistant, Content: "Checking.", ToolCalls: []domain.ToolCallRequest{
				{ID: "toolu_1", Name: "kb_search", Arguments: json.RawMessage(`{"query":"hours"}`)},
			}},
			{Role: domain.RoleTool, Content: `{"status":"error","message":"index offline"}`, ToolCallID: "toolu_1", ToolName: "kb_search", IsError: true},
		},
	}

	antReq := toAnthropicRequest(req)

	if len(antReq.Messages) != 3 {
		t.Fatalf("Messages len = %d, want 3", len(antReq.Messages))
	}

	asst := antReq.Messages[1]
	if asst.Content[0].Type != "text" || asst.Content[1].Type != "tool_use" {
		t.Errorf("assistant blocks = %+v", asst.Content)
	}

	toolMsg := antReq.Messages[2]
	if toolMsg.Role != "user" {
		t.Errorf("tool result role = %q, want user", toolMsg.Role)
	}
	block := toolMsg.Content[0]
	if block.Type != "tool_result" || block.ToolUseID != "toolu_1" {
		t.Errorf("tool result block = %+v", block)
	}
	if !block.IsError {
		t.Error("expected is_error=true on tool result block")
	}
}

func TestAnthropicRequestConversionToolChoice(t *testing.T) {
	tools := []domain.ToolSchema{
		{Name: "kb_search", Description: "Search", Parameters: json.RawMessage(`{"type":"object"}`)},
	}

	sequential := toAnthropicRequest(domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		Tools:    tools,
	})
	if sequential.ToolChoice == nil || !sequential.ToolChoice.DisableParallelToolUse {
		t.Errorf("ToolChoice = %+v, want disable_parallel_tool_use", sequential.ToolChoice)
	}
	if sequential.ToolChoice.Type != "auto" {
		t.Errorf("ToolChoice.Type = %q, want auto", sequential.ToolChoice.Type)
	}

	parallel := toAnthropicRequest(domain.ChatRequest{
		Messages:        []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		Tools:           tools,
		ParallelToolUse: true,
	})
	if parallel.ToolChoice != nil {
		t.Errorf("ToolChoice = %+v, want nil when parallel use is on", parallel.ToolChoice)
	}
}

func TestAnthropicResponseConcatenatesTextBlocks(t *testing.T) {
	resp := anthropicResponse{
		ID:    "msg_3",
		Model: "claude-sonnet-4-20250514",
		Content: []anthropicContent{
			{Type: "text", Text: "Part one. "},
			{Type: "tool_use", ID: "toolu_2", Name: "profile_get", Input: json.RawMessage(`{}`)},
			{Type: "text", Text: "Part two."},
		},
	}

	result := fromAnthropicResponse(resp)
	if result.Message.Content != "Part one. Part two." {
		t.Errorf("Content = %q", result.Message.Content)
	}
	if len(result.Message.ToolCalls) != 1 {
		t.Errorf("ToolCalls len = %d, want 1", len(result.Message.ToolCalls))
	}
}

func TestAnthropicAppliesConfigDefaults(t *testing.T) {
	var got anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m","model":"claude-3-5-haiku-20241022","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer server.Close()

	gw := NewAnthropicGateway(config.ProviderConfig{
		Name:      "test",
		BaseURL:   server.URL,
		APIKey:    "k",
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 1500,
	}, newTestLogger())

	if _, err := gw.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("Model = %q, want config default", got.Model)
	}
	if got.MaxTokens != 1500 {
		t.Errorf("MaxTokens = %d, want 1500", got.MaxTokens)
	}
}
