package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"parley/internal/domain"
)

// stubTool records executions for wrapper tests.
type stubTool struct {
	name       string
	parameters json.RawMessage
	mutating   bool

	executed bool
	gotArgs  json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Mutating() bool      { return s.mutating }

func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: "stub", Parameters: s.parameters}
}

func (s *stubTool) Execute(_ context.Context, _ *domain.ConversationState, args json.RawMessage) (*domain.ToolResult, error) {
	s.executed = true
	s.gotArgs = args
	return &domain.ToolResult{Content: `{"status":"success"}`}, nil
}

const stubSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string"}
	},
	"required": ["query"],
	"additionalProperties": false
}`

func TestSchemaValidationPass(t *testing.T) {
	inner := &stubTool{name: "stub", parameters: json.RawMessage(stubSchema)}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	result, err := wrapped.Execute(context.Background(), testState(), json.RawMessage(`{"query":"hours"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if !inner.executed {
		t.Fatal("inner tool should have run")
	}
}

func TestSchemaValidationRejects(t *testing.T) {
	inner := &stubTool{name: "stub", parameters: json.RawMessage(stubSchema)}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	cases := []struct {
		name string
		args string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"query": 42}`},
		{"unknown property", `{"query":"hours","extra":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			inner.executed = false
			result, err := wrapped.Execute(context.Background(), testState(), json.RawMessage(tc.args))
			if err != nil {
				t.Fatalf("schema failures must stay in-band, got: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected error result")
			}
			if !strings.Contains(result.Content, "schema validation failed") {
				t.Errorf("unexpected message: %s", result.Content)
			}
			if inner.executed {
				t.Error("inner tool must not run on invalid arguments")
			}
		})
	}
}

func TestSchemaValidationInvalidJSON(t *testing.T) {
	inner := &stubTool{name: "stub", parameters: json.RawMessage(stubSchema)}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	result, err := wrapped.Execute(context.Background(), testState(), json.RawMessage(`{broken`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid JSON") {
		t.Errorf("expected invalid JSON result, got: %s", result.Content)
	}
}

func TestSchemaValidationEmptyArgs(t *testing.T) {
	// No required properties, so streamed calls without argument
	// fragments must pass as an empty object.
	inner := &stubTool{name: "stub", parameters: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}

	result, err := wrapped.Execute(context.Background(), testState(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if string(inner.gotArgs) != `{}` {
		t.Errorf("inner args = %s, want {}", inner.gotArgs)
	}
}

func TestWithSchemaValidationNoSchema(t *testing.T) {
	inner := &stubTool{name: "stub"}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wrapped != domain.Tool(inner) {
		t.Error("tools without a schema should be returned unwrapped")
	}
}

func TestWithSchemaValidationBadSchema(t *testing.T) {
	inner := &stubTool{name: "stub", parameters: json.RawMessage(`{"type":"object","properties":{"a":{"type":"bogus"}}}`)}
	if _, err := WithSchemaValidation(inner); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSchemaValidationPreservesIdentity(t *testing.T) {
	inner := &stubTool{name: "stub", parameters: json.RawMessage(stubSchema), mutating: true}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("wrap failed: %v", err)
	}
	if wrapped.Name() != "stub" || !wrapped.Mutating() {
		t.Error("wrapper must pass through name and mutation policy")
	}
}
