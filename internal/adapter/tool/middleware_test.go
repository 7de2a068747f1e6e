package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/logger"
)

// decodeDoc unmarshals a status document for structured assertions.
func decodeDoc(t *testing.T, content string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		t.Fatalf("result content is not a JSON document: %v\n%s", err, content)
	}
	return doc
}

func testState() *domain.ConversationState {
	return domain.NewConversationState("thread-1", "user-1", "intake")
}

func TestExecuteSuccessDetail(t *testing.T) {
	type params struct {
		Name string `json:"name"`
	}

	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{"name":"alice"}`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, p params) (any, error) {
			return Detail{"greeting": "hello " + p.Name}, nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	doc := decodeDoc(t, result.Content)
	if doc["status"] != "success" {
		t.Errorf("status = %v, want success", doc["status"])
	}
	if doc["greeting"] != "hello alice" {
		t.Errorf("greeting = %v, want hello alice", doc["greeting"])
	}
}

func TestExecuteSuccessString(t *testing.T) {
	type params struct{}

	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			return "all done", nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := decodeDoc(t, result.Content)
	if doc["status"] != "success" || doc["message"] != "all done" {
		t.Errorf("unexpected document: %s", result.Content)
	}
}

func TestExecuteCustomToolResult(t *testing.T) {
	type params struct{}

	custom := &domain.ToolResult{Content: `{"status":"success","custom":true}`}
	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			return custom, nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != custom {
		t.Error("expected the exact custom ToolResult to be returned")
	}
}

func TestExecuteInvalidArguments(t *testing.T) {
	type params struct {
		Name string `json:"name"`
	}

	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{invalid`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			t.Fatal("handler must not run on bad arguments")
			return nil, nil
		},
	)
	if err != nil {
		t.Fatalf("parse failures must stay in-band, got: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}

	doc := decodeDoc(t, result.Content)
	if doc["status"] != "error" {
		t.Errorf("status = %v, want error", doc["status"])
	}
	if !strings.Contains(result.Content, "invalid arguments") {
		t.Errorf("expected invalid arguments message, got: %s", result.Content)
	}
}

func TestExecuteEmptyArguments(t *testing.T) {
	type params struct{}

	called := false
	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		nil,
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			called = true
			return Detail{}, nil
		},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler should run when arguments are absent")
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
}

func TestExecuteHandlerErrorStaysInBand(t *testing.T) {
	type params struct{}

	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			return nil, errors.New("backend down")
		},
	)
	if err != nil {
		t.Fatalf("handler errors must stay in-band, got: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(result.Content, "backend down") {
		t.Errorf("expected cause in document, got: %s", result.Content)
	}
}

func TestExecuteContextCanceledPropagates(t *testing.T) {
	type params struct{}

	result, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			return nil, fmt.Errorf("search: %w", context.Canceled)
		},
	)
	if result != nil {
		t.Fatalf("cancellation must not produce an in-band result, got: %+v", result)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
}

func TestExecuteDeadlineExceededPropagates(t *testing.T) {
	type params struct{}

	_, err := Execute(context.Background(), "test.tool", logger.Discard(), testState(),
		json.RawMessage(`{}`),
		func(_ context.Context, _ trace.Span, _ *domain.ConversationState, _ params) (any, error) {
			return nil, fmt.Errorf("fetch: %w", context.DeadlineExceeded)
		},
	)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got: %v", err)
	}
}

func TestErrDetailMergesFields(t *testing.T) {
	result, err := ErrDetail("bad value", Detail{"valid_values": []string{"a", "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}

	doc := decodeDoc(t, result.Content)
	if doc["status"] != "error" || doc["message"] != "bad value" {
		t.Errorf("unexpected document: %s", result.Content)
	}
	if _, ok := doc["valid_values"]; !ok {
		t.Errorf("expected valid_values in document: %s", result.Content)
	}
}
