package tool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"parley/internal/domain"
	"parley/internal/infra/logger"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(logger.Discard())
	if err := r.Register(&stubTool{name: "alpha"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	got, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name() != "alpha" {
		t.Errorf("name = %q, want alpha", got.Name())
	}
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry(logger.Discard())
	if err := r.Register(&stubTool{name: "alpha"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.Register(&stubTool{name: "alpha"}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRegistryGetUnknown(t *testing.T) {
	r := NewRegistry(logger.Discard())

	_, err := r.Get("missing")
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Fatalf("expected ErrToolNotFound, got: %v", err)
	}
	var derr *domain.DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DomainError, got: %T", err)
	}
}

func TestRegistrySchemasSorted(t *testing.T) {
	r := NewRegistry(logger.Discard())
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}

	schemas := r.Schemas()
	want := []string{"alpha", "mid", "zeta"}
	if len(schemas) != len(want) {
		t.Fatalf("got %d schemas, want %d", len(schemas), len(want))
	}
	for i, s := range schemas {
		if s.Name != want[i] {
			t.Errorf("schemas[%d] = %q, want %q", i, s.Name, want[i])
		}
	}
}

func TestRegistryWrapsWithSchemaValidation(t *testing.T) {
	r := NewRegistry(logger.Discard())
	inner := &stubTool{name: "guarded", parameters: json.RawMessage(stubSchema)}
	if err := r.Register(inner); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	got, err := r.Get("guarded")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	result, err := got.Execute(context.Background(), testState(), json.RawMessage(`{"query": 42}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "schema validation failed") {
		t.Errorf("expected schema rejection, got: %s", result.Content)
	}
	if inner.executed {
		t.Error("inner tool must not run on invalid arguments")
	}
}

func TestRegistryBadSchemaRegistersUnwrapped(t *testing.T) {
	r := NewRegistry(logger.Discard())
	inner := &stubTool{name: "broken", parameters: json.RawMessage(`{"type":"object","properties":{"a":{"type":"bogus"}}}`)}
	if err := r.Register(inner); err != nil {
		t.Fatalf("register should fall back to unwrapped, got: %v", err)
	}

	got, err := r.Get("broken")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	// Validation is disabled, so even junk arguments reach the tool.
	if _, err := got.Execute(context.Background(), testState(), json.RawMessage(`{"anything":1}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !inner.executed {
		t.Error("inner tool should have run unwrapped")
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry(logger.Discard())
	for _, name := range []string{"b", "a"} {
		if err := r.Register(&stubTool{name: name}); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}

	tools := r.List()
	if len(tools) != 2 || tools[0].Name() != "a" || tools[1].Name() != "b" {
		t.Errorf("unexpected list order: %v", toolNames(tools))
	}
}

func toolNames(tools []domain.Tool) []string {
	names := make([]string, len(tools))
	for i, tl := range tools {
		names[i] = tl.Name()
	}
	return names
}
