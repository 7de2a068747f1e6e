package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"parley/internal/domain"
)

// SchemaValidatingTool wraps a Tool so Execute checks arguments
// against the tool's compiled JSON Schema before the executor runs.
// Failures are returned in-band, never as Go errors, so the model can
// read the complaint and retry with corrected arguments.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation wraps t with argument validation. Returns an
// error if the schema fails to compile. Tools without a parameter
// schema are returned unwrapped.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}

	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }
func (s *SchemaValidatingTool) Mutating() bool            { return s.inner.Mutating() }

func (s *SchemaValidatingTool) Execute(ctx context.Context, state *domain.ConversationState, args json.RawMessage) (*domain.ToolResult, error) {
	// Streamed calls with no argument fragments arrive empty; treat
	// them as an empty object.
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return ErrResult("invalid JSON arguments: %v", err)
	}
	if err := s.schema.Validate(v); err != nil {
		return ErrResult("schema validation failed: %v", err)
	}
	return s.inner.Execute(ctx, state, args)
}
