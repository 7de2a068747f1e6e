package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/tracer"
)

// fieldIndex gives O(1) spec lookup plus the declared field order for
// error messages and export documents.
type fieldIndex struct {
	specs map[string]config.FieldSpec
	names []string
}

func newFieldIndex(specs []config.FieldSpec) fieldIndex {
	idx := fieldIndex{specs: make(map[string]config.FieldSpec, len(specs))}
	for _, s := range specs {
		idx.specs[s.Name] = s
		idx.names = append(idx.names, s.Name)
	}
	return idx
}

// missingRequired lists required fields with no collected value, in
// declaration order. Always non-nil so it marshals as [] when empty.
func (idx fieldIndex) missingRequired(state *domain.ConversationState) []string {
	missing := []string{}
	for _, name := range idx.names {
		if !idx.specs[name].Required {
			continue
		}
		if v, ok := state.Field(name); !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// ProfileUpdateTool records one collected field on the conversation
// state. It is the only write path for profile data; every value is
// checked against the kind's field specs before the state changes, and
// rejected values are never coerced.
type ProfileUpdateTool struct {
	fields fieldIndex
	logger *slog.Logger
}

// NewProfileUpdateTool creates the write tool for the given field specs.
func NewProfileUpdateTool(specs []config.FieldSpec, logger *slog.Logger) *ProfileUpdateTool {
	return &ProfileUpdateTool{fields: newFieldIndex(specs), logger: logger}
}

func (t *ProfileUpdateTool) Name() string   { return "profile_update" }
func (t *ProfileUpdateTool) Mutating() bool { return true }

func (t *ProfileUpdateTool) Description() string {
	return "Record one collected profile field. The value is validated against the field's type, allowed values and range before being stored."
}

func (t *ProfileUpdateTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"field": {
					"type": "string",
					"description": "Name of the field to record"
				},
				"value": {
					"description": "The collected value; its type must match the field's declared type"
				}
			},
			"required": ["field", "value"],
			"additionalProperties": false
		}`),
	}
}

type profileUpdateParams struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

func (t *ProfileUpdateTool) Execute(ctx context.Context, state *domain.ConversationState, args json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.profile_update", t.logger, state, args, t.handle)
}

func (t *ProfileUpdateTool) handle(_ context.Context, span trace.Span, state *domain.ConversationState, p profileUpdateParams) (any, error) {
	if err := RequireField("field", p.Field); err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.StringAttr("tool.field", p.Field))

	spec, ok := t.fields.specs[p.Field]
	if !ok {
		return ErrDetail(fmt.Sprintf("unknown field %q", p.Field), Detail{"valid_values": t.fields.names})
	}

	value, rejected := checkFieldValue(spec, p.Value)
	if rejected != nil {
		return rejected, nil
	}

	state.SetField(spec.Name, value)
	t.logger.Debug("profile field recorded", "field", spec.Name)
	return Detail{"field": spec.Name, "value": value}, nil
}

// checkFieldValue decodes and validates one value against its spec.
// Violations come back as in-band error results so the model can
// correct itself.
func checkFieldValue(spec config.FieldSpec, raw json.RawMessage) (any, *domain.ToolResult) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errDoc(fmt.Sprintf("field %q requires a value", spec.Name), nil)
	}

	switch spec.Type {
	case "number":
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, errDoc(fmt.Sprintf("field %q expects a number", spec.Name),
				Detail{"rejected_value": raw})
		}
		if spec.Min != nil && n < *spec.Min {
			return nil, errDoc(fmt.Sprintf("field %q must be at least %v", spec.Name, *spec.Min),
				Detail{"rejected_value": n})
		}
		if spec.Max != nil && n > *spec.Max {
			return nil, errDoc(fmt.Sprintf("field %q must be at most %v", spec.Name, *spec.Max),
				Detail{"rejected_value": n})
		}
		return n, nil

	default: // "string"
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errDoc(fmt.Sprintf("field %q expects a string", spec.Name),
				Detail{"rejected_value": raw})
		}
		if len(spec.Enum) > 0 && !containsString(spec.Enum, s) {
			return nil, errDoc(fmt.Sprintf("invalid value %q for field %q", s, spec.Name),
				Detail{"rejected_value": s, "valid_values": spec.Enum})
		}
		return s, nil
	}
}

func containsString(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

// ProfileGetTool reads collected fields. It never mutates state.
type ProfileGetTool struct {
	fields fieldIndex
	logger *slog.Logger
}

// NewProfileGetTool creates the read tool for the given field specs.
func NewProfileGetTool(specs []config.FieldSpec, logger *slog.Logger) *ProfileGetTool {
	return &ProfileGetTool{fields: newFieldIndex(specs), logger: logger}
}

func (t *ProfileGetTool) Name() string   { return "profile_get" }
func (t *ProfileGetTool) Mutating() bool { return false }

func (t *ProfileGetTool) Description() string {
	return "Read collected profile fields. With a field name returns that field; without one, returns everything collected so far plus which required fields are still missing."
}

func (t *ProfileGetTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"field": {
					"type": "string",
					"description": "Field to read; omit to list all collected fields"
				}
			},
			"additionalProperties": false
		}`),
	}
}

type profileGetParams struct {
	Field string `json:"field,omitempty"`
}

func (t *ProfileGetTool) Execute(ctx context.Context, state *domain.ConversationState, args json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.profile_get", t.logger, state, args, t.handle)
}

func (t *ProfileGetTool) handle(_ context.Context, span trace.Span, state *domain.ConversationState, p profileGetParams) (any, error) {
	if p.Field != "" {
		span.SetAttributes(tracer.StringAttr("tool.field", p.Field))
		spec, ok := t.fields.specs[p.Field]
		if !ok {
			return ErrDetail(fmt.Sprintf("unknown field %q", p.Field), Detail{"valid_values": t.fields.names})
		}
		v, collected := state.Field(spec.Name)
		if !collected {
			return Detail{"field": spec.Name, "collected": false}, nil
		}
		return Detail{"field": spec.Name, "value": v, "collected": true}, nil
	}

	collected := make(map[string]any)
	for _, name := range t.fields.names {
		if v, ok := state.Field(name); ok {
			collected[name] = v
		}
	}
	return Detail{
		"fields":           collected,
		"missing_required": t.fields.missingRequired(state),
	}, nil
}
