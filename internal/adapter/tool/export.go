package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

// IntakeExportTool finalizes a data-collection conversation. It is the
// only tool that writes an export artifact, and it refuses to write
// until every required field has a value.
type IntakeExportTool struct {
	fields fieldIndex
	store  ArtifactWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewIntakeExportTool creates the finalize tool for the given field
// specs, writing artifacts through store.
func NewIntakeExportTool(specs []config.FieldSpec, store ArtifactWriter, logger *slog.Logger) *IntakeExportTool {
	return &IntakeExportTool{
		fields: newFieldIndex(specs),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

func (t *IntakeExportTool) Name() string   { return "intake_export" }
func (t *IntakeExportTool) Mutating() bool { return true }

func (t *IntakeExportTool) Description() string {
	return "Finalize the conversation by exporting all collected fields as a JSON artifact. Fails if any required field is still missing."
}

func (t *IntakeExportTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`),
	}
}

// exportDocument is the artifact's on-disk shape.
type exportDocument struct {
	ThreadID   string         `json:"thread_id"`
	Kind       string         `json:"kind"`
	ExportedAt time.Time      `json:"exported_at"`
	Fields     map[string]any `json:"fields"`
}

type intakeExportParams struct{}

func (t *IntakeExportTool) Execute(ctx context.Context, state *domain.ConversationState, args json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.intake_export", t.logger, state, args, t.handle)
}

func (t *IntakeExportTool) handle(_ context.Context, _ trace.Span, state *domain.ConversationState, _ intakeExportParams) (any, error) {
	missing := t.fields.missingRequired(state)
	if len(missing) > 0 {
		return ErrDetail("required fields are missing", Detail{"missing_fields": missing})
	}

	collected := make(map[string]any, len(t.fields.names))
	for _, name := range t.fields.names {
		if v, ok := state.Field(name); ok {
			collected[name] = v
		}
	}

	exportedAt := t.now().UTC()
	id := domain.NewID(exportedAt)
	doc := exportDocument{
		ThreadID:   state.ThreadID,
		Kind:       state.Kind,
		ExportedAt: exportedAt,
		Fields:     collected,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}

	path, err := t.store.Write(id, data)
	if err != nil {
		return nil, fmt.Errorf("write export: %w", err)
	}

	state.Artifacts = append(state.Artifacts, domain.ArtifactRef{
		ID:        id,
		Path:      path,
		CreatedAt: exportedAt,
	})
	t.logger.Info("export artifact written", "artifact_id", id, "fields", len(collected))
	return Detail{"artifact_id": id, "path": path, "exported_fields": len(collected)}, nil
}
