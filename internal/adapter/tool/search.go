package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
)

const maxTopK = 20

// KBSearchTool exposes knowledge-base retrieval to the model. It is a
// pure read; a failing retrieval backend is reported in-band so the
// model can still answer without it.
type KBSearchTool struct {
	retriever   domain.Retriever
	defaultTopK int
	logger      *slog.Logger
}

// NewKBSearchTool creates the search tool. defaultTopK applies when
// the model omits top_k; values <= 0 fall back to 5.
func NewKBSearchTool(retriever domain.Retriever, defaultTopK int, logger *slog.Logger) *KBSearchTool {
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &KBSearchTool{retriever: retriever, defaultTopK: defaultTopK, logger: logger}
}

func (t *KBSearchTool) Name() string   { return "kb_search" }
func (t *KBSearchTool) Mutating() bool { return false }

func (t *KBSearchTool) Description() string {
	return "Search the knowledge base for passages relevant to a query. Returns ranked text snippets."
}

func (t *KBSearchTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "Search query"
				},
				"top_k": {
					"type": "integer",
					"description": "Number of snippets to return (max 20)"
				}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

type kbSearchParams struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k,omitempty"`
}

func (t *KBSearchTool) Execute(ctx context.Context, state *domain.ConversationState, args json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.kb_search", t.logger, state, args, t.handle)
}

func (t *KBSearchTool) handle(ctx context.Context, span trace.Span, _ *domain.ConversationState, p kbSearchParams) (any, error) {
	if err := RequireField("query", p.Query); err != nil {
		return nil, err
	}
	topK := p.TopK
	if topK == 0 {
		topK = t.defaultTopK
	}
	if err := ValidateRange("top_k", topK, 1, maxTopK); err != nil {
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("tool.top_k", topK))

	snippets, err := t.retriever.Search(ctx, p.Query, topK)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	if snippets == nil {
		snippets = []domain.Snippet{}
	}
	t.logger.Debug("knowledge search completed", "results", len(snippets))
	return Detail{"results": snippets, "count": len(snippets)}, nil
}
