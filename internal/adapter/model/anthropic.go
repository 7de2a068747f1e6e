package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/tracer"
)

const defaultAnthropicVersion = "2023-06-01"

// AnthropicGateway implements domain.ModelGateway for the Anthropic
// Messages API.
type AnthropicGateway struct {
	name      string
	model     string
	apiKey    string
	baseURL   string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
	version   string
}

// NewAnthropicGateway creates a gateway for the Anthropic Messages API.
func NewAnthropicGateway(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicGateway {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	return &AnthropicGateway{
		name:      cfg.Name,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		maxTokens: cfg.MaxTokens,
		client:    newHTTPClient(),
		logger:    logger,
		version:   defaultAnthropicVersion,
	}
}

// Chat implements domain.ModelGateway.
func (g *AnthropicGateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "model.chat",
		trace.WithAttributes(
			tracer.StringAttr("model.provider", g.name),
			tracer.StringAttr("model.name", req.Model),
		),
	)
	defer span.End()

	g.applyDefaults(&req)

	body, err := json.Marshal(toAnthropicRequest(req))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, g.client, g.baseURL+"/v1/messages", body, g.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	result := fromAnthropicResponse(antResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(g.logger, g.name, result)

	return result, nil
}

// Name implements domain.ModelGateway.
func (g *AnthropicGateway) Name() string { return g.name }

func (g *AnthropicGateway) applyDefaults(req *domain.ChatRequest) {
	if req.Model == "" {
		req.Model = g.model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = g.maxTokens
	}
}

func (g *AnthropicGateway) headers() map[string]string {
	return map[string]string{
		"x-api-key":         g.apiKey,
		"anthropic-version": g.version,
	}
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model      string               `json:"model"`
	Messages   []anthropicMessage   `json:"messages"`
	System     string               `json:"system,omitempty"`
	MaxTokens  int                  `json:"max_tokens"`
	Tools      []anthropicTool      `json:"tools,omitempty"`
	ToolChoice *anthropicToolChoice `json:"tool_choice,omitempty"`
	Stream     bool                 `json:"stream,omitempty"`
}

type anthropicToolChoice struct {
	Type                   string `json:"type"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Model   string             `json:"model"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Usage   anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- Anthropic streaming wire types ---

type anthropicStreamEvent struct {
	Type  string          `json:"type"`
	Index int             `json:"index"`
	Delta json.RawMessage `json:"delta,omitempty"`
	Usage json.RawMessage `json:"usage,omitempty"`

	// content_block_start fields
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
}

type anthropicDeltaText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicDeltaToolInput struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// ChatStream implements domain.StreamingModelGateway.
func (g *AnthropicGateway) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	g.applyDefaults(&req)

	antReq := toAnthropicRequest(req)
	antReq.Stream = true

	body, err := json.Marshal(antReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpResp, err := doStreamRequest(ctx, g.client, g.baseURL+"/v1/messages", body, g.headers())
	if err != nil {
		return nil, err
	}

	// Anthropic SSE pairs each "event:" line with a "data:" line, but the
	// data JSON repeats the event type so the parser dispatches on that.
	// Tool call fragments arrive per content block: content_block_start
	// names the call, input_json_delta events carry argument chunks. Block
	// indices are remapped to dense tool call slots so consumers can merge
	// fragments by position.
	toolSlots := make(map[int]int)
	ch := parseSSEStream(ctx, httpResp.Body, func(data []byte) (*domain.StreamDelta, error) {
		var evt anthropicStreamEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, err
		}

		switch evt.Type {
		case "content_block_start":
			if evt.ContentBlock != nil && evt.ContentBlock.Type == "tool_use" {
				slot := len(toolSlots)
				if slot >= maxStreamToolCalls {
					return nil, nil
				}
				toolSlots[evt.Index] = slot
				return &domain.StreamDelta{
					ToolCalls: toolCallAt(slot, domain.ToolCallRequest{
						ID:   evt.ContentBlock.ID,
						Name: evt.ContentBlock.Name,
					}),
				}, nil
			}
			return nil, nil

		case "content_block_delta":
			var td anthropicDeltaText
			if err := json.Unmarshal(evt.Delta, &td); err == nil && td.Type == "text_delta" {
				return &domain.StreamDelta{Content: td.Text}, nil
			}
			var ti anthropicDeltaToolInput
			if err := json.Unmarshal(evt.Delta, &ti); err == nil && ti.Type == "input_json_delta" {
				slot, ok := toolSlots[evt.Index]
				if !ok {
					return nil, nil
				}
				return &domain.StreamDelta{
					ToolCalls: toolCallAt(slot, domain.ToolCallRequest{
						Arguments: json.RawMessage(ti.PartialJSON),
					}),
				}, nil
			}
			return nil, nil

		case "message_delta":
			delta := &domain.StreamDelta{Done: true}
			if len(evt.Usage) > 0 {
				var u anthropicUsage
				if err := json.Unmarshal(evt.Usage, &u); err == nil {
					delta.Usage = &domain.Usage{
						PromptTokens:     u.InputTokens,
						CompletionTokens: u.OutputTokens,
						TotalTokens:      u.InputTokens + u.OutputTokens,
					}
				}
			}
			return delta, nil

		case "message_stop":
			return &domain.StreamDelta{Done: true}, nil

		default:
			return nil, nil
		}
	})

	return ch, nil
}

func toAnthropicRequest(req domain.ChatRequest) anthropicRequest {
	antReq := anthropicRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}

	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = 4096
	}

	// Extract the directive and convert messages.
	for _, m := range req.Messages {
		if m.Role == domain.RoleDirective {
			antReq.System = m.Content
			continue
		}

		if m.Role == domain.RoleTool {
			antReq.Messages = append(antReq.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{
					{
						Type:      "tool_result",
						ToolUseID: m.ToolCallID,
						Content:   m.Content,
						IsError:   m.IsError,
					},
				},
			})
			continue
		}

		antMsg := anthropicMessage{Role: m.Role}
		if len(m.ToolCalls) > 0 {
			if m.Content != "" {
				antMsg.Content = append(antMsg.Content, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				antMsg.Content = append(antMsg.Content, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
		} else {
			antMsg.Content = append(antMsg.Content, anthropicContent{Type: "text", Text: m.Content})
		}

		antReq.Messages = append(antReq.Messages, antMsg)
	}

	for _, t := range req.Tools {
		antReq.Tools = append(antReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	// The runner dispatches tool calls one at a time unless the request
	// opts in to parallel use, so ask the model to match.
	if len(antReq.Tools) > 0 && !req.ParallelToolUse {
		antReq.ToolChoice = &anthropicToolChoice{
			Type:                   "auto",
			DisableParallelToolUse: true,
		}
	}

	return antReq
}

func fromAnthropicResponse(resp anthropicResponse) *domain.ChatResponse {
	result := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		CreatedAt: time.Now(),
	}

	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Timestamp: result.CreatedAt,
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCallRequest{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}

	result.Message = msg
	return result
}

// Compile-time interface checks.
var (
	_ domain.ModelGateway          = (*AnthropicGateway)(nil)
	_ domain.StreamingModelGateway = (*AnthropicGateway)(nil)
)
