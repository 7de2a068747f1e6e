package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
)

// Detail carries the tool-specific keys of a result document. The
// pipeline injects the status field, so handlers fill in only their
// own keys.
type Detail map[string]any

// Handler runs one parsed tool invocation. state is the live
// conversation state; only handlers of mutating tools may write to it.
type Handler[P any] func(ctx context.Context, span trace.Span, state *domain.ConversationState, p P) (any, error)

// Execute is the standard tool execution pipeline: parse arguments,
// start a trace span, run the handler, wrap the outcome in a status
// document. Handler return values:
//   - (Detail, nil) is marshaled with status "success"
//   - (string, nil) becomes {"status":"success","message":...}
//   - (*domain.ToolResult, nil) is returned as-is
//   - (nil, error) becomes an in-band {"status":"error"} result the
//     model can read and correct. Context cancellation is the
//     exception: it propagates as a Go error so the turn aborts
//     instead of feeding a timeout back to the model.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	state *domain.ConversationState,
	rawArgs json.RawMessage,
	handler Handler[P],
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	var p P
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &p); err != nil {
			tracer.RecordError(span, err)
			return ErrResult("invalid arguments: %v", err)
		}
	}

	result, err := handler(ctx, span, state, p)
	if err != nil {
		tracer.RecordError(span, err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.Warn(spanName+" failed", "error", err)
		return ErrResult("%v", err)
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, errors.New(v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case Detail:
		tracer.SetOK(span)
		return SuccessResult(v)
	case string:
		tracer.SetOK(span)
		return SuccessResult(Detail{"message": v})
	default:
		tracer.SetOK(span)
		return SuccessResult(Detail{"data": v})
	}
}

// SuccessResult marshals detail into a {"status":"success"} document.
func SuccessResult(detail Detail) (*domain.ToolResult, error) {
	return &domain.ToolResult{Content: marshalDoc("success", detail)}, nil
}

// ErrResult builds an in-band error result. Use it for validation
// errors inside handlers that should reach the model without being
// logged as warnings.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return errDoc(fmt.Sprintf(format, args...), nil), nil
}

// ErrDetail is ErrResult with extra structured fields such as
// valid_values, rejected_value or missing_fields.
func ErrDetail(message string, detail Detail) (*domain.ToolResult, error) {
	return errDoc(message, detail), nil
}

func errDoc(message string, detail Detail) *domain.ToolResult {
	d := Detail{"message": message}
	for k, v := range detail {
		d[k] = v
	}
	return &domain.ToolResult{IsError: true, Content: marshalDoc("error", d)}
}

// marshalDoc renders the status document. Marshal failures degrade to
// a minimal hand-built document rather than failing the call.
func marshalDoc(status string, detail Detail) string {
	doc := make(map[string]any, len(detail)+1)
	for k, v := range detail {
		doc[k] = v
	}
	doc["status"] = status
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"status":"error","message":%q}`, "encode result: "+err.Error())
	}
	return string(data)
}
