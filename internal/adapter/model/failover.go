package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"parley/internal/domain"
)

// FailoverGateway wraps a primary model gateway with fallbacks. If the
// primary fails, it tries each fallback in order.
type FailoverGateway struct {
	primary   domain.ModelGateway
	fallbacks []domain.ModelGateway
	logger    *slog.Logger
}

// NewFailoverGateway creates a failover-capable gateway.
func NewFailoverGateway(primary domain.ModelGateway, fallbacks []domain.ModelGateway, logger *slog.Logger) *FailoverGateway {
	return &FailoverGateway{
		primary:   primary,
		fallbacks: fallbacks,
		logger:    logger,
	}
}

// Chat tries the primary gateway first, then each fallback on failure.
func (f *FailoverGateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := f.primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	f.logger.Warn("primary model gateway failed, trying fallbacks",
		"primary", f.primary.Name(), "error", err)

	allErrors := []string{fmt.Sprintf("%s: %v", f.primary.Name(), err)}

	for _, fb := range f.fallbacks {
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "provider", fb.Name())
			return resp, nil
		}
		f.logger.Warn("fallback gateway failed", "provider", fb.Name(), "error", err)
		allErrors = append(allErrors, fmt.Sprintf("%s: %v", fb.Name(), err))
	}

	return nil, fmt.Errorf("%w: all providers failed: [%s]", domain.ErrGatewayFailed, strings.Join(allErrors, "; "))
}

// ChatStream tries streaming from the primary, then each fallback.
// Gateways that do not implement streaming are skipped.
func (f *FailoverGateway) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	var allErrors []string

	if sp, ok := f.primary.(domain.StreamingModelGateway); ok {
		ch, err := sp.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		f.logger.Warn("primary streaming gateway failed, trying fallbacks",
			"primary", f.primary.Name(), "error", err)
		allErrors = append(allErrors, fmt.Sprintf("%s: %v", f.primary.Name(), err))
	}

	for _, fb := range f.fallbacks {
		if sp, ok := fb.(domain.StreamingModelGateway); ok {
			ch, err := sp.ChatStream(ctx, req)
			if err == nil {
				f.logger.Info("streaming failover succeeded", "provider", fb.Name())
				return ch, nil
			}
			f.logger.Warn("fallback streaming gateway failed", "provider", fb.Name(), "error", err)
			allErrors = append(allErrors, fmt.Sprintf("%s: %v", fb.Name(), err))
		}
	}

	if len(allErrors) > 0 {
		return nil, fmt.Errorf("%w: all streaming providers failed: [%s]", domain.ErrGatewayFailed, strings.Join(allErrors, "; "))
	}
	return nil, fmt.Errorf("no streaming-capable providers available")
}

// Name returns a composite name.
func (f *FailoverGateway) Name() string {
	return f.primary.Name() + "+failover"
}

// Compile-time interface checks.
var (
	_ domain.ModelGateway          = (*FailoverGateway)(nil)
	_ domain.StreamingModelGateway = (*FailoverGateway)(nil)
)
