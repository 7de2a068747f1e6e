package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerGateway wraps a ModelGateway with circuit breaker
// protection. When the wrapped backend fails repeatedly, the circuit
// opens and subsequent calls fail fast without reaching it, preventing
// retry storms against a struggling API.
type CircuitBreakerGateway struct {
	inner   domain.ModelGateway
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
	logger  *slog.Logger
}

// NewCircuitBreakerGateway wraps inner with a circuit breaker.
// Zero-valued settings fall back to the package defaults.
func NewCircuitBreakerGateway(inner domain.ModelGateway, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerGateway {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.ChatResponse](gobreaker.Settings{
		Name:        "model:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &CircuitBreakerGateway{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Chat implements domain.ModelGateway. Calls are routed through the
// circuit breaker.
func (g *CircuitBreakerGateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := g.breaker.Execute(func() (*domain.ChatResponse, error) {
		return g.inner.Chat(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider %q circuit open: %w: %v", g.inner.Name(), domain.ErrGatewayFailed, err)
		}
		return nil, err
	}
	return resp, nil
}

// ChatStream implements domain.StreamingModelGateway if the inner
// gateway supports it. The circuit breaker protects the initial
// connection; streaming errors after connection do not trip the breaker.
func (g *CircuitBreakerGateway) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := g.inner.(domain.StreamingModelGateway)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support streaming", g.inner.Name())
	}

	var ch <-chan domain.StreamDelta
	_, err := g.breaker.Execute(func() (*domain.ChatResponse, error) {
		var streamErr error
		ch, streamErr = sp.ChatStream(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider %q circuit open: %w: %v", g.inner.Name(), domain.ErrGatewayFailed, err)
		}
		return nil, err
	}
	return ch, nil
}

// Name implements domain.ModelGateway.
func (g *CircuitBreakerGateway) Name() string { return g.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (g *CircuitBreakerGateway) State() gobreaker.State {
	return g.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (g *CircuitBreakerGateway) Counts() gobreaker.Counts {
	return g.breaker.Counts()
}

// Compile-time interface checks.
var (
	_ domain.ModelGateway          = (*CircuitBreakerGateway)(nil)
	_ domain.StreamingModelGateway = (*CircuitBreakerGateway)(nil)
)
