package main

import (
	"fmt"
	"log/slog"

	"parley/internal/adapter/model"
	"parley/internal/domain"
	"parley/internal/infra/config"
)

// modelComponents holds the assembled model stack: the default gateway
// (with failover and circuit breaking applied) and the registry of all
// configured providers.
type modelComponents struct {
	Gateway  domain.ModelGateway
	Registry *model.Registry
}

// initModel builds one gateway per configured provider, wraps each in a
// circuit breaker when enabled, and layers failover over the default.
func initModel(cfg config.ModelConfig, log *slog.Logger) (*modelComponents, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no model providers configured")
	}

	registry := model.NewRegistry()
	for _, pc := range cfg.Providers {
		gw, err := buildProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		if cfg.CircuitBreaker.Enabled {
			gw = model.NewCircuitBreakerGateway(gw, cfg.CircuitBreaker, log)
		}
		if err := registry.Register(gw); err != nil {
			return nil, err
		}
	}

	gateway, err := registry.Get(cfg.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default provider %q: %w", cfg.DefaultProvider, err)
	}

	if cfg.Failover.Enabled && len(cfg.Failover.Fallbacks) > 0 {
		fallbacks := make([]domain.ModelGateway, 0, len(cfg.Failover.Fallbacks))
		for _, name := range cfg.Failover.Fallbacks {
			fb, err := registry.Get(name)
			if err != nil {
				return nil, fmt.Errorf("failover fallback %q: %w", name, err)
			}
			fallbacks = append(fallbacks, fb)
		}
		gateway = model.NewFailoverGateway(gateway, fallbacks, log)
	}

	return &modelComponents{Gateway: gateway, Registry: registry}, nil
}

func buildProvider(pc config.ProviderConfig, log *slog.Logger) (domain.ModelGateway, error) {
	switch pc.Type {
	case "anthropic":
		return model.NewAnthropicGateway(pc, log), nil
	case "openai":
		return model.NewOpenAIGateway(pc, log), nil
	case "bedrock":
		return model.NewBedrockGateway(pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type %q (want anthropic, openai or bedrock)", pc.Type)
	}
}
