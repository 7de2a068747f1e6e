package main

import (
	"fmt"
	"log/slog"

	"parley/internal/adapter/knowledge"
	"parley/internal/adapter/tool"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/usecase"
)

// toolComponents holds the per-kind tool bindings plus the backing
// resources that need closing or sweeping.
type toolComponents struct {
	Kinds     map[string]usecase.KindBinding
	Artifacts []*tool.DirArtifactStore
	knowledge *knowledge.Index
}

// Close releases the knowledge index, if one was opened.
func (c *toolComponents) Close() error {
	if c.knowledge != nil {
		return c.knowledge.Close()
	}
	return nil
}

// initTools opens the knowledge index (when enabled) and builds one
// tool registry per configured conversation kind. Every tool is wrapped
// with schema validation, so bad tool definitions fail at boot rather
// than mid-turn.
func initTools(cfg *config.Config, log *slog.Logger) (*toolComponents, error) {
	comp := &toolComponents{Kinds: make(map[string]usecase.KindBinding)}

	if cfg.Knowledge.Enabled {
		idx, err := knowledge.New(cfg.Knowledge.Path, cfg.Knowledge.DefaultTopK, log)
		if err != nil {
			return nil, fmt.Errorf("open knowledge index: %w", err)
		}
		comp.knowledge = idx
	}

	for name, kc := range cfg.Conversations.Kinds {
		registry := tool.NewRegistry(log)
		for _, toolName := range kc.Tools {
			if toolName == "kb_search" && comp.knowledge == nil {
				// Retrieval is disabled; the kind runs without it.
				log.Warn("kb_search requested but knowledge is disabled, tool not registered", "kind", name)
				continue
			}
			t, err := buildTool(toolName, kc, cfg, comp, log)
			if err != nil {
				return nil, fmt.Errorf("kind %q: %w", name, err)
			}
			validated, err := tool.WithSchemaValidation(t)
			if err != nil {
				return nil, fmt.Errorf("kind %q, tool %q: %w", name, toolName, err)
			}
			if err := registry.Register(validated); err != nil {
				return nil, fmt.Errorf("kind %q: %w", name, err)
			}
		}
		comp.Kinds[name] = usecase.KindBinding{Directive: kc.Directive, Tools: registry}
	}

	if _, ok := comp.Kinds[cfg.Conversations.DefaultKind]; !ok {
		return nil, fmt.Errorf("default kind %q is not defined under conversations.kinds", cfg.Conversations.DefaultKind)
	}

	return comp, nil
}

func buildTool(name string, kc config.KindConfig, cfg *config.Config, comp *toolComponents, log *slog.Logger) (domain.Tool, error) {
	switch name {
	case "kb_search":
		return tool.NewKBSearchTool(comp.knowledge, cfg.Knowledge.DefaultTopK, log), nil
	case "profile_update":
		return tool.NewProfileUpdateTool(kc.Fields, log), nil
	case "profile_get":
		return tool.NewProfileGetTool(kc.Fields, log), nil
	case "intake_export":
		if kc.ArtifactsDir == "" {
			return nil, fmt.Errorf("tool %q requires artifacts_dir", name)
		}
		store, err := tool.NewDirArtifactStore(kc.ArtifactsDir)
		if err != nil {
			return nil, fmt.Errorf("artifact store: %w", err)
		}
		comp.Artifacts = append(comp.Artifacts, store)
		return tool.NewIntakeExportTool(kc.Fields, store, log), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}
