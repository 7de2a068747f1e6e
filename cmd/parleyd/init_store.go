package main

import (
	"fmt"
	"log/slog"

	"parley/internal/adapter/statestore"
	"parley/internal/domain"
	"parley/internal/infra/config"
)

// initStore builds the checkpoint store selected by the config. The
// returned closer is nil for stores with nothing to close.
func initStore(cfg config.StoreConfig, log *slog.Logger) (domain.StateStore, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return statestore.NewMemory(), nil, nil
	case "sqlite", "":
		st, err := statestore.NewSQLite(cfg.Path, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, st.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q (want sqlite or memory)", cfg.Driver)
	}
}
