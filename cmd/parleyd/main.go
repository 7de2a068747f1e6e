package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"parley/internal/infra/config"
	"parley/internal/infra/logger"
	"parley/internal/infra/tracer"
	"parley/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`parleyd - conversational assistant backend

USAGE:
    parleyd [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (see config.example.yaml)
    Environment: PARLEY_* variables override config values
    Secrets:     PARLEY_CONFIG_KEY unlocks enc: values in the file

EXAMPLES:
    parleyd                              # run with ./config.yaml
    parleyd --config /etc/parley.yaml    # run with a specific config
    PARLEY_SERVER_ADDR=:9000 parleyd     # override the listen address`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PARLEY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Checkpoint store
	store, storeCloser, err := initStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// 5. Model gateways
	models, err := initModel(cfg.Model, log)
	if err != nil {
		return fmt.Errorf("model: %w", err)
	}

	// 6. Conversation kinds and their tools
	tools, err := initTools(cfg, log)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	defer tools.Close()

	// 7. Runtime (lease, turn runner, sweeper, gateway)
	rt, err := initRuntime(ctx, cfg, store, models, tools, bus, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	// 8. Graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 9. Background maintenance
	if rt.Sweeper != nil {
		rt.Sweeper.Start(ctx)
		defer rt.Sweeper.Stop()
	}

	log.Info("parleyd starting",
		"addr", cfg.Server.Addr,
		"provider", models.Gateway.Name(),
		"store", cfg.Store.Driver,
		"kinds", len(tools.Kinds),
		"knowledge", cfg.Knowledge.Enabled,
		"cluster", cfg.Cluster != nil && cfg.Cluster.Enabled,
		"maintenance", rt.Sweeper != nil,
	)

	// 10. Serve until signalled
	start := time.Now()
	err = rt.Gateway.Start(ctx)
	log.Info("parleyd stopped", "uptime", time.Since(start).Round(time.Second))
	return err
}
