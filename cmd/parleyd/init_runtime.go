package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"parley/internal/adapter/gateway"
	"parley/internal/adapter/lease"
	"parley/internal/adapter/tool"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/usecase"
	"parley/internal/usecase/maintenance"
)

// redisClient wraps a go-redis client to implement lease.Client.
type redisClient struct {
	client *goredis.Client
}

func (r *redisClient) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *redisClient) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *redisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *redisClient) Close() error {
	return r.client.Close()
}

// multiTidier sweeps every kind's artifact directory as one unit.
type multiTidier []*tool.DirArtifactStore

func (m multiTidier) Tidy() (int, error) {
	var total int
	var errs []error
	for _, store := range m {
		n, err := store.Tidy()
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// runtimeComponents holds the assembled serving stack.
type runtimeComponents struct {
	Gateway *gateway.Server
	Sweeper *maintenance.Sweeper // nil when maintenance is disabled
	lease   *lease.Redis         // nil when running standalone
}

// Close releases runtime resources that outlive the serve loop.
func (c *runtimeComponents) Close() error {
	if c.lease != nil {
		return c.lease.Close()
	}
	return nil
}

// initRuntime wires the turn runner, the optional cluster lease and
// maintenance sweeper, and the WebSocket gateway.
func initRuntime(
	ctx context.Context,
	cfg *config.Config,
	store domain.StateStore,
	models *modelComponents,
	tools *toolComponents,
	bus domain.EventBus,
	log *slog.Logger,
) (*runtimeComponents, error) {
	comp := &runtimeComponents{}

	// Cluster thread lease (optional).
	if cfg.Cluster != nil && cfg.Cluster.Enabled {
		threadLease, err := initLease(ctx, cfg.Cluster, log)
		if err != nil {
			return nil, err
		}
		comp.lease = threadLease
		log.Info("cluster mode enabled",
			"node_id", cfg.Cluster.NodeID, "redis_url", cfg.Cluster.RedisURL)
	}

	// Prompt assembly with a token budget.
	counter := usecase.NewTiktokenCounter()
	guard := usecase.NewPromptGuard(usecase.PromptGuardConfig{
		MaxTokens: cfg.Conversations.MaxContextTokens,
	}, counter, log)
	prompts := usecase.NewPromptBuilder(0, guard)

	runnerDeps := usecase.TurnRunnerDeps{
		Gateway:     models.Gateway,
		Store:       store,
		Prompts:     prompts,
		Kinds:       tools.Kinds,
		DefaultKind: cfg.Conversations.DefaultKind,
		Locks:       usecase.NewThreadLocker(),
		Bus:         bus,
		Logger:      log,

		StepLimit:      cfg.Conversations.StepLimit,
		GatewayTimeout: cfg.Model.RequestTimeout,
		ToolTimeout:    cfg.Conversations.ToolTimeout,
		ParallelTools:  cfg.Conversations.ParallelTools,
	}
	if comp.lease != nil {
		runnerDeps.Lease = comp.lease
	}
	runner := usecase.NewTurnRunner(runnerDeps)

	// Maintenance sweeper (optional).
	if cfg.Maintenance.Enabled {
		var tidier maintenance.ArtifactTidier
		if len(tools.Artifacts) > 0 {
			tidier = multiTidier(tools.Artifacts)
		}
		sweeper, err := maintenance.NewSweeper(maintenance.Config{
			Schedule:       cfg.Maintenance.RetentionSchedule,
			RetainVersions: cfg.Store.RetainVersions,
		}, store, tidier, bus, log)
		if err != nil {
			return nil, fmt.Errorf("maintenance: %w", err)
		}
		comp.Sweeper = sweeper
	}

	comp.Gateway = gateway.NewServer(cfg.Server, gateway.ServerDeps{
		Runner: runner,
		Auth:   gateway.NewStaticTokenAuth(cfg.Server.AuthToken),
		Owner:  gateway.NewStoreOwnership(store),
		Bus:    bus,
		Logger: log,
	})

	return comp, nil
}

func initLease(ctx context.Context, cfg *config.ClusterConfig, log *slog.Logger) (*lease.Redis, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = "node-" + domain.NewID(time.Now())
	}
	ttl := 30 * time.Second
	if cfg.LockTTL != "" {
		d, err := time.ParseDuration(cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("parse cluster lock_ttl: %w", err)
		}
		ttl = d
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse cluster redis URL: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cluster redis ping: %w", err)
	}

	return lease.NewRedis(&redisClient{client: rdb}, lease.Config{NodeID: nodeID, TTL: ttl}, log), nil
}
