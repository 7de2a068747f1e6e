// Package lease coordinates turn exclusivity across server instances.
package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/domain"
)

// Client abstracts the Redis operations the lease needs. A real
// go-redis client or an in-memory fake can stand in interchangeably.
type Client interface {
	// SetNX sets key to value if it does not exist. Returns true if set.
	SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error)
	// Get retrieves the value of a key.
	Get(ctx context.Context, key string) (string, error)
	// Del deletes one or more keys.
	Del(ctx context.Context, keys ...string) error
	// Close shuts down the client.
	Close() error
}

const (
	keyPrefix  = "parley:thread:lease:"
	defaultTTL = 30 * time.Second
)

// Config holds lease settings.
type Config struct {
	NodeID string
	TTL    time.Duration // default: 30s
}

// Redis implements domain.ThreadLease on a shared Redis instance. One
// lease per thread; the TTL bounds how long a crashed holder can block
// its thread.
type Redis struct {
	client Client
	nodeID string
	ttl    time.Duration
	logger *slog.Logger
}

var _ domain.ThreadLease = (*Redis)(nil)

// NewRedis creates a thread lease backed by the given client.
func NewRedis(client Client, cfg Config, logger *slog.Logger) *Redis {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, nodeID: cfg.NodeID, ttl: ttl, logger: logger}
}

// Acquire takes the lease for threadID or fails with ErrTurnInFlight
// when another holder owns it. The returned func releases the lease
// early; otherwise the TTL reclaims it.
func (l *Redis) Acquire(ctx context.Context, threadID string) (func(), error) {
	const op = "lease.Redis.Acquire"

	key := keyPrefix + threadID
	// Per-acquisition token, so a release can only free its own grant
	// even when the same node re-acquires after a TTL expiry.
	holder := l.nodeID + "/" + domain.NewID(time.Now())

	acquired, err := l.client.SetNX(ctx, key, holder, l.ttl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !acquired {
		return nil, domain.NewDomainError(op, domain.ErrTurnInFlight, threadID)
	}
	l.logger.Debug("thread lease acquired", "thread_id", threadID, "holder", holder)

	release := func() {
		// The turn context is usually done by release time; use a
		// fresh one so the lease does not outlive its turn by a TTL.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.release(ctx, key, holder, threadID)
	}
	return release, nil
}

// release deletes the lease only while this acquisition still holds
// it. If the TTL already reclaimed the key, or another holder took
// over, there is nothing to free.
func (l *Redis) release(ctx context.Context, key, holder, threadID string) {
	owner, err := l.client.Get(ctx, key)
	if err != nil {
		// Key gone; the TTL beat us to it.
		return
	}
	if owner != holder {
		l.logger.Debug("skipping lease release (not holder)",
			"thread_id", threadID, "owner", owner)
		return
	}
	if err := l.client.Del(ctx, key); err != nil {
		l.logger.Warn("thread lease release failed", "thread_id", threadID, "error", err)
		return
	}
	l.logger.Debug("thread lease released", "thread_id", threadID)
}

// Close shuts down the underlying client.
func (l *Redis) Close() error { return l.client.Close() }
