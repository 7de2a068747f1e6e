// Package maintenance runs scheduled background sweeps over durable
// state: checkpoint retention pruning and artifact directory tidying.
// Sweeps are off unless configured; a Sweeper with no schedule is a
// construction error, not a silent no-op.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"parley/internal/domain"
	"parley/internal/usecase/eventbus"
)

const defaultRunTimeout = 5 * time.Minute

// Pruner deletes old checkpoint versions. Satisfied by any StateStore.
type Pruner interface {
	Prune(ctx context.Context, keepLatest int) (int64, error)
}

// ArtifactTidier removes leftover temp files from the artifact
// directory. Satisfied by tool.DirArtifactStore.
type ArtifactTidier interface {
	Tidy() (int, error)
}

// Config tunes the sweep cadence and scope.
type Config struct {
	// Schedule is a cron expression ("0 3 * * *", "@daily") or a Go
	// duration ("12h").
	Schedule string
	// RetainVersions is the number of checkpoint versions kept per
	// thread. Zero or negative disables pruning; tidying still runs.
	RetainVersions int
	// RunTimeout bounds one sweep. Zero means 5 minutes.
	RunTimeout time.Duration
}

// Report summarizes one completed sweep.
type Report struct {
	PrunedCheckpoints int64
	RemovedArtifacts  int
	Duration          time.Duration
}

// Sweeper owns the cron entry and runs sweeps until stopped.
type Sweeper struct {
	cfg    Config
	store  Pruner
	tidier ArtifactTidier
	bus    domain.EventBus
	logger *slog.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewSweeper validates the schedule and registers the sweep job. The
// tidier and bus may be nil; pruning alone still works.
func NewSweeper(cfg Config, store Pruner, artifacts ArtifactTidier, bus domain.EventBus, logger *slog.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("maintenance: nil store")
	}
	schedule, err := parseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}

	s := &Sweeper{
		cfg:    cfg,
		store:  store,
		tidier: artifacts,
		bus:    bus,
		logger: logger,
		cron:   cron.New(),
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

// Start begins running sweeps on schedule. Idempotent.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	s.logger.Info("maintenance sweeper started",
		"schedule", s.cfg.Schedule,
		"retain_versions", s.cfg.RetainVersions)
}

// Stop cancels the sweep context and waits for a running sweep to
// finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.ctx = nil
	s.started = false
	s.logger.Info("maintenance sweeper stopped")
}

// run is the cron entry point.
func (s *Sweeper) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	report, err := s.Sweep(runCtx)
	if err != nil {
		s.logger.Warn("maintenance sweep failed",
			"error", err,
			"duration", report.Duration)
		return
	}
	s.logger.Info("maintenance sweep completed",
		"pruned_checkpoints", report.PrunedCheckpoints,
		"removed_artifacts", report.RemovedArtifacts,
		"duration", report.Duration)
}

// Sweep runs one pass immediately, outside the schedule. Prune and
// tidy run independently so one failing does not starve the other.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report
	var errs []error

	if s.cfg.RetainVersions > 0 {
		pruned, err := s.store.Prune(ctx, s.cfg.RetainVersions)
		if err != nil {
			errs = append(errs, fmt.Errorf("checkpoint prune: %w", err))
		} else {
			report.PrunedCheckpoints = pruned
		}
	}
	if s.tidier != nil {
		removed, err := s.tidier.Tidy()
		if err != nil {
			errs = append(errs, fmt.Errorf("artifact tidy: %w", err))
		} else {
			report.RemovedArtifacts = removed
		}
	}
	report.Duration = time.Since(start)

	if err := errors.Join(errs...); err != nil {
		return report, err
	}
	eventbus.Emit(ctx, s.bus, domain.EventPruneDone, "", map[string]any{
		"pruned_checkpoints": report.PrunedCheckpoints,
		"removed_artifacts":  report.RemovedArtifacts,
		"duration_ms":        report.Duration.Milliseconds(),
	})
	return report, nil
}

// parseSchedule accepts a standard 5-field cron expression (with
// descriptors like @daily) or, failing that, a Go duration string.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, errors.New("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every() it
// supports sub-second durations, which the tests lean on.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
