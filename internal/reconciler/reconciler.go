// Package reconciler runs the background maintenance jobs: refreshing the
// sandbox catalog from the provider, closing idle builder sessions and
// pruning stale rate-limit buckets. Jobs are scheduled with cron
// expressions and never overlap with themselves.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job names, used in logs and metric labels.
const (
	JobSync  = "sync"
	JobReap  = "reap"
	JobPrune = "prune"
)

// Syncer refreshes catalog records from the provider.
type Syncer interface {
	Sync(ctx context.Context) (int, error)
}

// Reaper closes sessions idle for longer than ttl.
type Reaper interface {
	ReapIdle(ttl time.Duration) int
}

// Pruner drops rate-limit state untouched for longer than idle.
type Pruner interface {
	Prune(idle time.Duration) int
}

// Metrics receives job outcomes. *observability.MetricsCollector satisfies it.
type Metrics interface {
	ReconcilerRun(job string, err error)
	Reconciled(n int)
}

// Config wires a Reconciler. Nil components disable their job.
type Config struct {
	SyncSchedule string
	ReapSchedule string

	// IdleTTL is passed to ReapIdle and Prune.
	IdleTTL time.Duration

	// SyncTimeout bounds one sync run. Zero = 2m.
	SyncTimeout time.Duration

	Syncer  Syncer
	Reaper  Reaper
	Pruner  Pruner
	Metrics Metrics
}

// Reconciler owns the cron scheduler.
type Reconciler struct {
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
}

// New validates the schedules and registers the jobs. Nothing runs until
// Start is called.
func New(cfg Config, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}

	cl := cronLogger{logger: logger}
	r := &Reconciler{
		cfg:    cfg,
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if cfg.Syncer != nil {
		if _, err := r.cron.AddFunc(cfg.SyncSchedule, func() { r.RunSync(context.Background()) }); err != nil {
			return nil, fmt.Errorf("scheduling %s job %q: %w", JobSync, cfg.SyncSchedule, err)
		}
	}
	if cfg.Reaper != nil || cfg.Pruner != nil {
		if _, err := r.cron.AddFunc(cfg.ReapSchedule, r.RunReap); err != nil {
			return nil, fmt.Errorf("scheduling %s job %q: %w", JobReap, cfg.ReapSchedule, err)
		}
	}
	return r, nil
}

// Start runs the scheduler in the background. The returned function stops
// it and waits for running jobs to finish.
func (r *Reconciler) Start(ctx context.Context) func() {
	r.cron.Start()
	r.logger.InfoContext(ctx, "reconciler started",
		slog.String("sync_schedule", r.cfg.SyncSchedule),
		slog.String("reap_schedule", r.cfg.ReapSchedule),
		slog.Int("jobs", len(r.cron.Entries())),
	)
	return func() {
		<-r.cron.Stop().Done()
		r.logger.Info("reconciler stopped")
	}
}

// RunSync performs one catalog refresh.
func (r *Reconciler) RunSync(ctx context.Context) {
	if r.cfg.Syncer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SyncTimeout)
	defer cancel()

	start := time.Now()
	n, err := r.cfg.Syncer.Sync(ctx)
	r.record(JobSync, err)
	if err != nil {
		r.logger.ErrorContext(ctx, "reconciler sync failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)),
		)
		return
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Reconciled(n)
	}
	r.logger.DebugContext(ctx, "reconciler sync done",
		slog.Int("sandboxes", n),
		slog.Duration("duration", time.Since(start)),
	)
}

// RunReap closes idle sessions and prunes idle rate-limit buckets.
func (r *Reconciler) RunReap() {
	if r.cfg.Reaper != nil {
		if n := r.cfg.Reaper.ReapIdle(r.cfg.IdleTTL); n > 0 {
			r.logger.Info("reaped idle sessions", slog.Int("count", n))
		}
		r.record(JobReap, nil)
	}
	if r.cfg.Pruner != nil {
		if n := r.cfg.Pruner.Prune(r.cfg.IdleTTL); n > 0 {
			r.logger.Debug("pruned rate limit buckets", slog.Int("count", n))
		}
		r.record(JobPrune, nil)
	}
}

func (r *Reconciler) record(job string, err error) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReconcilerRun(job, err)
	}
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
