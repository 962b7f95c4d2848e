// Package cleanup removes expired rows without a dedicated timer: each
// admission check rolls the dice, and a winning roll queues one sweep of
// every record family in the background.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"dlgate/internal/backend"
	"dlgate/internal/models"
	"dlgate/internal/tasks"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Deleter is the slice of the backend a sweep needs.
type Deleter interface {
	DeleteExpired(ctx context.Context, table backend.Table, cutoff int64) (int64, error)
}

// Submitter queues background work without blocking.
type Submitter interface {
	Submit(ctx context.Context, name string, fn tasks.Func) bool
}

// Report is the outcome of one sweep.
type Report struct {
	Deleted map[backend.Table]int64
	Err     error
}

type Scheduler struct {
	store    Deleter
	exec     Submitter
	cfg      models.CleanupConfig
	cacheTTL time.Duration
	limiter  *rate.Limiter
	running  atomic.Bool

	// roll returns a uniform value in [0, 1); replaced in tests
	roll func() float64
}

func NewScheduler(store Deleter, exec Submitter, cfg models.CleanupConfig, cacheTTL time.Duration) *Scheduler {
	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	return &Scheduler{
		store:    store,
		exec:     exec,
		cfg:      cfg,
		cacheTTL: cacheTTL,
		limiter:  rate.NewLimiter(limit, 1),
		roll:     rand.Float64,
	}
}

// MaybeTrigger queues a sweep with the configured probability, at most once
// per MinInterval per process, and never while a sweep is running. It
// reports whether a sweep was queued.
func (s *Scheduler) MaybeTrigger(ctx context.Context, now int64) bool {
	if s.cfg.Probability <= 0 || s.roll() >= s.cfg.Probability {
		return false
	}
	if s.running.Load() || !s.limiter.Allow() {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		return false
	}

	queued := s.exec.Submit(ctx, "cleanup", func(ctx context.Context) error {
		defer s.running.Store(false)
		return s.Run(ctx, now).Err
	})
	if !queued {
		s.running.Store(false)
	}
	return queued
}

// Cutoffs returns the expiry horizon per table at now.
func (s *Scheduler) Cutoffs(now int64) map[backend.Table]int64 {
	secs := func(d time.Duration) int64 { return int64(d / time.Second) }
	return map[backend.Table]int64{
		backend.TableRateLimits: now - secs(s.cfg.RateLimitRetention),
		backend.TableCache:      now - secs(s.cacheTTL),
		backend.TableDifficulty: now - secs(s.cfg.DifficultyRetention),
		backend.TableTokens:     now,
	}
}

// Run sweeps every table in parallel. A failing table does not stop the
// others; all failures are joined into Report.Err.
func (s *Scheduler) Run(ctx context.Context, now int64) Report {
	cutoffs := s.Cutoffs(now)
	counts := make([]int64, len(backend.Tables))
	errs := make([]error, len(backend.Tables))

	var g errgroup.Group
	for i, table := range backend.Tables {
		g.Go(func() error {
			n, err := s.store.DeleteExpired(ctx, table, cutoffs[table])
			if err != nil {
				errs[i] = fmt.Errorf("failed to clean %s: %w", table, err)
				slog.Warn("Cleanup failed", "table", string(table), "error", err)
				return nil
			}
			counts[i] = n
			if n > 0 {
				slog.Debug("Cleanup removed expired rows", "table", string(table), "rows", n)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Deleted: make(map[backend.Table]int64, len(backend.Tables)), Err: errors.Join(errs...)}
	for i, table := range backend.Tables {
		if errs[i] == nil {
			report.Deleted[table] = counts[i]
		}
	}
	return report
}
