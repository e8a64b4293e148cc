package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/expertline/expertline/internal/domain"
)

// LeaseName is the lease periodic sweeps take before running.
const LeaseName = "reconcile"

// RunnerConfig controls the periodic loop.
type RunnerConfig struct {
	Interval time.Duration
	// LeaseTTL should exceed the time one run takes.
	LeaseTTL time.Duration
	// RosterRetention prunes transport reports older than this.
	RosterRetention time.Duration
}

// DefaultRunnerConfig returns the production loop settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Interval:        15 * time.Second,
		LeaseTTL:        time.Minute,
		RosterRetention: time.Hour,
	}
}

// RunnerStore grants leases and holds roster reports.
type RunnerStore interface {
	domain.LeaseStore
	domain.RosterStore
}

// Runner runs the sweeper on an interval. Runs are gated by a store lease
// so several instances do not sweep the same rows at once; correctness does
// not depend on the lease.
type Runner struct {
	sweeper *Sweeper
	store   RunnerStore
	holder  string
	cfg     RunnerConfig
	now     func() time.Time
	logger  *slog.Logger
}

// NewRunner creates a Runner. holder identifies this instance.
func NewRunner(sweeper *Sweeper, store RunnerStore, holder string, cfg RunnerConfig) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	if cfg.RosterRetention <= 0 {
		cfg.RosterRetention = def.RosterRetention
	}
	return &Runner{
		sweeper: sweeper,
		store:   store,
		holder:  holder,
		cfg:     cfg,
		now:     sweeper.now,
		logger:  sweeper.logger,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("reconcile loop started", "interval", r.cfg.Interval, "holder", r.holder)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconcile loop stopped")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one leased sweep. It reports whether this instance held the
// lease.
func (r *Runner) Tick(ctx context.Context) bool {
	now := r.now()
	ok, err := r.store.AcquireLease(ctx, LeaseName, r.holder, now, now.Add(r.cfg.LeaseTTL))
	if err != nil {
		r.logger.Warn("acquire sweep lease", "error", err)
		return false
	}
	if !ok {
		return false
	}

	rep, err := r.sweeper.RunOnce(ctx)
	if err != nil {
		r.logger.Error("reconcile sweep", "error", err)
	}
	if rep != nil && (len(rep.Settled) > 0 || rep.Released > 0 || len(rep.Discrepancies) > 0) {
		r.logger.Info("reconcile sweep done",
			"missed", rep.Missed,
			"failed", rep.Failed,
			"stale", rep.Stale,
			"orphaned", rep.Orphaned,
			"released", rep.Released,
			"discrepancies", len(rep.Discrepancies),
			"errors", rep.Errors)
	}

	if n, err := r.store.PruneRoster(ctx, now.Add(-r.cfg.RosterRetention)); err != nil {
		r.logger.Warn("prune roster reports", "error", err)
	} else if n > 0 {
		r.logger.Debug("pruned roster reports", "count", n)
	}
	return true
}

// StoreRoster reads the transport roster from persisted reports, counting
// only reports newer than MaxAge.
type StoreRoster struct {
	Store  domain.RosterStore
	MaxAge time.Duration
	Now    func() time.Time
}

// LiveRoster implements domain.RosterSource.
func (s StoreRoster) LiveRoster(ctx context.Context) (domain.Roster, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.Store.LiveRoster(ctx, now().Add(-s.MaxAge))
}
