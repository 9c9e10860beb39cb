package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/observability"
	"github.com/noah-isme/judgedispatch/internal/repository"
)

// LeaseReaper hands back the claims of judgehosts that stopped polling.
type LeaseReaper struct {
	store    repository.Store
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewLeaseReaper constructs the reaper. A zero timeout disables it.
func NewLeaseReaper(store repository.Store, timeout, interval time.Duration, logger zerolog.Logger) *LeaseReaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LeaseReaper{
		store:    store,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With().Str("component", "lease_reaper").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether stale claims are reclaimed at all.
func (r *LeaseReaper) Enabled() bool {
	return r.timeout > 0
}

// Run sweeps on every tick until the context is canceled.
func (r *LeaseReaper) Run(ctx context.Context) {
	if !r.Enabled() {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("lease sweep failed")
			}
		}
	}
}

// Sweep releases unreported claims of every judgehost whose last poll is older than the
// timeout and returns the number of jobs that got work back.
func (r *LeaseReaper) Sweep(ctx context.Context) (int, error) {
	if !r.Enabled() {
		return 0, nil
	}

	stale, err := r.store.Judgehosts().ListStale(ctx, r.now().Add(-r.timeout))
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, host := range stale {
		err := r.store.Transaction(ctx, func(tx repository.Store) error {
			jobs, err := tx.JudgeTasks().ReleaseUnreported(ctx, host.ID, nil)
			if err != nil {
				return err
			}
			for _, jobID := range jobs {
				if err := reopenQueueTask(ctx, tx, jobID); err != nil {
					return err
				}
			}
			if len(jobs) > 0 {
				r.logger.Warn().Str("judgehost", host.Hostname).Int("jobs", len(jobs)).Msg("reclaimed claims of silent judgehost")
			}
			reclaimed += len(jobs)
			return nil
		})
		if err != nil {
			return reclaimed, err
		}
	}

	if reclaimed > 0 {
		observability.LeasesReclaimed().Add(float64(reclaimed))
	}
	return reclaimed, nil
}
