// Package scheduler holds the dispatch-side services that sit next to
// the claim query: lease reaping, per-tenant admission control and
// override expansion at submission.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/adapter/observability"
	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// Reaper recovers jobs whose lease lapsed: requeue while attempts
// remain, fail with LEASE_EXPIRED otherwise, cancel when a cancel
// request was already pending. The dispositions are decided by the
// repository in one statement; the reaper is the clock.
type Reaper struct {
	Jobs      domain.JobRepository
	Interval  time.Duration
	BatchSize int
}

// NewReaper builds a reaper with the default 15s interval.
func NewReaper(jobs domain.JobRepository) *Reaper {
	return &Reaper{Jobs: jobs, Interval: 15 * time.Second, BatchSize: 100}
}

// SweepOnce reaps one batch of expired leases.
func (r *Reaper) SweepOnce(ctx context.Context) (domain.ReapResult, error) {
	observability.LeaseSweepsTotal.Inc()
	res, err := r.Jobs.ReapExpired(ctx, time.Now().UTC(), r.BatchSize)
	if err != nil {
		return domain.ReapResult{}, err
	}
	if res.Requeued > 0 {
		observability.LeasesReapedTotal.WithLabelValues("requeued").Add(float64(res.Requeued))
	}
	if res.Failed > 0 {
		observability.LeasesReapedTotal.WithLabelValues("failed").Add(float64(res.Failed))
	}
	if res.Cancelled > 0 {
		observability.LeasesReapedTotal.WithLabelValues("cancelled").Add(float64(res.Cancelled))
	}
	if res.Requeued+res.Failed+res.Cancelled > 0 {
		slog.Warn("expired leases reaped",
			slog.Int("requeued", res.Requeued),
			slog.Int("failed", res.Failed),
			slog.Int("cancelled", res.Cancelled))
	}
	return res, nil
}

// RunPeriodic sweeps on a fixed interval until ctx is done. The first
// sweep happens immediately so a restart recovers orphans without
// waiting a full interval.
func (r *Reaper) RunPeriodic(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := r.SweepOnce(ctx); err != nil {
		slog.Error("initial lease sweep failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("lease reaper stopping")
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx); err != nil {
				slog.Error("lease sweep failed", slog.Any("error", err))
			}
		}
	}
}
