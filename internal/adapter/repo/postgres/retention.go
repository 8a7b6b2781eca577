package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/casare-rpa/internal/domain"
)

// RetentionService prunes the event journal past the retention window so
// the table stays bounded under sustained execution traffic.
type RetentionService struct {
	Events    domain.EventRepository
	Retention time.Duration
}

// NewRetentionService creates a retention sweeper for the event journal.
func NewRetentionService(events domain.EventRepository, retention time.Duration) *RetentionService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RetentionService{Events: events, Retention: retention}
}

// PruneOnce drops frames older than the retention window.
func (s *RetentionService) PruneOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-s.Retention)
	pruned, err := s.Events.Prune(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		slog.Info("event journal pruned",
			slog.Int64("pruned", pruned),
			slog.Time("cutoff", cutoff))
	}
	return nil
}

// RunPeriodic prunes on a fixed interval until ctx is done.
func (s *RetentionService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.PruneOnce(ctx); err != nil {
		slog.Error("initial event prune failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention service stopping")
			return
		case <-ticker.C:
			if err := s.PruneOnce(ctx); err != nil {
				slog.Error("periodic event prune failed", slog.Any("error", err))
			}
		}
	}
}
