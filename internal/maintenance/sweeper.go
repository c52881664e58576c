package maintenance

import (
	"context"
	"time"

	"identity-server/internal/observability"
)

// Store is the slice of the persistence layer the sweeper needs.
type Store interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// Sweeper deletes expired pending identities and expired refresh token rows
// once a day, independent of the verification-triggered deletes. Rows that
// are never presented again would otherwise accumulate forever.
type Sweeper struct {
	store  Store
	logger *observability.Logger
	hour   int
	now    func() time.Time
}

func NewSweeper(store Store, logger *observability.Logger, hour int) *Sweeper {
	if hour < 0 || hour > 23 {
		hour = 2
	}
	return &Sweeper{store: store, logger: logger, hour: hour, now: time.Now}
}

// Run blocks until ctx is cancelled, sweeping at the configured UTC hour.
// Meant to be started on its own goroutine from the bootstrap.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		wait := time.Until(s.nextRun(s.now().UTC()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one purge pass. Failures are logged and absorbed; the next
// scheduled run retries.
func (s *Sweeper) Sweep(ctx context.Context) {
	started := s.now().UTC()
	deleted, err := s.store.PurgeExpired(ctx, started)
	if err != nil {
		s.logger.Error("cleanup_sweep_failed", map[string]any{"error": err.Error()})
		return
	}
	s.logger.Info("cleanup_sweep_completed", map[string]any{
		"deleted_rows": deleted,
		"duration_ms":  time.Since(started).Milliseconds(),
	})
}

func (s *Sweeper) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
