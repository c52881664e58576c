package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"identity-server/internal/observability"
)

type fakeStore struct {
	mu     sync.Mutex
	calls  []time.Time
	result int64
	err    error
}

func (f *fakeStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, now)
	return f.result, f.err
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSweepAbsorbsStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("connection reset")}
	sweeper := NewSweeper(store, observability.NewLogger(), 2)

	sweeper.Sweep(context.Background())
	require.Equal(t, 1, store.callCount())

	// A later pass after recovery succeeds.
	store.err = nil
	store.result = 7
	sweeper.Sweep(context.Background())
	require.Equal(t, 2, store.callCount())
}

func TestNextRunScheduling(t *testing.T) {
	sweeper := NewSweeper(&fakeStore{}, observability.NewLogger(), 2)

	before := time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), sweeper.nextRun(before))

	after := time.Date(2026, 3, 1, 2, 0, 0, 1, time.UTC)
	require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), sweeper.nextRun(after))

	exactly := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC), sweeper.nextRun(exactly))
}

func TestInvalidHourFallsBack(t *testing.T) {
	sweeper := NewSweeper(&fakeStore{}, observability.NewLogger(), 99)
	require.Equal(t, 2, sweeper.hour)

	midnight := NewSweeper(&fakeStore{}, observability.NewLogger(), 0)
	require.Equal(t, 0, midnight.hour)
}

func TestRunStopsOnCancel(t *testing.T) {
	sweeper := NewSweeper(&fakeStore{}, observability.NewLogger(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancellation")
	}
}
