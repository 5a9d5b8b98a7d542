package cleanup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	mu      sync.Mutex
	pending int64
	calls   []int
	err     error
}

func (f *fakeSweeper) sweep(limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, limit)
	if f.err != nil {
		return 0, f.err
	}
	count := f.pending
	if count > int64(limit) {
		count = int64(limit)
	}
	f.pending -= count
	return count, nil
}

func (f *fakeSweeper) SweepExpiredSessions(_ context.Context, limit int) (int64, error) {
	return f.sweep(limit)
}

func (f *fakeSweeper) PruneRevokedTokens(_ context.Context, limit int) (int64, error) {
	return f.sweep(limit)
}

func (f *fakeSweeper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepDrainsInBatches(t *testing.T) {
	sessions := &fakeSweeper{pending: 250}
	s := New(discardLogger(), sessions, &fakeSweeper{}, time.Hour, time.Hour, 100)

	s.sweepSessions(context.Background())

	// 100 + 100 + 50: the short batch ends the drain loop.
	assert.Equal(t, []int{100, 100, 100}, sessions.calls)
	assert.Zero(t, sessions.pending)
}

func TestSweepStopsAtExactBoundary(t *testing.T) {
	sessions := &fakeSweeper{pending: 200}
	s := New(discardLogger(), sessions, &fakeSweeper{}, time.Hour, time.Hour, 100)

	s.sweepSessions(context.Background())

	// Two full batches, then one empty pass to see the end.
	assert.Equal(t, []int{100, 100, 100}, sessions.calls)
	assert.Zero(t, sessions.pending)
}

func TestSweepErrorWaitsForNextTick(t *testing.T) {
	sessions := &fakeSweeper{pending: 500, err: errors.New("store is down")}
	s := New(discardLogger(), sessions, &fakeSweeper{}, time.Hour, time.Hour, 100)

	s.sweepSessions(context.Background())

	// No retry loop on failure.
	assert.Equal(t, 1, sessions.callCount())
	assert.Equal(t, int64(500), sessions.pending)
}

func TestPruneErrorDoesNotAffectSessions(t *testing.T) {
	sessions := &fakeSweeper{pending: 10}
	revoked := &fakeSweeper{err: errors.New("store is down")}
	s := New(discardLogger(), sessions, revoked, time.Hour, time.Hour, 100)

	s.sweepSessions(context.Background())
	s.pruneRevoked(context.Background())

	assert.Zero(t, sessions.pending)
	assert.Equal(t, 1, revoked.callCount())
}

func TestRunSweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	sessions := &fakeSweeper{pending: 10}
	revoked := &fakeSweeper{pending: 10}
	s := New(discardLogger(), sessions, revoked, time.Hour, time.Hour, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// The startup sweep fires before the first tick.
	require.Eventually(t, func() bool {
		return sessions.callCount() > 0 && revoked.callCount() > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
