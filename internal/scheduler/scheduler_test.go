package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2026, 5, 1, 10, 17, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC), s.NextTick(now))

	onBoundary := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), s.NextTick(onBoundary))
	require.Equal(t, onBoundary, s.BucketStart(onBoundary.Add(42*time.Second)))
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute}, zerolog.Nop())
	now := time.Date(2026, 5, 1, 10, 17, 3, 0, time.UTC)
	require.Equal(t, now.Add(15*time.Minute), s.NextTick(now))
	require.Equal(t, now, s.BucketStart(now))
}

func TestRunOnStartFiresImmediately(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	type firing struct {
		bucket      time.Time
		hasDeadline bool
	}
	fired := make(chan firing, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			_, hasDeadline := ctx.Deadline()
			fired <- firing{bucket: bucket, hasDeadline: hasDeadline}
			return errors.New("failures are logged, not fatal")
		})
	}()

	select {
	case f := <-fired:
		require.Zero(t, f.bucket.Minute())
		require.True(t, f.hasDeadline)
	case <-time.After(2 * time.Second):
		t.Fatal("tick did not fire on start")
	}
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	require.Panics(t, func() { New(Options{}, zerolog.Nop()) })
}
