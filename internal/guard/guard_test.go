package guard

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
)

var base = time.Date(2025, 11, 14, 12, 0, 0, 0, time.UTC)

func past(i int, full float64) index.ComputedIndex {
	return index.ComputedIndex{
		FullPrice:           full,
		HyperscalerPrice:    full + 1,
		NonHyperscalerPrice: full - 1,
		TotalWeight:         80,
		ComputedAt:          base.Add(time.Duration(i) * time.Hour),
		Source:              index.SourceCalculated,
	}
}

// sequence returns a ComputeFunc that yields the given full prices in order.
func sequence(t *testing.T, prices ...float64) (ComputeFunc, *int) {
	calls := 0
	return func(context.Context) (index.ComputedIndex, error) {
		if calls >= len(prices) {
			t.Fatalf("unexpected compute call %d", calls+1)
		}
		p := prices[calls]
		calls++
		return index.ComputedIndex{FullPrice: p, HyperscalerPrice: p, NonHyperscalerPrice: p, TotalWeight: 80, ComputedAt: base.Add(48 * time.Hour)}, nil
	}, &calls
}

func newGuard(store history.Store, hook RerunHook) *Guard {
	return New(store, Options{Threshold: 0.5, FallbackWindow: 10, OnRerun: hook, Now: func() time.Time { return base.Add(72 * time.Hour) }}, zerolog.Nop())
}

func TestSmallMoveAccepted(t *testing.T) {
	store := history.NewMemory(past(0, 3.75))
	hookCalls := 0
	g := newGuard(store, func(context.Context, index.ComputedIndex, index.ComputedIndex) error { hookCalls++; return nil })
	compute, calls := sequence(t, 3.78)

	out, err := g.Evaluate(context.Background(), compute)
	require.NoError(t, err)
	require.Equal(t, []State{StateFresh, StateAccepted}, out.Path)
	require.Equal(t, index.SourceCalculated, out.Index.Source)
	require.InDelta(t, 0.008, out.Change, 1e-9)
	require.False(t, out.Recomputed)
	require.Equal(t, 1, *calls)
	require.Zero(t, hookCalls)
	require.Equal(t, 2, store.Len())
}

func TestLargeMoveConfirmedByRerun(t *testing.T) {
	store := history.NewMemory(past(0, 3.75))
	hookCalls := 0
	var hooked index.ComputedIndex
	g := newGuard(store, func(_ context.Context, confirmed, previous index.ComputedIndex) error {
		hookCalls++
		hooked = confirmed
		require.Equal(t, 3.75, previous.FullPrice)
		return nil
	})
	compute, calls := sequence(t, 7.60, 7.58)

	out, err := g.Evaluate(context.Background(), compute)
	require.NoError(t, err)
	require.Equal(t, []State{StateFresh, StateConfirming, StateAccepted}, out.Path)
	require.Equal(t, index.SourceRerun, out.Index.Source)
	require.Equal(t, 7.58, out.Index.FullPrice)
	require.Equal(t, 2, *calls)
	require.Equal(t, 1, hookCalls)
	require.Equal(t, 7.58, hooked.FullPrice)

	last, ok, err := history.Last(context.Background(), store)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, index.SourceRerun, last.Source)
	require.Equal(t, 2, store.Len(), "exactly one entry per terminal transition")
}

func TestLargeMoveWithInvalidRerunFallsBack(t *testing.T) {
	store := history.NewMemory(past(0, 3.0), past(1, 4.0))
	hookCalls := 0
	g := newGuard(store, func(context.Context, index.ComputedIndex, index.ComputedIndex) error { hookCalls++; return nil })
	compute, _ := sequence(t, 9.0, math.NaN())

	out, err := g.Evaluate(context.Background(), compute)
	require.NoError(t, err)
	require.Equal(t, []State{StateFresh, StateConfirming, StateFallbackApplied}, out.Path)
	require.Equal(t, index.SourceFallback, out.Index.Source)
	require.InDelta(t, 3.5, out.Index.FullPrice, 1e-9)
	require.Zero(t, hookCalls, "fallback results never fire the rerun hook")
}

func TestNaNFallsBackToTrailingMean(t *testing.T) {
	seed := make([]index.ComputedIndex, 0, 12)
	for i := 0; i < 12; i++ {
		seed = append(seed, past(i, float64(i+1)))
	}
	store := history.NewMemory(seed...)
	g := newGuard(store, nil)
	compute, calls := sequence(t, math.NaN())

	out, err := g.Evaluate(context.Background(), compute)
	require.NoError(t, err)
	require.Equal(t, []State{StateFresh, StateFallbackApplied}, out.Path)
	require.Equal(t, 1, *calls, "invalid first result skips the deviation check")
	// last ten full prices are 3..12
	require.InDelta(t, 7.5, out.Index.FullPrice, 1e-9)
	require.InDelta(t, 8.5, out.Index.HyperscalerPrice, 1e-9)
	require.InDelta(t, 6.5, out.Index.NonHyperscalerPrice, 1e-9)
	require.Equal(t, index.SourceFallback, out.Index.Source)
	require.Error(t, out.Cause)
	require.Equal(t, 13, store.Len())
}

func TestFallbackWithEmptyHistoryFails(t *testing.T) {
	store := history.NewMemory()
	g := newGuard(store, nil)
	compute, _ := sequence(t, 0)

	_, err := g.Evaluate(context.Background(), compute)
	require.ErrorIs(t, err, ErrNoFallback)
	require.Zero(t, store.Len(), "nothing is fabricated from an empty history")
}

func TestNoHistoryOrZeroPreviousAccepted(t *testing.T) {
	for name, store := range map[string]*history.Memory{
		"empty":         history.NewMemory(),
		"zero previous": history.NewMemory(past(0, 0)),
	} {
		t.Run(name, func(t *testing.T) {
			compute, calls := sequence(t, 5.0)
			out, err := newGuard(store, nil).Evaluate(context.Background(), compute)
			require.NoError(t, err)
			require.Equal(t, StateAccepted, out.Final())
			require.True(t, math.IsNaN(out.Change))
			require.Equal(t, 1, *calls)
		})
	}
}

func TestDataErrorAbortsWithoutAppend(t *testing.T) {
	store := history.NewMemory(past(0, 3.75))
	g := newGuard(store, nil)

	_, err := g.Evaluate(context.Background(), func(context.Context) (index.ComputedIndex, error) {
		return index.ComputedIndex{}, &failure.DataError{Source: "csv", Reason: "missing column normalized_price"}
	})
	require.True(t, failure.IsData(err))
	require.Equal(t, 1, store.Len())
}

func TestDataErrorOnRecomputeAbortsWithoutFallback(t *testing.T) {
	store := history.NewMemory(past(0, 3.75))
	g := newGuard(store, nil)

	calls := 0
	out, err := g.Evaluate(context.Background(), func(context.Context) (index.ComputedIndex, error) {
		calls++
		if calls == 1 {
			return index.ComputedIndex{FullPrice: 7.60, HyperscalerPrice: 7.60, NonHyperscalerPrice: 7.60, TotalWeight: 80, ComputedAt: base.Add(48 * time.Hour)}, nil
		}
		return index.ComputedIndex{}, &failure.DataError{Source: "csv", Reason: "missing column normalized_price"}
	})
	require.True(t, failure.IsData(err))
	require.Equal(t, 2, calls)
	require.True(t, out.Recomputed)
	require.NotContains(t, out.Path, StateFallbackApplied)
	require.Equal(t, 1, store.Len())
}

func TestSourceErrorFallsBack(t *testing.T) {
	store := history.NewMemory(past(0, 3.75))
	g := newGuard(store, nil)

	out, err := g.Evaluate(context.Background(), func(context.Context) (index.ComputedIndex, error) {
		return index.ComputedIndex{}, &failure.ConnectionError{Op: "fetch", Err: errors.New("timeout")}
	})
	require.NoError(t, err)
	require.Equal(t, StateFallbackApplied, out.Final())
	require.Equal(t, 3.75, out.Index.FullPrice)
}

func TestFallbackUsesCorrectedValues(t *testing.T) {
	original := past(0, 10)
	at := original.ComputedAt
	correction := past(1, 2)
	correction.Source = index.SourceCorrection
	correction.Supersedes = &at
	store := history.NewMemory(original, correction)

	avg, ok := TrailingMean(history.Effective([]index.ComputedIndex{original, correction}), 10)
	require.True(t, ok)
	require.Equal(t, 2.0, avg.FullPrice)

	compute, _ := sequence(t, math.NaN())
	out, err := newGuard(store, nil).Evaluate(context.Background(), compute)
	require.NoError(t, err)
	require.Equal(t, 2.0, out.Index.FullPrice)
}
