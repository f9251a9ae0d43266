package guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
)

// ErrNoFallback is returned when a fallback is required but history holds no valid price.
var ErrNoFallback = errors.New("guard: no valid history to average")

// State is a step of the consistency check.
type State string

const (
	StateFresh           State = "fresh"
	StateConfirming      State = "confirming"
	StateAccepted        State = "accepted"
	StateFallbackApplied State = "fallback_applied"
)

const (
	DefaultThreshold      = 0.5
	DefaultFallbackWindow = 10
)

// ComputeFunc derives an index from scratch. The guard calls it a second time to confirm large moves,
// so it must re-read its inputs rather than return a cached value.
type ComputeFunc func(ctx context.Context) (index.ComputedIndex, error)

// RerunHook is notified once per confirmed significant move.
type RerunHook func(ctx context.Context, confirmed, previous index.ComputedIndex) error

// Options tune the guard.
type Options struct {
	Threshold      float64
	FallbackWindow int
	OnRerun        RerunHook
	Now            func() time.Time
}

// Outcome describes one evaluation.
type Outcome struct {
	Index    index.ComputedIndex
	Path     []State
	Previous *index.ComputedIndex
	// Change is the relative move of the first computation against Previous; NaN when undefined.
	Change     float64
	Recomputed bool
	// Cause explains why a fallback was applied.
	Cause error
}

// Final returns the terminal state.
func (o Outcome) Final() State {
	if len(o.Path) == 0 {
		return StateFresh
	}
	return o.Path[len(o.Path)-1]
}

// Guard checks fresh computations against history and owns history appends.
type Guard struct {
	store  history.Store
	opts   Options
	logger zerolog.Logger
}

// New constructs a Guard over store.
func New(store history.Store, opts Options, logger zerolog.Logger) *Guard {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.FallbackWindow <= 0 {
		opts.FallbackWindow = DefaultFallbackWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Guard{store: store, opts: opts, logger: logger.With().Str("component", "guard").Logger()}
}

// Evaluate runs the state machine and appends exactly one entry on success. A DataError from the
// first computation aborts without touching history.
func (g *Guard) Evaluate(ctx context.Context, compute ComputeFunc) (Outcome, error) {
	out := Outcome{Path: []State{StateFresh}, Change: math.NaN()}

	prev, hasPrev, err := g.previous(ctx)
	if err != nil {
		return out, fmt.Errorf("read history: %w", err)
	}
	if hasPrev {
		out.Previous = &prev
	}

	first, err := compute(ctx)
	if err != nil {
		if failure.IsData(err) || errors.Is(err, context.Canceled) {
			return out, err
		}
		return g.fallback(ctx, out, fmt.Errorf("compute: %w", err))
	}
	if !first.Valid() {
		return g.fallback(ctx, out, fmt.Errorf("computed full price %v is not usable", first.FullPrice))
	}

	if hasPrev {
		out.Change = relativeChange(first.FullPrice, prev.FullPrice)
	}
	if math.IsNaN(out.Change) || out.Change < g.opts.Threshold {
		first.Source = index.SourceCalculated
		return g.accept(ctx, out, first)
	}

	out.Path = append(out.Path, StateConfirming)
	out.Recomputed = true
	g.logger.Warn().
		Float64("previous", prev.FullPrice).
		Float64("current", first.FullPrice).
		Float64("change", out.Change).
		Float64("threshold", g.opts.Threshold).
		Msg("large move; recomputing to confirm")

	second, err := compute(ctx)
	if err != nil {
		if failure.IsData(err) || errors.Is(err, context.Canceled) {
			return out, err
		}
		return g.fallback(ctx, out, fmt.Errorf("confirmation compute: %w", err))
	}
	if !second.Valid() {
		return g.fallback(ctx, out, fmt.Errorf("confirmation full price %v is not usable", second.FullPrice))
	}

	second.Source = index.SourceRerun
	out, err = g.accept(ctx, out, second)
	if err != nil {
		return out, err
	}
	if g.opts.OnRerun != nil {
		if hookErr := g.opts.OnRerun(ctx, out.Index, prev); hookErr != nil {
			g.logger.Error().Err(hookErr).Msg("rerun hook failed")
		}
	}
	return out, nil
}

func (g *Guard) accept(ctx context.Context, out Outcome, result index.ComputedIndex) (Outcome, error) {
	if err := g.store.Append(ctx, result); err != nil {
		return out, fmt.Errorf("append history: %w", err)
	}
	out.Index = result
	out.Path = append(out.Path, StateAccepted)
	g.logger.Info().
		Str("source", string(result.Source)).
		Float64("full", result.FullPrice).
		Float64("hyperscaler", result.HyperscalerPrice).
		Float64("non_hyperscaler", result.NonHyperscalerPrice).
		Msg("index accepted")
	return out, nil
}

func (g *Guard) fallback(ctx context.Context, out Outcome, cause error) (Outcome, error) {
	out.Cause = cause
	g.logger.Warn().Err(cause).Msg("computation unusable; applying trailing average")

	entries, err := g.store.Recent(ctx, 3*g.opts.FallbackWindow)
	if err != nil {
		return out, fmt.Errorf("read history: %w", err)
	}
	avg, ok := TrailingMean(history.Effective(entries), g.opts.FallbackWindow)
	if !ok {
		return out, fmt.Errorf("%w (%v)", ErrNoFallback, cause)
	}
	avg.ComputedAt = g.opts.Now().UTC()
	avg.Source = index.SourceFallback

	if err := g.store.Append(ctx, avg); err != nil {
		return out, fmt.Errorf("append history: %w", err)
	}
	out.Index = avg
	out.Path = append(out.Path, StateFallbackApplied)
	g.logger.Info().Float64("full", avg.FullPrice).Int("window", g.opts.FallbackWindow).Msg("fallback average applied")
	return out, nil
}

func (g *Guard) previous(ctx context.Context) (index.ComputedIndex, bool, error) {
	entries, err := g.store.Recent(ctx, 3*g.opts.FallbackWindow)
	if err != nil {
		return index.ComputedIndex{}, false, err
	}
	eff := history.Effective(entries)
	if len(eff) == 0 {
		return index.ComputedIndex{}, false, nil
	}
	return eff[len(eff)-1], true, nil
}

// TrailingMean averages each price field over its last window valid values, newest first.
// It fails when no valid full price exists.
func TrailingMean(entries []index.ComputedIndex, window int) (index.ComputedIndex, bool) {
	var full, hyper, non, weight, hw, nw mean
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if full.n < window && usable(e.FullPrice) {
			full.add(e.FullPrice)
			weight.add(e.TotalWeight)
			hw.add(e.HyperscalerWeight)
			nw.add(e.NonHyperscalerWeight)
		}
		if hyper.n < window && usable(e.HyperscalerPrice) {
			hyper.add(e.HyperscalerPrice)
		}
		if non.n < window && usable(e.NonHyperscalerPrice) {
			non.add(e.NonHyperscalerPrice)
		}
	}
	if full.n == 0 {
		return index.ComputedIndex{}, false
	}
	return index.ComputedIndex{
		FullPrice:            full.value(),
		HyperscalerPrice:     hyper.value(),
		NonHyperscalerPrice:  non.value(),
		TotalWeight:          weight.value(),
		HyperscalerWeight:    hw.value(),
		NonHyperscalerWeight: nw.value(),
	}, true
}

// relativeChange is |new-old|/old, NaN when old is zero or unusable.
func relativeChange(current, old float64) float64 {
	if old == 0 || math.IsNaN(old) || math.IsInf(old, 0) {
		return math.NaN()
	}
	return math.Abs(current-old) / math.Abs(old)
}

func usable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	m.sum += v
	m.n++
}

func (m mean) value() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}
