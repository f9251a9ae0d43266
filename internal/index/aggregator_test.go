package index

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var fixedNow = time.Date(2025, 11, 14, 12, 0, 0, 0, time.UTC)

func newTestAggregator(weights Weights) *Aggregator {
	return NewAggregator(weights, Options{Now: func() time.Time { return fixedNow }}, zerolog.Nop())
}

func TestComputeWeightedIndices(t *testing.T) {
	weights := Weights{
		{Provider: "Hyper", WeightPercent: 50, Hyperscaler: true, BuyerDiscountFraction: 0.5, DiscountRate: 0.5},
		{Provider: "Beta", WeightPercent: 25},
		{Provider: "Gamma", WeightPercent: 25},
	}
	agg := newTestAggregator(weights)

	got, bd := agg.Compute([]ProviderSample{
		{Provider: "Hyper", NormalizedPrice: 4},
		{Provider: "beta ", NormalizedPrice: 2},
		{Provider: "Gamma", NormalizedPrice: 3},
	})

	require.InDelta(t, 2.75, got.FullPrice, 1e-9)
	require.InDelta(t, 3.0, got.HyperscalerPrice, 1e-9)
	require.InDelta(t, 2.5, got.NonHyperscalerPrice, 1e-9)
	require.InDelta(t, 100.0, got.TotalWeight, 1e-9)
	require.Equal(t, SourceCalculated, got.Source)
	require.Equal(t, fixedNow, got.ComputedAt)
	require.Len(t, bd.Contributions, 3)
	require.Empty(t, bd.Outliers)
}

func TestComputeEmptyWeightYieldsZero(t *testing.T) {
	agg := newTestAggregator(Weights{{Provider: "Beta", WeightPercent: 10}})

	got, bd := agg.Compute([]ProviderSample{{Provider: "Unknown", NormalizedPrice: 3}})

	require.Zero(t, got.FullPrice)
	require.Zero(t, got.TotalWeight)
	require.False(t, got.Valid())
	require.Len(t, bd.Skipped, 1)
	require.Equal(t, ReasonNoWeight, bd.Skipped[0].Reason)
}

func TestOutlierFilterProtectsHyperscalers(t *testing.T) {
	weights := Weights{
		{Provider: "Hyper", WeightPercent: 40, Hyperscaler: true, BuyerDiscountFraction: 0.8, DiscountRate: 0.5},
		{Provider: "A", WeightPercent: 10},
		{Provider: "B", WeightPercent: 10},
		{Provider: "C", WeightPercent: 10},
		{Provider: "D", WeightPercent: 10},
		{Provider: "E", WeightPercent: 10},
		{Provider: "Spike", WeightPercent: 10},
	}
	agg := newTestAggregator(weights)

	base := []ProviderSample{
		{Provider: "Hyper", NormalizedPrice: 50},
		{Provider: "A", NormalizedPrice: 2.0},
		{Provider: "B", NormalizedPrice: 2.1},
		{Provider: "C", NormalizedPrice: 2.2},
		{Provider: "D", NormalizedPrice: 2.3},
		{Provider: "E", NormalizedPrice: 2.4},
	}
	withSpike := append(append([]ProviderSample{}, base...), ProviderSample{Provider: "Spike", NormalizedPrice: 50})

	_, bdSpike := agg.Compute(withSpike)
	require.Len(t, bdSpike.Outliers, 1)
	require.Equal(t, "Spike", bdSpike.Outliers[0].Provider)
	require.InDelta(t, 3.0, bdSpike.UpperBound, 1e-9)

	_, bdBase := agg.Compute(base)
	require.Equal(t, hyperscalerContributions(bdBase), hyperscalerContributions(bdSpike))
	require.Len(t, hyperscalerContributions(bdSpike), 1, "hyperscaler priced far above the fence must stay")
}

func TestHyperscalerFallbackChain(t *testing.T) {
	entry := WeightEntry{Provider: "Cloud", WeightPercent: 10, Hyperscaler: true, QuotedPrice: 18.8, ResearchPrice: 6.2}

	tests := []struct {
		name    string
		entry   WeightEntry
		samples []ProviderSample
		price   float64
		origin  PriceOrigin
		skipped string
	}{
		{name: "measured", entry: entry, samples: []ProviderSample{{Provider: "Cloud", NormalizedPrice: 5}}, price: 5, origin: OriginMeasured},
		{name: "nan measured uses quote", entry: entry, samples: []ProviderSample{{Provider: "Cloud", NormalizedPrice: math.NaN()}}, price: 18.8, origin: OriginQuoted},
		{name: "not sampled uses quote", entry: entry, price: 18.8, origin: OriginQuoted},
		{name: "research", entry: WeightEntry{Provider: "Cloud", WeightPercent: 10, Hyperscaler: true, ResearchPrice: 6.2}, price: 6.2, origin: OriginResearch},
		{name: "unresolved", entry: WeightEntry{Provider: "Cloud", WeightPercent: 10, Hyperscaler: true}, skipped: ReasonNotSampled},
		{name: "unresolved with nan", entry: WeightEntry{Provider: "Cloud", WeightPercent: 10, Hyperscaler: true}, samples: []ProviderSample{{Provider: "Cloud", NormalizedPrice: math.Inf(1)}}, skipped: ReasonNoPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := newTestAggregator(Weights{tt.entry})
			got, bd := agg.Compute(tt.samples)
			if tt.skipped != "" {
				require.Empty(t, bd.Contributions)
				require.Zero(t, got.TotalWeight, "unresolved provider must carry zero weight")
				require.Equal(t, tt.skipped, bd.Skipped[0].Reason)
				return
			}
			require.Len(t, bd.Contributions, 1)
			require.Equal(t, tt.origin, bd.Contributions[0].Origin)
			require.InDelta(t, tt.price, got.FullPrice, 1e-9)
		})
	}
}

func TestDuplicateProviderCountedOnce(t *testing.T) {
	agg := newTestAggregator(Weights{{Provider: "Voltage Park", Aliases: []string{"VoltagePark"}, WeightPercent: 7.09}})

	got, bd := agg.Compute([]ProviderSample{
		{Provider: "Voltage Park", NormalizedPrice: 2},
		{Provider: "VoltagePark", NormalizedPrice: 4},
	})

	require.InDelta(t, 2.0, got.FullPrice, 1e-9)
	require.InDelta(t, 7.09, got.TotalWeight, 1e-9)
	require.Equal(t, ReasonDuplicate, bd.Skipped[0].Reason)
}

func TestQuantileMatchesLinearInterpolation(t *testing.T) {
	sorted := []float64{2.0, 2.1, 2.2, 2.3, 2.4, 50}
	require.InDelta(t, 2.125, Quantile(sorted, 0.25), 1e-9)
	require.InDelta(t, 2.375, Quantile(sorted, 0.75), 1e-9)
	require.Equal(t, 7.0, Quantile([]float64{7}, 0.75))
	require.True(t, math.IsNaN(Quantile(nil, 0.5)))
}

func TestDefaultWeightsWithinBudget(t *testing.T) {
	ws := DefaultWeights()
	require.LessOrEqual(t, ws.TotalPercent(), 100.0)
	require.ElementsMatch(t, []string{"Amazon Web Services", "Microsoft Azure", "Google Cloud", "CoreWeave"}, ws.HyperscalerNames())
}

func TestFullIndexBoundedByContributors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 8).Draw(t, "providers")
		weights := make(Weights, n)
		samples := make([]ProviderSample, n)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("p%d", i)
			weights[i] = WeightEntry{
				Provider:              name,
				WeightPercent:         rapid.Float64Range(0.01, 100/float64(n)).Draw(t, "weight"),
				Hyperscaler:           rapid.Bool().Draw(t, "hyperscaler"),
				BuyerDiscountFraction: rapid.Float64Range(0, 1).Draw(t, "buyers"),
				DiscountRate:          rapid.Float64Range(0, 0.99).Draw(t, "discount"),
			}
			samples[i] = ProviderSample{Provider: name, NormalizedPrice: rapid.Float64Range(0.01, 100).Draw(t, "price")}
		}

		got, bd := newTestAggregator(weights).Compute(samples)
		if got.TotalWeight == 0 {
			return
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, c := range bd.Contributions {
			lo = math.Min(lo, c.EffectivePrice)
			hi = math.Max(hi, c.EffectivePrice)
		}
		const eps = 1e-9
		if got.FullPrice < lo-eps || got.FullPrice > hi+eps {
			t.Fatalf("full index %v outside [%v, %v]", got.FullPrice, lo, hi)
		}
	})
}

func hyperscalerContributions(bd Breakdown) []Contribution {
	out := make([]Contribution, 0)
	for _, c := range bd.Contributions {
		if c.Hyperscaler {
			out = append(out, c)
		}
	}
	return out
}
