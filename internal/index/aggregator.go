package index

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// DefaultOutlierMultiplier widens the IQR fence used for non-hyperscaler samples.
const DefaultOutlierMultiplier = 2.5

// PriceOrigin records which link of the hyperscaler fallback chain supplied a price.
type PriceOrigin string

const (
	OriginMeasured PriceOrigin = "measured"
	OriginQuoted   PriceOrigin = "quoted"
	OriginResearch PriceOrigin = "research"
)

// Contribution is one provider's share of the weighted sums.
type Contribution struct {
	Provider       string
	Hyperscaler    bool
	Weight         float64
	Price          float64
	EffectivePrice float64
	Weighted       float64
	Origin         PriceOrigin
}

// Exclusion records a sample that did not contribute to this run.
type Exclusion struct {
	Provider string
	Price    float64
	Reason   string
}

const (
	ReasonOutlier    = "outlier"
	ReasonNoWeight   = "no_weight"
	ReasonNoPrice    = "no_price"
	ReasonDuplicate  = "duplicate"
	ReasonNotSampled = "not_sampled"
)

// Breakdown explains a computation for logs and reports.
type Breakdown struct {
	Contributions []Contribution
	Outliers      []Exclusion
	Skipped       []Exclusion
	LowerBound    float64
	UpperBound    float64
	Filtered      bool
}

// Options tune the aggregator.
type Options struct {
	OutlierMultiplier float64
	Now               func() time.Time
}

// Aggregator turns provider samples into the three weighted indices.
type Aggregator struct {
	weights    Weights
	lookup     map[string]int
	multiplier float64
	now        func() time.Time
	logger     zerolog.Logger
}

// NewAggregator builds an aggregator over a static weight table.
func NewAggregator(weights Weights, opts Options, logger zerolog.Logger) *Aggregator {
	multiplier := opts.OutlierMultiplier
	if multiplier <= 0 {
		multiplier = DefaultOutlierMultiplier
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	table := make(Weights, len(weights))
	copy(table, weights)
	return &Aggregator{
		weights:    table,
		lookup:     table.lookupTable(),
		multiplier: multiplier,
		now:        now,
		logger:     logger.With().Str("component", "aggregator").Logger(),
	}
}

// Weights returns a copy of the weight table in use.
func (a *Aggregator) Weights() Weights {
	out := make(Weights, len(a.weights))
	copy(out, a.weights)
	return out
}

// Compute aggregates one batch of samples. The input slice is never modified.
func (a *Aggregator) Compute(samples []ProviderSample) (ComputedIndex, Breakdown) {
	var bd Breakdown

	seen := make(map[int]bool, len(samples))
	hyperSamples := make(map[int]ProviderSample)
	candidates := make([]ProviderSample, 0, len(samples))

	for _, s := range samples {
		idx, ok := a.lookup[normalizeName(s.Provider)]
		if ok {
			if seen[idx] {
				bd.Skipped = append(bd.Skipped, Exclusion{Provider: s.Provider, Price: s.NormalizedPrice, Reason: ReasonDuplicate})
				continue
			}
			seen[idx] = true
			if a.weights[idx].Hyperscaler {
				hyperSamples[idx] = s
				continue
			}
		}
		candidates = append(candidates, s)
	}

	kept := a.filterOutliers(candidates, &bd)

	var (
		totalSum, totalWeight float64
		hyperSum, hyperWeight float64
		otherSum, otherWeight float64
	)

	for idx, entry := range a.weights {
		if !entry.Hyperscaler {
			continue
		}
		sample, sampled := hyperSamples[idx]
		price, origin, ok := resolveHyperscalerPrice(entry, sample, sampled)
		if !ok {
			reason := ReasonNoPrice
			if !sampled {
				reason = ReasonNotSampled
			}
			bd.Skipped = append(bd.Skipped, Exclusion{Provider: entry.Provider, Price: math.NaN(), Reason: reason})
			continue
		}
		if entry.WeightPercent <= 0 {
			bd.Skipped = append(bd.Skipped, Exclusion{Provider: entry.Provider, Price: price, Reason: ReasonNoWeight})
			continue
		}
		weighted := hyperscalerContribution(entry, price)
		totalSum += weighted
		totalWeight += entry.WeightPercent
		hyperSum += weighted
		hyperWeight += entry.WeightPercent
		bd.Contributions = append(bd.Contributions, Contribution{
			Provider:       entry.Provider,
			Hyperscaler:    true,
			Weight:         entry.WeightPercent,
			Price:          price,
			EffectivePrice: weighted / entry.WeightPercent,
			Weighted:       weighted,
			Origin:         origin,
		})
	}

	for _, s := range kept {
		idx, ok := a.lookup[normalizeName(s.Provider)]
		if !ok || a.weights[idx].WeightPercent <= 0 {
			bd.Skipped = append(bd.Skipped, Exclusion{Provider: s.Provider, Price: s.NormalizedPrice, Reason: ReasonNoWeight})
			continue
		}
		if !s.HasPrice() {
			bd.Skipped = append(bd.Skipped, Exclusion{Provider: s.Provider, Price: s.NormalizedPrice, Reason: ReasonNoPrice})
			continue
		}
		w := a.weights[idx].WeightPercent
		weighted := w * s.NormalizedPrice
		totalSum += weighted
		totalWeight += w
		otherSum += weighted
		otherWeight += w
		bd.Contributions = append(bd.Contributions, Contribution{
			Provider:       a.weights[idx].Provider,
			Weight:         w,
			Price:          s.NormalizedPrice,
			EffectivePrice: s.NormalizedPrice,
			Weighted:       weighted,
			Origin:         OriginMeasured,
		})
	}

	result := ComputedIndex{
		FullPrice:            ratio(totalSum, totalWeight),
		HyperscalerPrice:     ratio(hyperSum, hyperWeight),
		NonHyperscalerPrice:  ratio(otherSum, otherWeight),
		TotalWeight:          totalWeight,
		HyperscalerWeight:    hyperWeight,
		NonHyperscalerWeight: otherWeight,
		ComputedAt:           a.now(),
		Source:               SourceCalculated,
	}

	a.logBreakdown(result, bd)
	return result, bd
}

func (a *Aggregator) filterOutliers(candidates []ProviderSample, bd *Breakdown) []ProviderSample {
	prices := make([]float64, 0, len(candidates))
	for _, s := range candidates {
		if s.HasPrice() {
			prices = append(prices, s.NormalizedPrice)
		}
	}
	if len(prices) == 0 {
		return candidates
	}

	lower, upper := IQRBounds(prices, a.multiplier)
	bd.LowerBound, bd.UpperBound, bd.Filtered = lower, upper, true

	kept := make([]ProviderSample, 0, len(candidates))
	for _, s := range candidates {
		if s.HasPrice() && (s.NormalizedPrice < lower || s.NormalizedPrice > upper) {
			bd.Outliers = append(bd.Outliers, Exclusion{Provider: s.Provider, Price: s.NormalizedPrice, Reason: ReasonOutlier})
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func (a *Aggregator) logBreakdown(result ComputedIndex, bd Breakdown) {
	if bd.Filtered {
		a.logger.Debug().Float64("lower", bd.LowerBound).Float64("upper", bd.UpperBound).Msg("outlier fence")
	}
	for _, o := range bd.Outliers {
		a.logger.Warn().Str("provider", o.Provider).Float64("price", o.Price).Msg("excluded outlier sample")
	}
	for _, s := range bd.Skipped {
		a.logger.Debug().Str("provider", s.Provider).Str("reason", s.Reason).Msg("sample skipped")
	}
	a.logger.Info().
		Float64("full", result.FullPrice).
		Float64("hyperscaler", result.HyperscalerPrice).
		Float64("non_hyperscaler", result.NonHyperscalerPrice).
		Float64("weight_used", result.TotalWeight).
		Int("contributors", len(bd.Contributions)).
		Msg("index computed")
}

// resolveHyperscalerPrice walks measured -> quoted -> research.
func resolveHyperscalerPrice(entry WeightEntry, sample ProviderSample, sampled bool) (float64, PriceOrigin, bool) {
	if sampled && sample.HasPrice() {
		return sample.NormalizedPrice, OriginMeasured, true
	}
	if entry.QuotedPrice > 0 && finite(entry.QuotedPrice) {
		return entry.QuotedPrice, OriginQuoted, true
	}
	if entry.ResearchPrice > 0 && finite(entry.ResearchPrice) {
		return entry.ResearchPrice, OriginResearch, true
	}
	return 0, "", false
}

// hyperscalerContribution blends the discounted and list-price buyer cohorts.
func hyperscalerContribution(entry WeightEntry, price float64) float64 {
	w := entry.WeightPercent
	b := entry.BuyerDiscountFraction
	discounted := w * b * (1 - entry.DiscountRate) * price
	list := w * (1 - b) * price
	return discounted + list
}

func ratio(sum, weight float64) float64 {
	if weight <= 0 {
		return 0
	}
	return sum / weight
}

// IQRBounds returns [Q1 - m*IQR, Q3 + m*IQR] with linearly interpolated quartiles.
func IQRBounds(values []float64, multiplier float64) (float64, float64) {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	q1 := Quantile(sorted, 0.25)
	q3 := Quantile(sorted, 0.75)
	iqr := q3 - q1
	return q1 - multiplier*iqr, q3 + multiplier*iqr
}

// Quantile interpolates linearly between closest ranks. sorted must be ascending and non-empty.
func Quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return sorted[0]
	}
	h := float64(n-1) * q
	lo := int(math.Floor(h))
	if lo >= n-1 {
		return sorted[n-1]
	}
	frac := h - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
