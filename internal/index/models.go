package index

import (
	"math"
	"time"
)

// Source tags how a ComputedIndex was produced.
type Source string

const (
	SourceCalculated Source = "calculated"
	SourceRerun      Source = "rerun"
	SourceFallback   Source = "fallback_avg"
	// SourceCorrection marks an entry that supersedes an earlier one. The earlier row stays in place.
	SourceCorrection Source = "correction"
)

// ParseSource maps a persisted tag back to a Source.
func ParseSource(v string) (Source, bool) {
	switch Source(v) {
	case SourceCalculated, SourceRerun, SourceFallback, SourceCorrection:
		return Source(v), true
	}
	return "", false
}

// Stream selects one of the three index values published as a separate price stream.
type Stream string

const (
	StreamFull           Stream = "full"
	StreamHyperscaler    Stream = "hyperscaler"
	StreamNonHyperscaler Stream = "non_hyperscaler"
)

// ProviderSample is one normalised per-provider observation from the upstream table.
// A missing price is carried as NaN.
type ProviderSample struct {
	Provider        string
	NormalizedPrice float64
	SampleCount     int
	StdDev          float64
}

// HasPrice reports whether the sample carries a usable measured price.
func (s ProviderSample) HasPrice() bool {
	return finite(s.NormalizedPrice) && s.NormalizedPrice >= 0
}

// ComputedIndex is the result of one aggregation run.
type ComputedIndex struct {
	FullPrice            float64
	HyperscalerPrice     float64
	NonHyperscalerPrice  float64
	TotalWeight          float64
	HyperscalerWeight    float64
	NonHyperscalerWeight float64
	ComputedAt           time.Time
	Source               Source
	// Supersedes is the ComputedAt of the entry a correction replaces.
	Supersedes *time.Time
}

// Valid reports whether the full index is a finite, non-zero price.
func (c ComputedIndex) Valid() bool {
	return finite(c.FullPrice) && c.FullPrice > 0
}

// Price returns the value for the requested stream.
func (c ComputedIndex) Price(stream Stream) float64 {
	switch stream {
	case StreamHyperscaler:
		return c.HyperscalerPrice
	case StreamNonHyperscaler:
		return c.NonHyperscalerPrice
	default:
		return c.FullPrice
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
