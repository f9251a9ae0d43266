package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/index"
)

// PriceSource produces the provider price table for one aggregation run.
type PriceSource interface {
	Name() string
	Fetch(ctx context.Context) ([]index.ProviderSample, error)
}

// StaticSample is a configured observation for the static source.
type StaticSample struct {
	Provider        string  `mapstructure:"provider"`
	NormalizedPrice float64 `mapstructure:"normalized_price"`
	SampleCount     int     `mapstructure:"sample_count"`
	StdDev          float64 `mapstructure:"std_dev"`
}

// Options select and parameterise a source.
type Options struct {
	Kind      string
	Path      string
	URL       string
	Timeout   time.Duration
	UserAgent string
	Samples   []StaticSample
}

// Factory builds a source from options.
type Factory func(opts Options, logger zerolog.Logger) (PriceSource, error)

var factories = map[string]Factory{
	"csv":    func(opts Options, logger zerolog.Logger) (PriceSource, error) { return NewCSV(opts.Path, logger) },
	"http":   func(opts Options, logger zerolog.Logger) (PriceSource, error) { return NewHTTP(opts, logger) },
	"static": func(opts Options, _ zerolog.Logger) (PriceSource, error) { return NewStatic(opts.Samples), nil },
}

// Kinds lists the registered source kinds.
func Kinds() []string {
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// New builds the source registered under opts.Kind.
func New(opts Options, logger zerolog.Logger) (PriceSource, error) {
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	factory, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown source kind %q (have %s)", opts.Kind, strings.Join(Kinds(), ", "))
	}
	return factory(opts, logger)
}

// Static serves a fixed table.
type Static struct {
	samples []index.ProviderSample
}

// NewStatic converts configured samples.
func NewStatic(samples []StaticSample) *Static {
	out := make([]index.ProviderSample, len(samples))
	for i, s := range samples {
		out[i] = index.ProviderSample{
			Provider:        s.Provider,
			NormalizedPrice: s.NormalizedPrice,
			SampleCount:     s.SampleCount,
			StdDev:          s.StdDev,
		}
	}
	return &Static{samples: out}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Fetch(ctx context.Context) ([]index.ProviderSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]index.ProviderSample, len(s.samples))
	copy(out, s.samples)
	return out, nil
}

var _ PriceSource = (*Static)(nil)
