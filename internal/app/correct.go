package app

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
)

const correctScanLimit = 5000

// Correct appends a correction entry superseding the history row computed at opts.Target.
func (a *App) Correct(ctx context.Context, opts CorrectOptions) (index.ComputedIndex, error) {
	corrected := index.ComputedIndex{
		FullPrice:           opts.Price,
		HyperscalerPrice:    opts.Price,
		NonHyperscalerPrice: opts.Price,
		ComputedAt:          time.Now().UTC(),
	}
	if opts.Hyperscaler != nil {
		corrected.HyperscalerPrice = *opts.Hyperscaler
	}
	if opts.NonHyperscaler != nil {
		corrected.NonHyperscalerPrice = *opts.NonHyperscaler
	}
	for _, p := range []struct {
		field string
		v     float64
	}{
		{"price", corrected.FullPrice},
		{"hyperscaler_price", corrected.HyperscalerPrice},
		{"non_hyperscaler_price", corrected.NonHyperscalerPrice},
	} {
		if !(p.v >= a.Config.Publisher.MinPrice && p.v <= a.Config.Publisher.MaxPrice) {
			return index.ComputedIndex{}, &failure.ValidationError{
				Field: p.field,
				Value: strconv.FormatFloat(p.v, 'f', -1, 64),
				Bound: fmt.Sprintf("[%g, %g]", a.Config.Publisher.MinPrice, a.Config.Publisher.MaxPrice),
			}
		}
	}

	res, err := a.open(ctx)
	if err != nil {
		return index.ComputedIndex{}, err
	}
	defer res.Close()

	entry, err := history.Correct(ctx, res.history, opts.Target, corrected, correctScanLimit)
	if err != nil {
		return index.ComputedIndex{}, err
	}
	a.Logger.Info().
		Time("supersedes", opts.Target).
		Float64("full_price", entry.FullPrice).
		Msg("history correction appended")
	fmt.Fprintf(a.Out, "correction %s supersedes %s at $%.4f/hr\n",
		entry.ComputedAt.Format(time.RFC3339), opts.Target.UTC().Format(time.RFC3339), entry.FullPrice)
	return entry, nil
}
