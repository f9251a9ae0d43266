package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"text/tabwriter"
	"time"

	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/publisher"
)

const showAuditEntries = 5

// Show prints the effective index history, the on-chain price per asset, and the latest audit entries.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = a.Config.History.ShowLimit
	}

	res, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer res.Close()

	raw, err := res.history.Recent(ctx, opts.Limit*2)
	if err != nil {
		return err
	}
	entries := history.Effective(raw)
	if len(entries) > opts.Limit {
		entries = entries[len(entries)-opts.Limit:]
	}

	if len(entries) == 0 {
		fmt.Fprintln(a.Out, "no index history found")
	} else {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Computed (UTC)\tFull\tHyperscaler\tNon-hyperscaler\tWeight%\tSource")
		for _, e := range entries {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.ComputedAt.UTC().Format(time.RFC3339),
				formatPrice(e.FullPrice),
				formatPrice(e.HyperscalerPrice),
				formatPrice(e.NonHyperscalerPrice),
				formatPrice(e.TotalWeight),
				e.Source,
			)
		}
		writer.Flush()
	}

	if !opts.Offline {
		if err := a.showOnChain(ctx, opts.Assets); err != nil {
			return err
		}
	}

	audits, err := res.audit.Entries()
	if err != nil {
		return err
	}
	if len(audits) > showAuditEntries {
		audits = audits[len(audits)-showAuditEntries:]
	}
	if len(audits) > 0 {
		fmt.Fprintln(a.Out)
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Logged (UTC)\tAsset\tPrice\tOutcome\tTx\tError")
		for _, e := range audits {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.Timestamp.UTC().Format(time.RFC3339),
				displayAsset(e),
				formatPrice(e.PriceUSD),
				e.Outcome,
				e.RevealTx,
				sanitizeInline(e.Error),
			)
		}
		writer.Flush()
	}
	return nil
}

func (a *App) showOnChain(ctx context.Context, filter []string) error {
	targets, err := a.Config.ResolveTargets(filter)
	if err != nil {
		return err
	}
	oracle, closeOracle, err := a.newOracle()
	if err != nil {
		return err
	}
	defer closeOracle()

	fmt.Fprintln(a.Out)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Asset\tOn-chain\tUpdated (UTC)\tAge")
	for _, t := range targets {
		quote, err := oracle.Read(ctx, t.AssetID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("asset", t.Name).Msg("read on-chain price")
			fmt.Fprintf(writer, "%s\tunavailable\t-\t-\n", t.Name)
			continue
		}
		decimals := t.Decimals
		if decimals == 0 {
			decimals = a.Config.Publisher.DefaultDecimals
		}
		updated, age := "-", "-"
		if !quote.LastUpdated.IsZero() {
			updated = quote.LastUpdated.UTC().Format(time.RFC3339)
			age = time.Since(quote.LastUpdated).Truncate(time.Second).String()
		}
		fmt.Fprintf(writer, "%s\t$%s\t%s\t%s\n", t.Name, publisher.Unscale(quote.Price, decimals).StringFixed(4), updated, age)
	}
	return writer.Flush()
}

func formatPrice(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
