package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
)

// Export renders the effective index history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	res, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer res.Close()

	raw, err := scanHistory(ctx, res.history, opts.From, opts.To, a.Config.Export.MaxDataPoints)
	if err != nil {
		return err
	}
	entries := filterWindow(history.Effective(raw), opts.From, opts.To)
	if len(entries) == 0 {
		a.Logger.Info().Msg("no index history found for export window")
		return nil
	}

	downsampled := downsample(entries, opts.MaxPoints)
	a.Logger.Info().Int("total", len(entries)).Int("exported", len(downsampled)).Msg("exporting index history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// scanHistory reads the trailing limit rows, or with a window set keeps doubling the read until it
// reaches back past from or exhausts the store.
func scanHistory(ctx context.Context, store history.Store, from, to *time.Time, limit int) ([]index.ComputedIndex, error) {
	if limit <= 0 {
		limit = 1000
	}
	for {
		raw, err := store.Recent(ctx, limit)
		if err != nil {
			return nil, err
		}
		if (from == nil && to == nil) || len(raw) < limit {
			return raw, nil
		}
		if from != nil && raw[0].ComputedAt.Before(*from) {
			return raw, nil
		}
		limit *= 2
	}
}

func filterWindow(entries []index.ComputedIndex, from, to *time.Time) []index.ComputedIndex {
	if from == nil && to == nil {
		return entries
	}
	out := entries[:0:0]
	for _, e := range entries {
		if from != nil && e.ComputedAt.Before(*from) {
			continue
		}
		if to != nil && !e.ComputedAt.Before(*to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func downsample(entries []index.ComputedIndex, max int) []index.ComputedIndex {
	if max <= 0 || len(entries) <= max {
		return entries
	}
	if max == 1 {
		return entries[len(entries)-1:]
	}

	result := make([]index.ComputedIndex, 0, max)
	step := float64(len(entries)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(entries) {
			idx = len(entries) - 1
		}
		result = append(result, entries[idx])
	}
	return result
}

func writeHistoryCSV(path string, entries []index.ComputedIndex) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"computed_at", "full_price", "hyperscaler_price", "non_hyperscaler_price", "total_weight", "source", "supersedes"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, e := range entries {
		supersedes := ""
		if e.Supersedes != nil {
			supersedes = e.Supersedes.UTC().Format(time.RFC3339)
		}
		record := []string{
			e.ComputedAt.UTC().Format(time.RFC3339),
			csvFloat(e.FullPrice),
			csvFloat(e.HyperscalerPrice),
			csvFloat(e.NonHyperscalerPrice),
			csvFloat(e.TotalWeight),
			string(e.Source),
			supersedes,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// timeSeries keeps only finite points; a stream with no hyperscaler contributors is NaN.
func timeSeries(name string, entries []index.ComputedIndex, stream index.Stream) (chart.TimeSeries, bool) {
	series := chart.TimeSeries{Name: name}
	for _, e := range entries {
		v := e.Price(stream)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		series.XValues = append(series.XValues, e.ComputedAt)
		series.YValues = append(series.YValues, v)
	}
	return series, len(series.XValues) > 1
}

func writeHistoryPNG(path string, entries []index.ComputedIndex) error {
	if len(entries) < 2 {
		return errors.New("at least two history entries are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	var series []chart.Series
	for _, s := range []struct {
		name   string
		stream index.Stream
	}{
		{"Full index", index.StreamFull},
		{"Hyperscaler", index.StreamHyperscaler},
		{"Non-hyperscaler", index.StreamNonHyperscaler},
	} {
		if ts, ok := timeSeries(s.name, entries, s.stream); ok {
			series = append(series, ts)
		}
	}
	if len(series) == 0 {
		return errors.New("no finite index values to chart")
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "USD per GPU-hour",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
