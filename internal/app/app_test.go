package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/config"
	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
	"gpu-price-oracle/internal/ledger"
	"gpu-price-oracle/internal/service"
	"gpu-price-oracle/internal/source"
)

func newTestApp(t *testing.T) (*App, *ledger.Memory, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Source: config.SourceConfig{Kind: "static", Samples: []source.StaticSample{
			{Provider: "Lambda Labs", NormalizedPrice: 2.0},
			{Provider: "RunPod", NormalizedPrice: 3.0},
		}},
		Index: config.IndexConfig{
			Weights: index.Weights{
				{Provider: "Lambda Labs", WeightPercent: 50},
				{Provider: "RunPod", WeightPercent: 50},
			},
			OutlierMultiplier:  2.5,
			DeviationThreshold: 0.5,
			FallbackWindow:     10,
		},
		History:   config.HistoryConfig{Path: filepath.Join(dir, "history.csv"), ShowLimit: 10},
		Publisher: config.PublisherConfig{MinPrice: 0.01, MaxPrice: 100, DefaultDecimals: 18, MaxAttempts: 1, Verify: true},
		Targets:   []config.TargetConfig{{Name: "H100"}},
		Audit:     config.AuditConfig{Path: filepath.Join(dir, "audit.json"), MaxEntries: 100},
		Export:    config.ExportConfig{MaxDataPoints: 1000},
	}

	oracle := ledger.NewMemory(ledger.AssetIDFromName("H100"))
	out := &bytes.Buffer{}
	a := NewApp(cfg, zerolog.Nop())
	a.Out = out
	a.newOracle = func() (ledger.Oracle, func(), error) { return oracle, func() {}, nil }
	return a, oracle, out
}

func seedHistory(t *testing.T, a *App, prices ...float64) []index.ComputedIndex {
	t.Helper()
	store := history.NewFile(a.Config.History.Path)
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	var entries []index.ComputedIndex
	for i, p := range prices {
		e := index.ComputedIndex{
			FullPrice:           p,
			HyperscalerPrice:    p + 1,
			NonHyperscalerPrice: p - 0.5,
			TotalWeight:         100,
			ComputedAt:          start.Add(time.Duration(i) * time.Hour),
			Source:              index.SourceCalculated,
		}
		require.NoError(t, store.Append(context.Background(), e))
		entries = append(entries, e)
	}
	return entries
}

func TestPublishRecordsHistoryAndAudit(t *testing.T) {
	a, oracle, out := newTestApp(t)

	report, err := a.Publish(context.Background(), service.CycleOptions{})
	require.NoError(t, err)
	require.Equal(t, 2.5, report.Index.FullPrice)

	q, err := oracle.Read(context.Background(), ledger.AssetIDFromName("H100"))
	require.NoError(t, err)
	require.Equal(t, "2500000000000000000", q.Price.String())

	entries, err := history.NewFile(a.Config.History.Path).Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	logged, err := audit.NewFile(a.Config.Audit.Path, 100, zerolog.Nop()).Entries()
	require.NoError(t, err)
	require.Len(t, logged, 1)
	require.Equal(t, audit.OutcomeSuccess, logged[0].Outcome)

	require.Contains(t, out.String(), "H100")
	require.Contains(t, out.String(), "success")
}

func TestSimulateLeavesStateUntouched(t *testing.T) {
	a, oracle, _ := newTestApp(t)
	seedHistory(t, a, 2.4)

	report, err := a.Simulate(context.Background(), SimulateOptions{})
	require.NoError(t, err)
	require.Len(t, report.Publications, 1)
	require.Equal(t, audit.OutcomeSuccess, report.Publications[0].Outcome)

	require.Zero(t, oracle.WriteCalls(), "simulation must not reach the configured ledger")
	entries, err := history.NewFile(a.Config.History.Path).Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = os.Stat(a.Config.Audit.Path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSimulateNotifyRequiresAlerting(t *testing.T) {
	a, _, _ := newTestApp(t)
	_, err := a.Simulate(context.Background(), SimulateOptions{Notify: true})
	require.Error(t, err)
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	a, _, _ := newTestApp(t)
	seedHistory(t, a, 2.4, 2.5, 2.6)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "history.csv")
	pngPath := filepath.Join(dir, "out", "history.png")
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGPath: pngPath}))

	raw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasPrefix(lines[0], "computed_at,full_price"))
	require.Contains(t, lines[1], "2.400000")

	img, err := os.ReadFile(pngPath)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(img, []byte("\x89PNG")))
}

func TestExportWindowAndValidation(t *testing.T) {
	a, _, _ := newTestApp(t)
	seeded := seedHistory(t, a, 2.4, 2.5, 2.6)

	require.Error(t, a.Export(context.Background(), ExportOptions{}))

	from := seeded[1].ComputedAt
	csvPath := filepath.Join(t.TempDir(), "window.csv")
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, From: &from}))
	raw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(raw)), "\n"), 3)
}

func TestExportWindowReachesPastExportLimit(t *testing.T) {
	a, _, _ := newTestApp(t)
	a.Config.Export.MaxDataPoints = 2
	seeded := seedHistory(t, a, 2.4, 2.5, 2.6, 2.7)
	from := seeded[0].ComputedAt

	csvPath := filepath.Join(t.TempDir(), "window.csv")
	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, From: &from, MaxPoints: 10}))
	raw, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 5)
	require.Contains(t, lines[1], "2.400000")

	require.NoError(t, a.Export(context.Background(), ExportOptions{CSVPath: csvPath, From: &from}))
	raw, err = os.ReadFile(csvPath)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3, "downsampled to the configured point count")
	require.Contains(t, lines[1], "2.400000")
	require.Contains(t, lines[2], "2.700000")
}

func TestDownsampleKeepsEndpoints(t *testing.T) {
	var entries []index.ComputedIndex
	for i := 0; i < 10; i++ {
		entries = append(entries, index.ComputedIndex{FullPrice: float64(i)})
	}
	got := downsample(entries, 4)
	require.Len(t, got, 4)
	require.Equal(t, 0.0, got[0].FullPrice)
	require.Equal(t, 9.0, got[3].FullPrice)
	require.Len(t, downsample(entries, 20), 10)
}

func TestCorrectAppendsSupersedingEntry(t *testing.T) {
	a, _, out := newTestApp(t)
	seeded := seedHistory(t, a, 2.4, 9.9)

	hyper := 3.1
	entry, err := a.Correct(context.Background(), CorrectOptions{Target: seeded[1].ComputedAt, Price: 2.5, Hyperscaler: &hyper})
	require.NoError(t, err)
	require.Equal(t, index.SourceCorrection, entry.Source)
	require.Equal(t, 2.5, entry.NonHyperscalerPrice)
	require.Contains(t, out.String(), "supersedes")

	raw, err := history.NewFile(a.Config.History.Path).Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, raw, 3)
	effective := history.Effective(raw)
	require.Len(t, effective, 2)
	require.Equal(t, 2.5, effective[1].FullPrice)
	require.Equal(t, 3.1, effective[1].HyperscalerPrice)
}

func TestCorrectRejectsOutOfBoundsPrice(t *testing.T) {
	a, _, _ := newTestApp(t)
	seeded := seedHistory(t, a, 2.4)

	_, err := a.Correct(context.Background(), CorrectOptions{Target: seeded[0].ComputedAt, Price: 250})
	require.True(t, failure.IsValidation(err))

	_, err = a.Correct(context.Background(), CorrectOptions{Target: seeded[0].ComputedAt.Add(time.Minute), Price: 2.5})
	require.ErrorIs(t, err, history.ErrNotFound)
}

func TestShowPrintsHistoryChainAndAudit(t *testing.T) {
	a, _, out := newTestApp(t)
	seedHistory(t, a, 2.4, 2.6)
	_, err := a.Publish(context.Background(), service.CycleOptions{})
	require.NoError(t, err)
	out.Reset()

	require.NoError(t, a.Show(context.Background(), ShowOptions{Limit: 2}))
	text := out.String()
	require.Contains(t, text, "Computed (UTC)")
	require.Contains(t, text, "$2.5000")
	require.Contains(t, text, "Logged (UTC)")
	require.NotContains(t, text, "2.4000", "older rows beyond the limit are hidden")
}
