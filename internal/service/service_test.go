package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"gpu-price-oracle/internal/alerting"
	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/config"
	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
	"gpu-price-oracle/internal/ledger"
	"gpu-price-oracle/internal/metrics"
	"gpu-price-oracle/internal/publisher"
	"gpu-price-oracle/internal/source"
	"gpu-price-oracle/internal/trigger"
)

type recordingNotifier struct{ notes []alerting.Notification }

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type recordingTrigger struct{ events []trigger.Event }

func (r *recordingTrigger) Fire(_ context.Context, e trigger.Event) error {
	r.events = append(r.events, e)
	return nil
}

func (r *recordingTrigger) Close() error { return nil }

type fixedLocker struct{ acquired bool }

func (f fixedLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

type countingLocker struct{ calls int }

func (c *countingLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	c.calls++
	return func() {}, true, nil
}

type fixture struct {
	cfg      *config.Config
	oracle   *ledger.Memory
	history  *history.Memory
	audit    *audit.File
	notifier *recordingNotifier
	trigger  *recordingTrigger
	metrics  *metrics.Metrics
	now      time.Time
	deps     Deps
}

func newFixture(t *testing.T, targets ...config.TargetConfig) *fixture {
	t.Helper()
	if len(targets) == 0 {
		targets = []config.TargetConfig{{Name: "H100"}}
	}
	f := &fixture{
		cfg: &config.Config{
			Source: config.SourceConfig{Kind: "static", Samples: []source.StaticSample{
				{Provider: "Lambda Labs", NormalizedPrice: 3.0},
				{Provider: "RunPod", NormalizedPrice: 4.0},
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
			Publisher: config.PublisherConfig{MinPrice: 0.01, MaxPrice: 100, DefaultDecimals: 18, MaxAttempts: 3, Verify: true},
			Scheduler: config.SchedulerConfig{AdvisoryLockKey: 7},
			Targets:   targets,
		},
		history:  history.NewMemory(),
		audit:    audit.NewFile(filepath.Join(t.TempDir(), "audit.json"), 100, zerolog.Nop()),
		notifier: &recordingNotifier{},
		trigger:  &recordingTrigger{},
		metrics:  metrics.New(),
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}

	resolved, err := f.cfg.ResolveTargets(nil)
	require.NoError(t, err)
	ids := make([]ledger.AssetID, len(resolved))
	for i, r := range resolved {
		ids[i] = r.AssetID
	}
	f.oracle = ledger.NewMemory(ids...)
	f.oracle.SetClock(func() time.Time { return f.now })

	pub := publisher.New(f.oracle, f.audit, publisher.Options{
		MinPrice:     0.01,
		MaxPrice:     100,
		ConfirmDelay: time.Minute,
		MaxAttempts:  3,
		Verify:       true,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.now = f.now.Add(d)
			return ctx.Err()
		},
		Now: func() time.Time { return f.now },
	}, zerolog.Nop())

	f.deps = Deps{
		History:   f.history,
		Publisher: pub,
		Notifier:  f.notifier,
		Trigger:   f.trigger,
		Metrics:   f.metrics,
		Locker:    fixedLocker{acquired: true},
		Now:       func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) service() *Service {
	return New(f.cfg, f.deps, zerolog.Nop())
}

func (f *fixture) onChain(t *testing.T, name string) string {
	t.Helper()
	q, err := f.oracle.Read(context.Background(), ledger.AssetIDFromName(name))
	require.NoError(t, err)
	return q.Price.String()
}

func TestRunCycleFullPipeline(t *testing.T) {
	f := newFixture(t)

	report, err := f.service().RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	require.False(t, report.Failed())
	require.NotEmpty(t, report.RunID)
	require.Equal(t, 3.5, report.Index.FullPrice)
	require.Equal(t, index.SourceCalculated, report.Index.Source)

	require.Equal(t, "3500000000000000000", f.onChain(t, "H100"))
	require.Equal(t, 1, f.history.Len())

	entries, err := f.audit.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, audit.OutcomeSuccess, entries[0].Outcome)
	require.Equal(t, report.RunID, entries[0].RunID)

	require.Len(t, f.notifier.notes, 1)
	note := f.notifier.notes[0]
	require.Equal(t, ledger.AssetIDFromName("H100").Hex(), note.MarketID)
	require.Equal(t, "3.5", note.Price.String())
	require.Equal(t, entries[0].BlockRef, note.BlockRef)
	require.Empty(t, f.trigger.events)
}

func TestRunCycleMissingPriceColumnAbortsBeforeLedger(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "providers.csv")
	require.NoError(t, os.WriteFile(path, []byte("provider,sample_count\nLambda Labs,3\n"), 0o644))

	_, err := f.service().RunCycle(context.Background(), CycleOptions{SourceOverride: path})
	require.Error(t, err)
	require.True(t, failure.IsData(err))
	require.Zero(t, f.oracle.WriteCalls())
	require.Zero(t, f.history.Len())

	entries, err := f.audit.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunCycleMalformedSourceNeverTakesLock(t *testing.T) {
	f := newFixture(t)
	locker := &countingLocker{}
	f.deps.Locker = locker
	path := filepath.Join(t.TempDir(), "providers.csv")
	require.NoError(t, os.WriteFile(path, []byte("provider,sample_count\nLambda Labs,3\n"), 0o644))

	_, err := f.service().RunCycle(context.Background(), CycleOptions{SourceOverride: path})
	require.True(t, failure.IsData(err))
	require.Zero(t, locker.calls)

	_, err = f.service().RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, locker.calls)
}

func TestRunCycleManualPriceBypassesGuard(t *testing.T) {
	f := newFixture(t)
	f.history = history.NewMemory(index.ComputedIndex{FullPrice: 3.5, ComputedAt: f.now.Add(-time.Hour), Source: index.SourceCalculated})
	f.deps.History = f.history

	price := 9.25
	report, err := f.service().RunCycle(context.Background(), CycleOptions{ManualPrice: &price})
	require.NoError(t, err)
	require.True(t, report.Manual)
	require.Nil(t, report.Guard)
	require.Equal(t, "9250000000000000000", f.onChain(t, "H100"))
	require.Equal(t, 1, f.history.Len(), "manual prices are not recorded as computed indices")
	require.Empty(t, f.trigger.events)
}

func TestRunCycleConfirmedMoveFiresTrigger(t *testing.T) {
	f := newFixture(t)
	f.history = history.NewMemory(index.ComputedIndex{FullPrice: 1.0, ComputedAt: f.now.Add(-time.Hour), Source: index.SourceCalculated})
	f.deps.History = f.history

	report, err := f.service().RunCycle(context.Background(), CycleOptions{})
	require.NoError(t, err)
	require.Equal(t, index.SourceRerun, report.Index.Source)
	require.True(t, report.Guard.Recomputed)
	require.Len(t, f.trigger.events, 1)
	require.Equal(t, report.RunID, f.trigger.events[0].RunID)
	require.Equal(t, 2, f.history.Len())
}

func TestRunCycleDryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.deps.Locker = fixedLocker{acquired: false}

	report, err := f.service().RunCycle(context.Background(), CycleOptions{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, audit.OutcomeDryRun, report.Publications[0].Outcome)
	require.Zero(t, f.oracle.WriteCalls())
	require.Zero(t, f.history.Len())
	require.Empty(t, f.notifier.notes)

	entries, err := f.audit.Entries()
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunCycleLockHeld(t *testing.T) {
	f := newFixture(t)
	f.deps.Locker = fixedLocker{acquired: false}
	svc := f.service()

	_, err := svc.RunCycle(context.Background(), CycleOptions{})
	require.ErrorIs(t, err, ErrLockHeld)
	require.NoError(t, svc.ProcessBucket(context.Background(), f.now))
	require.Zero(t, f.oracle.WriteCalls())
}

func TestRunCycleBatchMode(t *testing.T) {
	f := newFixture(t,
		config.TargetConfig{Name: "H100"},
		config.TargetConfig{Name: "H100_NON_HYPERSCALER", Stream: "non_hyperscaler"},
	)

	report, err := f.service().RunCycle(context.Background(), CycleOptions{Batch: true})
	require.NoError(t, err)
	require.Len(t, report.Publications, 1)
	require.Equal(t, audit.OutcomeBatchSuccess, report.Publications[0].Outcome)
	require.Equal(t, 1, f.oracle.WriteCalls())
	require.Equal(t, "3500000000000000000", f.onChain(t, "H100"))
	require.Equal(t, "3500000000000000000", f.onChain(t, "H100_NON_HYPERSCALER"))
	require.Len(t, f.notifier.notes, 2)
}

func TestRunCycleAssetFailureIsReported(t *testing.T) {
	f := newFixture(t, config.TargetConfig{Name: "H100"}, config.TargetConfig{Name: "A100"})
	f.oracle = ledger.NewMemory(ledger.AssetIDFromName("H100"))
	f.oracle.SetClock(func() time.Time { return f.now })
	f.deps.Publisher = publisher.New(f.oracle, f.audit, publisher.Options{
		MinPrice: 0.01, MaxPrice: 100, MaxAttempts: 1,
		Sleep: func(ctx context.Context, d time.Duration) error { f.now = f.now.Add(d); return nil },
		Now:   func() time.Time { return f.now },
	}, zerolog.Nop())

	report, err := f.service().RunCycle(context.Background(), CycleOptions{})
	require.ErrorIs(t, err, ErrPublishFailed)
	require.Equal(t, 1, report.Failures)
	require.Equal(t, audit.OutcomeSuccess, report.Publications[0].Outcome)
	require.Equal(t, audit.OutcomeCommitFailed, report.Publications[1].Outcome)
	require.Len(t, f.notifier.notes, 1)
}

func TestRunCycleUnknownAssetFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.service().RunCycle(context.Background(), CycleOptions{Assets: []string{"B200"}})
	require.ErrorContains(t, err, "unknown asset")
	require.Zero(t, f.oracle.WriteCalls())
}
