package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gpu-price-oracle/internal/alerting"
	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/config"
	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/guard"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/index"
	"gpu-price-oracle/internal/metrics"
	"gpu-price-oracle/internal/publisher"
	"gpu-price-oracle/internal/scheduler"
	"gpu-price-oracle/internal/source"
	"gpu-price-oracle/internal/storage"
	"gpu-price-oracle/internal/trigger"
)

var (
	// ErrLockHeld is returned when another instance is running a cycle for the same signer.
	ErrLockHeld = errors.New("another instance holds the cycle lock")
	// ErrPublishFailed reports that at least one asset did not reach a successful outcome.
	ErrPublishFailed = errors.New("publication failed")
)

// Deps are the collaborators of a Service. Nil optional collaborators are skipped.
type Deps struct {
	History   history.Store
	Publisher *publisher.Publisher
	Notifier  alerting.Notifier
	Trigger   trigger.Trigger
	Metrics   *metrics.Metrics
	Locker    storage.AdvisoryLocker
	Scheduler *scheduler.Scheduler
	// Sources builds the price source for a cycle; defaults to source.New.
	Sources source.Factory
	Now     func() time.Time
}

// CycleOptions are the per-run switches exposed on the CLI.
type CycleOptions struct {
	SourceOverride string
	ManualPrice    *float64
	DryRun         bool
	SkipVerify     bool
	ConfirmDelay   *time.Duration
	Assets         []string
	Batch          bool
}

// Report summarises one cycle.
type Report struct {
	RunID        string
	StartedAt    time.Time
	Index        index.ComputedIndex
	Manual       bool
	Guard        *guard.Outcome
	Breakdown    index.Breakdown
	Publications []audit.Entry
	Failures     int
}

// Failed reports whether any asset failed.
func (r Report) Failed() bool { return r.Failures > 0 }

// Service orchestrates source, aggregation, guard, publication, and notification.
type Service struct {
	cfg        *config.Config
	deps       Deps
	aggregator *index.Aggregator
	logger     zerolog.Logger
}

// New constructs the oracle service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Service {
	if deps.Sources == nil {
		deps.Sources = source.New
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	agg := index.NewAggregator(cfg.Index.Weights, index.Options{
		OutlierMultiplier: cfg.Index.OutlierMultiplier,
		Now:               deps.Now,
	}, logger)

	return &Service{
		cfg:        cfg,
		deps:       deps,
		aggregator: agg,
		logger:     logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the aligned cycle loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的指数计算与上链。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	report, err := s.RunCycle(ctx, CycleOptions{})
	if errors.Is(err, ErrLockHeld) {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("bucket %s run %s: %w", bucket.Format(time.RFC3339), report.RunID, err)
	}
	return nil
}

// RunCycle executes one full cycle. The report is populated as far as the cycle got, even on error.
func (s *Service) RunCycle(ctx context.Context, opts CycleOptions) (Report, error) {
	started := s.deps.Now()
	report := Report{RunID: uuid.NewString(), StartedAt: started.UTC()}
	logger := s.logger.With().Str("run_id", report.RunID).Logger()

	err := s.runCycle(ctx, opts, &report, logger)

	result := "success"
	switch {
	case errors.Is(err, ErrLockHeld):
		result = "skipped"
	case err != nil:
		result = "failed"
	}
	if !opts.DryRun {
		s.deps.Metrics.ObserveRun(result, s.deps.Now().Sub(started), s.deps.Now())
	}
	return report, err
}

func (s *Service) runCycle(ctx context.Context, opts CycleOptions, report *Report, logger zerolog.Logger) error {
	targets, err := s.cfg.ResolveTargets(opts.Assets)
	if err != nil {
		return err
	}

	// The provider table is read before the lock so malformed input aborts without touching shared state.
	var pre *prefetch
	if opts.ManualPrice == nil {
		if pre, err = s.prefetch(ctx, opts, logger); err != nil {
			return err
		}
	}

	if !opts.DryRun {
		unlock, proceed, err := s.acquireLock(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			return ErrLockHeld
		}
		if unlock != nil {
			defer unlock()
		}
	}

	if opts.ManualPrice != nil {
		p := *opts.ManualPrice
		report.Manual = true
		report.Index = index.ComputedIndex{
			FullPrice:           p,
			HyperscalerPrice:    p,
			NonHyperscalerPrice: p,
			ComputedAt:          s.deps.Now().UTC(),
			Source:              index.SourceCalculated,
		}
		logger.Info().Float64("price", p).Msg("manual price override; aggregation and guard bypassed")
	} else {
		outcome, bd, err := s.computeIndex(ctx, opts, pre, report.RunID, logger)
		report.Breakdown = bd
		if err != nil {
			return err
		}
		report.Guard = &outcome
		report.Index = outcome.Index
		if !opts.DryRun {
			s.deps.Metrics.ObserveIndex(outcome.Index)
		}
	}

	if s.deps.Publisher == nil {
		return fmt.Errorf("publisher not configured")
	}
	req := publisher.Request{
		RunID:         report.RunID,
		DryRun:        opts.DryRun,
		SkipVerify:    opts.SkipVerify,
		DelayOverride: opts.ConfirmDelay,
	}

	if opts.Batch || s.cfg.Publisher.Batch {
		items := make([]publisher.Item, len(targets))
		for i, t := range targets {
			items[i] = publisher.Item{Target: t, Price: report.Index.Price(t.Stream)}
		}
		entry, err := s.deps.Publisher.PublishBatch(ctx, items, req)
		s.observe(report, entry, err, logger)
		if err == nil && !opts.DryRun {
			for i, m := range entry.Batch {
				s.notify(ctx, report, entry, m.AssetID, items[i].Price, logger)
			}
		}
	} else {
		for _, t := range targets {
			if ctx.Err() != nil {
				break
			}
			price := report.Index.Price(t.Stream)
			entry, err := s.deps.Publisher.Publish(ctx, t, price, req)
			s.observe(report, entry, err, logger)
			if err == nil && !opts.DryRun {
				s.notify(ctx, report, entry, t.AssetID.Hex(), price, logger)
			}
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if report.Failures > 0 {
		return fmt.Errorf("%w: %d of %d publications", ErrPublishFailed, report.Failures, len(report.Publications))
	}
	logger.Info().
		Float64("full_price", report.Index.FullPrice).
		Str("source", string(report.Index.Source)).
		Int("publications", len(report.Publications)).
		Bool("dry_run", opts.DryRun).
		Msg("cycle complete")
	return nil
}

// prefetch holds the first read of the provider table, consumed by the first guarded compute.
type prefetch struct {
	src     source.PriceSource
	samples []index.ProviderSample
	err     error
	used    bool
}

func (p *prefetch) fetch(ctx context.Context) ([]index.ProviderSample, error) {
	if !p.used {
		p.used = true
		return p.samples, p.err
	}
	return p.src.Fetch(ctx)
}

// prefetch builds the source and reads it once. Data errors and cancellation end the cycle here; any
// other fetch error is left for the guard, which falls back on it.
func (s *Service) prefetch(ctx context.Context, opts CycleOptions, logger zerolog.Logger) (*prefetch, error) {
	src, err := s.deps.Sources(s.cfg.SourceOptions(opts.SourceOverride), logger)
	if err != nil {
		return nil, err
	}
	samples, err := src.Fetch(ctx)
	if failure.IsData(err) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	return &prefetch{src: src, samples: samples, err: err}, nil
}

// computeIndex runs source and aggregator under the guard. Dry runs read history but never append.
func (s *Service) computeIndex(ctx context.Context, opts CycleOptions, pre *prefetch, runID string, logger zerolog.Logger) (guard.Outcome, index.Breakdown, error) {
	store := s.deps.History
	if opts.DryRun {
		store = history.ReadOnly{Store: store}
	}

	var last index.Breakdown
	compute := func(ctx context.Context) (index.ComputedIndex, error) {
		samples, err := pre.fetch(ctx)
		if err != nil {
			return index.ComputedIndex{}, err
		}
		ci, bd := s.aggregator.Compute(samples)
		last = bd
		return ci, nil
	}

	g := guard.New(store, guard.Options{
		Threshold:      s.cfg.Index.DeviationThreshold,
		FallbackWindow: s.cfg.Index.FallbackWindow,
		OnRerun:        s.rerunHook(runID, opts.DryRun),
		Now:            s.deps.Now,
	}, logger)

	outcome, err := g.Evaluate(ctx, compute)
	if err != nil {
		return outcome, last, err
	}
	if !opts.DryRun {
		for _, ex := range last.Outliers {
			s.deps.Metrics.ObserveExcluded(ex.Reason)
		}
		for _, ex := range last.Skipped {
			s.deps.Metrics.ObserveExcluded(ex.Reason)
		}
	}
	logger.Info().
		Str("source", string(outcome.Index.Source)).
		Float64("full_price", outcome.Index.FullPrice).
		Float64("change", outcome.Change).
		Str("state", string(outcome.Final())).
		Msg("index accepted")
	return outcome, last, nil
}

func (s *Service) rerunHook(runID string, dryRun bool) guard.RerunHook {
	if s.deps.Trigger == nil || dryRun {
		return nil
	}
	return func(ctx context.Context, confirmed, previous index.ComputedIndex) error {
		return s.deps.Trigger.Fire(ctx, trigger.NewEvent(runID, confirmed, previous))
	}
}

func (s *Service) observe(report *Report, entry audit.Entry, err error, logger zerolog.Logger) {
	report.Publications = append(report.Publications, entry)
	if err != nil || entry.Outcome.Failed() {
		report.Failures++
		logger.Error().Err(err).Str("asset", entry.Asset).Str("outcome", string(entry.Outcome)).Msg("asset publication failed")
	}
	if entry.Outcome != audit.OutcomeDryRun {
		s.deps.Metrics.ObservePublication(entry.Asset, string(entry.Outcome))
	}
}

// notify is fire-and-forget; sink failures never fail the cycle.
func (s *Service) notify(ctx context.Context, report *Report, entry audit.Entry, marketID string, price float64, logger zerolog.Logger) {
	if s.deps.Notifier == nil {
		return
	}
	note := alerting.Notification{
		MarketID:   marketID,
		Price:      decimal.NewFromFloat(price).Round(6),
		BlockRef:   entry.BlockRef,
		TxID:       entry.RevealTx,
		Source:     string(report.Index.Source),
		Outcome:    string(entry.Outcome),
		RunID:      report.RunID,
		ComputedAt: report.Index.ComputedAt,
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		logger.Warn().Err(err).Str("market_id", marketID).Msg("notification not delivered")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.cfg.Scheduler.AdvisoryLockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.cfg.Scheduler.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
