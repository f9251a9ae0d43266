package publisher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/failure"
	"gpu-price-oracle/internal/index"
	"gpu-price-oracle/internal/ledger"
)

// Target maps one price stream onto an oracle slot.
type Target struct {
	Name     string
	AssetID  ledger.AssetID
	Decimals int32
	Stream   index.Stream
}

// Item is a priced target for a batch write.
type Item struct {
	Target Target
	Price  float64
}

// Options parameterise publishing.
type Options struct {
	MinPrice        float64
	MaxPrice        float64
	DefaultDecimals int32
	ConfirmDelay    time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	Verify          bool
	// OnRetry is called before each retried ledger write.
	OnRetry func(op string)

	// Sleep and Nonce are replaceable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Nonce func() (*big.Int, error)
	Now   func() time.Time
}

// Request carries per-run switches.
type Request struct {
	RunID         string
	DryRun        bool
	SkipVerify    bool
	DelayOverride *time.Duration
}

// Publisher pushes prices to the oracle with commit-reveal and records every attempt.
type Publisher struct {
	oracle ledger.Oracle
	sink   audit.Sink
	opts   Options
	logger zerolog.Logger
}

// New constructs a Publisher. sink may be nil to disable auditing.
func New(oracle ledger.Oracle, sink audit.Sink, opts Options, logger zerolog.Logger) *Publisher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.DefaultDecimals == 0 {
		opts.DefaultDecimals = 18
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Nonce == nil {
		opts.Nonce = RandomNonce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Publisher{
		oracle: oracle,
		sink:   sink,
		opts:   opts,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// Validate rejects prices outside the configured domain bounds. Prices are never clamped.
func (p *Publisher) Validate(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) || price < p.opts.MinPrice || price > p.opts.MaxPrice {
		return &failure.ValidationError{
			Field: "price_usd",
			Value: strconv.FormatFloat(price, 'f', -1, 64),
			Bound: fmt.Sprintf("[%g, %g]", p.opts.MinPrice, p.opts.MaxPrice),
		}
	}
	return nil
}

func (p *Publisher) decimals(t Target) int32 {
	if t.Decimals > 0 {
		return t.Decimals
	}
	return p.opts.DefaultDecimals
}

// Scale converts a USD price to a fixed-point integer, truncating beyond the given decimals.
func Scale(price float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(price).Shift(decimals).Truncate(0).BigInt()
}

// Unscale converts an on-chain integer back to a decimal price.
func Unscale(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// RandomNonce draws a uniform 256-bit nonce.
func RandomNonce() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 256)
	return rand.Int(rand.Reader, limit)
}

// Publish runs the commit-reveal protocol for one asset. The returned entry describes the outcome
// even when an error is returned.
func (p *Publisher) Publish(ctx context.Context, target Target, price float64, req Request) (audit.Entry, error) {
	logger := p.logger.With().Str("run_id", req.RunID).Str("asset", target.Name).Str("asset_id", target.AssetID.Hex()).Logger()
	entry := audit.Entry{
		Timestamp: p.opts.Now().UTC(),
		RunID:     req.RunID,
		Asset:     target.Name,
		AssetID:   target.AssetID.Hex(),
		PriceUSD:  loggable(price),
	}

	if err := p.Validate(price); err != nil {
		entry.Outcome = audit.OutcomeValidationFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Msg("price rejected")
		if !req.DryRun {
			p.record(ctx, entry)
		}
		return entry, err
	}

	scaled := Scale(price, p.decimals(target))
	entry.ScaledPrice = scaled.String()

	if req.DryRun {
		entry.Outcome = audit.OutcomeDryRun
		logger.Info().Float64("price_usd", price).Str("scaled_price", entry.ScaledPrice).Msg("dry run; no transactions submitted")
		return entry, nil
	}

	if err := p.checkRegistered(ctx, target); err != nil {
		entry.Outcome = audit.OutcomeCommitFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Msg("asset not publishable")
		p.record(ctx, entry)
		return entry, err
	}

	nonce, err := p.opts.Nonce()
	if err != nil {
		return entry, fmt.Errorf("generate nonce: %w", err)
	}
	hash := ledger.CommitHash(scaled, nonce)

	commitRef, err := p.withRetry(ctx, logger, "commit", func(ctx context.Context) (ledger.TxRef, error) {
		return p.oracle.WriteCommit(ctx, target.AssetID, hash)
	}, nil)
	entry.CommitTx = commitRef.ID
	if err != nil {
		entry.Outcome = audit.OutcomeCommitFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Msg("commit failed")
		p.record(ctx, entry)
		return entry, err
	}
	logger.Info().Str("commit_tx", commitRef.ID).Uint64("block", commitRef.Block).Msg("commit confirmed")

	delay := p.revealDelay(ctx, req)
	logger.Info().Dur("delay", delay).Msg("waiting before reveal")
	if err := p.opts.Sleep(ctx, delay); err != nil {
		return p.pending(ctx, logger, entry, err)
	}

	revealRef, err := p.withRetry(ctx, logger, "reveal", func(ctx context.Context) (ledger.TxRef, error) {
		return p.oracle.WriteReveal(ctx, target.AssetID, scaled, nonce)
	}, func(ctx context.Context) bool {
		ok, _ := p.verify(ctx, target.AssetID, scaled)
		return ok
	})
	entry.RevealTx = revealRef.ID
	entry.BlockRef = revealRef.Block
	if err != nil {
		if ctx.Err() != nil {
			return p.pending(ctx, logger, entry, err)
		}
		entry.Outcome = audit.OutcomeRevealFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Msg("reveal failed; commitment left pending on chain")
		p.record(ctx, entry)
		return entry, err
	}

	entry.Outcome = audit.OutcomeSuccess
	if p.opts.Verify && !req.SkipVerify {
		if ok, detail := p.verify(ctx, target.AssetID, scaled); !ok {
			entry.Outcome = audit.OutcomeVerifyMismatch
			entry.Error = detail
			logger.Warn().Str("detail", detail).Msg("read-back does not match revealed price")
		}
	}

	logger.Info().
		Str("reveal_tx", revealRef.ID).
		Uint64("block", revealRef.Block).
		Str("outcome", string(entry.Outcome)).
		Msg("price published")
	p.record(ctx, entry)
	return entry, nil
}

// PublishBatch writes all items in one all-or-nothing transaction and produces a single entry.
func (p *Publisher) PublishBatch(ctx context.Context, items []Item, req Request) (audit.Entry, error) {
	logger := p.logger.With().Str("run_id", req.RunID).Int("assets", len(items)).Logger()
	entry := audit.Entry{
		Timestamp: p.opts.Now().UTC(),
		RunID:     req.RunID,
		Asset:     "batch",
	}
	if len(items) == 0 {
		return entry, errors.New("empty batch")
	}

	ids := make([]ledger.AssetID, len(items))
	prices := make([]*big.Int, len(items))
	var invalid error
	for i, it := range items {
		member := audit.BatchMember{Asset: it.Target.Name, AssetID: it.Target.AssetID.Hex(), PriceUSD: loggable(it.Price)}
		if err := p.Validate(it.Price); err != nil {
			invalid = errors.Join(invalid, fmt.Errorf("%s: %w", it.Target.Name, err))
		} else {
			prices[i] = Scale(it.Price, p.decimals(it.Target))
			member.ScaledPrice = prices[i].String()
		}
		ids[i] = it.Target.AssetID
		entry.Batch = append(entry.Batch, member)
	}

	if invalid != nil {
		entry.Outcome = audit.OutcomeValidationFailed
		entry.Error = invalid.Error()
		logger.Error().Err(invalid).Msg("batch rejected before submission")
		if !req.DryRun {
			p.record(ctx, entry)
		}
		return entry, invalid
	}

	if req.DryRun {
		entry.Outcome = audit.OutcomeDryRun
		logger.Info().Msg("dry run; batch not submitted")
		return entry, nil
	}

	// The batch write is the price-setting transaction, recorded as the reveal.
	ref, err := p.withRetry(ctx, logger, "batch", func(ctx context.Context) (ledger.TxRef, error) {
		return p.oracle.WriteBatch(ctx, ids, prices)
	}, func(ctx context.Context) bool {
		for i, id := range ids {
			if ok, _ := p.verify(ctx, id, prices[i]); !ok {
				return false
			}
		}
		return true
	})
	entry.RevealTx = ref.ID
	entry.BlockRef = ref.Block
	if err != nil {
		entry.Outcome = audit.OutcomeBatchFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Msg("batch update failed; no asset updated")
		p.record(ctx, entry)
		return entry, err
	}

	entry.Outcome = audit.OutcomeBatchSuccess
	if p.opts.Verify && !req.SkipVerify {
		var mismatches []error
		for i, id := range ids {
			if ok, detail := p.verify(ctx, id, prices[i]); !ok {
				mismatches = append(mismatches, fmt.Errorf("%s: %s", items[i].Target.Name, detail))
			}
		}
		if len(mismatches) > 0 {
			entry.Outcome = audit.OutcomeVerifyMismatch
			entry.Error = errors.Join(mismatches...).Error()
			logger.Warn().Str("detail", entry.Error).Msg("batch read-back mismatch")
		}
	}

	logger.Info().Str("tx", ref.ID).Uint64("block", ref.Block).Str("outcome", string(entry.Outcome)).Msg("batch published")
	p.record(ctx, entry)
	return entry, nil
}

// withRetry retries retryable ledger writes. Once an attempt has timed out, landed is consulted after
// every failure: a timed-out write can still be mined, and resubmitting a reveal whose commitment it
// consumed reverts. When landed reports the write applied, the timed-out attempt counts as confirmed.
func (p *Publisher) withRetry(ctx context.Context, logger zerolog.Logger, op string, fn func(context.Context) (ledger.TxRef, error), landed func(context.Context) bool) (ledger.TxRef, error) {
	var (
		ref         ledger.TxRef
		lastErr     error
		unconfirmed *ledger.TxRef
	)
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		var err error
		ref, err = fn(ctx)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if failure.IsTimeout(err) {
			timedOut := ref
			unconfirmed = &timedOut
		}
		if unconfirmed != nil && landed != nil && ctx.Err() == nil && landed(ctx) {
			logger.Warn().Err(err).Str("op", op).Str("tx", unconfirmed.ID).Msg("timed-out write found applied on read-back")
			return *unconfirmed, nil
		}
		if !failure.Retryable(err) || attempt == p.opts.MaxAttempts {
			break
		}
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", p.opts.RetryBackoff).Msg("retrying ledger write")
		if p.opts.OnRetry != nil {
			p.opts.OnRetry(op)
		}
		if err := p.opts.Sleep(ctx, p.opts.RetryBackoff); err != nil {
			return ref, errors.Join(lastErr, err)
		}
	}
	return ref, lastErr
}

func (p *Publisher) revealDelay(ctx context.Context, req Request) time.Duration {
	if req.DelayOverride != nil {
		return *req.DelayOverride
	}
	if reporter, ok := p.oracle.(ledger.DelayReporter); ok {
		d, err := reporter.MinRevealDelay(ctx)
		if err == nil {
			return d
		}
		p.logger.Warn().Err(err).Dur("fallback", p.opts.ConfirmDelay).Msg("minCommitRevealDelay unavailable")
	}
	return p.opts.ConfirmDelay
}

func (p *Publisher) checkRegistered(ctx context.Context, target Target) error {
	registry, ok := p.oracle.(ledger.Registry)
	if !ok {
		return nil
	}
	registered, err := registry.IsRegistered(ctx, target.AssetID)
	if err != nil {
		p.logger.Debug().Err(err).Str("asset", target.Name).Msg("registration check skipped")
		return nil
	}
	if !registered {
		return &failure.TransactionError{Op: "commit", Reverted: true, Err: fmt.Errorf("asset %s not registered", target.AssetID.Hex())}
	}
	return nil
}

func (p *Publisher) verify(ctx context.Context, asset ledger.AssetID, want *big.Int) (bool, string) {
	quote, err := p.oracle.Read(ctx, asset)
	if err != nil {
		return false, "read-back failed: " + err.Error()
	}
	if quote.Price == nil || quote.Price.Cmp(want) != 0 {
		return false, fmt.Sprintf("on-chain %v, expected %s", quote.Price, want)
	}
	return true, ""
}

// pending records a commitment that was confirmed but never revealed. The nonce is dropped with it.
func (p *Publisher) pending(ctx context.Context, logger zerolog.Logger, entry audit.Entry, cause error) (audit.Entry, error) {
	entry.Outcome = audit.OutcomeRevealPending
	entry.Error = cause.Error()
	logger.Error().Err(cause).Str("commit_tx", entry.CommitTx).Msg("interrupted between commit and reveal; commitment pending on chain")
	p.record(context.WithoutCancel(ctx), entry)
	return entry, fmt.Errorf("reveal pending for %s: %w", entry.Asset, cause)
}

func (p *Publisher) record(ctx context.Context, entry audit.Entry) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Append(ctx, entry); err != nil {
		p.logger.Error().Err(err).Str("asset", entry.Asset).Str("outcome", string(entry.Outcome)).Msg("failed to write audit entry")
	}
}

// loggable drops NaN and Inf, which the JSON audit log cannot encode.
func loggable(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
