package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/alerting"
	"gpu-price-oracle/internal/audit"
	"gpu-price-oracle/internal/config"
	"gpu-price-oracle/internal/history"
	"gpu-price-oracle/internal/ledger"
	"gpu-price-oracle/internal/metrics"
	"gpu-price-oracle/internal/publisher"
	"gpu-price-oracle/internal/scheduler"
	"gpu-price-oracle/internal/service"
	"gpu-price-oracle/internal/storage"
	"gpu-price-oracle/internal/trigger"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	// Out receives human-readable command output.
	Out io.Writer

	// newOracle builds the ledger client; replaced in tests.
	newOracle func() (ledger.Oracle, func(), error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Metrics: metrics.New(),
		Out:     os.Stdout,
	}
	a.newOracle = a.ethereumOracle
	return a
}

// resources are the per-command persistence handles.
type resources struct {
	store   *storage.Store
	history history.Store
	audit   *audit.File
	sink    audit.Sink
}

func (r *resources) Close() {
	if r.store != nil {
		r.store.Close()
	}
}

// open selects PostgreSQL history when a DSN is configured and the CSV file otherwise.
// The JSON audit file is always written; the database mirror is optional.
func (a *App) open(ctx context.Context) (*resources, error) {
	res := &resources{
		audit: audit.NewFile(a.Config.Audit.Path, a.Config.Audit.MaxEntries, a.Logger),
	}
	res.sink = res.audit

	if a.Config.Database.DSN == "" {
		res.history = history.NewFile(a.Config.History.Path)
		return res, nil
	}

	pool, err := storage.NewPool(ctx, storage.PoolOptions{
		DSN:             a.Config.Database.DSN,
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	res.store = storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := res.store.Migrate(ctx); err != nil {
			res.Close()
			return nil, err
		}
	}
	res.history = res.store.History()
	if a.Config.Audit.MirrorToDatabase {
		res.sink = audit.NewMulti(a.Logger, res.audit, res.store.AuditSink())
	}
	return res, nil
}

func (a *App) ethereumOracle() (ledger.Oracle, func(), error) {
	eth := a.Config.Ethereum
	oracle, err := ledger.NewEthereum(ledger.EthereumOptions{
		RPCURL:          eth.RPCURL,
		ContractAddress: eth.ContractAddress,
		PrivateKey:      eth.PrivateKey,
		ChainID:         eth.ChainID,
		RequestTimeout:  eth.RequestTimeout,
		ConfirmTimeout:  eth.ConfirmTimeout,
		PollInterval:    eth.PollInterval,
		PriorityFeeGwei: eth.PriorityFeeGwei,
		GasLimit:        eth.GasLimit,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return oracle, oracle.Close, nil
}

func (a *App) publisherOptions() publisher.Options {
	p := a.Config.Publisher
	return publisher.Options{
		MinPrice:        p.MinPrice,
		MaxPrice:        p.MaxPrice,
		DefaultDecimals: p.DefaultDecimals,
		ConfirmDelay:    p.ConfirmDelay,
		MaxAttempts:     p.MaxAttempts,
		RetryBackoff:    p.RetryBackoff,
		Verify:          p.Verify,
		OnRetry:         a.Metrics.ObserveRetry,
	}
}

// newNotifier fans out to every enabled sink. The returned closer releases the Redis client.
func (a *App) newNotifier() (alerting.Notifier, func()) {
	cfg := a.Config.Alerting
	if !cfg.Enabled {
		return nil, func() {}
	}

	var sinks []alerting.Notifier
	closer := func() {}
	if cfg.Telegram.Enabled {
		sinks = append(sinks, alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
	}
	if cfg.Webhook.Enabled {
		retry := alerting.DefaultRetryConfig()
		retry.MaxRetries = cfg.Webhook.MaxRetries
		if cfg.Webhook.InitialBackoff > 0 {
			retry.InitialBackoff = cfg.Webhook.InitialBackoff
		}
		if cfg.Webhook.MaxBackoff > 0 {
			retry.MaxBackoff = cfg.Webhook.MaxBackoff
		}
		sinks = append(sinks, alerting.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Headers, cfg.Webhook.Timeout, retry, a.Logger))
	}
	if cfg.Redis.Enabled {
		r := alerting.NewRedisNotifier(alerting.RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Channel:   cfg.Redis.Channel,
			TTL:       cfg.Redis.TTL,
		}, a.Logger)
		sinks = append(sinks, r)
		closer = func() {
			if err := r.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close redis notifier")
			}
		}
	}

	multi := alerting.NewMulti(a.Logger, sinks...)
	if multi == nil {
		return nil, closer
	}
	return multi, closer
}

func (a *App) newTrigger() (trigger.Trigger, error) {
	k := a.Config.Trigger.Kafka
	if !k.Enabled {
		return nil, nil
	}
	kafka, err := trigger.NewKafka(trigger.KafkaOptions{
		Brokers:      k.Brokers,
		Topic:        k.Topic,
		WriteTimeout: k.WriteTimeout,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return kafka, nil
}

// session is a fully wired service plus everything that must be released after it.
type session struct {
	svc     *service.Service
	closers []func()
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (a *App) newSession(ctx context.Context, sched *scheduler.Scheduler) (*session, error) {
	sess := &session{}
	res, err := a.open(ctx)
	if err != nil {
		return nil, err
	}
	sess.closers = append(sess.closers, res.Close)

	oracle, closeOracle, err := a.newOracle()
	if err != nil {
		sess.Close()
		return nil, err
	}
	sess.closers = append(sess.closers, closeOracle)

	trig, err := a.newTrigger()
	if err != nil {
		sess.Close()
		return nil, err
	}
	if trig != nil {
		sess.closers = append(sess.closers, func() {
			if err := trig.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close trigger")
			}
		})
	}

	notifier, closeNotifier := a.newNotifier()
	sess.closers = append(sess.closers, closeNotifier)

	deps := service.Deps{
		History:   res.history,
		Publisher: publisher.New(oracle, res.sink, a.publisherOptions(), a.Logger),
		Notifier:  notifier,
		Trigger:   trig,
		Metrics:   a.Metrics,
		Scheduler: sched,
	}
	if res.store != nil {
		deps.Locker = res.store
	}
	sess.svc = service.New(a.Config, deps, a.Logger)
	return sess, nil
}

// Run executes the long-running oracle service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using csv history and no cycle lock")
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	sess, err := a.newSession(ctx, sched)
	if err != nil {
		return err
	}
	defer sess.Close()

	srv := metrics.NewServer(a.Config.Metrics.Listen, a.Metrics, a.Logger)
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Stop(stopCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}()

	a.Logger.Info().Dur("interval", a.Config.Scheduler.Interval).Msg("starting oracle service")
	err = sess.svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("oracle service stopped")
	return nil
}

// Publish runs one cycle and prints the per-asset report. Metrics are pushed when a gateway is set.
func (a *App) Publish(ctx context.Context, opts service.CycleOptions) (service.Report, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sess, err := a.newSession(ctx, nil)
	if err != nil {
		return service.Report{}, err
	}
	defer sess.Close()

	report, runErr := sess.svc.RunCycle(ctx, opts)
	if len(report.Publications) > 0 {
		writeReport(a.Out, report)
	}

	if !opts.DryRun {
		pushCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		if err := a.Metrics.Push(pushCtx, a.Config.Metrics.PushURL, a.Config.Metrics.Job); err != nil {
			a.Logger.Warn().Err(err).Msg("push metrics")
		}
	}
	return report, runErr
}

func writeReport(w io.Writer, report service.Report) {
	fmt.Fprintf(w, "run %s  index $%.4f/hr  source %s", report.RunID, report.Index.FullPrice, report.Index.Source)
	if report.Manual {
		fmt.Fprint(w, "  (manual)")
	}
	fmt.Fprintln(w)
	for _, e := range report.Publications {
		line := fmt.Sprintf("  %-24s %-16s $%.4f", displayAsset(e), e.Outcome, e.PriceUSD)
		if e.RevealTx != "" {
			line += "  tx " + e.RevealTx
		}
		if e.Error != "" {
			line += "  error: " + sanitizeInline(e.Error)
		}
		fmt.Fprintln(w, line)
	}
}

func displayAsset(e audit.Entry) string {
	if e.Asset != "" {
		return e.Asset
	}
	if len(e.Batch) > 0 {
		return fmt.Sprintf("batch(%d)", len(e.Batch))
	}
	return e.AssetID
}

// ExportOptions hold parameters for exporting index history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Assets  []string
	Offline bool
}

// SimulateOptions configure an in-memory dry cycle.
type SimulateOptions struct {
	Cycle  service.CycleOptions
	Notify bool
}

// CorrectOptions identify the superseded entry and its replacement prices.
// Nil stream prices default to the full price.
type CorrectOptions struct {
	Target         time.Time
	Price          float64
	Hyperscaler    *float64
	NonHyperscaler *float64
}
