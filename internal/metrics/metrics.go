// Package metrics holds the Prometheus instruments for index runs and ledger publications.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"

	"gpu-price-oracle/internal/index"
)

const namespace = "gpuoracle"

// Metrics groups every instrument on its own registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	Runs           *prometheus.CounterVec
	Publications   *prometheus.CounterVec
	GuardDecisions *prometheus.CounterVec
	IndexPrice     *prometheus.GaugeVec
	IndexWeight    prometheus.Gauge
	Excluded       *prometheus.CounterVec
	TxRetries      *prometheus.CounterVec
	LastSuccess    prometheus.Gauge
	CycleDuration  prometheus.Histogram
}

// New registers the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Index cycles by result",
		}, []string{"result"}),
		Publications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "publications_total",
			Help:      "Publication attempts by asset and outcome",
		}, []string{"asset", "outcome"}),
		GuardDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guard",
			Name:      "decisions_total",
			Help:      "Accepted index entries by source",
		}, []string{"source"}),
		IndexPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "price_usd_per_hour",
			Help:      "Latest accepted index value per stream",
		}, []string{"stream"}),
		IndexWeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "total_weight",
			Help:      "Weight used by the latest computation",
		}),
		Excluded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "excluded_samples_total",
			Help:      "Samples left out of the index by reason",
		}, []string{"reason"}),
		TxRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "tx_retries_total",
			Help:      "Retried ledger writes by operation",
		}, []string{"op"}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully successful cycle",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one index cycle including the reveal wait",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveIndex records the accepted index.
func (m *Metrics) ObserveIndex(ci index.ComputedIndex) {
	if m == nil {
		return
	}
	m.GuardDecisions.WithLabelValues(string(ci.Source)).Inc()
	m.IndexPrice.WithLabelValues(string(index.StreamFull)).Set(ci.FullPrice)
	m.IndexPrice.WithLabelValues(string(index.StreamHyperscaler)).Set(ci.HyperscalerPrice)
	m.IndexPrice.WithLabelValues(string(index.StreamNonHyperscaler)).Set(ci.NonHyperscalerPrice)
	m.IndexWeight.Set(ci.TotalWeight)
}

// ObserveExcluded counts one dropped sample.
func (m *Metrics) ObserveExcluded(reason string) {
	if m == nil {
		return
	}
	m.Excluded.WithLabelValues(reason).Inc()
}

// ObservePublication counts one audit outcome.
func (m *Metrics) ObservePublication(asset, outcome string) {
	if m == nil {
		return
	}
	m.Publications.WithLabelValues(asset, outcome).Inc()
}

// ObserveRetry counts one retried ledger write.
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.TxRetries.WithLabelValues(op).Inc()
}

// ObserveRun records the cycle result and duration.
func (m *Metrics) ObserveRun(result string, elapsed time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(elapsed.Seconds())
	if result == "success" {
		m.LastSuccess.Set(float64(at.Unix()))
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the current values to a Pushgateway. One-shot commands use it since nothing scrapes them.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Server exposes the metrics endpoint.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer returns nil when listen is empty.
func NewServer(listen string, m *Metrics, logger zerolog.Logger) *Server {
	if listen == "" || m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		srv:    &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start serves until Stop; returns nil when disabled.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	s.logger.Info().Str("listen", s.srv.Addr).Msg("metrics endpoint listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down; no-op when disabled.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
