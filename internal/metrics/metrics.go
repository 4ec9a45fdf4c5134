// Package metrics exposes Prometheus collectors for the pipeline.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	pagesTotal              *prometheus.CounterVec
	summariesTotal          *prometheus.CounterVec
	batchesTotal            prometheus.Counter
	activeFetches           prometheus.Gauge
	activeSummaries         prometheus.Gauge
	summaryDurationSeconds  prometheus.Histogram
	checkpointRecordsTotal  prometheus.Counter
	continuationsTotalCount prometheus.Counter

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times; the
// observation helpers call it lazily so callers never race registration.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitescribe_pages_total",
				Help: "Total pages processed by the crawl engine, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		summariesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitescribe_summaries_total",
				Help: "Total summarization outcomes, labeled by status.",
			},
			[]string{"status"},
		)

		batchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitescribe_batches_total",
				Help: "Total work batches dispatched in durable mode.",
			},
		)

		activeFetches = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitescribe_active_fetches",
				Help: "Number of page fetches currently in flight.",
			},
		)

		activeSummaries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitescribe_active_summaries",
				Help: "Number of summarization calls currently in flight.",
			},
		)

		summaryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitescribe_summary_duration_seconds",
				Help:    "Histogram of summarization call latencies.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)

		checkpointRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitescribe_checkpoint_records_total",
				Help: "Total records written to the checkpoint store.",
			},
		)

		continuationsTotalCount = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitescribe_continuations_total",
				Help: "Total execution-context continuations in durable mode.",
			},
		)
	})
}

// Handler returns an http.Handler exposing the registered collectors.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// Serve runs a metrics endpoint on addr until ctx finishes.
func Serve(ctx context.Context, addr string, logger *zap.Logger) {
	r := chi.NewRouter()
	r.Handle("/metrics", Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("Metrics server stopped", zap.Error(err))
	}
}

// ObservePage increments the page counter for the given outcome.
func ObservePage(outcome string) {
	Init()
	pagesTotal.WithLabelValues(outcome).Inc()
}

// ObserveSummary records a summarization outcome and its duration.
func ObserveSummary(status string, duration time.Duration) {
	Init()
	summariesTotal.WithLabelValues(status).Inc()
	summaryDurationSeconds.Observe(duration.Seconds())
}

// ObserveBatch increments the dispatched batch counter.
func ObserveBatch() {
	Init()
	batchesTotal.Inc()
}

// ObserveCheckpointWrite increments the checkpoint record counter.
func ObserveCheckpointWrite() {
	Init()
	checkpointRecordsTotal.Inc()
}

// ObserveContinuation increments the continuation counter.
func ObserveContinuation() {
	Init()
	continuationsTotalCount.Inc()
}

// IncActiveFetches increments the in-flight fetch gauge.
func IncActiveFetches() {
	Init()
	activeFetches.Inc()
}

// DecActiveFetches decrements the in-flight fetch gauge.
func DecActiveFetches() {
	Init()
	activeFetches.Dec()
}

// IncActiveSummaries increments the in-flight summarization gauge.
func IncActiveSummaries() {
	Init()
	activeSummaries.Inc()
}

// DecActiveSummaries decrements the in-flight summarization gauge.
func DecActiveSummaries() {
	Init()
	activeSummaries.Dec()
}
