// Package metrics exports Prometheus metrics for the ingest service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all ingest Prometheus metrics
type Metrics struct {
	// Analysis metrics
	AnalysesSucceeded prometheus.Counter
	AnalysesFailed    *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram

	// Fetch metrics
	FetchDuration *prometheus.HistogramVec
	FetchFailed   *prometheus.CounterVec

	// LLM metrics
	ModelRequests     *prometheus.CounterVec
	ModelRepairRuns   prometheus.Counter
	ModelInputTokens  prometheus.Counter
	ModelOutputTokens prometheus.Counter

	// Refresh metrics
	RefreshJobs     *prometheus.CounterVec
	FeedEntriesSeen *prometheus.CounterVec
	ItemsDiscovered *prometheus.CounterVec

	// Worker pool metrics
	QueueDepth    prometheus.Gauge
	ActiveWorkers prometheus.Gauge

	// Rate limit metrics
	RateLimited *prometheus.CounterVec
}

// New initializes and registers all metrics on the default registry.
func New() *Metrics {
	m := &Metrics{}
	initAnalysisMetrics(m)
	initFetchMetrics(m)
	initModelMetrics(m)
	initRefreshMetrics(m)
	initWorkerMetrics(m)
	return m
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

func initAnalysisMetrics(m *Metrics) {
	m.AnalysesSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_analyses_succeeded_total",
		Help: "Total analysis runs that produced a stored result",
	})

	m.AnalysesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_analyses_failed_total",
		Help: "Total analysis runs that failed, by pipeline stage",
	}, []string{"stage"})

	m.AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_analysis_duration_seconds",
		Help:    "End-to-end time for one analysis run",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})
}

func initFetchMetrics(m *Metrics) {
	m.FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_fetch_duration_seconds",
		Help:    "Time to fetch one document, by strategy (direct, reader)",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"strategy"})

	m.FetchFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_fetch_failed_total",
		Help: "Total document fetches that failed, by strategy",
	}, []string{"strategy"})
}

func initModelMetrics(m *Metrics) {
	m.ModelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_model_requests_total",
		Help: "Total model invocations, by provider and outcome",
	}, []string{"provider", "outcome"})

	m.ModelRepairRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_model_repair_runs_total",
		Help: "Total repair reruns after unparseable model output",
	})

	m.ModelInputTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_model_input_tokens_total",
		Help: "Total input tokens reported by providers",
	})

	m.ModelOutputTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_model_output_tokens_total",
		Help: "Total output tokens reported by providers",
	})
}

func initRefreshMetrics(m *Metrics) {
	m.RefreshJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_refresh_jobs_total",
		Help: "Total refresh jobs, by final status",
	}, []string{"status"})

	m.FeedEntriesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_feed_entries_seen_total",
		Help: "Total feed entries examined, by source slug",
	}, []string{"source"})

	m.ItemsDiscovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_items_discovered_total",
		Help: "Total new aggregate items created from feeds, by source slug",
	}, []string{"source"})
}

func initWorkerMetrics(m *Metrics) {
	m.QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_depth",
		Help: "Current pending analysis jobs in the worker queue",
	})

	m.ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_workers",
		Help: "Currently active analysis workers",
	})

	m.RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_rate_limited_total",
		Help: "Total requests rejected by rate limiting, by action",
	}, []string{"action"})
}
