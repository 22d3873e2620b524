// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsProcessed tracks batch items by operation and final status
	ItemsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redeemer_items_processed_total",
			Help: "Total number of batch items that reached a terminal state",
		},
		[]string{"operation", "status"},
	)

	// APICallsTotal tracks game API calls per endpoint
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redeemer_api_calls_total",
			Help: "Total number of game API calls",
		},
		[]string{"endpoint"},
	)

	// APIErrorsTotal tracks classified game API failures
	APIErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redeemer_api_errors_total",
			Help: "Total number of game API errors",
		},
		[]string{"endpoint", "status"},
	)

	// APILatency tracks game API latency
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redeemer_api_latency_seconds",
			Help:    "Game API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// CaptchaSolves tracks solver invocations by result
	CaptchaSolves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redeemer_captcha_solves_total",
			Help: "Total number of captcha solve attempts",
		},
		[]string{"result"},
	)

	// CaptchaModelLoaded is 1 while the inference session is resident
	CaptchaModelLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redeemer_captcha_model_loaded",
			Help: "Whether the captcha model is currently loaded",
		},
	)

	// ProcessesFinished tracks processes by final status
	ProcessesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redeemer_processes_finished_total",
			Help: "Total number of processes that stopped running",
		},
		[]string{"status"},
	)

	// ActiveProcessProgress mirrors the latest snapshot of the running process
	ActiveProcessProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redeemer_active_process_items",
			Help: "Item counts of the running process by bucket",
		},
		[]string{"bucket"},
	)

	// QueueLength tracks processes waiting to run
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redeemer_queue_length",
			Help: "Number of processes waiting in the queue",
		},
	)

	// FeedSyncs tracks feed synchronizer cycles by result
	FeedSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redeemer_feed_syncs_total",
			Help: "Total number of feed sync cycles",
		},
		[]string{"result"},
	)

	// FeedBackoff tracks the current feed backoff in seconds
	FeedBackoff = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redeemer_feed_backoff_seconds",
			Help: "Backoff applied before the next feed sync",
		},
	)

	// DBConnectionPoolUsage tracks pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "redeemer_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
