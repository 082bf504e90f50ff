// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests counts webhook requests by result
	// ("accepted", "unavailable", "bad_signature", "verified", "verify_rejected").
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_webhook_requests_total",
		Help: "Webhook requests by result",
	}, []string{"result"})

	// EventsClassified counts inbound messaging events by classified kind.
	EventsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_events_classified_total",
		Help: "Inbound messaging events by classified kind",
	}, []string{"kind"})

	// Correlations counts correlator transitions by outcome.
	Correlations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_correlations_total",
		Help: "Correlator transitions by outcome",
	}, []string{"outcome"})

	// PendingSenders is the number of senders holding correlation state.
	PendingSenders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipvault_pending_senders",
		Help: "Senders currently holding a pending text or video",
	})

	// JobsEnqueued counts enrichment jobs handed to the queue by source kind.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_jobs_enqueued_total",
		Help: "Enrichment jobs enqueued by source kind",
	}, []string{"source"})

	// EnqueueErrors counts enrichment jobs that could not be enqueued.
	EnqueueErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_enqueue_errors_total",
		Help: "Enrichment jobs that failed to enqueue",
	})

	// JobsFinished counts job attempts by result ("completed", "retry", "failed").
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_jobs_finished_total",
		Help: "Enrichment job attempts by result",
	}, []string{"result"})

	// RateLimited counts times a worker was held back by the start limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_worker_rate_limited_total",
		Help: "Job starts deferred by the rolling-window limiter",
	})

	// StartsInWindow is how many job starts the rolling window currently holds.
	StartsInWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipvault_worker_starts_in_window",
		Help: "Job starts inside the current rate window",
	})

	// StageDuration measures pipeline stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipvault_stage_duration_seconds",
		Help:    "Enrichment stage latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// StageFailures counts pipeline stage failures.
	StageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipvault_stage_failures_total",
		Help: "Enrichment stage failures",
	}, []string{"stage"})

	// BreakerState reports circuit breaker state per provider (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clipvault_breaker_state",
		Help: "Circuit breaker state per provider",
	}, []string{"name"})
)
