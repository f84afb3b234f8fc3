package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardforge_api_request_duration_seconds",
			Help:    "LLM API request duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"model", "status"},
	)

	rateLimiterWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardforge_rate_limiter_wait_duration_seconds",
			Help:    "Rate limiter wait duration in seconds by model",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"model"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardforge_task_duration_seconds",
			Help:    "Per-segment task duration in seconds by outcome",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
		[]string{"status"},
	)

	cardsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardforge_cards_generated_total",
			Help: "Total number of cards produced",
		},
		[]string{"kind"}, // "content" or "error"
	)

	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardforge_documents_total",
			Help: "Documents processed by terminal outcome",
		},
		[]string{"outcome"}, // "completed", "paused", "cancelled", "error"
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cardforge_active_workers",
			Help: "Number of in-flight segment workers",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordAPIRequest records an API request duration
func (c *Collector) RecordAPIRequest(model string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	apiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
}

// RecordRateLimiterWait records rate limiter wait time
func (c *Collector) RecordRateLimiterWait(model string, duration time.Duration) {
	rateLimiterWaitDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTask records a finished segment task
func (c *Collector) RecordTask(status string, duration time.Duration) {
	taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordCards counts produced cards, split into content and error cards
func (c *Collector) RecordCards(content, errored int) {
	if content > 0 {
		cardsGenerated.WithLabelValues("content").Add(float64(content))
	}
	if errored > 0 {
		cardsGenerated.WithLabelValues("error").Add(float64(errored))
	}
}

// RecordDocument counts a document reaching a terminal outcome
func (c *Collector) RecordDocument(outcome string) {
	documentsTotal.WithLabelValues(outcome).Inc()
}

// WorkerStarted and WorkerFinished track in-flight segment workers.
func (c *Collector) WorkerStarted()  { activeWorkers.Inc() }
func (c *Collector) WorkerFinished() { activeWorkers.Dec() }
