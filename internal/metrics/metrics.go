// Package metrics provides Prometheus metrics for the credential pool, the
// generation client and the batch dispatcher.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ImagesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixq_images_generated_total",
			Help: "Total number of images generated successfully",
		},
		[]string{"key"},
	)
	GenerationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixq_generation_failures_total",
			Help: "Total number of failed generation attempts",
		},
		[]string{"key", "reason"},
	)
	CredentialCooldowns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixq_credential_cooldowns_total",
			Help: "Total number of times a credential entered cooldown",
		},
		[]string{"key"},
	)
	CredentialRecoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixq_credential_recoveries_total",
			Help: "Total number of credentials restored after cooldown expiry",
		},
		[]string{"key"},
	)
	CredentialsAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixq_credentials_available",
			Help: "Number of credentials currently eligible for selection",
		},
	)
	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixq_upstream_request_duration_seconds",
			Help:    "Upstream image generation request duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"outcome"},
	)
	BatchesFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixq_batches_finished_total",
			Help: "Total number of batches that reached a terminal state",
		},
		[]string{"outcome"},
	)
	BatchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pixq_batch_retries_total",
			Help: "Total number of job retries scheduled by the dispatcher",
		},
	)
	BatchesRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pixq_batches_running",
			Help: "Number of batches currently running",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pixq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pixq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordImageGenerated(key string, duration time.Duration) {
	ImagesGenerated.WithLabelValues(key).Inc()
	UpstreamRequestDuration.WithLabelValues("success").Observe(duration.Seconds())
}

func RecordGenerationFailure(key, reason string, duration time.Duration) {
	GenerationFailures.WithLabelValues(key, reason).Inc()
	UpstreamRequestDuration.WithLabelValues("failure").Observe(duration.Seconds())
}

// RecordNoCredential counts a generation that never reached upstream.
func RecordNoCredential() {
	GenerationFailures.WithLabelValues("none", "no_credential").Inc()
}

func RecordCredentialCooldown(key string) {
	CredentialCooldowns.WithLabelValues(key).Inc()
}

func RecordCredentialRecovered(key string) {
	CredentialRecoveries.WithLabelValues(key).Inc()
}

func UpdateCredentialsAvailable(count int) {
	CredentialsAvailable.Set(float64(count))
}

func RecordBatchStarted() {
	BatchesRunning.Inc()
}

func RecordBatchFinished(outcome string) {
	BatchesRunning.Dec()
	BatchesFinished.WithLabelValues(outcome).Inc()
}

func RecordBatchRetry() {
	BatchRetries.Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
