package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "awardcredits"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	operations       *prometheus.CounterVec
	unlockedCredits  prometheus.Counter
	expiredAwards    prometheus.Counter
	sweepDuration    prometheus.Histogram
	expiryWarnings   *prometheus.CounterVec
	rateLimitBlocked *prometheus.CounterVec
}

// NewMetrics registers the collectors together with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Total number of credits operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		unlockedCredits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unlocked_credits_total",
			Help:      "Credits moved from locked to unlocked.",
		}),
		expiredAwards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expired_awards_total",
			Help:      "Awards transitioned to expired by the sweeper.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "sweep_duration_seconds",
			Help:      "Expiry sweep latency.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		expiryWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "expiry_warnings_total",
				Help:      "Expiry warnings handed to the notifier.",
			},
			[]string{"status"},
		),
		rateLimitBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "ratelimit_block_total",
				Help:      "Requests rejected by the per-user rate limiter.",
			},
			[]string{"route"},
		),
	}
	metrics.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.operations,
		metrics.unlockedCredits,
		metrics.expiredAwards,
		metrics.sweepDuration,
		metrics.expiryWarnings,
		metrics.rateLimitBlocked,
	)
	return metrics
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// RateLimited counts one rejected request.
func (metrics *Metrics) RateLimited(route string) {
	metrics.rateLimitBlocked.WithLabelValues(route).Inc()
}
