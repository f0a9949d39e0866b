// Package telemetry exposes Prometheus metrics for the extraction core.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portico",
		Name:      "login_attempts_total",
		Help:      "Login attempts by integration and result.",
	}, []string{"integration", "result"})

	metricExtractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portico",
		Name:      "extractions_total",
		Help:      "Extraction outcomes by integration and error kind (empty kind on success).",
	}, []string{"integration", "outcome", "kind"})

	metricExtractionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "portico",
		Name:      "extraction_duration_seconds",
		Help:      "Wall time of one extraction including retries.",
		Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"integration"})

	metricOTPChallenges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "portico",
		Name:      "otp_challenges_total",
		Help:      "Second-factor challenges by integration and resolution.",
	}, []string{"integration", "resolution"})

	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "portico",
		Name:      "active_sessions",
		Help:      "Currently open authenticated browser sessions.",
	})

	metricHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "portico",
		Name:      "integration_health",
		Help:      "Latest health status per integration (1 for the active status label).",
	}, []string{"integration", "status"})
)

// RecordLogin counts one login attempt outcome.
func RecordLogin(integration, result string) {
	metricLoginAttempts.WithLabelValues(integration, result).Inc()
}

// RecordExtraction counts one extraction outcome and observes its duration.
func RecordExtraction(integration, outcome, kind string, duration time.Duration) {
	metricExtractions.WithLabelValues(integration, outcome, kind).Inc()
	metricExtractionDuration.WithLabelValues(integration).Observe(duration.Seconds())
}

// RecordOTPChallenge counts a challenge resolution: fulfilled, expired, or
// rejected.
func RecordOTPChallenge(integration, resolution string) {
	metricOTPChallenges.WithLabelValues(integration, resolution).Inc()
}

// SessionOpened and SessionClosed track the live session gauge.
func SessionOpened() { metricActiveSessions.Inc() }

// SessionClosed decrements the live session gauge.
func SessionClosed() { metricActiveSessions.Dec() }

// SetHealthStatus marks the current status for an integration, clearing the
// other status labels so exactly one reads 1.
func SetHealthStatus(integration, status string) {
	for _, s := range []string{"up", "degraded", "awaiting_second_factor", "down"} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		metricHealthStatus.WithLabelValues(integration, s).Set(v)
	}
}
