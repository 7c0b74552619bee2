package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "record_transitions_total",
		Help:      "Commitment record state transitions.",
	}, []string{"network", "state"})

	commitAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commit_attempts_total",
		Help:      "Adapter commit attempts by outcome.",
	}, []string{"network", "outcome"})

	commitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "commit_duration_seconds",
		Help:      "Time from job pickup to broadcast or failure.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"network"})

	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Verification requests by outcome.",
	}, []string{"outcome"})
)

func init() {
	registry.MustRegister(recordTransitions, commitAttempts, commitLatency, verifications)
}

// ObserveTransition counts a record entering state on network.
func ObserveTransition(network, state string) {
	recordTransitions.WithLabelValues(network, state).Inc()
}

// ObserveCommitAttempt counts one adapter commit call. outcome is one of
// "ok", "retry" or "failed".
func ObserveCommitAttempt(network, outcome string) {
	commitAttempts.WithLabelValues(network, outcome).Inc()
}

// ObserveCommitDuration records how long a broadcast job took.
func ObserveCommitDuration(network string, d time.Duration) {
	commitLatency.WithLabelValues(network).Observe(d.Seconds())
}

// ObserveVerification counts a verification outcome.
func ObserveVerification(outcome string) {
	verifications.WithLabelValues(outcome).Inc()
}
