package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics wraps collectors tracking offline transaction queue health.
type QueueMetrics struct {
	transitions   *prometheus.CounterVec
	depth         *prometheus.GaugeVec
	sweepDuration *prometheus.HistogramVec
	failures      *prometheus.CounterVec
	archived      prometheus.Counter
}

var (
	queueMetricsOnce sync.Once
	queueRegistry    *QueueMetrics
)

// Queue returns the lazily-initialised metrics registry for the offline
// transaction queue.
func Queue() *QueueMetrics {
	queueMetricsOnce.Do(func() {
		queueRegistry = &QueueMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "walletmesh",
				Subsystem: "txqueue",
				Name:      "transitions_total",
				Help:      "Count of transaction status transitions segmented by source and target status.",
			}, []string{"from", "to"}),
			depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "walletmesh",
				Subsystem: "txqueue",
				Name:      "depth",
				Help:      "Number of queued transactions per status.",
			}, []string{"status"}),
			sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "walletmesh",
				Subsystem: "txqueue",
				Name:      "sweep_duration_seconds",
				Help:      "Latency distribution for queue sweep passes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "walletmesh",
				Subsystem: "txqueue",
				Name:      "failures_total",
				Help:      "Count of broadcast failures segmented by reason.",
			}, []string{"reason"}),
			archived: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "walletmesh",
				Subsystem: "txqueue",
				Name:      "archived_total",
				Help:      "Count of confirmed transactions exported to the archive.",
			}),
		}
		prometheus.MustRegister(
			queueRegistry.transitions,
			queueRegistry.depth,
			queueRegistry.sweepDuration,
			queueRegistry.failures,
			queueRegistry.archived,
		)
	})
	return queueRegistry
}

// RecordTransition increments the transition counter for the supplied statuses.
func (m *QueueMetrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(labelStatus(from), labelStatus(to)).Inc()
}

// SetDepth updates the per-status depth gauge.
func (m *QueueMetrics) SetDepth(status string, n int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(labelStatus(status)).Set(float64(n))
}

// ObserveSweep records the duration of a sweep pass.
func (m *QueueMetrics) ObserveSweep(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.sweepDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordFailure increments the broadcast failure counter for the supplied reason.
func (m *QueueMetrics) RecordFailure(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.failures.WithLabelValues(reason).Inc()
}

// RecordArchived increments the archive export counter.
func (m *QueueMetrics) RecordArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archived.Add(float64(n))
}

func labelStatus(status string) string {
	trimmed := strings.TrimSpace(status)
	if trimmed == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(trimmed)
}
