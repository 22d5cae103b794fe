package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide metric registry for the realtime core.
// Label sets are bounded: outcome/reason values come from the error catalog
// and instance ids are short-lived but low-cardinality per process.
//
// All methods are nil-safe: calls on a nil *Metrics are no-ops, so tests can
// pass nil where metrics are irrelevant.
type Metrics struct {
	// AdmissionAttempts counts admission attempts by terminal outcome and reason.
	AdmissionAttempts *prometheus.CounterVec
	// AdmissionDuration observes wall-clock latency of admission attempts.
	AdmissionDuration prometheus.Histogram
	// QueueOps counts admission queue operations: "enqueue", "promote", "evict".
	QueueOps *prometheus.CounterVec
	// QueueSize tracks the current waiting-queue depth per instance.
	QueueSize *prometheus.GaugeVec
	// QueueWait observes time spent queued before promotion.
	QueueWait prometheus.Histogram
	// SessionOps counts session store operations by outcome.
	SessionOps *prometheus.CounterVec
	// ActiveSessions tracks the number of live sessions.
	ActiveSessions prometheus.Gauge
	// ActiveConnections tracks attached realtime connections.
	ActiveConnections prometheus.Gauge
	// CapacityUtilization tracks seat utilization percent per instance.
	CapacityUtilization *prometheus.GaugeVec
	// ActionLatency observes action handling latency by action type.
	ActionLatency *prometheus.HistogramVec
	// RateLimitHits counts rate-limit rejections by channel.
	RateLimitHits *prometheus.CounterVec
	// ReconnectAttempts counts reconnection attempts by result.
	ReconnectAttempts *prometheus.CounterVec
	// JanitorDuration observes sweep durations.
	JanitorDuration prometheus.Histogram
	// JanitorErrors counts partial sweep failures.
	JanitorErrors prometheus.Counter
}

// NewMetrics creates and registers the core metrics with reg. If reg is nil,
// metrics are created but not registered (useful for testing).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilemud",
			Subsystem: "admission",
			Name:      "attempts_total",
			Help:      "Admission attempts by terminal outcome and reason",
		}, []string{"outcome", "reason"}),
		AdmissionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tilemud",
			Subsystem: "admission",
			Name:      "duration_seconds",
			Help:      "Wall-clock latency of admission attempts",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilemud",
			Subsystem: "admission",
			Name:      "queue_ops_total",
			Help:      "Admission queue operations",
		}, []string{"op"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tilemud",
			Subsystem: "admission",
			Name:      "queue_size",
			Help:      "Current waiting-queue depth per instance",
		}, []string{"instance_id"}),
		QueueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tilemud",
			Subsystem: "admission",
			Name:      "queue_wait_seconds",
			Help:      "Time spent queued before promotion",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		SessionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilemud",
			Subsystem: "session",
			Name:      "ops_total",
			Help:      "Session store operations by outcome",
		}, []string{"op", "outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tilemud",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sessions",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tilemud",
			Subsystem: "gateway",
			Name:      "active_connections",
			Help:      "Attached realtime connections",
		}),
		CapacityUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tilemud",
			Subsystem: "room",
			Name:      "capacity_utilization_percent",
			Help:      "Seat utilization percent per instance",
		}, []string{"instance_id"}),
		ActionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tilemud",
			Subsystem: "action",
			Name:      "latency_seconds",
			Help:      "Action handling latency by action type",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"action_type"}),
		RateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilemud",
			Subsystem: "ratelimit",
			Name:      "hits_total",
			Help:      "Rate-limit rejections by channel",
		}, []string{"channel"}),
		ReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tilemud",
			Subsystem: "reconnect",
			Name:      "attempts_total",
			Help:      "Reconnection attempts by result",
		}, []string{"result"}),
		JanitorDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tilemud",
			Subsystem: "janitor",
			Name:      "sweep_duration_seconds",
			Help:      "Janitor sweep durations",
			Buckets:   prometheus.DefBuckets,
		}),
		JanitorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tilemud",
			Subsystem: "janitor",
			Name:      "errors_total",
			Help:      "Partial sweep failures",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.AdmissionAttempts,
			m.AdmissionDuration,
			m.QueueOps,
			m.QueueSize,
			m.QueueWait,
			m.SessionOps,
			m.ActiveSessions,
			m.ActiveConnections,
			m.CapacityUtilization,
			m.ActionLatency,
			m.RateLimitHits,
			m.ReconnectAttempts,
			m.JanitorDuration,
			m.JanitorErrors,
		)
	}

	return m
}

// RecordAdmission records exactly one sample for a finished admission attempt.
func (m *Metrics) RecordAdmission(outcome, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.AdmissionAttempts.WithLabelValues(outcome, reason).Inc()
	m.AdmissionDuration.Observe(seconds)
}

// RecordQueueOp counts one queue operation.
func (m *Metrics) RecordQueueOp(op string) {
	if m == nil {
		return
	}
	m.QueueOps.WithLabelValues(op).Inc()
}

// SetQueueSize sets the waiting-queue depth gauge for an instance.
func (m *Metrics) SetQueueSize(instanceID string, n int) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues(instanceID).Set(float64(n))
}

// RecordSessionOp counts one session store operation.
func (m *Metrics) RecordSessionOp(op, outcome string) {
	if m == nil {
		return
	}
	m.SessionOps.WithLabelValues(op, outcome).Inc()
}

// RecordRateLimitHit counts one rejection on a channel.
func (m *Metrics) RecordRateLimitHit(channel string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(channel).Inc()
}

// RecordReconnect counts one reconnect attempt by result.
func (m *Metrics) RecordReconnect(result string) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues(result).Inc()
}

// RecordActionLatency observes one action handling duration.
func (m *Metrics) RecordActionLatency(actionType string, seconds float64) {
	if m == nil {
		return
	}
	m.ActionLatency.WithLabelValues(actionType).Observe(seconds)
}

// RecordJanitorSweep observes one sweep duration and its failure count.
func (m *Metrics) RecordJanitorSweep(seconds float64, failures int) {
	if m == nil {
		return
	}
	m.JanitorDuration.Observe(seconds)
	if failures > 0 {
		m.JanitorErrors.Add(float64(failures))
	}
}
