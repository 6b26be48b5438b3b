package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mixerMetricsOnce sync.Once
	mixerRegistry    *MixerMetrics
)

// MixerMetrics wraps collectors tracking orchestration health.
type MixerMetrics struct {
	transitions  *prometheus.CounterVec
	admissions   *prometheus.CounterVec
	poolEntries  *prometheus.GaugeVec
	roundLatency *prometheus.HistogramVec
	rpcErrors    *prometheus.CounterVec
	jobRetries   prometheus.Counter
	alertsSent   *prometheus.CounterVec
}

// Mixer exposes the lazily-initialised metrics registry for mixerd.
func Mixer() *MixerMetrics {
	mixerMetricsOnce.Do(func() {
		mixerRegistry = &MixerMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mixerd",
				Subsystem: "tx",
				Name:      "transitions_total",
				Help:      "State machine transitions segmented by target state.",
			}, []string{"state"}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mixerd",
				Subsystem: "guard",
				Name:      "admissions_total",
				Help:      "Admission outcomes segmented by decision and reason.",
			}, []string{"decision", "reason"}),
			poolEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "mixerd",
				Subsystem: "pool",
				Name:      "entries",
				Help:      "Pool address counts segmented by lease state.",
			}, []string{"lease_state"}),
			roundLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "mixerd",
				Subsystem: "worker",
				Name:      "round_duration_seconds",
				Help:      "Latency distribution for executed round jobs.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			rpcErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mixerd",
				Subsystem: "noderpc",
				Name:      "errors_total",
				Help:      "Node RPC failures segmented by method and class.",
			}, []string{"method", "class"}),
			jobRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "mixerd",
				Subsystem: "worker",
				Name:      "retries_total",
				Help:      "Round job attempts retried after transient failures.",
			}),
			alertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mixerd",
				Subsystem: "alerts",
				Name:      "deliveries_total",
				Help:      "Security alert webhook deliveries segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			mixerRegistry.transitions,
			mixerRegistry.admissions,
			mixerRegistry.poolEntries,
			mixerRegistry.roundLatency,
			mixerRegistry.rpcErrors,
			mixerRegistry.jobRetries,
			mixerRegistry.alertsSent,
		)
	})
	return mixerRegistry
}

// RecordTransition counts a state machine transition into the given state.
func (m *MixerMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordAdmission counts an admission decision.
func (m *MixerMetrics) RecordAdmission(decision, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.admissions.WithLabelValues(decision, reason).Inc()
}

// SetPoolEntries publishes the current pool census.
func (m *MixerMetrics) SetPoolEntries(leaseState string, count int64) {
	if m == nil {
		return
	}
	m.poolEntries.WithLabelValues(leaseState).Set(float64(count))
}

// ObserveRound records the duration of an executed round job.
func (m *MixerMetrics) ObserveRound(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRPCError counts a node RPC failure.
func (m *MixerMetrics) RecordRPCError(method, class string) {
	if m == nil {
		return
	}
	m.rpcErrors.WithLabelValues(method, class).Inc()
}

// RecordRetry counts one retried job attempt.
func (m *MixerMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.jobRetries.Inc()
}

// RecordAlertDelivery counts a webhook delivery outcome.
func (m *MixerMetrics) RecordAlertDelivery(outcome string) {
	if m == nil {
		return
	}
	m.alertsSent.WithLabelValues(outcome).Inc()
}
