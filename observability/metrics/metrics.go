// Package metrics exposes the Prometheus instruments shared by the
// settlement engines, the sweep scheduler and the webhook dispatcher.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementMetrics records engine activity.
type SettlementMetrics struct {
	transitions *prometheus.CounterVec
	sweeps      *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

var (
	settlementOnce     sync.Once
	settlementRegistry *SettlementMetrics
)

// Settlement returns the lazily-initialised engine metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mizan_transitions_total",
				Help: "Count of applied state transitions by entity and transition.",
			}, []string{"entity", "transition"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mizan_sweep_actions_total",
				Help: "Count of actions applied by the release sweep by kind.",
			}, []string{"kind"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mizan_transition_failures_total",
				Help: "Count of rejected transitions by entity and reason.",
			}, []string{"entity", "reason"}),
		}
		prometheus.MustRegister(
			settlementRegistry.transitions,
			settlementRegistry.sweeps,
			settlementRegistry.failures,
		)
	})
	return settlementRegistry
}

// RecordTransition increments the transition counter.
func (m *SettlementMetrics) RecordTransition(entity, transition string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(entity, transition).Inc()
}

// RecordSweep increments the sweep action counter.
func (m *SettlementMetrics) RecordSweep(kind string, count int) {
	if m == nil || m.sweeps == nil || count <= 0 {
		return
	}
	m.sweeps.WithLabelValues(kind).Add(float64(count))
}

// RecordFailure increments the rejected transition counter.
func (m *SettlementMetrics) RecordFailure(entity, reason string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(entity, reason).Inc()
}

// NotifyMetrics records webhook queue and delivery outcomes.
type NotifyMetrics struct {
	dropped    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
}

var (
	notifyOnce     sync.Once
	notifyRegistry *NotifyMetrics
)

// Notify returns the lazily-initialised notification metrics registry.
func Notify() *NotifyMetrics {
	notifyOnce.Do(func() {
		notifyRegistry = &NotifyMetrics{
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mizan_webhooks_dropped_total",
				Help: "Number of queued webhook events dropped by reason.",
			}, []string{"reason"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "mizan_webhook_deliveries_total",
				Help: "Number of webhook delivery attempts by destination and outcome.",
			}, []string{"destination", "outcome"}),
		}
		prometheus.MustRegister(notifyRegistry.dropped, notifyRegistry.deliveries)
	})
	return notifyRegistry
}

// RecordDropped increments the dropped event counter.
func (m *NotifyMetrics) RecordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(count))
}

// RecordDelivery increments the delivery attempt counter.
func (m *NotifyMetrics) RecordDelivery(destination, outcome string) {
	if m == nil || m.deliveries == nil {
		return
	}
	m.deliveries.WithLabelValues(destination, outcome).Inc()
}
