// Package metrics provides the Prometheus collectors for the delivery
// pipeline, plus periodic persistence of their state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds every collector the pipeline records against. One instance
// is constructed per process and injected into every component that needs
// it; there is no package-level singleton.
type Metrics struct {
	EventsProcessedTotal *prometheus.CounterVec

	WebhookDeliveriesTotal      *prometheus.CounterVec
	WebhookDeliveryFailureTotal *prometheus.CounterVec
	WebhookResponseTimeMs       *prometheus.HistogramVec

	QueueSize       *prometheus.GaugeVec
	DLQEntriesTotal prometheus.Counter

	LeaseExpiredTotal       prometheus.Counter
	ConfigReloadFailedTotal prometheus.Counter

	ChainHealth prometheus.Gauge
}

// New builds and registers every collector against registerer. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_processed_total",
				Help: "Chain events observed, labeled by result (matched, filtered, decode_error).",
			},
			[]string{"result"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_deliveries_total",
				Help: "Deliveries resolved, labeled by terminal or retry status.",
			},
			[]string{"status", "webhook_id"},
		),
		WebhookDeliveryFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_delivery_failure_total",
				Help: "Delivery attempts that did not succeed, labeled by failure class.",
			},
			[]string{"reason", "webhook_id"},
		),
		WebhookResponseTimeMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webhook_response_time_ms",
				Help:    "HTTP sender round-trip time in milliseconds.",
				Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"webhook_id"},
		),
		QueueSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_size",
				Help: "Current delivery queue depth, labeled by status.",
			},
			[]string{"status"},
		),
		DLQEntriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dlq_entries_total",
				Help: "Deliveries promoted to the dead-letter store.",
			},
		),
		LeaseExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lease_expired_total",
				Help: "Leases that expired without resolution and reverted to pending.",
			},
		),
		ConfigReloadFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "config_reload_failed_total",
				Help: "Configuration hot-reload attempts rejected by validation.",
			},
		),
		ChainHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chain_connection_healthy",
				Help: "1 if the event source's chain connection is healthy, 0 if degraded.",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.EventsProcessedTotal,
			m.WebhookDeliveriesTotal,
			m.WebhookDeliveryFailureTotal,
			m.WebhookResponseTimeMs,
			m.QueueSize,
			m.DLQEntriesTotal,
			m.LeaseExpiredTotal,
			m.ConfigReloadFailedTotal,
			m.ChainHealth,
		)
	}

	return m
}

// RecordEventProcessed increments the per-result event counter.
func (m *Metrics) RecordEventProcessed(result string) {
	m.EventsProcessedTotal.WithLabelValues(result).Inc()
}

// RecordDeliveryOutcome increments the per-status delivery counter. The
// failure-reason breakdown is recorded separately by RecordDeliveryFailure.
func (m *Metrics) RecordDeliveryOutcome(webhookID, status string) {
	m.WebhookDeliveriesTotal.WithLabelValues(status, webhookID).Inc()
}

// RecordDeliveryFailure increments the failure counter for a classified
// non-success outcome.
func (m *Metrics) RecordDeliveryFailure(webhookID, reason string) {
	m.WebhookDeliveryFailureTotal.WithLabelValues(reason, webhookID).Inc()
}

// RecordResponseTime observes the HTTP sender round-trip latency.
func (m *Metrics) RecordResponseTime(webhookID string, d time.Duration) {
	m.WebhookResponseTimeMs.WithLabelValues(webhookID).Observe(float64(d.Milliseconds()))
}

// SetQueueSize sets the current depth for a given delivery status.
func (m *Metrics) SetQueueSize(status string, n int) {
	m.QueueSize.WithLabelValues(status).Set(float64(n))
}

// RecordDeadLettered increments the dead-letter counter.
func (m *Metrics) RecordDeadLettered() {
	m.DLQEntriesTotal.Inc()
}

// RecordLeaseExpired increments the lease-expiry counter.
func (m *Metrics) RecordLeaseExpired() {
	m.LeaseExpiredTotal.Inc()
}

// RecordConfigReloadFailed increments the failed hot-reload counter.
func (m *Metrics) RecordConfigReloadFailed() {
	m.ConfigReloadFailedTotal.Inc()
}

// SetChainHealthy reflects the Event Source's connection state.
func (m *Metrics) SetChainHealthy(healthy bool) {
	if healthy {
		m.ChainHealth.Set(1)
		return
	}
	m.ChainHealth.Set(0)
}

// Sample is one point-in-time collector reading, flattened for persistence
// to the metrics table.
type Sample struct {
	Name   string
	Value  float64
	Labels map[string]string
}

// Snapshot walks every registered collector and extracts its current value,
// one Sample per label combination. Called periodically by the runtime to
// persist pipeline health into Postgres alongside the live /metrics
// exposition.
func (m *Metrics) Snapshot() []Sample {
	var out []Sample
	out = append(out, collectSamples("events_processed_total", m.EventsProcessedTotal)...)
	out = append(out, collectSamples("webhook_deliveries_total", m.WebhookDeliveriesTotal)...)
	out = append(out, collectSamples("webhook_delivery_failure_total", m.WebhookDeliveryFailureTotal)...)
	out = append(out, collectSamples("queue_size", m.QueueSize)...)
	out = append(out, collectSamples("dlq_entries_total", m.DLQEntriesTotal)...)
	out = append(out, collectSamples("lease_expired_total", m.LeaseExpiredTotal)...)
	out = append(out, collectSamples("config_reload_failed_total", m.ConfigReloadFailedTotal)...)
	out = append(out, collectSamples("chain_connection_healthy", m.ChainHealth)...)
	return out
}

func collectSamples(name string, c prometheus.Collector) []Sample {
	ch := make(chan prometheus.Metric)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var out []Sample
	for pm := range ch {
		var raw dto.Metric
		if err := pm.Write(&raw); err != nil {
			continue
		}
		labels := make(map[string]string, len(raw.GetLabel()))
		for _, lp := range raw.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		out = append(out, Sample{Name: name, Value: metricValue(&raw), Labels: labels})
	}
	return out
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Histogram != nil:
		return m.Histogram.GetSampleSum()
	default:
		return 0
	}
}
