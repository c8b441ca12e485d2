package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Sample is a single (name, label-set, value) row ready for persistence.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Snapshot reads the current value of every counter and gauge collector.
// Histograms are summarized by their count and sum (bucket counts are not
// included). Snapshot never
// errors: a metric that fails to report itself is skipped.
func (m *Metrics) Snapshot() []Sample {
	var samples []Sample

	samples = append(samples, collectVec("events_processed_total", m.EventsProcessedTotal)...)
	samples = append(samples, collectVec("webhook_deliveries_total", m.WebhookDeliveriesTotal)...)
	samples = append(samples, collectVec("webhook_delivery_failure_total", m.WebhookDeliveryFailureTotal)...)
	samples = append(samples, collectVec("queue_size", m.QueueSize)...)
	samples = append(samples, collectHistogramVec("webhook_response_time_ms", m.WebhookResponseTimeMs)...)
	samples = append(samples, collectSingle("dlq_entries_total", m.DLQEntriesTotal)...)
	samples = append(samples, collectSingle("lease_expired_total", m.LeaseExpiredTotal)...)
	samples = append(samples, collectSingle("config_reload_failed_total", m.ConfigReloadFailedTotal)...)
	samples = append(samples, collectSingle("chain_connection_healthy", m.ChainHealth)...)

	return samples
}

func collectSingle(name string, c prometheus.Collector) []Sample {
	return collectVec(name, c)
}

func collectVec(name string, c prometheus.Collector) []Sample {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var out []Sample
	for pm := range ch {
		var d dto.Metric
		if err := pm.Write(&d); err != nil {
			continue
		}
		value := 0.0
		switch {
		case d.Counter != nil:
			value = d.Counter.GetValue()
		case d.Gauge != nil:
			value = d.Gauge.GetValue()
		default:
			continue
		}
		out = append(out, Sample{Name: name, Labels: labelMap(d.Label), Value: value})
	}
	return out
}

func collectHistogramVec(name string, c prometheus.Collector) []Sample {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var out []Sample
	for pm := range ch {
		var d dto.Metric
		if err := pm.Write(&d); err != nil || d.Histogram == nil {
			continue
		}
		labels := labelMap(d.Label)
		out = append(out,
			Sample{Name: name + "_count", Labels: labels, Value: float64(d.Histogram.GetSampleCount())},
			Sample{Name: name + "_sum", Labels: labels, Value: d.Histogram.GetSampleSum()},
		)
	}
	return out
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}
