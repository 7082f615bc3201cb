package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "live_metrics_agent"

// Metrics are the agent's own counters, exposed on the metrics endpoint.
type Metrics struct {
	DocumentsRecorded prometheus.Counter
	DocumentsIgnored  prometheus.Counter

	TransportRequests *prometheus.CounterVec
	TransportLatency  *prometheus.HistogramVec
	SamplesSubmitted  prometheus.Counter
	SamplesDropped    prometheus.Counter
	CollectorState    prometheus.Gauge

	ConfigurationSwaps  prometheus.Counter
	ConfigurationErrors prometheus.Gauge

	CorrelationEntries    prometheus.Gauge
	CorrelationEvictions  prometheus.Counter
	CorrelationDuplicates prometheus.Counter
	CorrelationMisses     prometheus.Counter

	TopCPUScanFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DocumentsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_recorded_total",
			Help:      "Telemetry documents evaluated against the active collection configuration.",
		}),
		DocumentsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ignored_total",
			Help:      "Telemetry documents received while no collector was interested.",
		}),
		TransportRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_requests_total",
			Help:      "Collector exchanges by operation and outcome.",
		}, []string{"operation", "outcome"}),
		TransportLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transport_request_duration_seconds",
			Help:      "Collector exchange latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		SamplesSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_submitted_total",
			Help:      "Samples accepted by the collector.",
		}),
		SamplesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_dropped_total",
			Help:      "Samples dropped after a failed submission.",
		}),
		CollectorState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "collector_state",
			Help:      "Transport state: 0 idle, 1 polling, 2 collecting.",
		}),
		ConfigurationSwaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "configuration_swaps_total",
			Help:      "Collection configurations activated.",
		}),
		ConfigurationErrors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configuration_errors",
			Help:      "Compile errors of the active collection configuration.",
		}),
		CorrelationEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "correlation_entries",
			Help:      "Operations waiting for their end event.",
		}),
		CorrelationEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_evictions_total",
			Help:      "Operations evicted before their end event arrived.",
		}),
		CorrelationDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_duplicates_total",
			Help:      "Begin events for an operation id that was already pending.",
		}),
		CorrelationMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "correlation_misses_total",
			Help:      "End events without a pending begin event.",
		}),
		TopCPUScanFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topcpu_scan_failures_total",
			Help:      "Process scans that failed, by reason.",
		}, []string{"reason"}),
	}
}
