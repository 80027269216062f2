// Package metrics exposes Prometheus counters/gauges/histograms for the
// gateway, grounded on madpsy-ka9q_ubersdr's client_golang usage. This is
// a supplemented feature beyond spec.md's distillation: the spec notes
// implementations "SHOULD surface counters... to aid tuning" without
// specifying a mechanism.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every gateway-level Prometheus collector. Construct one
// with NewMetrics and pass it down to the components that report into it.
type Metrics struct {
	RegistrySize          prometheus.Gauge
	MalformedPackets       prometheus.Counter
	InterruptedChunks      prometheus.Counter
	LateFragmentsDropped   prometheus.Counter
	ReapedClients          prometheus.Counter
	PipelineStageDuration  *prometheus.HistogramVec
	FragmentsSent          prometheus.Counter
}

// NewMetrics registers every collector against reg and returns the bundle.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RegistrySize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatewayd",
			Name:      "registry_clients",
			Help:      "Number of LogicalClients currently tracked by the registry.",
		}),
		MalformedPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "malformed_packets_total",
			Help:      "Datagrams dropped for a short or length-mismatched wire header.",
		}),
		InterruptedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "interrupted_chunks_total",
			Help:      "Outbound chunks aborted mid-send due to client interruption.",
		}),
		LateFragmentsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "late_fragments_dropped_total",
			Help:      "Fragments dropped because a newer chunk_index superseded them, or they timed out.",
		}),
		ReapedClients: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "reaped_clients_total",
			Help:      "Clients removed by the inactivity reaper.",
		}),
		PipelineStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatewayd",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each pipeline stage (transcribing, generating, synthesizing, sending).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		FragmentsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gatewayd",
			Name:      "fragments_sent_total",
			Help:      "MP3 fragments written to the UDP socket.",
		}),
	}
}

// ObserveStage records how long a named pipeline stage took.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	m.PipelineStageDuration.WithLabelValues(stage).Observe(seconds)
}
