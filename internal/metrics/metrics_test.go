package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RegistrySize.Set(3)
	m.MalformedPackets.Inc()
	m.InterruptedChunks.Inc()
	m.LateFragmentsDropped.Add(2)
	m.ReapedClients.Inc()
	m.FragmentsSent.Add(5)
	m.ObserveStage("transcribing", 0.25)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	require.Contains(t, byName, "gatewayd_registry_clients")
	require.Contains(t, byName, "gatewayd_malformed_packets_total")
	require.Contains(t, byName, "gatewayd_interrupted_chunks_total")
	require.Contains(t, byName, "gatewayd_late_fragments_dropped_total")
	require.Contains(t, byName, "gatewayd_reaped_clients_total")
	require.Contains(t, byName, "gatewayd_fragments_sent_total")
	require.Contains(t, byName, "gatewayd_pipeline_stage_duration_seconds")

	gauge := byName["gatewayd_registry_clients"].GetMetric()[0].GetGauge()
	require.Equal(t, float64(3), gauge.GetValue())

	dropped := byName["gatewayd_late_fragments_dropped_total"].GetMetric()[0].GetCounter()
	require.Equal(t, float64(2), dropped.GetValue())

	hist := byName["gatewayd_pipeline_stage_duration_seconds"].GetMetric()[0].GetHistogram()
	require.Equal(t, uint64(1), hist.GetSampleCount())
}
