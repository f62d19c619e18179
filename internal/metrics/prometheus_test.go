package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
)

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionStarted()
	if got := testutil.ToFloat64(m.ActiveSession); got != 1 {
		t.Errorf("Expected active session gauge 1, got %f", got)
	}

	m.RecordSamples(16000)
	m.RecordSamples(8000)
	if got := testutil.ToFloat64(m.SamplesIngested); got != 24000 {
		t.Errorf("Expected 24000 samples ingested, got %f", got)
	}

	m.RecordSessionEnded("released", 1.5)
	if got := testutil.ToFloat64(m.ActiveSession); got != 0 {
		t.Errorf("Expected active session gauge 0, got %f", got)
	}
	if got := testutil.ToFloat64(m.SessionsEnded.WithLabelValues("released")); got != 1 {
		t.Errorf("Expected 1 released session, got %f", got)
	}
}

func TestGateMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordChunkGated(true, 2.0)
	m.RecordChunkGated(false, 0.5)

	if got := testutil.ToFloat64(m.ChunksGated); got != 2 {
		t.Errorf("Expected 2 gated chunks, got %f", got)
	}
	if got := testutil.ToFloat64(m.ChunksAccepted); got != 1 {
		t.Errorf("Expected 1 accepted chunk, got %f", got)
	}
}

func TestRingMetricsReadAtScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	stats := audio.RingStats{SamplesOverwritten: 42, ChunksProduced: 7, Available: 100}
	m.BindRing(func() audio.RingStats { return stats })

	count, err := testutil.GatherAndCount(reg, "ptt_ring_samples_overwritten_total", "ptt_ring_chunks_produced_total")
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 ring metrics, got %d", count)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() == "ptt_ring_samples_overwritten_total" {
			found = true
			if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 42 {
				t.Errorf("Expected 42 overwritten samples, got %f", got)
			}
		}
	}
	if !found {
		t.Error("Expected ptt_ring_samples_overwritten_total to be exported")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordPacketReceived()
	m.RecordSessionStarted()
	m.RecordSamples(10)
	m.RecordChunkGated(true, 1)
	m.RecordTranscriptionFailure(0.1)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.BindRing(func() audio.RingStats { return audio.RingStats{} })
}
