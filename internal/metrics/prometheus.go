package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
)

// Metrics contains all Prometheus metrics for the PTT transcriber.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Session metrics
	ActiveSession   prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	SamplesIngested prometheus.Counter

	// Gate metrics
	ChunksGated    prometheus.Counter
	ChunksAccepted prometheus.Counter
	ChunkDuration  prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	TranscriptionRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec

	ring atomic.Pointer[func() audio.RingStats]
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_packets_dropped_total",
			Help: "Total number of UDP packets dropped",
		}, []string{"reason"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ptt_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Session metrics
		ActiveSession: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ptt_session_active",
			Help: "1 while a push-to-talk session is recording",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_sessions_ended_total",
			Help: "Total number of sessions ended",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptt_session_duration_seconds",
			Help:    "Duration of push-to-talk sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4 minutes
		}),
		SamplesIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_samples_ingested_total",
			Help: "Total number of audio samples pushed into the ring buffer",
		}),

		// Gate metrics
		ChunksGated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_chunks_gated_total",
			Help: "Total number of chunks evaluated by the voice-activity gate",
		}),
		ChunksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_chunks_accepted_total",
			Help: "Total number of chunks that passed the voice-activity gate",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptt_chunk_duration_seconds",
			Help:    "Duration of chunks handed to the transcription stage",
			Buckets: prometheus.LinearBuckets(0.25, 0.25, 12), // 0.25s to 3s
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ptt_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		TranscriptionRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ptt_transcription_retries_total",
			Help: "Total number of transcription request retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ptt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ptt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}

	// Ring buffer counters are owned by the buffer itself and read at scrape time.
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "ptt_ring_samples_overwritten_total",
		Help: "Total number of unread samples overwritten on ring buffer overflow",
	}, func() float64 { return float64(m.ringStats().SamplesOverwritten) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "ptt_ring_chunks_produced_total",
		Help: "Total number of windows cut by the slicer",
	}, func() float64 { return float64(m.ringStats().ChunksProduced) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "ptt_ring_chunks_dropped_total",
		Help: "Total number of queued windows dropped by the queue bound",
	}, func() float64 { return float64(m.ringStats().ChunksDropped) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ptt_ring_available_samples",
		Help: "Samples currently available to the slicer",
	}, func() float64 { return float64(m.ringStats().Available) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ptt_ring_queued_chunks",
		Help: "Windows waiting for the transcription stage",
	}, func() float64 { return float64(m.ringStats().QueuedChunks) })

	return m
}

// BindRing makes the ring buffer counters visible at scrape time
func (m *Metrics) BindRing(stats func() audio.RingStats) {
	if m == nil {
		return
	}
	m.ring.Store(&stats)
}

func (m *Metrics) ringStats() audio.RingStats {
	if fn := m.ring.Load(); fn != nil {
		return (*fn)()
	}
	return audio.RingStats{}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordPacketDropped increments the dropped packets counter for reason
func (m *Metrics) RecordPacketDropped(reason string) {
	if m == nil {
		return
	}
	m.PacketsDropped.WithLabelValues(reason).Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	if m == nil {
		return
	}
	m.QueueSize.Set(float64(size))
}

// RecordSessionStarted marks a session as active
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.ActiveSession.Set(1)
}

// RecordSessionEnded records a finished session, its end reason and duration
func (m *Metrics) RecordSessionEnded(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
	m.ActiveSession.Set(0)
}

// RecordSamples adds n to the ingested samples counter
func (m *Metrics) RecordSamples(n int) {
	if m == nil {
		return
	}
	m.SamplesIngested.Add(float64(n))
}

// RecordChunkGated records one gate decision
func (m *Metrics) RecordChunkGated(accepted bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksGated.Inc()
	m.ChunkDuration.Observe(durationSeconds)
	if accepted {
		m.ChunksAccepted.Inc()
	}
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	if m == nil {
		return
	}
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionRetry increments the retry counter
func (m *Metrics) RecordTranscriptionRetry() {
	if m == nil {
		return
	}
	m.TranscriptionRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
