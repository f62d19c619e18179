package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/metrics"
	"github.com/skypro1111/ptt-transcriber/internal/vad"
)

// Engine is what the transcription stage talks to: a gate deciding whether
// a chunk is worth sending, and a possibly slow call turning it into text.
type Engine[S audio.Sample] interface {
	IsTranscribable(samples []S) bool
	Transcribe(ctx context.Context, chunk audio.Chunk[S]) (string, error)
}

// Request is one chunk sent to a Backend
type Request struct {
	RequestID  string
	SessionID  string
	ChunkSeq   uint64
	Terminal   bool
	SampleRate int
	Samples    []int16
	Model      Model
	Language   string
	Prompt     string
	Timestamp  time.Time
}

// Duration returns the audio duration of the request
func (r *Request) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// WAV encodes the request audio as a PCM-16 mono WAV file
func (r *Request) WAV() ([]byte, error) {
	return audio.EncodeWAV(r.Samples, r.SampleRate)
}

// Response is the text a Backend produced for a Request
type Response struct {
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Backend performs speech recognition for a single request
type Backend interface {
	Transcribe(ctx context.Context, req *Request) (*Response, error)
}

type sessionKey struct{}

// WithSessionID tags ctx with the session the transcribed audio belongs to
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionIDFromContext returns the session id set by WithSessionID
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// EngineConfig configures a GatedEngine
type EngineConfig struct {
	SampleRate int
	Model      Model
	Language   string
	Prompt     string
}

// GatedEngine adapts a Backend into an Engine, gating chunks with a vad.Gate
// and converting samples to PCM-16 for the wire.
type GatedEngine[S audio.Sample] struct {
	backend Backend
	gate    *vad.Gate
	config  EngineConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGatedEngine creates a new engine over backend
func NewGatedEngine[S audio.Sample](backend Backend, gate *vad.Gate, config EngineConfig, m *metrics.Metrics, logger *slog.Logger) (*GatedEngine[S], error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if gate == nil {
		return nil, fmt.Errorf("gate cannot be nil")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}

	return &GatedEngine[S]{
		backend: backend,
		gate:    gate,
		config:  config,
		metrics: m,
		logger:  logger,
	}, nil
}

// IsTranscribable evaluates the voice-activity gate
func (e *GatedEngine[S]) IsTranscribable(samples []S) bool {
	d := vad.Evaluate(e.gate, samples)
	e.metrics.RecordChunkGated(d.Accept, float64(d.Samples)/float64(e.config.SampleRate))

	if !d.Accept {
		e.logger.Debug("Chunk rejected by gate",
			slog.String("reason", string(d.Reason)),
			slog.Float64("mean_amplitude", d.MeanAmplitude),
			slog.Float64("threshold", d.Threshold),
			slog.Int("samples", d.Samples),
		)
	}
	return d.Accept
}

// Transcribe sends the chunk to the backend and returns the trimmed text
func (e *GatedEngine[S]) Transcribe(ctx context.Context, chunk audio.Chunk[S]) (string, error) {
	req := &Request{
		RequestID:  uuid.NewString(),
		SessionID:  SessionIDFromContext(ctx),
		ChunkSeq:   chunk.Seq,
		Terminal:   chunk.Terminal,
		SampleRate: e.config.SampleRate,
		Samples:    audio.ToPCM16(chunk.Samples),
		Model:      e.config.Model,
		Language:   e.config.Language,
		Prompt:     e.config.Prompt,
		Timestamp:  time.Now(),
	}

	start := time.Now()
	e.metrics.RecordTranscriptionRequest()

	resp, err := e.backend.Transcribe(ctx, req)
	if err != nil {
		e.metrics.RecordTranscriptionFailure(time.Since(start).Seconds())
		return "", fmt.Errorf("failed to transcribe chunk %d: %w", chunk.Seq, err)
	}
	e.metrics.RecordTranscriptionSuccess(time.Since(start).Seconds())

	text := strings.TrimSpace(resp.Text)

	e.logger.Debug("Chunk transcribed",
		slog.String("request_id", req.RequestID),
		slog.String("session_id", req.SessionID),
		slog.Uint64("chunk_seq", req.ChunkSeq),
		slog.Duration("audio", req.Duration()),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("text_length", len(text)),
	)

	return text, nil
}

// Stats returns the gate statistics
func (e *GatedEngine[S]) Stats() vad.GateStats {
	return e.gate.Stats()
}
