package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/transcription"
)

// StageConfig configures a transcription Stage
type StageConfig struct {
	// TranscribeTimeout bounds each engine call; zero means no limit
	TranscribeTimeout time.Duration
}

// StageStats represents transcription stage statistics
type StageStats struct {
	ChunksReceived    uint64 `json:"chunks_received"`
	ChunksRejected    uint64 `json:"chunks_rejected"`
	ChunksTranscribed uint64 `json:"chunks_transcribed"`
	EmptyResults      uint64 `json:"empty_results"`
	Failures          uint64 `json:"failures"`
	Panics            uint64 `json:"panics"`
	Fragments         int    `json:"fragments"`
	Running           bool   `json:"running"`
}

// Stage consumes chunks from a ring buffer, gates them, transcribes the
// ones that pass and appends the text to the session transcript.
//
// The loop and FlushAndTranscribe both process chunks under procMu, so
// fragments always land in chunk order.
type Stage[S audio.Sample] struct {
	ring       *audio.RingBuffer[S]
	engine     transcription.Engine[S]
	transcript *Transcript
	config     StageConfig
	logger     *slog.Logger

	procMu    sync.Mutex
	sessionID atomic.Pointer[string]

	chunksReceived    atomic.Uint64
	chunksRejected    atomic.Uint64
	chunksTranscribed atomic.Uint64
	emptyResults      atomic.Uint64
	failures          atomic.Uint64
	panics            atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewStage creates a stage over ring and starts its consumer loop
func NewStage[S audio.Sample](ring *audio.RingBuffer[S], engine transcription.Engine[S], config StageConfig, logger *slog.Logger) (*Stage[S], error) {
	if ring == nil {
		return nil, fmt.Errorf("ring buffer cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config.TranscribeTimeout < 0 {
		return nil, fmt.Errorf("transcribe timeout cannot be negative, got %v", config.TranscribeTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Stage[S]{
		ring:       ring,
		engine:     engine,
		transcript: &Transcript{},
		config:     config,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	go s.run()

	return s, nil
}

func (s *Stage[S]) run() {
	defer close(s.done)

	s.logger.Debug("Transcription stage started")

	for s.ctx.Err() == nil {
		if err := s.ring.WaitChunk(s.ctx); err != nil {
			if errors.Is(err, audio.ErrClosed) {
				s.logger.Debug("Chunk channel closed, transcription stage stopping")
			}
			return
		}

		s.procMu.Lock()
		if chunk, ok := s.ring.TryGetChunk(); ok {
			s.process(context.Background(), chunk)
		}
		s.procMu.Unlock()
	}
}

// FlushAndTranscribe drains the ring buffer, including the partial tail,
// and gates and transcribes every chunk in order before returning. It
// returns the number of chunks drained. ctx is the parent of each
// transcription call.
func (s *Stage[S]) FlushAndTranscribe(ctx context.Context) int {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	chunks := s.ring.Flush()
	for _, chunk := range chunks {
		s.process(ctx, chunk)
	}
	return len(chunks)
}

// process gates and transcribes one chunk. Failures and panics are logged
// and counted; the chunk then contributes nothing.
func (s *Stage[S]) process(parent context.Context, chunk audio.Chunk[S]) {
	s.chunksReceived.Add(1)

	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("Transcription panicked",
				slog.Uint64("chunk_seq", chunk.Seq),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	if !s.engine.IsTranscribable(chunk.Samples) {
		s.chunksRejected.Add(1)
		return
	}

	ctx := transcription.WithSessionID(parent, s.SessionID())
	if s.config.TranscribeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TranscribeTimeout)
		defer cancel()
	}

	text, err := s.engine.Transcribe(ctx, chunk)
	if err != nil {
		s.failures.Add(1)
		s.logger.Warn("Chunk transcription failed",
			slog.String("session_id", s.SessionID()),
			slog.Uint64("chunk_seq", chunk.Seq),
			slog.Bool("terminal", chunk.Terminal),
			slog.String("error", err.Error()),
		)
		return
	}

	s.chunksTranscribed.Add(1)
	if !s.transcript.Append(text) {
		s.emptyResults.Add(1)
	}
}

// SetSession resets the transcript and labels subsequent transcription
// calls with sessionID.
func (s *Stage[S]) SetSession(sessionID string) {
	s.sessionID.Store(&sessionID)
	s.transcript.Reset()
}

// SessionID returns the current session label
func (s *Stage[S]) SessionID() string {
	if id := s.sessionID.Load(); id != nil {
		return *id
	}
	return ""
}

// ResetTranscript clears the session transcript
func (s *Stage[S]) ResetTranscript() {
	s.transcript.Reset()
}

// Transcript returns the session transcript
func (s *Stage[S]) Transcript() *Transcript {
	return s.transcript
}

// SessionText returns the transcript text of the current session
func (s *Stage[S]) SessionText() string {
	return s.transcript.Text()
}

// Stop ends the consumer loop. An in-flight transcription is allowed to
// finish first.
func (s *Stage[S]) Stop() {
	s.stopOnce.Do(s.cancel)
	<-s.done
}

// Done is closed once the consumer loop has exited
func (s *Stage[S]) Done() <-chan struct{} {
	return s.done
}

// Stats returns current stage statistics
func (s *Stage[S]) Stats() StageStats {
	running := true
	select {
	case <-s.done:
		running = false
	default:
	}

	return StageStats{
		ChunksReceived:    s.chunksReceived.Load(),
		ChunksRejected:    s.chunksRejected.Load(),
		ChunksTranscribed: s.chunksTranscribed.Load(),
		EmptyResults:      s.emptyResults.Load(),
		Failures:          s.failures.Load(),
		Panics:            s.panics.Load(),
		Fragments:         s.transcript.Len(),
		Running:           running,
	}
}
