package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/metrics"
)

var (
	// ErrNoSession is returned when audio or a release arrives while no
	// session is active.
	ErrNoSession = errors.New("stream: no active session")

	// ErrSessionMismatch is returned when a caller names a session that is
	// not the active one, typically because another source took over.
	ErrSessionMismatch = errors.New("stream: session is not the active session")

	// ErrShutdown is returned once the controller has been shut down
	ErrShutdown = errors.New("stream: controller shut down")
)

// EndReason tells why a session ended
type EndReason string

const (
	EndReleased   EndReason = "released"   // PTT key released
	EndIdle       EndReason = "idle"       // no audio for the idle timeout
	EndSuperseded EndReason = "superseded" // a new session began
	EndShutdown   EndReason = "shutdown"
)

// Result is the outcome of one push-to-talk session
type Result struct {
	SessionID     string    `json:"session_id"`
	Source        string    `json:"source"`
	Text          string    `json:"text"`
	Fragments     []string  `json:"fragments"`
	Reason        EndReason `json:"reason"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
	AudioSeconds  float64   `json:"audio_seconds"`
	FlushedChunks int       `json:"flushed_chunks"`
	RecordingPath string    `json:"recording_path,omitempty"`
}

// Duration returns the wall-clock length of the session
func (r *Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ResultHandler receives every finished session, in order
type ResultHandler func(ctx context.Context, result *Result) error

// SessionInfo is a snapshot of the current session
type SessionInfo struct {
	Active       bool      `json:"active"`
	SessionID    string    `json:"session_id,omitempty"`
	Source       string    `json:"source,omitempty"`
	InputRate    int       `json:"input_rate,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Samples      uint64    `json:"samples"`
}

// ControllerStats represents controller statistics
type ControllerStats struct {
	SessionsStarted uint64          `json:"sessions_started"`
	SessionsEnded   uint64          `json:"sessions_ended"`
	PushRejected    uint64          `json:"push_rejected"`
	Session         SessionInfo     `json:"session"`
	Ring            audio.RingStats `json:"ring"`
	Stage           StageStats      `json:"stage"`
}

// SessionController drives push-to-talk sessions. Transports talk to it in
// PCM-16 regardless of the sample type used internally. PushPCM16 and End
// act only on the session named by sessionID; an empty id means whichever
// session is active.
type SessionController interface {
	Begin(source string, sampleRate int) (string, error)
	PushPCM16(sessionID string, pcm []int16) error
	End(ctx context.Context, sessionID string, reason EndReason) (*Result, error)
	Info() SessionInfo
	Transcript() string
	LastResult() *Result
	Stats() ControllerStats
}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	// IdleTimeout ends a session that has received no audio for this long;
	// zero disables the check.
	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	// RecordingsDir, when set, receives one WAV file per session
	RecordingsDir       string
	MaxRecordingSeconds float64
}

type session struct {
	id           string
	source       string
	inputRate    int
	startedAt    time.Time
	lastActivity time.Time
	samples      uint64
	resampler    *audio.Resampler
	recording    []int16
	truncated    bool
}

// Controller owns one ring buffer and its transcription stage and runs
// sessions over them: Clear at press, FlushAndTranscribe at release.
type Controller[S audio.Sample] struct {
	ring    *audio.RingBuffer[S]
	stage   *Stage[S]
	config  ControllerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	// opMu serializes Begin, End and Shutdown. mu guards the session and
	// is held across ring.Add so pushes never straddle a session boundary.
	opMu     sync.Mutex
	mu       sync.Mutex
	session  *session
	handlers []ResultHandler
	last     *Result
	closed   bool

	sessionsStarted atomic.Uint64
	sessionsEnded   atomic.Uint64
	pushRejected    atomic.Uint64

	ctx         context.Context
	cancel      context.CancelFunc
	cleanupDone chan struct{}
}

var _ SessionController = (*Controller[int16])(nil)

// NewController creates a controller over ring and stage. The controller
// takes ownership of both and stops them in Shutdown.
func NewController[S audio.Sample](ring *audio.RingBuffer[S], stage *Stage[S], config ControllerConfig, m *metrics.Metrics, logger *slog.Logger) (*Controller[S], error) {
	if ring == nil {
		return nil, fmt.Errorf("ring buffer cannot be nil")
	}
	if stage == nil {
		return nil, fmt.Errorf("stage cannot be nil")
	}
	if config.IdleTimeout < 0 {
		return nil, fmt.Errorf("idle timeout cannot be negative, got %v", config.IdleTimeout)
	}
	if config.MaxRecordingSeconds < 0 {
		return nil, fmt.Errorf("max recording seconds cannot be negative, got %f", config.MaxRecordingSeconds)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = max(config.IdleTimeout/4, 100*time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller[S]{
		ring:        ring,
		stage:       stage,
		config:      config,
		metrics:     m,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		cleanupDone: make(chan struct{}),
	}

	m.BindRing(ring.Stats)

	if config.IdleTimeout > 0 {
		go c.cleanupRoutine()
	} else {
		close(c.cleanupDone)
	}

	return c, nil
}

// OnResult registers a handler for finished sessions
func (c *Controller[S]) OnResult(h ResultHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Begin starts a new session from source. Audio pushed with PushPCM16 is
// expected at sampleRate and converted to the ring rate when they differ;
// zero means the ring rate. An active session is ended first.
func (c *Controller[S]) Begin(source string, sampleRate int) (string, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return "", ErrShutdown
	}
	if sampleRate < 0 {
		return "", fmt.Errorf("sample rate cannot be negative, got %d", sampleRate)
	}
	if sampleRate == 0 {
		sampleRate = c.ring.SampleRate()
	}

	if c.Info().Active {
		if _, err := c.endLocked(context.Background(), "", EndSuperseded); err != nil && !errors.Is(err, ErrNoSession) {
			return "", err
		}
	}

	var resampler *audio.Resampler
	if sampleRate != c.ring.SampleRate() {
		r, err := audio.NewResampler(sampleRate, c.ring.SampleRate())
		if err != nil {
			return "", fmt.Errorf("failed to create resampler: %w", err)
		}
		resampler = r
	}

	now := time.Now()
	s := &session{
		id:           uuid.NewString(),
		source:       source,
		inputRate:    sampleRate,
		startedAt:    now,
		lastActivity: now,
		resampler:    resampler,
	}

	c.ring.Clear()
	c.stage.SetSession(s.id)

	c.mu.Lock()
	c.session = s
	c.mu.Unlock()

	c.sessionsStarted.Add(1)
	c.metrics.RecordSessionStarted()

	c.logger.Info("Session started",
		slog.String("session_id", s.id),
		slog.String("source", source),
		slog.Int("input_rate", sampleRate),
		slog.Bool("resampling", resampler != nil),
	)

	return s.id, nil
}

// Push feeds samples at the ring rate into the active session
func (c *Controller[S]) Push(samples []S) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.pushRejected.Add(1)
		return ErrNoSession
	}

	c.pushLocked(samples, nil)
	return nil
}

// PushPCM16 feeds PCM-16 samples at the session input rate into sessionID
func (c *Controller[S]) PushPCM16(sessionID string, pcm []int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		c.pushRejected.Add(1)
		return ErrNoSession
	}
	if sessionID != "" && sessionID != c.session.id {
		c.pushRejected.Add(1)
		return ErrSessionMismatch
	}

	if r := c.session.resampler; r != nil {
		out, err := r.Process(pcm)
		if err != nil {
			return fmt.Errorf("session %s: %w", c.session.id, err)
		}
		pcm = out
	}

	c.pushLocked(audio.FromPCM16[S](pcm), pcm)
	return nil
}

func (c *Controller[S]) pushLocked(samples []S, pcm []int16) {
	s := c.session
	s.lastActivity = time.Now()
	if len(samples) == 0 {
		return
	}

	c.ring.Add(samples)
	s.samples += uint64(len(samples))
	c.metrics.RecordSamples(len(samples))

	if c.config.RecordingsDir == "" || s.truncated {
		return
	}
	if pcm == nil {
		pcm = audio.ToPCM16(samples)
	}
	if c.config.MaxRecordingSeconds > 0 {
		limit := int(c.config.MaxRecordingSeconds * float64(c.ring.SampleRate()))
		if room := limit - len(s.recording); room < len(pcm) {
			pcm = pcm[:max(room, 0)]
			s.truncated = true
		}
	}
	s.recording = append(s.recording, pcm...)
}

// End finishes session sessionID: the buffered tail is flushed and
// transcribed, the recording is saved and result handlers run.
func (c *Controller[S]) End(ctx context.Context, sessionID string, reason EndReason) (*Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil, ErrShutdown
	}
	return c.endLocked(ctx, sessionID, reason)
}

// endLocked requires opMu
func (c *Controller[S]) endLocked(ctx context.Context, sessionID string, reason EndReason) (*Result, error) {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return nil, ErrNoSession
	}
	if sessionID != "" && sessionID != s.id {
		c.mu.Unlock()
		return nil, ErrSessionMismatch
	}
	c.drainResamplerLocked()
	c.session = nil
	handlers := c.handlers
	c.mu.Unlock()

	flushed := c.stage.FlushAndTranscribe(ctx)

	result := &Result{
		SessionID:     s.id,
		Source:        s.source,
		Text:          c.stage.SessionText(),
		Fragments:     c.stage.Transcript().Fragments(),
		Reason:        reason,
		StartedAt:     s.startedAt,
		EndedAt:       time.Now(),
		AudioSeconds:  float64(s.samples) / float64(c.ring.SampleRate()),
		FlushedChunks: flushed,
	}

	if len(s.recording) > 0 {
		path := filepath.Join(c.config.RecordingsDir, s.id+".wav")
		if err := audio.SaveWAV(path, s.recording, c.ring.SampleRate()); err != nil {
			c.logger.Warn("Failed to save session recording",
				slog.String("session_id", s.id),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		} else {
			result.RecordingPath = path
		}
	}

	c.sessionsEnded.Add(1)
	c.metrics.RecordSessionEnded(string(reason), result.Duration().Seconds())

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	c.logger.Info("Session ended",
		slog.String("session_id", s.id),
		slog.String("reason", string(reason)),
		slog.Duration("duration", result.Duration()),
		slog.Float64("audio_seconds", result.AudioSeconds),
		slog.Int("fragments", len(result.Fragments)),
		slog.Bool("truncated_recording", s.truncated),
	)

	for _, h := range handlers {
		if err := h(ctx, result); err != nil {
			c.logger.Warn("Result handler failed",
				slog.String("session_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	}

	return result, nil
}

// drainResamplerLocked pushes the resampler's filter tail into the ring so
// the release flush sees every sample. Requires mu.
func (c *Controller[S]) drainResamplerLocked() {
	s := c.session
	if s.resampler == nil {
		return
	}

	tail, err := s.resampler.Flush()
	if err != nil {
		c.logger.Warn("Failed to drain resampler",
			slog.String("session_id", s.id),
			slog.String("error", err.Error()),
		)
		return
	}
	c.pushLocked(audio.FromPCM16[S](tail), tail)
}

func (c *Controller[S]) cleanupRoutine() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.endIfIdle()
		}
	}
}

func (c *Controller[S]) endIfIdle() {
	if !c.idleSession() {
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	// Audio or a new session may have arrived while waiting for opMu
	if c.isClosed() || !c.idleSession() {
		return
	}

	id := c.Info().SessionID
	c.logger.Warn("Session idle, ending it",
		slog.String("session_id", id),
		slog.Duration("idle_timeout", c.config.IdleTimeout),
	)
	_, _ = c.endLocked(context.Background(), id, EndIdle)
}

func (c *Controller[S]) idleSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && time.Since(c.session.lastActivity) > c.config.IdleTimeout
}

func (c *Controller[S]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Info returns a snapshot of the current session
func (c *Controller[S]) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if s == nil {
		return SessionInfo{}
	}
	return SessionInfo{
		Active:       true,
		SessionID:    s.id,
		Source:       s.source,
		InputRate:    s.inputRate,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActivity,
		Samples:      s.samples,
	}
}

// Transcript returns the running transcript of the current session, or
// the final one of the last session until the next Begin.
func (c *Controller[S]) Transcript() string {
	return c.stage.SessionText()
}

// LastResult returns the most recent finished session, or nil
func (c *Controller[S]) LastResult() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// SampleRate returns the rate audio is transcribed at
func (c *Controller[S]) SampleRate() int {
	return c.ring.SampleRate()
}

// Stats returns current controller statistics
func (c *Controller[S]) Stats() ControllerStats {
	return ControllerStats{
		SessionsStarted: c.sessionsStarted.Load(),
		SessionsEnded:   c.sessionsEnded.Load(),
		PushRejected:    c.pushRejected.Load(),
		Session:         c.Info(),
		Ring:            c.ring.Stats(),
		Stage:           c.stage.Stats(),
	}
}

// Shutdown ends an active session, then stops the stage and the ring
// buffer. It is safe to call more than once.
func (c *Controller[S]) Shutdown(ctx context.Context) error {
	c.cancel()
	<-c.cleanupDone

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.isClosed() {
		return nil
	}

	var err error
	if _, endErr := c.endLocked(ctx, "", EndShutdown); endErr != nil && !errors.Is(endErr, ErrNoSession) {
		err = endErr
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.stage.Stop()
	c.ring.Stop()

	c.logger.Info("Session controller stopped",
		slog.Uint64("sessions_started", c.sessionsStarted.Load()),
		slog.Uint64("sessions_ended", c.sessionsEnded.Load()),
	)

	return err
}
