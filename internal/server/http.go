package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/config"
	"github.com/skypro1111/ptt-transcriber/internal/history"
	"github.com/skypro1111/ptt-transcriber/internal/metrics"
	"github.com/skypro1111/ptt-transcriber/internal/stream"
)

// maxAudioBody caps one POST /session/audio request
const maxAudioBody = 4 << 20

// HistoryReader is the read side of the session history
type HistoryReader interface {
	List(ctx context.Context, limit, offset int) ([]*history.Record, error)
	Get(ctx context.Context, sessionID string) (*history.Record, error)
	Count(ctx context.Context) (int, error)
}

// HTTPServer provides the session API plus monitoring endpoints
type HTTPServer struct {
	server     *http.Server
	router     chi.Router
	logger     *slog.Logger
	config     *config.Config
	controller stream.SessionController
	udpServer  *UDPServer
	history    HistoryReader
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. udpServer and hist may be
// nil when those components are disabled; a nil gatherer serves the
// default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	controller stream.SessionController, udpServer *UDPServer, hist HistoryReader,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: controller,
		udpServer:  udpServer,
		history:    hist,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
	}

	h.router = h.setupRoutes()

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: endTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.withMetrics("/health", h.handleHealth))

	// Session control
	r.Get("/session", h.withMetrics("/session", h.handleSession))
	r.Post("/session/begin", h.withMetrics("/session/begin", h.handleBegin))
	r.Post("/session/audio", h.withMetrics("/session/audio", h.handleAudio))
	r.Post("/session/end", h.withMetrics("/session/end", h.handleEnd))
	r.Get("/session/transcript", h.withMetrics("/session/transcript", h.handleTranscript))
	r.Get("/session/last", h.withMetrics("/session/last", h.handleLastResult))

	// Hijacked by the upgrader, so no status wrapper
	r.Get("/session/ws", h.handleWebSocket)

	// Session history
	r.Get("/sessions", h.withMetrics("/sessions", h.handleSessions))
	r.Get("/sessions/{id}", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	r.Get("/config", h.withMetrics("/config", h.handleConfig))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Get("/", h.withMetrics("/", h.handleRoot))

	return r
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// controllerStatus maps controller errors onto HTTP status codes
func controllerStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrNoSession), errors.Is(err, stream.ErrSessionMismatch):
		return http.StatusConflict
	case errors.Is(err, stream.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.controller.Stats()

	components := map[string]interface{}{
		"session_controller": map[string]interface{}{
			"status":           "running",
			"session_active":   stats.Session.Active,
			"sessions_started": stats.SessionsStarted,
		},
		"transcription_stage": map[string]interface{}{
			"running":            stats.Stage.Running,
			"chunks_transcribed": stats.Stage.ChunksTranscribed,
			"failures":           stats.Stage.Failures,
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]interface{}{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !stats.Stage.Running {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "ptt-transcriber",
			"version": "1.0.0",
		},
		"components": components,
	})
}

// handleSession implements GET /session
func (h *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.controller.Info())
}

type beginRequest struct {
	Source     string `json:"source"`
	SampleRate int    `json:"sample_rate"`
}

// handleBegin implements POST /session/begin. The body is optional.
func (h *HTTPServer) handleBegin(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
			return
		}
	}
	if req.SampleRate < 0 {
		writeError(w, http.StatusBadRequest, "sample_rate cannot be negative")
		return
	}
	if req.Source == "" {
		req.Source = "http:" + r.RemoteAddr
	}

	sessionID, err := h.controller.Begin(req.Source, req.SampleRate)
	if err != nil {
		writeError(w, controllerStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sessionID})
}

// handleAudio implements POST /session/audio?session_id=. The body is raw
// PCM16LE. Without session_id the audio goes to whichever session is active.
func (h *HTTPServer) handleAudio(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	samples, err := audio.PCM16FromBytes(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.controller.PushPCM16(r.URL.Query().Get("session_id"), samples); err != nil {
		writeError(w, controllerStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"samples": len(samples)})
}

// handleEnd implements POST /session/end?session_id=. The response is sent
// once the final flush has been transcribed.
func (h *HTTPServer) handleEnd(w http.ResponseWriter, r *http.Request) {
	// The flush outlives a disconnecting client
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), endTimeout)
	defer cancel()

	result, err := h.controller.End(ctx, r.URL.Query().Get("session_id"), stream.EndReleased)
	if err != nil {
		writeError(w, controllerStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleTranscript implements GET /session/transcript
func (h *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request) {
	info := h.controller.Info()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":     info.Active,
		"session_id": info.SessionID,
		"text":       h.controller.Transcript(),
	})
}

// handleLastResult implements GET /session/last
func (h *HTTPServer) handleLastResult(w http.ResponseWriter, r *http.Request) {
	result := h.controller.LastResult()
	if result == nil {
		writeError(w, http.StatusNotFound, "no session has ended yet")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSessions implements GET /sessions?limit=&offset=
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "session history is disabled")
		return
	}

	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.history.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list sessions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	total, err := h.history.Count(r.Context())
	if err != nil {
		h.logger.Error("Failed to count sessions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to count sessions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"sessions": records,
	})
}

// handleSessionDetail implements GET /sessions/{id}
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotFound, "session history is disabled")
		return
	}

	id := chi.URLParam(r, "id")
	record, err := h.history.Get(r.Context(), id)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load session",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, v)
	}
	return n, nil
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	c := h.config

	// API key is left out
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"enabled":      c.Server.Enabled,
			"udp_port":     c.Server.UDPPort,
			"bind_address": c.Server.BindAddress,
			"buffer_size":  c.Server.BufferSize,
			"queue_size":   c.Server.QueueSize,
		},
		"audio": map[string]interface{}{
			"sample_rate":       c.Audio.SampleRate,
			"sample_format":     c.Audio.SampleFormat,
			"chunk_duration":    c.Audio.ChunkDuration,
			"overlap_duration":  c.Audio.OverlapDuration,
			"buffer_duration":   c.Audio.BufferDuration,
			"poll_interval_ms":  c.Audio.PollIntervalMs,
			"max_queued_chunks": c.Audio.MaxQueuedChunks,
		},
		"gate": map[string]interface{}{
			"amplitude_threshold": c.Gate.AmplitudeThreshold,
			"min_seconds":         c.Gate.MinSeconds,
		},
		"session": map[string]interface{}{
			"idle_timeout":          c.Session.IdleTimeout,
			"recordings_dir":        c.Session.RecordingsDir,
			"max_recording_seconds": c.Session.MaxRecordingSeconds,
		},
		"transcription": map[string]interface{}{
			"backend":        c.Transcription.Backend,
			"endpoint":       c.Transcription.Endpoint,
			"model":          c.Transcription.GetModel().String(),
			"gemini_model":   c.Transcription.GeminiModel,
			"language":       c.Transcription.Language,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"output_format":  c.Transcription.OutputFormat,
		},
		"history": map[string]interface{}{
			"enabled": c.History.Enabled,
			"path":    c.History.Path,
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"session":   h.controller.Stats(),
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "PTT Transcription Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                   "API documentation",
			"GET /health":             "Service health check",
			"GET /session":            "Current session",
			"POST /session/begin":     "Start a session (PTT pressed)",
			"POST /session/audio":     "Append raw PCM16LE audio to the session (?session_id= pins it)",
			"POST /session/end":       "End the session (PTT released) and return its transcript (?session_id= pins it)",
			"GET /session/transcript": "Transcript of the current session so far",
			"GET /session/last":       "Result of the most recent session",
			"GET /session/ws":         "WebSocket audio streaming",
			"GET /sessions":           "Stored sessions, most recent first",
			"GET /sessions/{id}":      "Stored session by id",
			"GET /config":             "Service configuration",
			"GET /stats":              "Service statistics",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
