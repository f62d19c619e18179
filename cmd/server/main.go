package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/ptt-transcriber/internal/audio"
	"github.com/skypro1111/ptt-transcriber/internal/config"
	"github.com/skypro1111/ptt-transcriber/internal/history"
	"github.com/skypro1111/ptt-transcriber/internal/metrics"
	"github.com/skypro1111/ptt-transcriber/internal/server"
	"github.com/skypro1111/ptt-transcriber/internal/stream"
	"github.com/skypro1111/ptt-transcriber/internal/transcription"
	"github.com/skypro1111/ptt-transcriber/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "ptt-transcriber"
	serviceVersion    = "1.0.0"

	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Configuration summary without the API key
	logger.Info("Configuration loaded",
		slog.Bool("udp_enabled", cfg.Server.Enabled),
		slog.Int("udp_port", cfg.Server.UDPPort),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.String("sample_format", cfg.Audio.SampleFormat),
		slog.Float64("chunk_duration", cfg.Audio.ChunkDuration),
		slog.Float64("overlap_duration", cfg.Audio.OverlapDuration),
		slog.Float64("buffer_duration", cfg.Audio.BufferDuration),
		slog.Float64("gate_threshold", cfg.Gate.AmplitudeThreshold),
		slog.Float64("gate_min_seconds", cfg.Gate.MinSeconds),
		slog.String("transcription_backend", cfg.Transcription.Backend),
		slog.String("log_level", cfg.Logging.Level),
	)

	switch cfg.Audio.SampleFormat {
	case "float32":
		err = run[float32](cfg, logger)
	default:
		err = run[int16](cfg, logger)
	}
	if err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Service stopped")
}

// run builds the pipeline for sample type S and serves until a signal
// arrives.
func run[S audio.Sample](cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	backend, closeBackend, err := newBackend(ctx, &cfg.Transcription, appMetrics)
	if err != nil {
		return fmt.Errorf("failed to create transcription backend: %w", err)
	}
	defer closeBackend()

	gate, err := vad.NewGate(cfg.Gate.AmplitudeThreshold, cfg.Gate.MinSeconds, cfg.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("failed to create gate: %w", err)
	}

	engine, err := transcription.NewGatedEngine[S](backend, gate, transcription.EngineConfig{
		SampleRate: cfg.Audio.SampleRate,
		Model:      cfg.Transcription.GetModel(),
		Language:   cfg.Transcription.Language,
		Prompt:     cfg.Transcription.Prompt,
	}, appMetrics, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ring, err := audio.NewRingBuffer[S](audio.RingConfig{
		SampleRate:      cfg.Audio.SampleRate,
		ChunkDuration:   cfg.Audio.ChunkDuration,
		OverlapDuration: cfg.Audio.OverlapDuration,
		BufferDuration:  cfg.Audio.BufferDuration,
		PollInterval:    cfg.Audio.GetPollInterval(),
		MaxQueuedChunks: cfg.Audio.MaxQueuedChunks,
	})
	if err != nil {
		return fmt.Errorf("failed to create ring buffer: %w", err)
	}

	// Covers every retry of one chunk
	attempts := time.Duration(cfg.Transcription.MaxRetries + 1)
	stage, err := stream.NewStage[S](ring, engine, stream.StageConfig{
		TranscribeTimeout: cfg.Transcription.GetTimeoutDuration() * attempts,
	}, logger)
	if err != nil {
		ring.Stop()
		return fmt.Errorf("failed to create transcription stage: %w", err)
	}

	controller, err := stream.NewController(ring, stage, stream.ControllerConfig{
		IdleTimeout:         cfg.Session.GetIdleTimeout(),
		RecordingsDir:       cfg.Session.RecordingsDir,
		MaxRecordingSeconds: cfg.Session.MaxRecordingSeconds,
	}, appMetrics, logger)
	if err != nil {
		stage.Stop()
		ring.Stop()
		return fmt.Errorf("failed to create session controller: %w", err)
	}
	logger.Info("Session controller initialized",
		slog.Int("chunk_samples", ring.ChunkSize()),
		slog.Int("overlap_samples", ring.Overlap()),
		slog.Int("capacity_samples", ring.Capacity()),
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
	)

	// abort tears the pipeline down when startup fails
	abort := func() {
		if err := controller.Shutdown(context.Background()); err != nil {
			logger.Error("Error stopping session controller", slog.String("error", err.Error()))
		}
	}

	var hist server.HistoryReader
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, logger)
		if err != nil {
			abort()
			return fmt.Errorf("failed to open session history: %w", err)
		}
		defer store.Close()

		controller.OnResult(store.Save)
		hist = store
	}

	var udpServer *server.UDPServer
	if cfg.Server.Enabled {
		udpServer = server.NewUDPServer(&cfg.Server, logger, controller, appMetrics)
		if err := udpServer.Start(); err != nil {
			abort()
			return fmt.Errorf("failed to start UDP server: %w", err)
		}
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, controller, udpServer, hist, appMetrics, nil)
		if err := httpServer.Start(); err != nil {
			if udpServer != nil {
				udpServer.Stop()
			}
			abort()
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	logger.Info("Service started successfully, waiting for signals...")

	<-ctx.Done()

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new requests first
	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP server", slog.String("error", err.Error()))
		}
	}

	// Transcribes whatever is still buffered before stopping
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping session controller", slog.String("error", err.Error()))
	}

	stats := controller.Stats()
	logger.Info("Final statistics",
		slog.Uint64("sessions_started", stats.SessionsStarted),
		slog.Uint64("sessions_ended", stats.SessionsEnded),
		slog.Uint64("chunks_transcribed", stats.Stage.ChunksTranscribed),
		slog.Uint64("chunks_rejected", stats.Stage.ChunksRejected),
		slog.Uint64("transcription_failures", stats.Stage.Failures),
	)

	return nil
}

// newBackend creates the configured transcription backend and its cleanup
func newBackend(ctx context.Context, cfg *config.TranscriptionConfig, m *metrics.Metrics) (transcription.Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "openai":
		client, err := transcription.NewOpenAIClient(transcription.OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.GetModel().String(),
			Timeout:    cfg.GetTimeoutDuration(),
			MaxRetries: cfg.MaxRetries,
		})
		return client, noop, err

	case "gemini":
		client, err := transcription.NewGeminiClient(ctx, transcription.GeminiConfig{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.GeminiModel,
		})
		return client, noop, err

	default:
		client, err := transcription.NewClient(transcription.Config{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			Timeout:        cfg.GetTimeoutDuration(),
			MaxRetries:     cfg.MaxRetries,
			MaxConcurrent:  cfg.MaxConcurrent,
			ResponseFormat: cfg.OutputFormat,
			UserAgent:      serviceName + "/" + serviceVersion,
			Metrics:        m,
		})
		if err != nil {
			return nil, noop, err
		}
		return client, client.Close, nil
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
