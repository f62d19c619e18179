package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/ptt-transcriber/internal/transcription"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	HTTP          HTTPConfig          `yaml:"http" toml:"http"`
	Audio         AudioConfig         `yaml:"audio" toml:"audio"`
	Gate          GateConfig          `yaml:"gate" toml:"gate"`
	Session       SessionConfig       `yaml:"session" toml:"session"`
	Transcription TranscriptionConfig `yaml:"transcription" toml:"transcription"`
	History       HistoryConfig       `yaml:"history" toml:"history"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
}

// ServerConfig contains UDP server configuration
type ServerConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	UDPPort     int    `yaml:"udp_port" toml:"udp_port"`
	BindAddress string `yaml:"bind_address" toml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size" toml:"buffer_size"`
	QueueSize   int    `yaml:"queue_size" toml:"queue_size"` // packets waiting for the ordered worker
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" toml:"port"`
	Address string `yaml:"address" toml:"address"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
}

// AudioConfig contains ring buffer geometry
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate" toml:"sample_rate"`
	SampleFormat    string  `yaml:"sample_format" toml:"sample_format"`       // int16 or float32
	ChunkDuration   float64 `yaml:"chunk_duration" toml:"chunk_duration"`     // seconds
	OverlapDuration float64 `yaml:"overlap_duration" toml:"overlap_duration"` // seconds
	BufferDuration  float64 `yaml:"buffer_duration" toml:"buffer_duration"`   // seconds
	PollIntervalMs  int     `yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	MaxQueuedChunks int     `yaml:"max_queued_chunks" toml:"max_queued_chunks"` // 0 = unbounded
}

// GateConfig contains the voice-activity gate parameters
type GateConfig struct {
	AmplitudeThreshold float64 `yaml:"amplitude_threshold" toml:"amplitude_threshold"` // PCM-16 units
	MinSeconds         float64 `yaml:"min_seconds" toml:"min_seconds"`
}

// SessionConfig contains push-to-talk session handling
type SessionConfig struct {
	IdleTimeout         int     `yaml:"idle_timeout" toml:"idle_timeout"` // seconds, 0 disables
	RecordingsDir       string  `yaml:"recordings_dir" toml:"recordings_dir"`
	MaxRecordingSeconds float64 `yaml:"max_recording_seconds" toml:"max_recording_seconds"`
}

// TranscriptionConfig contains transcription backend configuration
type TranscriptionConfig struct {
	Backend       string `yaml:"backend" toml:"backend"` // http, openai or gemini
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	BaseURL       string `yaml:"base_url" toml:"base_url"` // openai and gemini API override
	APIKey        string `yaml:"api_key" toml:"api_key"`
	Model         string `yaml:"model" toml:"model"`
	GeminiModel   string `yaml:"gemini_model" toml:"gemini_model"`
	Language      string `yaml:"language" toml:"language"`
	Prompt        string `yaml:"prompt" toml:"prompt"`
	Timeout       int    `yaml:"timeout" toml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries" toml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent" toml:"max_concurrent"`
	OutputFormat  string `yaml:"output_format" toml:"output_format"`
}

// HistoryConfig contains session history storage configuration
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Default returns a configuration with every field set to its default
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:     true,
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			QueueSize:   1000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			SampleFormat:    "int16",
			ChunkDuration:   3.0,
			OverlapDuration: 0.5,
			BufferDuration:  30.0,
			PollIntervalMs:  5,
		},
		Gate: GateConfig{
			AmplitudeThreshold: 300,
			MinSeconds:         1.0,
		},
		Session: SessionConfig{
			IdleTimeout: 10,
		},
		Transcription: TranscriptionConfig{
			Backend:       "http",
			Endpoint:      "http://localhost:8000/transcribe",
			Timeout:       30,
			MaxRetries:    3,
			MaxConcurrent: 4,
			OutputFormat:  "json",
		},
		History: HistoryConfig{
			Path: "data/history.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file. Files ending in .toml are
// parsed as TOML, everything else as YAML. Missing keys keep their defaults
// and ${VAR} references in the API key are expanded from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	config.Transcription.APIKey = os.ExpandEnv(config.Transcription.APIKey)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Gate.Validate(); err != nil {
		return fmt.Errorf("gate config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if !c.Server.Enabled && !c.HTTP.Enabled {
		return fmt.Errorf("at least one of the UDP server and the HTTP API must be enabled")
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", a.SampleRate)
	}

	if a.SampleFormat != "int16" && a.SampleFormat != "float32" {
		return fmt.Errorf("sample_format must be 'int16' or 'float32', got '%s'", a.SampleFormat)
	}

	if a.OverlapDuration <= 0 {
		return fmt.Errorf("overlap_duration must be positive, got %f", a.OverlapDuration)
	}

	if a.ChunkDuration <= a.OverlapDuration {
		return fmt.Errorf("chunk_duration (%f) must be greater than overlap_duration (%f)",
			a.ChunkDuration, a.OverlapDuration)
	}

	if a.BufferDuration < a.ChunkDuration {
		return fmt.Errorf("buffer_duration (%f) must hold at least one chunk (%f)",
			a.BufferDuration, a.ChunkDuration)
	}

	if a.PollIntervalMs < 1 {
		return fmt.Errorf("poll_interval_ms must be at least 1, got %d", a.PollIntervalMs)
	}

	if a.MaxQueuedChunks < 0 {
		return fmt.Errorf("max_queued_chunks cannot be negative, got %d", a.MaxQueuedChunks)
	}

	return nil
}

// Validate validates gate configuration
func (g *GateConfig) Validate() error {
	if g.AmplitudeThreshold < 0 || g.AmplitudeThreshold > 32767 {
		return fmt.Errorf("amplitude_threshold must be between 0 and 32767, got %f", g.AmplitudeThreshold)
	}

	if g.MinSeconds < 0 {
		return fmt.Errorf("min_seconds cannot be negative, got %f", g.MinSeconds)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 0 {
		return fmt.Errorf("idle_timeout cannot be negative, got %d", s.IdleTimeout)
	}

	if s.MaxRecordingSeconds < 0 {
		return fmt.Errorf("max_recording_seconds cannot be negative, got %f", s.MaxRecordingSeconds)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	switch t.Backend {
	case "http":
		if t.Endpoint == "" {
			return fmt.Errorf("endpoint cannot be empty for the http backend")
		}
	case "openai", "gemini":
		if t.APIKey == "" {
			return fmt.Errorf("api_key cannot be empty for the %s backend", t.Backend)
		}
	default:
		return fmt.Errorf("backend must be one of [http, openai, gemini], got '%s'", t.Backend)
	}

	if _, err := transcription.ParseModel(t.Model); err != nil {
		return err
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[t.OutputFormat] {
		return fmt.Errorf("output_format must be 'json' or 'text', got '%s'", t.OutputFormat)
	}

	return nil
}

// Validate validates history configuration
func (h *HistoryConfig) Validate() error {
	if h.Enabled && h.Path == "" {
		return fmt.Errorf("path cannot be empty when history is enabled")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	return nil
}

// GetPollInterval returns the slicer poll interval as a time.Duration
func (a *AudioConfig) GetPollInterval() time.Duration {
	return time.Duration(a.PollIntervalMs) * time.Millisecond
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetModel returns the configured model. Without one the openai backend
// uses whisper-1 and the others transcription.DefaultModel.
func (t *TranscriptionConfig) GetModel() transcription.Model {
	if t.Backend == "openai" && t.Model == "" {
		return transcription.ModelWhisper1
	}
	m, _ := transcription.ParseModel(t.Model)
	return m
}
