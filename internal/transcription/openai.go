package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIConfig configures an OpenAIClient
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string // optional; any OpenAI-compatible transcription server
	Model      string // used when the request carries no model
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// OpenAIClient is a Backend on the OpenAI audio transcriptions API
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Backend = (*OpenAIClient)(nil)

// NewOpenAIClient creates an OpenAI transcription backend
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.AudioModelWhisper1)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.HTTPClient),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIClient{
		client: &client,
		model:  cfg.Model,
	}, nil
}

// Transcribe uploads the chunk as a WAV file and returns the recognized text
func (c *OpenAIClient) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	wav, err := req.WAV()
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}

	model := c.model
	if req.Model != "" {
		model = req.Model.String()
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(wav), req.RequestID+".wav", "audio/wav"),
		Model: openai.AudioModel(model),
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}
	if req.Prompt != "" {
		params.Prompt = openai.String(req.Prompt)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	return &Response{
		Text:        resp.Text,
		Language:    req.Language,
		Duration:    req.Duration().Seconds(),
		ProcessedAt: time.Now(),
	}, nil
}
