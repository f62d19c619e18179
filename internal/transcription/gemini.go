package transcription

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultGeminiModel  = "gemini-2.0-flash"
	defaultGeminiPrompt = "Transcribe the speech in this audio verbatim. Reply with the transcript only, or nothing if there is no speech."
)

// GeminiConfig configures a GeminiClient
type GeminiConfig struct {
	APIKey  string
	BaseURL string // optional
	Model   string
	Prompt  string // instruction sent alongside the audio
}

// GeminiClient is a Backend that asks a Gemini model to transcribe each chunk
type GeminiClient struct {
	client *genai.Client
	model  string
	prompt string
}

var _ Backend = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini transcription backend
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.Prompt == "" {
		cfg.Prompt = defaultGeminiPrompt
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  cfg.Model,
		prompt: cfg.Prompt,
	}, nil
}

// Transcribe sends the chunk inline with the transcription instruction
func (c *GeminiClient) Transcribe(ctx context.Context, req *Request) (*Response, error) {
	wav, err := req.WAV()
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, geminiContents(c.prompt, req, wav), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return nil, fmt.Errorf("genai generate: %w", err)
	}

	return &Response{
		Text:        geminiText(resp),
		Language:    req.Language,
		Duration:    req.Duration().Seconds(),
		ProcessedAt: time.Now(),
	}, nil
}

func geminiContents(prompt string, req *Request, wav []byte) []*genai.Content {
	if req.Language != "" {
		prompt += fmt.Sprintf(" The speech is in %q.", req.Language)
	}
	if req.Prompt != "" {
		prompt += " Context: " + req.Prompt
	}

	return []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: "audio/wav", Data: wav}},
		},
	}}
}

func geminiText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}
