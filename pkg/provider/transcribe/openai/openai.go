// Package openai provides a transcribe.Provider backed by the OpenAI
// audio transcriptions API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/tahfizlab/rattil/pkg/provider/transcribe"
)

const (
	defaultModel    = "whisper-1"
	defaultLanguage = "ar"
)

// Compile-time assertion that Provider implements transcribe.Provider.
var _ transcribe.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL (useful for
// OpenAI-compatible gateways).
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel selects the transcription model (e.g. "whisper-1",
// "gpt-4o-transcribe"). Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithTimeout sets a per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// Provider implements transcribe.Provider using the OpenAI API. Safe for
// concurrent use.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a new OpenAI transcription Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Transcribe submits the WAV clip to the audio transcriptions endpoint
// and returns the recognized text.
func (p *Provider) Transcribe(ctx context.Context, req transcribe.Request) (string, error) {
	if len(req.WAV) == 0 {
		return "", fmt.Errorf("openai: empty audio clip")
	}

	lang := req.Language
	if lang == "" {
		lang = defaultLanguage
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:     oai.File(bytes.NewReader(req.WAV), "audio.wav", "audio/wav"),
		Model:    oai.AudioModel(p.model),
		Language: oai.String(lang),
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription request: %w", err)
	}

	return resp.Text, nil
}
