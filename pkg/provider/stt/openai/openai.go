// Package openai provides an STT provider backed by an OpenAI-compatible
// audio transcription endpoint. Pointing the base URL at Groq
// (https://api.groq.com/openai/v1) serves whisper-large-v3 through the same
// client.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/stt"
)

const defaultModel = "whisper-1"

var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider using the audio transcriptions API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL    string
	model      string
	httpClient *http.Client
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model. Default: "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithHTTPClient replaces the HTTP client used by the SDK.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithTimeout sets a per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: cfg.model}, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	data, mime := req.Clip.Data, req.Clip.MIMEType
	if mime == audio.MIMEPCM || mime == "" {
		data, _ = req.Clip.WAV()
		mime = audio.MIMEWAV
	}
	if len(data) == 0 {
		return stt.Transcript{}, fmt.Errorf("openai stt: empty clip: %w", stt.ErrUnsupportedFormat)
	}

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(data), "clip"+extension(mime), mime),
		Model: oai.AudioModel(p.model),
	}
	if req.Language != "" {
		params.Language = param.NewOpt(req.Language)
	}
	if len(req.Keywords) > 0 {
		params.Prompt = param.NewOpt(strings.Join(req.Keywords, ", "))
	}

	start := time.Now()
	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return stt.Transcript{}, stt.NewHTTPError("openai stt", apiErr.StatusCode, []byte(apiErr.Message))
		}
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return stt.Transcript{Text: res.Text, Latency: time.Since(start)}, nil
}

// extension picks a file name suffix the API uses to sniff the container.
func extension(mime string) string {
	switch {
	case strings.HasPrefix(mime, audio.MIMEWebM):
		return ".webm"
	case strings.HasPrefix(mime, audio.MIMEMP4):
		return ".mp4"
	case strings.HasPrefix(mime, "audio/ogg"):
		return ".ogg"
	default:
		return ".wav"
	}
}
