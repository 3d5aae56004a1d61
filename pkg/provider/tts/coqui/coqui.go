// Package coqui speaks fallback persona replies through a self-hosted Coqui
// TTS server.
//
// Two server flavours are understood. [APIModeStandard] targets the stock
// Coqui TTS server and synthesises with GET /api/tts. [APIModeXTTS] targets
// the XTTS v2 API server and synthesises with POST /tts_to_audio/. Both answer
// with a WAV file.
//
//	p, _ := coqui.New("http://localhost:5002", coqui.WithLanguage("en"))
//	speech, err := p.Synthesize(ctx, "Tell me about your last project.", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/types"
)

const (
	standardPath = "/api/tts"
	xttsPath     = "/tts_to_audio/"

	// maxWAVBytes bounds a single synthesis response.
	maxWAVBytes = 32 << 20
)

// APIMode selects the server flavour.
type APIMode string

const (
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithLanguage sets the language code sent with every request. Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithTimeout bounds each synthesis request. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.client.Timeout = d }
}

// WithAPIMode picks the server flavour. Default [APIModeStandard].
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) { p.mode = mode }
}

// WithOutputSampleRate resamples mono speech to rate. Zero keeps the rate the
// model produced.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) { p.outputRate = rate }
}

var _ tts.Synthesizer = (*Provider)(nil)

// Provider is a [tts.Synthesizer] backed by a Coqui server.
type Provider struct {
	base       string
	language   string
	mode       APIMode
	outputRate int
	client     *http.Client
}

// New returns a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		base:     strings.TrimRight(baseURL, "/"),
		language: "en",
		mode:     APIModeStandard,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	switch p.mode {
	case APIModeStandard, APIModeXTTS:
	default:
		return nil, fmt.Errorf("coqui: unknown api mode %q", p.mode)
	}
	return p, nil
}

// Synthesize implements [tts.Synthesizer]. The voice ID selects the speaker:
// a speaker_id in standard mode and a reference WAV name in XTTS mode.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Speech{}, tts.ErrEmptyText
	}

	req, err := p.newRequest(ctx, text, voice)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: %s: %w", p.mode, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return tts.Speech{}, fmt.Errorf("coqui: %s: status %d: %s", p.mode, resp.StatusCode, bytes.TrimSpace(msg))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWAVBytes))
	if err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: read speech: %w", err)
	}
	pcm, rate, channels, err := audio.DecodeWAV(body)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("coqui: decode speech: %w", err)
	}
	if p.outputRate > 0 && channels == 1 && rate != p.outputRate {
		pcm, rate = audio.Resample(pcm, rate, p.outputRate), p.outputRate
	}
	return tts.NewSpeech(pcm, rate, channels), nil
}

func (p *Provider) newRequest(ctx context.Context, text string, voice types.VoiceProfile) (*http.Request, error) {
	if p.mode == APIModeXTTS {
		payload := xttsBody{Text: text, SpeakerWav: voice.ID, Language: p.language}
		if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
			payload.Speed = voice.SpeedFactor
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+xttsPath, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := url.Values{"text": {text}}
	if voice.ID != "" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.base+standardPath+"?"+q.Encode(), nil)
}

type xttsBody struct {
	Text       string  `json:"text"`
	SpeakerWav string  `json:"speaker_wav"`
	Language   string  `json:"language"`
	Speed      float64 `json:"speed,omitempty"`
}
