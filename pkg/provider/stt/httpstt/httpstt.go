// Package httpstt is a client for a generic JSON transcription service.
//
// The service receives the clip base64-encoded together with its MIME type
// and answers with the transcript:
//
//	POST {url}
//	{"audioBase64": "...", "mimeType": "audio/webm", "language": "en"}
//	→ 200 {"text": "..."}
//
// Any non-2xx answer is reported as an [*stt.HTTPError].
package httpstt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/stt"
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(p *Provider) { p.apiKey = key }
}

// WithHTTPClient replaces the HTTP client. The default has a 60 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// Provider implements stt.Provider for a JSON transcription endpoint.
type Provider struct {
	url    string
	apiKey string
	client *http.Client
}

// New creates a Provider posting to url.
func New(url string, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, errors.New("httpstt: url must not be empty")
	}
	p := &Provider{url: url, client: &http.Client{Timeout: 60 * time.Second}}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type request struct {
	AudioBase64 string `json:"audioBase64"`
	MIMEType    string `json:"mimeType"`
	Language    string `json:"language,omitempty"`
}

type response struct {
	Text string `json:"text"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	data, mime := req.Clip.Data, req.Clip.MIMEType
	if mime == audio.MIMEPCM || mime == "" {
		wav, _ := req.Clip.WAV()
		data, mime = wav, audio.MIMEWAV
	}
	body, err := json.Marshal(request{
		AudioBase64: base64.StdEncoding.EncodeToString(data),
		MIMEType:    mime,
		Language:    req.Language,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("httpstt: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("httpstt: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("httpstt: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("httpstt: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return stt.Transcript{}, stt.NewHTTPError("httpstt", resp.StatusCode, raw)
	}
	var out response
	if err := json.Unmarshal(raw, &out); err != nil {
		return stt.Transcript{}, fmt.Errorf("httpstt: decode response: %w", err)
	}
	return stt.Transcript{Text: out.Text, Latency: time.Since(start)}, nil
}
