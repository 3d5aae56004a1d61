// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. A finalized clip is streamed in chunks, the stream
// is closed with CloseStream and every final result is joined into one
// transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/panelist/pkg/provider/stt"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"
	chunkSize        = 8 << 10
	keywordBoost     = 2
)

var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the websocket endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	if req.Clip.Empty() {
		return stt.Transcript{}, fmt.Errorf("deepgram: empty clip: %w", stt.ErrUnsupportedFormat)
	}
	wsURL, err := p.buildURL(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	start := time.Now()
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusSwitchingProtocols {
			return stt.Transcript{}, stt.NewHTTPError("deepgram", resp.StatusCode, nil)
		}
		return stt.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	results := make(chan collected, 1)
	go func() { results <- collect(ctx, conn) }()

	payload := req.Clip.Data
	if pcm, _, _, ok := req.Clip.PCM(); ok {
		payload = pcm
	}
	for off := 0; off < len(payload); off += chunkSize {
		end := min(off+chunkSize, len(payload))
		if err := conn.Write(ctx, websocket.MessageBinary, payload[off:end]); err != nil {
			return stt.Transcript{}, fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	var res collected
	select {
	case res = <-results:
	case <-ctx.Done():
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", ctx.Err())
	}
	if res.err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: read results: %w", res.err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return stt.Transcript{
		Text:       strings.Join(res.parts, " "),
		Confidence: res.confidence(),
		Latency:    time.Since(start),
	}, nil
}

// buildURL constructs the streaming endpoint URL for req.
func (p *Provider) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	if _, rate, ch, ok := req.Clip.PCM(); ok {
		// Raw PCM needs an explicit format; containers are self-describing.
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(rate))
		q.Set("channels", strconv.Itoa(ch))
	}
	for _, kw := range req.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%d", kw, keywordBoost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- results ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type collected struct {
	parts []string
	confs []float64
	err   error
}

func (c collected) confidence() float64 {
	if len(c.confs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range c.confs {
		sum += v
	}
	return sum / float64(len(c.confs))
}

// collect reads until Deepgram sends its closing Metadata message or closes
// the socket. Only final, non-empty results are kept.
func collect(ctx context.Context, conn *websocket.Conn) collected {
	var out collected
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return out
			}
			out.err = err
			return out
		}
		var resp deepgramResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		switch resp.Type {
		case "Metadata":
			return out
		case "Results":
			if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			alt := resp.Channel.Alternatives[0]
			if text := strings.TrimSpace(alt.Transcript); text != "" {
				out.parts = append(out.parts, text)
				out.confs = append(out.confs, alt.Confidence)
			}
		}
	}
}
