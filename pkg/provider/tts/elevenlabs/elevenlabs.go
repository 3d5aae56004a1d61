// Package elevenlabs provides an ElevenLabs-backed TTS synthesizer using the
// ElevenLabs streaming WebSocket API. The whole utterance is sent in one go
// and the streamed PCM is collected until ElevenLabs marks the final chunk.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/types"
)

const (
	defaultEndpoint   = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel      = "eleven_flash_v2_5"
	defaultSampleRate = 16000
	defaultVoiceID    = "21m00Tcm4TlvDq8ikWAM"

	// ElevenLabs accepts speaking speed in this range only.
	minSpeed = 0.7
	maxSpeed = 1.2
)

var _ tts.Synthesizer = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithSampleRate selects the pcm_<rate> output format. Default: 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithDefaultVoice sets the voice used when a profile carries no ID.
func WithDefaultVoice(id string) Option {
	return func(p *Provider) { p.defaultVoice = id }
}

// WithEndpoint overrides the websocket base URL.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// Provider implements tts.Synthesizer backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	sampleRate   int
	defaultVoice string
	endpoint     string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		sampleRate:   defaultSampleRate,
		defaultVoice: defaultVoiceID,
		endpoint:     defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for a text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Synthesizer.
func (p *Provider) Synthesize(ctx context.Context, text string, voice types.VoiceProfile) (tts.Speech, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return tts.Speech{}, tts.ErrEmptyText
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}

	conn, _, err := websocket.Dial(ctx, p.buildURL(voiceID), nil)
	if err != nil {
		return tts.Speech{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 << 20)

	// Begin-of-input authenticates and configures the stream; ElevenLabs
	// requires a single space as its text.
	msgs := []textMessage{
		{Text: " ", XiAPIKey: p.apiKey, VoiceSettings: settingsFor(voice)},
		{Text: text + " "},
		{Text: ""},
	}
	for _, m := range msgs {
		b, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return tts.Speech{}, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}

	var pcm []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && len(pcm) > 0 {
				break
			}
			return tts.Speech{}, fmt.Errorf("elevenlabs: read audio: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return tts.Speech{}, fmt.Errorf("elevenlabs: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err == nil {
				pcm = append(pcm, chunk...)
			}
		}
		if resp.IsFinal {
			break
		}
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	return tts.NewSpeech(pcm, p.sampleRate, 1), nil
}

// buildURL constructs the WebSocket URL for a given voice.
func (p *Provider) buildURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", "pcm_"+strconv.Itoa(p.sampleRate))
	return p.endpoint + "/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// settingsFor maps a voice profile onto ElevenLabs settings. ElevenLabs has no
// pitch control; only the speaking speed is carried over.
func settingsFor(v types.VoiceProfile) *voiceSettings {
	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if v.SpeedFactor > 0 && v.SpeedFactor != 1 {
		vs.Speed = max(minSpeed, min(maxSpeed, v.SpeedFactor))
	}
	return vs
}
