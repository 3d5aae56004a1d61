package whisper

// NativeProvider links whisper.cpp through its CGO bindings. libwhisper.a and
// whisper.h must be reachable through LIBRARY_PATH and C_INCLUDE_PATH when
// building.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider transcribes answers in-process with a loaded whisper model.
// Inference is CPU bound, so only a limited number of answers are decoded at
// once; the rest wait for a slot or for their context to end.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint
	slots    *semaphore.Weighted
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*nativeConfig)

type nativeConfig struct {
	language    string
	threads     uint
	concurrency int64
}

// WithNativeLanguage sets the language used when a request has none.
// Default "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(c *nativeConfig) { c.language = lang }
}

// WithThreads sets the CPU threads per transcription. Zero keeps the
// whisper.cpp default.
func WithThreads(n uint) NativeOption {
	return func(c *nativeConfig) { c.threads = n }
}

// WithConcurrency sets how many answers may be decoded in parallel.
// Default 1.
func WithConcurrency(n int) NativeOption {
	return func(c *nativeConfig) {
		if n > 0 {
			c.concurrency = int64(n)
		}
	}
}

// NewNative loads the ggml model at modelPath. Close releases it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path is required")
	}
	cfg := nativeConfig{language: defaultLanguage, concurrency: 1}
	for _, o := range opts {
		o(&cfg)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load %s: %w", modelPath, err)
	}
	return &NativeProvider{
		model:    model,
		language: cfg.language,
		threads:  cfg.threads,
		slots:    semaphore.NewWeighted(cfg.concurrency),
	}, nil
}

// Close frees the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe implements [stt.Provider]. Keywords are passed as the initial
// prompt so persona and company names are spelled the way the panel uses
// them.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Transcript, error) {
	pcm, rate, channels, ok := req.Clip.PCM()
	if !ok {
		return stt.Transcript{}, fmt.Errorf("whisper: %q: %w", req.Clip.MIMEType, stt.ErrUnsupportedFormat)
	}
	samples := audio.PCMToFloat32(audio.Resample(audio.ToMono(pcm, channels), rate, defaultSampleRate))

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: wait for slot: %w", err)
	}
	defer p.slots.Release(1)

	start := time.Now()
	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: new context: %w", err)
	}
	lang := firstNonEmpty(req.Language, p.language)
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: language rejected, model default applies", "language", lang, "err", err)
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}
	if len(req.Keywords) > 0 {
		wctx.SetInitialPrompt(strings.Join(req.Keywords, ", "))
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: inference: %w", err)
	}

	text, err := collectSegments(wctx)
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{Text: text, Latency: time.Since(start)}, nil
}

func collectSegments(wctx whisperlib.Context) (string, error) {
	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
