// Package transcript turns a recorded clip into the candidate's answer text.
//
// A [Client] wraps an [stt.Provider] and decides whether what came back is
// usable speech. Speech-to-text engines hallucinate short filler on silent
// input ("you", "you."); such results and empty text are reported with
// Usable=false so the turn machine can reopen the microphone instead of
// sending noise to the interviewers.
//
// When persona-name correction is enabled, misheard interviewer names are
// repaired with the [phonetic] matcher before the text is returned.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/panelist/internal/transcript/phonetic"
	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/stt"
)

// ErrTranscriptionFailed wraps every provider failure, including non-2xx
// answers from HTTP transcription services.
var ErrTranscriptionFailed = errors.New("transcript: transcription failed")

// DefaultNoSignalTokens are the outputs treated as silence.
var DefaultNoSignalTokens = []string{"you", "you."}

// Result is one transcription outcome.
type Result struct {
	// Text is the trimmed, possibly name-corrected transcript.
	Text string

	// Usable is false when Text is empty or a known no-signal artifact.
	Usable bool

	// Latency is the provider round trip.
	Latency time.Duration

	// Corrections lists persona names repaired in Text.
	Corrections []phonetic.Replacement
}

// Option is a functional option for a [Client].
type Option func(*Client)

// WithNoSignalTokens replaces the no-signal list. Matching is
// case-insensitive on the trimmed text.
func WithNoSignalTokens(tokens ...string) Option {
	return func(c *Client) {
		c.noSignal = make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			c.noSignal[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	}
}

// WithLanguage sets the language hint sent to the provider.
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithPersonaNames passes names as keyword hints to the provider.
func WithPersonaNames(names ...string) Option {
	return func(c *Client) { c.names = names }
}

// WithNameCorrection enables phonetic repair of the names given to
// [WithPersonaNames].
func WithNameCorrection(m *phonetic.Matcher) Option {
	return func(c *Client) { c.matcher = m }
}

// Client transcribes clips for one interview session. It is safe for
// concurrent use.
type Client struct {
	provider stt.Provider
	noSignal map[string]struct{}
	language string
	names    []string
	matcher  *phonetic.Matcher
}

// New creates a client over provider.
func New(provider stt.Provider, opts ...Option) *Client {
	c := &Client{provider: provider}
	WithNoSignalTokens(DefaultNoSignalTokens...)(c)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Transcribe sends clip to the provider. Errors wrap [ErrTranscriptionFailed];
// a successful call always returns a Result, usable or not.
func (c *Client) Transcribe(ctx context.Context, clip audio.Clip) (Result, error) {
	if clip.Empty() {
		return Result{}, fmt.Errorf("%w: empty clip", ErrTranscriptionFailed)
	}
	start := time.Now()
	tr, err := c.provider.Transcribe(ctx, stt.Request{
		Clip:     clip,
		Language: c.language,
		Keywords: c.names,
	})
	latency := time.Since(start)
	if err != nil {
		var httpErr *stt.HTTPError
		if errors.As(err, &httpErr) {
			slog.Warn("transcript: service rejected clip", "status", httpErr.StatusCode, "mime", clip.MIMEType)
		}
		return Result{Latency: latency}, fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	}

	res := Result{Text: strings.TrimSpace(tr.Text), Latency: latency}
	res.Usable = c.usable(res.Text)
	if res.Usable && c.matcher != nil && len(c.names) > 0 {
		res.Text, res.Corrections = c.matcher.Correct(res.Text, c.names)
		for _, r := range res.Corrections {
			slog.Debug("transcript: corrected persona name", "heard", r.Heard, "name", r.Name, "score", r.Score)
		}
	}
	return res, nil
}

func (c *Client) usable(text string) bool {
	if text == "" {
		return false
	}
	_, noise := c.noSignal[strings.ToLower(text)]
	return !noise
}
