// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider converts one finalized audio clip into text. Providers are
// stateless request/response adapters: they never keep conversation state and
// they tolerate arbitrary latency, bounded only by the caller's context.
//
// A backend that talks HTTP reports a non-2xx answer as an [*HTTPError] so
// callers can tell a rejected request from a transport failure.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/panelist/pkg/audio"
)

// ErrUnsupportedFormat is returned when a backend cannot consume the clip's
// container (e.g. a raw-PCM engine handed audio/webm).
var ErrUnsupportedFormat = errors.New("stt: unsupported audio format")

// Request describes one transcription.
type Request struct {
	// Clip is the recorded audio.
	Clip audio.Clip

	// Language is the BCP-47 language hint (e.g. "en"). Empty lets the
	// backend use its default or auto-detect.
	Language string

	// Keywords are vocabulary hints such as persona names. Backends without
	// keyword support ignore them.
	Keywords []string
}

// Transcript is the result of a transcription.
type Transcript struct {
	// Text is the transcribed speech, untrimmed as the backend returned it.
	Text string

	// Confidence is the overall confidence (0.0–1.0), zero when unreported.
	Confidence float64

	// Latency is how long the backend took.
	Latency time.Duration
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts req.Clip to text. It returns an error wrapping
	// [ErrUnsupportedFormat] for unusable clips and an [*HTTPError] for
	// non-2xx responses.
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// HTTPError is a non-2xx answer from an HTTP transcription service.
type HTTPError struct {
	// Provider names the backend.
	Provider string

	// StatusCode is the HTTP status.
	StatusCode int

	// Body is a prefix of the response body, for diagnostics.
	Body string
}

// Error implements error.
func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned HTTP %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned HTTP %d: %s", e.Provider, e.StatusCode, e.Body)
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

// NewHTTPError builds an [*HTTPError], truncating body.
func NewHTTPError(provider string, status int, body []byte) *HTTPError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &HTTPError{Provider: provider, StatusCode: status, Body: string(body)}
}
