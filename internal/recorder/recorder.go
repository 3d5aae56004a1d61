// Package recorder keeps the append-only transcript of one interview and
// exports it when the interview ends.
//
// Utterances are stamped and stored in strict chronological order: an
// utterance whose timestamp is earlier than its predecessor's is clamped to
// the predecessor's time, so the exported transcript never goes backwards.
// Nothing is ever modified or removed once appended.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/panelist/pkg/types"
)

// ErrInvalidUtterance is returned by Append for utterances that cannot be
// part of a transcript.
var ErrInvalidUtterance = errors.New("recorder: invalid utterance")

// ErrSealed is returned by Append once the transcript has been exported.
var ErrSealed = errors.New("recorder: transcript already exported")

// Exporter persists a finished transcript.
//
// Implementations must be safe for concurrent use.
type Exporter interface {
	ExportTranscript(ctx context.Context, sessionID string, utterances []types.Utterance) error
}

// Option is a functional option for a [Recorder].
type Option func(*Recorder)

// WithExporter adds an exporter run by [Recorder.Export]. Several exporters
// may be added; all of them run.
func WithExporter(e Exporter) Option {
	return func(r *Recorder) { r.exporters = append(r.exporters, e) }
}

// WithListener registers fn to be called after every append, outside the
// recorder's lock.
func WithListener(fn func(sessionID string, u types.Utterance)) Option {
	return func(r *Recorder) { r.listeners = append(r.listeners, fn) }
}

// WithClock overrides the clock used for utterances without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the transcript of one session. It is safe for concurrent use.
type Recorder struct {
	sessionID string
	exporters []Exporter
	listeners []func(string, types.Utterance)
	now       func() time.Time

	mu         sync.Mutex
	utterances []types.Utterance
	sealed     bool

	exportOnce sync.Once
	exportErr  error
}

// New creates an empty transcript for sessionID.
func New(sessionID string, opts ...Option) *Recorder {
	r := &Recorder{sessionID: sessionID, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SessionID returns the session the transcript belongs to.
func (r *Recorder) SessionID() string { return r.sessionID }

// Append adds u to the end of the transcript.
func (r *Recorder) Append(u types.Utterance) error {
	switch {
	case u.Role != types.RoleUser && u.Role != types.RoleAgent:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidUtterance, u.Role)
	case strings.TrimSpace(u.Text) == "":
		return fmt.Errorf("%w: empty text", ErrInvalidUtterance)
	case u.Role == types.RoleAgent && u.Speaker == "":
		return fmt.Errorf("%w: agent utterance without speaker", ErrInvalidUtterance)
	}

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return ErrSealed
	}
	if u.At.IsZero() {
		u.At = r.now()
	}
	if n := len(r.utterances); n > 0 && u.At.Before(r.utterances[n-1].At) {
		u.At = r.utterances[n-1].At
	}
	r.utterances = append(r.utterances, u)
	r.mu.Unlock()

	for _, fn := range r.listeners {
		fn(r.sessionID, u)
	}
	return nil
}

// Utterances returns a copy of the transcript so far.
func (r *Recorder) Utterances() []types.Utterance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Utterance(nil), r.utterances...)
}

// Len returns the number of utterances recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.utterances)
}

// Export seals the transcript and hands it to every exporter. It runs once;
// later calls return the first call's result.
func (r *Recorder) Export(ctx context.Context) error {
	r.exportOnce.Do(func() {
		r.mu.Lock()
		r.sealed = true
		utts := append([]types.Utterance(nil), r.utterances...)
		r.mu.Unlock()

		var errs []error
		for _, e := range r.exporters {
			if err := e.ExportTranscript(ctx, r.sessionID, utts); err != nil {
				errs = append(errs, err)
			}
		}
		r.exportErr = errors.Join(errs...)
		if r.exportErr != nil {
			slog.Warn("recorder: export failed", "session", r.sessionID, "err", r.exportErr)
			return
		}
		slog.Info("recorder: transcript exported", "session", r.sessionID, "utterances", len(utts), "exporters", len(r.exporters))
	})
	return r.exportErr
}
