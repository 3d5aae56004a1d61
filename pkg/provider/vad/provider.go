// Package vad defines the Engine interface for voice-activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session owns its own detection state so
// several microphone streams can be processed independently.
//
// Beyond frame classification, a session decides when the speaker has
// finished: once speech has been heard and the signal then stays quiet for
// the configured silence duration, ProcessFrame reports [VADFinished] exactly
// once and the session stops evaluating frames. A stream that never contains
// speech never finishes on its own.
//
// VAD is synchronous: ProcessFrame returns immediately, so it can run inline
// in the capture loop.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the PCM frames passed to
	// ProcessFrame.
	SampleRate int

	// Channels is the interleaved channel count of the frames. Zero means mono.
	Channels int

	// ThresholdEnergy is the level above which a frame counts as speech, in
	// the engine's native scale (RMS on the int16 scale for the energy engine).
	ThresholdEnergy float64

	// SilenceMs is how long the signal must stay at or below ThresholdEnergy
	// after speech before the session reports [VADFinished].
	SilenceMs int
}

// Silence returns SilenceMs as a duration.
func (c Config) Silence() time.Duration {
	return time.Duration(c.SilenceMs) * time.Millisecond
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels < 0 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("vad: channels must be 1 or 2, got %d", c.Channels))
	}
	if c.ThresholdEnergy <= 0 {
		errs = append(errs, errors.New("vad: threshold energy must be positive"))
	}
	if c.SilenceMs <= 0 {
		errs = append(errs, errors.New("vad: silence ms must be positive"))
	}
	return errors.Join(errs...)
}

// SessionHandle is an active VAD session for a single audio stream.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of raw little-endian PCM and returns
	// the detection result. After [VADFinished] has been returned every later
	// call returns [VADStopped] without evaluating the frame.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all detection state, including a finished state, so the
	// session can be reused for the next listening period.
	Reset()

	// Close releases all resources. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
