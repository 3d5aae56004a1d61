// Package audio defines the microphone abstraction and the PCM helpers used
// by the capture controller and transcription backends.
//
// The two primary abstractions are:
//
//   - [Device]: acquires an input device by identifier and returns a [Stream].
//   - [Stream]: an open microphone delivering [AudioFrame] values until it is
//     closed.
//
// Implementations live in sub-packages (audio/wsmic for browser microphones
// relayed over a websocket, audio/mock for tests). The interfaces are narrow
// so the capture controller stays independent of the transport.
package audio

import (
	"context"
	"errors"
)

// Acquisition errors. Permission and missing-device failures are grouped by
// callers as "microphone unavailable"; a busy device is reported separately.
var (
	// ErrPermissionDenied means the user refused microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrNoDevice means no input device matches the requested identifier.
	ErrNoDevice = errors.New("audio: no input device")

	// ErrDeviceBusy means the device exists but is held by another stream.
	ErrDeviceBusy = errors.New("audio: input device busy")
)

// Stream is an open microphone. Frames is closed when the stream ends, either
// because Close was called or because the underlying transport went away.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Frames returns the channel of captured frames.
	Frames() <-chan AudioFrame

	// MIMEType reports the container of the raw recording, if the device
	// also keeps one (e.g. "audio/webm" from a browser MediaRecorder).
	// Empty means only PCM frames are available.
	MIMEType() string

	// Recording returns the raw container bytes captured so far. Nil when
	// MIMEType is empty.
	Recording() []byte

	// Close releases the device. Calling Close more than once is a no-op.
	Close() error
}

// Device acquires microphones.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the input identified by deviceID ("" selects the
	// default input). It returns an error wrapping [ErrPermissionDenied],
	// [ErrNoDevice] or [ErrDeviceBusy] when the device cannot be acquired.
	Open(ctx context.Context, deviceID string) (Stream, error)
}
