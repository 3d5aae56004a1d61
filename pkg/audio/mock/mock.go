// Package mock provides in-memory implementations of [audio.Device] and
// [audio.Stream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose exported fields to control
// return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	stream, _ := dev.Open(ctx, "")
//	dev.Last().Push(audio.AudioFrame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/panelist/pkg/audio"
)

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenErr is returned by [Device.Open] when non-nil.
	OpenErr error

	// Buffer is the frame channel capacity of opened streams. Defaults to 256.
	Buffer int

	// OpenCalls records the device IDs passed to Open.
	OpenCalls []string

	streams []*Stream
}

var _ audio.Device = (*Device)(nil)

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, deviceID string) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, deviceID)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	buf := d.Buffer
	if buf <= 0 {
		buf = 256
	}
	s := &Stream{frames: make(chan audio.AudioFrame, buf)}
	d.streams = append(d.streams, s)
	return s, nil
}

// SetOpenErr replaces OpenErr. Thread-safe.
func (d *Device) SetOpenErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenErr = err
}

// OpenCallCount returns the number of Open calls, failed ones included.
// Thread-safe.
func (d *Device) OpenCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Streams returns every stream opened so far, in order.
func (d *Device) Streams() []*Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Stream(nil), d.streams...)
}

// Last returns the most recently opened stream, or nil.
func (d *Device) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OpenCount returns how many streams are currently open (not closed).
func (d *Device) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.streams {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Tests feed it with
// [Stream.Push].
type Stream struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// CloseCalls counts Close invocations.
	CloseCalls int
}

var _ audio.Stream = (*Stream)(nil)

// Push delivers a frame to the stream's consumer. Frames pushed after Close
// or while the buffer is full are dropped and reported as false.
func (s *Stream) Push(f audio.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// Frames implements [audio.Stream].
func (s *Stream) Frames() <-chan audio.AudioFrame { return s.frames }

// MIMEType implements [audio.Stream]. The mock only produces PCM.
func (s *Stream) MIMEType() string { return "" }

// Recording implements [audio.Stream].
func (s *Stream) Recording() []byte { return nil }

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
