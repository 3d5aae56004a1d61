// Package energy implements [vad.Engine] with a plain RMS energy threshold
// and a silence timer.
//
// The finish decision follows a small, reproducible policy:
//
//  1. Start with hasSpoken = false and no silence timer.
//  2. A frame louder than the threshold sets hasSpoken and clears the timer.
//  3. Otherwise, if hasSpoken and the timer is unset, the timer starts now.
//  4. Otherwise, if hasSpoken and the timer has run longer than the silence
//     duration, the detector reports finished once and stops sampling.
//
// Time is media time (the accumulated duration of processed frames), so the
// result depends only on the audio, not on wall-clock scheduling.
package energy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/vad"
)

// Detector is the finish-detection state machine shared by every session.
// The zero value is not usable; create one with [NewDetector].
type Detector struct {
	threshold float64
	silence   time.Duration

	hasSpoken        bool
	silenceStartedAt time.Duration
	silenceSet       bool
	finished         bool
}

// NewDetector returns a detector that treats energy above threshold as
// speech and finishes after more than silence of quiet following speech.
func NewDetector(threshold float64, silence time.Duration) *Detector {
	return &Detector{threshold: threshold, silence: silence}
}

// Observe feeds one energy reading taken at media time now.
func (d *Detector) Observe(energy float64, now time.Duration) vad.VADEventType {
	switch {
	case d.finished:
		return vad.VADStopped
	case energy > d.threshold:
		resumed := !d.hasSpoken || d.silenceSet
		d.hasSpoken = true
		d.silenceSet = false
		if resumed {
			return vad.VADSpeechStart
		}
		return vad.VADSpeechContinue
	case d.hasSpoken && !d.silenceSet:
		d.silenceStartedAt = now
		d.silenceSet = true
		return vad.VADSpeechEnd
	case d.hasSpoken && now-d.silenceStartedAt > d.silence:
		d.finished = true
		return vad.VADFinished
	default:
		return vad.VADSilence
	}
}

// HasSpoken reports whether any frame has exceeded the threshold.
func (d *Detector) HasSpoken() bool { return d.hasSpoken }

// Finished reports whether the detector has fired.
func (d *Detector) Finished() bool { return d.finished }

// Reset returns the detector to its initial state.
func (d *Detector) Reset() {
	d.hasSpoken = false
	d.silenceSet = false
	d.silenceStartedAt = 0
	d.finished = false
}

// Engine creates energy VAD sessions.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy VAD engine.
func New() Engine { return Engine{} }

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &session{
		cfg: cfg,
		det: NewDetector(cfg.ThresholdEnergy, cfg.Silence()),
	}, nil
}

// errClosed is returned by ProcessFrame after Close.
var errClosed = errors.New("energy: session closed")

type session struct {
	mu      sync.Mutex
	cfg     vad.Config
	det     *Detector
	elapsed time.Duration
	closed  bool
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, fmt.Errorf("energy: odd frame length %d", len(frame))
	}
	if s.det.Finished() {
		return vad.VADEvent{Type: vad.VADStopped, At: s.elapsed}, nil
	}
	s.elapsed += audio.PCMDuration(len(frame), s.cfg.SampleRate, s.cfg.Channels)
	level := audio.RMS(frame)
	return vad.VADEvent{
		Type:   s.det.Observe(level, s.elapsed),
		Energy: level,
		At:     s.elapsed,
	}, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.det.Reset()
	s.elapsed = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
