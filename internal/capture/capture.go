// Package capture owns the candidate's microphone for one interview session.
//
// A [Controller] opens the microphone when asked, runs every frame through a
// VAD session, accumulates the recording, emits level samples for the UI and
// raises a single "finished speaking" signal per listening period. Whether the
// microphone may be opened at all is decided by a gate supplied by the turn
// machine; outside the gate StartListening does nothing.
//
// Exactly one clip is finalized per listening period: StopListening hands the
// clip to the first caller and returns ok=false to everyone after, so an
// automatic finish and a manual stop arriving together cannot produce two
// clips.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/vad"
)

var (
	// ErrMicUnavailable is returned when microphone permission is denied or no
	// input device exists. It is fatal to starting capture.
	ErrMicUnavailable = errors.New("capture: microphone unavailable")

	// ErrDeviceBusy is returned when the input device is held elsewhere.
	ErrDeviceBusy = errors.New("capture: microphone busy")
)

const (
	defaultSampleRate    = 16000
	defaultLevelInterval = 50 * time.Millisecond
	defaultThreshold     = 300
	defaultSilenceMs     = 1500
)

// Level is one volume sample for UI feedback.
type Level struct {
	// Energy is the RMS level of the most recent frame.
	Energy float64 `json:"energy"`

	// Speaking is the VAD's "likely speaking" indicator.
	Speaking bool `json:"speaking"`

	// At is the wall-clock time of the sample.
	At time.Time `json:"at"`
}

// Config configures a [Controller].
type Config struct {
	// DeviceID selects the input device. Empty selects the default.
	DeviceID string

	// SampleRate is the rate frames are normalised to before VAD and
	// recording. Default: 16000.
	SampleRate int

	// ThresholdEnergy and SilenceMs configure the VAD finish policy.
	// Defaults: 300 and 1500.
	ThresholdEnergy float64
	SilenceMs       int

	// LevelInterval is the period between level samples. It must be at most
	// 66 ms for smooth meters. Default: 50 ms (20 Hz).
	LevelInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.ThresholdEnergy <= 0 {
		c.ThresholdEnergy = defaultThreshold
	}
	if c.SilenceMs <= 0 {
		c.SilenceMs = defaultSilenceMs
	}
	if c.LevelInterval <= 0 {
		c.LevelInterval = defaultLevelInterval
	}
}

// Option is a functional option for a [Controller].
type Option func(*Controller)

// WithClock overrides the wall clock used for level timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller captures microphone audio for a single session.
// All methods are safe for concurrent use.
type Controller struct {
	device audio.Device
	engine vad.Engine
	cfg    Config
	now    func() time.Time

	finished chan struct{}
	levels   chan Level

	mu     sync.Mutex
	gate   func() bool
	active *listening
}

// New creates a controller that opens microphones through device and runs
// frames through sessions of engine.
func New(device audio.Device, engine vad.Engine, cfg Config, opts ...Option) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		device:   device,
		engine:   engine,
		cfg:      cfg,
		now:      time.Now,
		finished: make(chan struct{}, 1),
		levels:   make(chan Level, 32),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SetGate installs the predicate consulted by StartListening. A nil gate
// allows every call.
func (c *Controller) SetGate(gate func() bool) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

// Finished delivers one value per listening period in which the VAD decided
// the candidate finished speaking. Stale signals are discarded when the next
// listening period starts.
func (c *Controller) Finished() <-chan struct{} { return c.finished }

// Levels delivers volume samples while listening. Samples are dropped when
// the consumer lags.
func (c *Controller) Levels() <-chan Level { return c.levels }

// Listening reports whether the microphone is currently open.
func (c *Controller) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Buffered returns the duration of audio recorded in the current listening
// period, or zero when not listening.
func (c *Controller) Buffered() time.Duration {
	c.mu.Lock()
	l := c.active
	c.mu.Unlock()
	if l == nil {
		return 0
	}
	return l.buffered()
}

// StartListening acquires the microphone and starts VAD. It is a no-op when
// the gate denies listening or the microphone is already open.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gate != nil && !c.gate() {
		return nil
	}
	if c.active != nil {
		return nil
	}
	select {
	case <-c.finished:
	default:
	}

	stream, err := c.device.Open(ctx, c.cfg.DeviceID)
	if err != nil {
		switch {
		case errors.Is(err, audio.ErrDeviceBusy):
			return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
		default:
			return fmt.Errorf("%w: %w", ErrMicUnavailable, err)
		}
	}
	sess, err := c.engine.NewSession(vad.Config{
		SampleRate:      c.cfg.SampleRate,
		Channels:        1,
		ThresholdEnergy: c.cfg.ThresholdEnergy,
		SilenceMs:       c.cfg.SilenceMs,
	})
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("capture: start vad: %w", err)
	}

	l := &listening{
		stream: stream,
		vad:    sess,
		rate:   c.cfg.SampleRate,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	c.active = l
	go c.pump(l)
	go c.meter(l)
	slog.Debug("capture: listening", "device", c.cfg.DeviceID)
	return nil
}

// StopListening releases the microphone and returns the clip recorded since
// StartListening. ok is false when nothing was listening or no audio was
// captured. Safe to call at any time and any number of times.
func (c *Controller) StopListening() (clip audio.Clip, ok bool) {
	c.mu.Lock()
	l := c.active
	c.active = nil
	c.mu.Unlock()
	if l == nil {
		return audio.Clip{}, false
	}

	close(l.stop)
	if err := l.stream.Close(); err != nil {
		slog.Warn("capture: close stream", "err", err)
	}
	<-l.done
	_ = l.vad.Close()

	clip = l.clip()
	slog.Debug("capture: stopped", "duration", clip.Duration, "bytes", len(clip.Data))
	return clip, !clip.Empty()
}

// pump reads frames until the stream closes, the listening period is
// stopped, or the VAD finishes.
func (c *Controller) pump(l *listening) {
	defer close(l.done)
	frames := l.stream.Frames()
	for {
		select {
		case <-l.stop:
			return
		case f, open := <-frames:
			if !open {
				return
			}
			pcm := audio.ToSTTFormat(f, l.rate)
			ev, err := l.vad.ProcessFrame(pcm)
			if err != nil {
				slog.Debug("capture: vad frame error", "err", err)
				continue
			}
			l.append(pcm, ev)
			if ev.Type == vad.VADFinished {
				select {
				case c.finished <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// meter emits level samples at a fixed interval while the period is active.
func (c *Controller) meter(l *listening) {
	t := time.NewTicker(c.cfg.LevelInterval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			energy, speaking := l.level()
			select {
			case c.levels <- Level{Energy: energy, Speaking: speaking, At: c.now()}:
			default:
			}
		}
	}
}

// ---- listening period ----

type listening struct {
	stream audio.Stream
	vad    vad.SessionHandle
	rate   int
	done   chan struct{}
	stop   chan struct{}

	mu       sync.Mutex
	pcm      []byte
	energy   float64
	speaking bool
}

func (l *listening) append(pcm []byte, ev vad.VADEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pcm = append(l.pcm, pcm...)
	l.energy = ev.Energy
	l.speaking = ev.Speaking()
}

func (l *listening) level() (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.energy, l.speaking
}

func (l *listening) buffered() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return audio.PCMDuration(len(l.pcm), l.rate, 1)
}

// clip prefers the device's container recording (what the browser encoded)
// and falls back to a WAV built from the normalised PCM.
func (l *listening) clip() audio.Clip {
	l.mu.Lock()
	defer l.mu.Unlock()
	dur := audio.PCMDuration(len(l.pcm), l.rate, 1)
	if mime := l.stream.MIMEType(); mime != "" {
		if rec := l.stream.Recording(); len(rec) > 0 {
			return audio.Clip{Data: rec, MIMEType: mime, Duration: dur}
		}
	}
	if len(l.pcm) == 0 {
		return audio.Clip{}
	}
	return audio.Clip{
		Data:       audio.EncodeWAV(l.pcm, l.rate, 1),
		MIMEType:   audio.MIMEWAV,
		SampleRate: l.rate,
		Channels:   1,
		Duration:   dur,
	}
}
