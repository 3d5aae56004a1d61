// Package avatar owns the talking-avatar sessions of one interview.
//
// A [Manager] connects one vendor session per persona in the background and
// routes every persona utterance either to the live vendor session or, when
// the session is still connecting or has failed, to a degraded path: a
// synthetic talking-started event, local speech synthesis, a wait for the
// audio's length and a synthetic talking-stopped event.
//
// Whatever path an utterance takes, exactly one TalkingStopped event is
// emitted for it. The turn machine relies on that to hand the microphone
// back, so a broken avatar can never wedge a session.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/types"
)

var (
	// ErrAvatarConnectFailed is logged when a vendor session cannot be
	// established. The persona then speaks through the fallback path for the
	// rest of the session.
	ErrAvatarConnectFailed = errors.New("avatar: connect failed")

	// ErrSynthesisUnavailable is logged when fallback speech cannot be
	// synthesised and the talking time is estimated from the word count.
	ErrSynthesisUnavailable = errors.New("avatar: speech synthesis unavailable")

	// ErrClosed is returned by Speak after CloseAll.
	ErrClosed = errors.New("avatar: manager closed")
)

const (
	defaultWordsPerSecond = 2.5
	defaultConnectTimeout = 30 * time.Second
	defaultLiveGrace      = 10 * time.Second
	defaultEventBuffer    = 64
	closeTimeout          = 5 * time.Second
)

// State is the connection state of a persona's vendor session.
type State int

const (
	// StateConnecting means the vendor session is being established.
	StateConnecting State = iota

	// StateLive means the vendor session is ready to speak.
	StateLive

	// StateFailed means the vendor session is unavailable for the rest of
	// the interview.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is a talking-state change of one persona.
type Event struct {
	PersonaID string
	Kind      avatar.EventKind
	At        time.Time

	// Fallback is true when the event was produced by the degraded path.
	Fallback bool

	// Text is the line being spoken. Set on TalkingStarted.
	Text string

	// Audio is the locally synthesised line as a WAV file. Set on fallback
	// TalkingStarted events when synthesis succeeded; the client plays it.
	Audio []byte
}

// Option is a functional option for a [Manager].
type Option func(*Manager)

// WithSynthesizer sets the fallback speech synthesizer.
func WithSynthesizer(s tts.Synthesizer) Option {
	return func(m *Manager) { m.synth = s }
}

// WithWordsPerSecond sets the speaking rate used to estimate talking time
// when synthesis is unavailable. Default: 2.5.
func WithWordsPerSecond(wps float64) Option {
	return func(m *Manager) {
		if wps > 0 {
			m.wps = wps
		}
	}
}

// WithConnectTimeout bounds each vendor connect. Default: 30 s.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithLiveGrace sets the constant part of the live safety timeout
// (estimate × 3 + grace). Default: 10 s.
func WithLiveGrace(d time.Duration) Option {
	return func(m *Manager) { m.liveGrace = d }
}

// WithFallbackHook registers fn to be called whenever an utterance takes
// the fallback path. reason is nil for a persona whose session is still
// connecting.
func WithFallbackHook(fn func(personaID string, reason error)) Option {
	return func(m *Manager) { m.onFallback = fn }
}

// Manager drives the avatar sessions of one interview. All methods are safe
// for concurrent use.
type Manager struct {
	provider       avatar.Provider
	synth          tts.Synthesizer
	wps            float64
	connectTimeout time.Duration
	liveGrace      time.Duration
	onFallback     func(string, error)
	now            func() time.Time

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	personas map[string]*persona
	closed   bool
}

// persona is the manager's view of one persona's avatar.
type persona struct {
	p       types.Persona
	state   State
	session avatar.Session
	current *utterance
}

// utterance is one in-flight Speak call.
type utterance struct {
	text         string
	stop         chan struct{}
	stopOnce     sync.Once
	vendorDone   chan struct{}
	vendorOnce   sync.Once
	finishedOnce sync.Once
}

func newUtterance(text string) *utterance {
	return &utterance{text: text, stop: make(chan struct{}), vendorDone: make(chan struct{})}
}

func (u *utterance) interrupt()  { u.stopOnce.Do(func() { close(u.stop) }) }
func (u *utterance) vendorStop() { u.vendorOnce.Do(func() { close(u.vendorDone) }) }

// New creates a manager. provider may be nil, in which case every persona
// speaks through the fallback path.
func New(provider avatar.Provider, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider:       provider,
		wps:            defaultWordsPerSecond,
		connectTimeout: defaultConnectTimeout,
		liveGrace:      defaultLiveGrace,
		now:            time.Now,
		events:         make(chan Event, defaultEventBuffer),
		ctx:            ctx,
		cancel:         cancel,
		personas:       make(map[string]*persona),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Events delivers talking-state changes for every persona.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the connection state of personaID. Unknown personas report
// [StateFailed].
func (m *Manager) State(personaID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.personas[personaID]; ok {
		return e.state
	}
	return StateFailed
}

// Stream returns where the browser can watch personaID's live avatar. ok is
// false unless the persona's vendor session is live.
func (m *Manager) Stream(personaID string) (avatar.Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, found := m.personas[personaID]
	if !found || e.state != StateLive || e.session == nil {
		return avatar.Stream{}, false
	}
	return e.session.Stream(), true
}

// Open starts connecting p's vendor session and returns immediately. A second
// Open for the same persona is a no-op.
func (m *Manager) Open(_ context.Context, p types.Persona) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, ok := m.personas[p.ID]; ok {
		return
	}
	e := &persona{p: p, state: StateConnecting}
	m.personas[p.ID] = e
	if m.provider == nil {
		e.state = StateFailed
		return
	}
	m.wg.Add(1)
	go m.connect(e)
}

func (m *Manager) connect(e *persona) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(m.ctx, m.connectTimeout)
	defer cancel()

	sess, err := m.provider.CreateSession(ctx, e.p.FaceRef)

	m.mu.Lock()
	if err != nil {
		e.state = StateFailed
		m.mu.Unlock()
		slog.Warn("avatar: using fallback speech", "persona", e.p.ID,
			"err", fmt.Errorf("%w: %w", ErrAvatarConnectFailed, err))
		return
	}
	if m.closed {
		e.state = StateFailed
		m.mu.Unlock()
		closeSession(sess)
		return
	}
	e.state = StateLive
	e.session = sess
	m.mu.Unlock()

	slog.Info("avatar: session live", "persona", e.p.ID, "session", sess.ID())
	m.wg.Add(1)
	go m.pump(e, sess)
}

// pump translates vendor events for one live session.
func (m *Manager) pump(e *persona, sess avatar.Session) {
	defer m.wg.Done()
	for ev := range sess.Events() {
		m.mu.Lock()
		u := e.current
		m.mu.Unlock()
		if u == nil {
			continue
		}
		switch ev.Kind {
		case avatar.TalkingStarted:
			m.emit(Event{PersonaID: e.p.ID, Kind: avatar.TalkingStarted, At: m.now(), Text: u.text})
		case avatar.TalkingStopped:
			u.vendorStop()
		}
	}

	// The vendor dropped the session.
	m.mu.Lock()
	dropped := e.session == sess && !m.closed
	if dropped {
		e.state = StateFailed
		e.session = nil
	}
	u := e.current
	m.mu.Unlock()
	if dropped {
		slog.Warn("avatar: vendor session ended, using fallback speech", "persona", e.p.ID)
	}
	if u != nil {
		u.vendorStop()
	}
}

// Speak makes personaID say text. It returns immediately; progress is
// reported on Events, ending with exactly one TalkingStopped. A speech
// already running for the persona is interrupted first.
func (m *Manager) Speak(ctx context.Context, personaID, text string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	e, ok := m.personas[personaID]
	if !ok {
		e = &persona{p: types.Persona{ID: personaID}, state: StateFailed}
		m.personas[personaID] = e
	}
	if prev := e.current; prev != nil {
		prev.interrupt()
	}
	u := newUtterance(text)
	e.current = u
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(ctx, e, u, text)
	return nil
}

// Stop interrupts personaID's current speech. The TalkingStopped event still
// fires.
func (m *Manager) Stop(personaID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.personas[personaID]; ok && e.current != nil {
		e.current.interrupt()
	}
}

func (m *Manager) run(ctx context.Context, e *persona, u *utterance, text string) {
	defer m.wg.Done()
	defer m.finish(e, u)

	m.mu.Lock()
	state, sess := e.state, e.session
	m.mu.Unlock()

	var reason error
	if state == StateLive {
		err := sess.Speak(ctx, text)
		if err == nil {
			m.awaitVendor(ctx, sess, u, text)
			return
		}
		reason = err
		m.markFailed(e, sess)
		slog.Warn("avatar: vendor speak failed, using fallback speech", "persona", e.p.ID, "err", err)
	} else if state == StateFailed {
		reason = ErrAvatarConnectFailed
	}
	if m.onFallback != nil {
		m.onFallback(e.p.ID, reason)
	}
	d, wav := m.fallbackSpeech(ctx, e.p, text)
	m.emit(Event{PersonaID: e.p.ID, Kind: avatar.TalkingStarted, At: m.now(), Fallback: true, Text: text, Audio: wav})
	wait(ctx, u, d)
}

// awaitVendor waits for the vendor's stop event, an interrupt, cancellation
// or the safety timeout, whichever comes first.
func (m *Manager) awaitVendor(ctx context.Context, sess avatar.Session, u *utterance, text string) {
	timeout := m.estimate(text)*3 + m.liveGrace
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-u.vendorDone:
	case <-t.C:
		slog.Warn("avatar: vendor never stopped talking, forcing stop", "session", sess.ID(), "timeout", timeout)
	case <-u.stop:
		ictx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := sess.Interrupt(ictx); err != nil {
			slog.Debug("avatar: interrupt failed", "session", sess.ID(), "err", err)
		}
	case <-ctx.Done():
	}
}

// fallbackSpeech synthesises text in p's voice and returns its length and
// WAV encoding. Without synthesis the length is a word-count estimate and
// there is no audio.
func (m *Manager) fallbackSpeech(ctx context.Context, p types.Persona, text string) (time.Duration, []byte) {
	if m.synth == nil {
		slog.Info("avatar: estimating talking time", "persona", p.ID, "err", ErrSynthesisUnavailable)
		return m.estimate(text), nil
	}
	speech, err := m.synth.Synthesize(ctx, text, types.ProfileFor(p.Voice))
	if err == nil && speech.Duration <= 0 {
		err = errors.New("no audio")
	}
	if err != nil {
		slog.Warn("avatar: estimating talking time", "persona", p.ID,
			"err", fmt.Errorf("%w: %w", ErrSynthesisUnavailable, err))
		return m.estimate(text), nil
	}
	return speech.Duration, audio.EncodeWAV(speech.Audio, speech.SampleRate, speech.Channels)
}

// estimate is the talking time of text at the configured words per second.
func (m *Manager) estimate(text string) time.Duration {
	words := len(strings.Fields(text))
	return time.Duration(float64(words) / m.wps * float64(time.Second))
}

func (m *Manager) markFailed(e *persona, sess avatar.Session) {
	m.mu.Lock()
	if e.session != sess {
		m.mu.Unlock()
		return
	}
	e.state = StateFailed
	e.session = nil
	m.mu.Unlock()
	go closeSession(sess)
}

// finish emits the utterance's single TalkingStopped and clears it.
func (m *Manager) finish(e *persona, u *utterance) {
	u.finishedOnce.Do(func() {
		m.mu.Lock()
		if e.current == u {
			e.current = nil
		}
		m.mu.Unlock()
		m.emit(Event{PersonaID: e.p.ID, Kind: avatar.TalkingStopped, At: m.now()})
	})
}

// emit delivers ev, blocking while the consumer lags unless the manager is
// closed, after which events are dropped when the buffer is full.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
		select {
		case m.events <- ev:
		default:
		}
	}
}

// wait blocks for d or until the utterance is interrupted or ctx is done.
func wait(ctx context.Context, u *utterance, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-u.stop:
	case <-ctx.Done():
	}
}

// CloseAll ends every vendor session concurrently. In-flight connects are
// cancelled; sessions that still connect are closed as soon as they do.
// CloseAll is idempotent and returns nil.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var sessions []avatar.Session
	for _, e := range m.personas {
		if e.current != nil {
			e.current.interrupt()
		}
		if e.session != nil {
			sessions = append(sessions, e.session)
			e.session = nil
		}
		e.state = StateFailed
	}
	m.mu.Unlock()
	m.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Close(gctx); err != nil {
				slog.Warn("avatar: close session", "session", s.ID(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("avatar: close timed out waiting for background work")
	}
	return nil
}

func closeSession(s avatar.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		slog.Debug("avatar: close session", "session", s.ID(), "err", err)
	}
}
