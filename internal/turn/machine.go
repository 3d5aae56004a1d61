// Package turn arbitrates who has the floor in a live interview.
//
// A [Machine] owns the turn state of one session. Every input (VAD finish,
// manual submit, transcription and dispatch results, avatar talking events,
// end requests) is funnelled into a single buffered channel and processed in
// arrival order by the goroutine running [Machine.Run]. Slow work runs in its
// own goroutines and reports back as events tagged with the turn number it
// was started for; results for any other turn, and everything that arrives
// after the session ended, are dropped.
//
// The microphone is open exactly when the state is [StateListening]. The
// machine installs a gate on the capture controller so it refuses to open
// the microphone in any other state, closes the microphone before leaving
// Listening and opens it only after entering Listening. The one exception
// is a failed microphone: the state stays Listening with the microphone
// closed until [Machine.RetryMic] succeeds.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/panelist/internal/avatar"
	"github.com/MrWong99/panelist/internal/capture"
	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/internal/recorder"
	"github.com/MrWong99/panelist/internal/transcript"
	"github.com/MrWong99/panelist/pkg/audio"
	vendor "github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/types"
)

// ErrAlreadyRunning is returned by Run when called more than once.
var ErrAlreadyRunning = errors.New("turn: machine already running")

const (
	eventBuffer       = 64
	subscriberBuffer  = 64
	defaultEndTimeout = 10 * time.Second
)

// ---- collaborators ----

// Capture is the microphone side of the session.
type Capture interface {
	StartListening(ctx context.Context) error
	StopListening() (audio.Clip, bool)
	Buffered() time.Duration
	Listening() bool
	Finished() <-chan struct{}
	SetGate(gate func() bool)
}

// Transcriber turns a clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip audio.Clip) (transcript.Result, error)
}

// Dispatcher produces the panel's next line.
type Dispatcher interface {
	Dispatch(ctx context.Context, history []types.Utterance, message string, personas []types.Persona) (dispatch.Result, error)
	Intro(ctx context.Context, personas []types.Persona) (dispatch.Result, error)
	Commit(res dispatch.Result)
}

// Avatars renders persona speech.
type Avatars interface {
	Speak(ctx context.Context, personaID, text string) error
	Stop(personaID string)
	CloseAll(ctx context.Context) error
	Events() <-chan avatar.Event
}

// Transcript is the session recording.
type Transcript interface {
	Utterances() []types.Utterance
	Export(ctx context.Context) error
}

var (
	_ Capture     = (*capture.Controller)(nil)
	_ Transcriber = (*transcript.Client)(nil)
	_ Dispatcher  = (*dispatch.Dispatcher)(nil)
	_ Avatars     = (*avatar.Manager)(nil)
	_ Transcript  = (*recorder.Recorder)(nil)
)

// Deps bundles the collaborators of a [Machine]. All fields are required.
type Deps struct {
	Capture     Capture
	Transcriber Transcriber
	Dispatcher  Dispatcher
	Avatars     Avatars
	Transcript  Transcript
}

// Option is a functional option for a [Machine].
type Option func(*Machine)

// WithInspector registers fn to be called by the Run goroutine after every
// processed event with the resulting snapshot.
func WithInspector(fn func(Event, Snapshot)) Option {
	return func(m *Machine) { m.inspector = fn }
}

// WithEndTimeout bounds how long ending the session may spend closing
// avatars and exporting the transcript. Default: 10s.
func WithEndTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.endTimeout = d
		}
	}
}

// WithClock overrides the clock used for notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// Machine is the turn-taking state machine of one session.
type Machine struct {
	personas   []types.Persona
	deps       Deps
	inspector  func(Event, Snapshot)
	endTimeout time.Duration
	now        func() time.Time

	events  chan Event
	done    chan struct{}
	running atomic.Bool

	// taskCtx is the parent of all async work; cancelled on end.
	taskCtx    context.Context
	taskCancel context.CancelFunc

	// turn is only touched by the Run goroutine.
	turn uint64

	mu      sync.Mutex
	state   State
	speaker string
	line    string
	talk    *Notification
	subs    []chan Notification
}

// New creates a machine for the given panel. The machine installs its gate
// on deps.Capture.
func New(personas []types.Persona, deps Deps, opts ...Option) *Machine {
	m := &Machine{
		personas:   append([]types.Persona(nil), personas...),
		deps:       deps,
		endTimeout: defaultEndTimeout,
		now:        time.Now,
		events:     make(chan Event, eventBuffer),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.taskCtx, m.taskCancel = context.WithCancel(context.Background())
	deps.Capture.SetGate(m.listeningGate)
	return m
}

// State returns the current state and, for StatePersonaSpeaking, the
// speaking persona.
func (m *Machine) State() (State, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.speaker
}

// Speaking returns what the speaking persona is saying. ok is false outside
// StatePersonaSpeaking. Audio and Fallback are filled in once the avatar
// started talking.
func (m *Machine) Speaking() (Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StatePersonaSpeaking {
		return Notification{}, false
	}
	if m.talk != nil {
		return *m.talk, true
	}
	return Notification{Kind: NotifyTalking, Persona: m.speaker, Text: m.line, Voice: m.voice(m.speaker)}, true
}

// MicOpen reports whether the capture controller currently holds the
// microphone.
func (m *Machine) MicOpen() bool { return m.deps.Capture.Listening() }

// Done is closed when the machine has ended and Run returned.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Subscribe returns a channel of notifications. Notifications are dropped
// for subscribers that fall behind. The channel is closed when the session
// ends.
func (m *Machine) Subscribe() <-chan Notification {
	ch := make(chan Notification, subscriberBuffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEnded {
		close(ch)
		return ch
	}
	m.subs = append(m.subs, ch)
	return ch
}

// ---- commands ----

// Start begins the session: the panel introduces itself.
func (m *Machine) Start() { m.post(Event{Kind: EventSessionStart}) }

// Submit ends the candidate's answer manually. It is ignored when nothing
// has been recorded yet.
func (m *Machine) Submit() { m.post(Event{Kind: EventManualSubmit}) }

// RetryMic reopens the microphone after a microphone failure.
func (m *Machine) RetryMic() { m.post(Event{Kind: EventRetryMic}) }

// End ends the interview and waits until avatars are closed and the
// transcript is exported, or ctx is done. Ending twice is harmless.
func (m *Machine) End(ctx context.Context) error {
	m.post(Event{Kind: EventEndInterview})
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues ev. It reports false when the machine has already finished.
func (m *Machine) post(ev Event) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// ---- run loop ----

// Run processes events until the session ends or ctx is cancelled, in which
// case the session is ended as if EndInterview had been received.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(m.done)

	go m.forwardFinished()
	go m.forwardAvatar()

	for {
		select {
		case ev := <-m.events:
			m.apply(ev)
		case <-ctx.Done():
			m.apply(Event{Kind: EventEndInterview})
		}
		if st, _ := m.State(); st == StateEnded {
			return nil
		}
	}
}

func (m *Machine) forwardFinished() {
	finished := m.deps.Capture.Finished()
	for {
		select {
		case <-m.done:
			return
		case <-finished:
			m.post(Event{Kind: EventFinishedSpeaking})
		}
	}
}

func (m *Machine) forwardAvatar() {
	events := m.deps.Avatars.Events()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == vendor.TalkingStopped {
				m.post(Event{Kind: EventTalkingStopped, PersonaID: ev.PersonaID})
				continue
			}
			m.post(Event{Kind: EventTalkingStarted, PersonaID: ev.PersonaID, Text: ev.Text, Audio: ev.Audio, Fallback: ev.Fallback})
		}
	}
}

// apply processes one event and reports the outcome to the inspector.
func (m *Machine) apply(ev Event) {
	m.handle(ev)
	if m.inspector != nil {
		st, p := m.State()
		m.inspector(ev, Snapshot{State: st, Persona: p, Turn: m.turn, MicOpen: m.MicOpen()})
	}
}

func (m *Machine) handle(ev Event) {
	st, speaker := m.State()
	if st == StateEnded {
		slog.Debug("turn: event after end dropped", "event", ev.Kind)
		return
	}
	if ev.Kind.async() && ev.Turn != m.turn {
		slog.Debug("turn: stale result dropped", "event", ev.Kind, "turn", ev.Turn, "current", m.turn)
		return
	}

	switch ev.Kind {
	case EventSessionStart:
		if st != StateIdle {
			return
		}
		m.setState(StateDispatching, "")
		m.intro()

	case EventFinishedSpeaking:
		if st != StateListening {
			return
		}
		m.finishAnswer()

	case EventManualSubmit:
		if st != StateListening {
			return
		}
		if !m.deps.Capture.Listening() || m.deps.Capture.Buffered() == 0 {
			slog.Debug("turn: manual submit with empty buffer ignored")
			return
		}
		m.finishAnswer()

	case EventTranscriptReady:
		if st != StateTranscribing {
			return
		}
		if !ev.Usable {
			m.notice(NoticeNoSpeech, nil)
			m.listen()
			return
		}
		m.setState(StateDispatching, "")
		m.dispatch(ev.Text)

	case EventTranscriptionFailed:
		if st != StateTranscribing {
			return
		}
		m.notice(NoticeTranscriptionFailed, ev.Err)
		m.listen()

	case EventDispatchSucceeded:
		if st != StateDispatching {
			return
		}
		m.transition(StatePersonaSpeaking, ev.PersonaID, ev.Text)
		if err := m.deps.Avatars.Speak(m.taskCtx, ev.PersonaID, ev.Text); err != nil {
			m.notice(NoticeAvatarFailed, err)
			m.listen()
			return
		}
		m.deps.Dispatcher.Commit(ev.Reply)

	case EventDispatchFailed:
		if st != StateDispatching {
			return
		}
		m.notice(NoticeDispatchFailed, ev.Err)
		m.listen()

	case EventTalkingStarted:
		if st == StatePersonaSpeaking && ev.PersonaID == speaker {
			m.talking(ev)
		}

	case EventTalkingStopped:
		if st != StatePersonaSpeaking || ev.PersonaID != speaker {
			return
		}
		m.listen()

	case EventMicFailed:
		slog.Warn("turn: microphone failed", "err", ev.Err)
		m.notice(NoticeMicFailed, ev.Err)

	case EventRetryMic:
		if st != StateListening || m.deps.Capture.Listening() {
			return
		}
		m.openMic()

	case EventEndInterview:
		m.end()
	}
}

// ---- transitions ----

// listen hands the floor back to the candidate.
func (m *Machine) listen() {
	m.setState(StateListening, "")
	m.openMic()
}

func (m *Machine) openMic() {
	if err := m.deps.Capture.StartListening(m.taskCtx); err != nil {
		m.apply(Event{Kind: EventMicFailed, Err: err})
	}
}

// finishAnswer closes the microphone and transcribes what was recorded.
func (m *Machine) finishAnswer() {
	clip, ok := m.deps.Capture.StopListening()
	if !ok {
		m.notice(NoticeNoSpeech, nil)
		m.openMic()
		return
	}
	m.setState(StateTranscribing, "")

	m.turn++
	turn := m.turn
	ctx := m.taskCtx
	go func() {
		res, err := m.deps.Transcriber.Transcribe(ctx, clip)
		if err != nil {
			m.post(Event{Kind: EventTranscriptionFailed, Turn: turn, Err: err, Latency: res.Latency})
			return
		}
		m.post(Event{Kind: EventTranscriptReady, Turn: turn, Text: res.Text, Usable: res.Usable, Latency: res.Latency})
	}()
}

func (m *Machine) intro() {
	m.turn++
	turn := m.turn
	ctx := m.taskCtx
	go func() {
		res, err := m.deps.Dispatcher.Intro(ctx, m.personas)
		m.postDispatch(turn, res, err)
	}()
}

func (m *Machine) dispatch(message string) {
	m.turn++
	turn := m.turn
	ctx := m.taskCtx
	history := m.deps.Transcript.Utterances()
	go func() {
		res, err := m.deps.Dispatcher.Dispatch(ctx, history, message, m.personas)
		m.postDispatch(turn, res, err)
	}()
}

func (m *Machine) postDispatch(turn uint64, res dispatch.Result, err error) {
	if err != nil {
		m.post(Event{Kind: EventDispatchFailed, Turn: turn, Err: err, Latency: res.Latency})
		return
	}
	m.post(Event{Kind: EventDispatchSucceeded, Turn: turn, PersonaID: res.PersonaID, Text: res.Text, Reply: res, Latency: res.Latency})
}

// end closes the microphone first, then marks the session ended, releases
// the avatars, exports the transcript and closes every subscription.
func (m *Machine) end() {
	m.taskCancel()
	m.deps.Capture.StopListening()
	m.setState(StateEnded, "")

	ctx, cancel := context.WithTimeout(context.Background(), m.endTimeout)
	defer cancel()
	if err := m.deps.Avatars.CloseAll(ctx); err != nil {
		slog.Warn("turn: close avatars", "err", err)
	}
	if err := m.deps.Transcript.Export(ctx); err != nil {
		m.notice(NoticeExportFailed, err)
	}

	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
	slog.Info("turn: interview ended")
}

func (m *Machine) setState(to State, persona string) { m.transition(to, persona, "") }

// transition moves to the given state. text is the persona's line when
// entering StatePersonaSpeaking.
func (m *Machine) transition(to State, persona, text string) {
	m.mu.Lock()
	from, prev := m.state, m.speaker
	m.state, m.speaker, m.line, m.talk = to, persona, text, nil
	m.mu.Unlock()
	if from == to && prev == persona {
		return
	}
	slog.Debug("turn: transition", "from", from, "to", to, "persona", persona)
	n := Notification{Kind: NotifyStateChanged, From: from, To: to, Persona: persona, Text: text, At: m.now()}
	if persona != "" {
		n.Voice = m.voice(persona)
	}
	m.broadcast(n)
}

// talking publishes that the speaking persona's avatar started and keeps the
// notification for late subscribers.
func (m *Machine) talking(ev Event) {
	m.mu.Lock()
	text := ev.Text
	if text == "" {
		text = m.line
	}
	n := Notification{
		Kind:     NotifyTalking,
		Persona:  m.speaker,
		Text:     text,
		Voice:    m.voice(m.speaker),
		Audio:    ev.Audio,
		Fallback: ev.Fallback,
		At:       m.now(),
	}
	m.talk = &n
	m.mu.Unlock()
	m.broadcast(n)
}

// voice returns the fallback voice of personaID.
func (m *Machine) voice(personaID string) types.VoiceParams {
	for _, p := range m.personas {
		if p.ID == personaID {
			return p.Voice
		}
	}
	return types.VoiceParams{}
}

func (m *Machine) notice(kind NoticeKind, err error) {
	if err != nil {
		slog.Warn("turn: notice", "kind", kind, "err", err)
	}
	m.broadcast(Notification{Kind: NotifyNotice, Notice: kind, Err: err, At: m.now()})
}

func (m *Machine) broadcast(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (m *Machine) listeningGate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateListening
}
