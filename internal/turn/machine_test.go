package turn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/panelist/internal/avatar"
	"github.com/MrWong99/panelist/internal/capture"
	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/internal/recorder"
	"github.com/MrWong99/panelist/internal/transcript"
	"github.com/MrWong99/panelist/pkg/audio"
	audiomock "github.com/MrWong99/panelist/pkg/audio/mock"
	avatarmock "github.com/MrWong99/panelist/pkg/provider/avatar/mock"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	sttmock "github.com/MrWong99/panelist/pkg/provider/stt/mock"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	ttsmock "github.com/MrWong99/panelist/pkg/provider/tts/mock"
	"github.com/MrWong99/panelist/pkg/provider/vad/energy"
	"github.com/MrWong99/panelist/pkg/types"
)

var (
	architect = types.Persona{ID: "architect", Name: "The Architect", FaceRef: "face-architect"}
	executive = types.Persona{ID: "executive", Name: "The Executive", FaceRef: "face-executive"}
)

// ---- test doubles ----

type agentStub struct {
	mu      sync.Mutex
	replies []dispatch.Reply
	err     error
	hold    chan struct{}
	calls   []dispatch.Request
}

func (a *agentStub) Reply(_ context.Context, req dispatch.Request) (dispatch.Reply, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req)
	hold, err := a.hold, a.err
	var r dispatch.Reply
	if len(a.replies) > 0 {
		r, a.replies = a.replies[0], a.replies[1:]
	} else {
		r = dispatch.Reply{Content: "What would you do differently?", Speaker: "The Architect"}
	}
	a.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if err != nil {
		return dispatch.Reply{}, err
	}
	return r, nil
}

func (a *agentStub) setErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *agentStub) setHold(ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold = ch
}

func (a *agentStub) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type memExporter struct {
	mu    sync.Mutex
	calls int
	got   []types.Utterance
}

func (e *memExporter) ExportTranscript(_ context.Context, _ string, utts []types.Utterance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.got = utts
	return nil
}

func (e *memExporter) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// ---- harness ----

type harness struct {
	t        *testing.T
	dev      *audiomock.Device
	capture  *capture.Controller
	stt      *sttmock.Provider
	agent    *agentStub
	rec      *recorder.Recorder
	exporter *memExporter
	avatars  *avatar.Manager
	provider *avatarmock.Provider
	m        *Machine
	notes    <-chan Notification

	mu         sync.Mutex
	micFailing bool
	violations []string
	seen       []EventKind
	runErr     chan error
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	personas   []types.Persona
	liveAvatar bool
	synth      tts.Synthesizer
}

func withPanel(ps ...types.Persona) harnessOption {
	return func(c *harnessConfig) { c.personas = ps }
}

func withLiveAvatars() harnessOption {
	return func(c *harnessConfig) { c.liveAvatar = true }
}

// withSynth gives the fallback avatars a speech synthesizer.
func withSynth(s tts.Synthesizer) harnessOption {
	return func(c *harnessConfig) { c.synth = s }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{personas: []types.Persona{architect}}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		t:        t,
		dev:      &audiomock.Device{},
		stt:      &sttmock.Provider{Result: stt.Transcript{Text: "Tell me about a challenging project."}},
		agent:    &agentStub{},
		exporter: &memExporter{},
		runErr:   make(chan error, 1),
	}
	h.capture = capture.New(h.dev, energy.New(), capture.Config{
		ThresholdEnergy: 300,
		SilenceMs:       1500,
		LevelInterval:   10 * time.Millisecond,
	})
	h.rec = recorder.New("sess-test", recorder.WithExporter(h.exporter))

	if cfg.liveAvatar {
		h.provider = &avatarmock.Provider{AutoStop: true}
		h.avatars = avatar.New(h.provider, avatar.WithWordsPerSecond(1000))
		for _, p := range cfg.personas {
			h.avatars.Open(context.Background(), p)
		}
		for _, p := range cfg.personas {
			waitFor(t, "avatar live", func() bool { return h.avatars.State(p.ID) == avatar.StateLive })
		}
	} else {
		aopts := []avatar.Option{avatar.WithWordsPerSecond(1000)}
		if cfg.synth != nil {
			aopts = append(aopts, avatar.WithSynthesizer(cfg.synth))
		}
		h.avatars = avatar.New(nil, aopts...)
	}

	h.m = New(cfg.personas, Deps{
		Capture:     h.capture,
		Transcriber: transcript.New(h.stt),
		Dispatcher:  dispatch.New(h.agent, h.rec),
		Avatars:     h.avatars,
		Transcript:  h.rec,
	}, WithInspector(h.inspect), WithEndTimeout(2*time.Second))
	h.notes = h.m.Subscribe()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.m.End(ctx)
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, v := range h.violations {
			t.Errorf("invariant violated: %s", v)
		}
	})
	return h
}

// inspect asserts that the microphone is open exactly while listening. A
// failed microphone is the only way to be listening with it closed.
func (h *harness) inspect(ev Event, s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, ev.Kind)
	if ev.Kind == EventMicFailed {
		h.micFailing = true
	}
	if s.MicOpen {
		h.micFailing = false
	}
	switch {
	case s.MicOpen && s.State != StateListening:
		h.violations = append(h.violations, fmt.Sprintf("mic open in %s after %s", s.State, ev.Kind))
	case !s.MicOpen && s.State == StateListening && !h.micFailing:
		h.violations = append(h.violations, fmt.Sprintf("mic closed while listening after %s", ev.Kind))
	}
}

func (h *harness) sawCount(kind EventKind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, k := range h.seen {
		if k == kind {
			n++
		}
	}
	return n
}

func (h *harness) run() {
	go func() { h.runErr <- h.m.Run(context.Background()) }()
}

// start runs the machine, triggers the intro and waits for the candidate to
// get the floor.
func (h *harness) start() {
	h.t.Helper()
	h.run()
	h.m.Start()
	h.waitListening()
}

func (h *harness) waitListening() {
	h.t.Helper()
	waitFor(h.t, "listening with mic open", func() bool {
		st, _ := h.m.State()
		return st == StateListening && h.m.MicOpen()
	})
}

func (h *harness) waitState(want State) {
	h.t.Helper()
	waitFor(h.t, "state "+want.String(), func() bool {
		st, _ := h.m.State()
		return st == want
	})
}

// speak pushes n frames at amp into the open microphone.
func (h *harness) speak(n int, amp int16) {
	h.t.Helper()
	s := h.dev.Last()
	if s == nil {
		h.t.Fatal("no microphone stream open")
	}
	for i := 0; i < n; i++ {
		for !s.Push(pcmFrame(amp)) {
			if s.IsClosed() {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// answer records a short answer and submits it manually.
func (h *harness) answer() {
	h.t.Helper()
	h.speak(10, 3000)
	waitFor(h.t, "audio buffered", func() bool { return h.capture.Buffered() > 0 })
	h.m.Submit()
}

// drain collects every notification until the subscription closes.
func (h *harness) drain() []Notification {
	h.t.Helper()
	var out []Notification
	timeout := time.After(3 * time.Second)
	for {
		select {
		case n, ok := <-h.notes:
			if !ok {
				return out
			}
			out = append(out, n)
		case <-timeout:
			h.t.Fatal("subscription not closed")
		}
	}
}

func pcmFrame(amp int16) audio.AudioFrame {
	buf := make([]byte, 640)
	for i := 0; i < 320; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(amp))
	}
	return audio.AudioFrame{Data: buf, SampleRate: 16000, Channels: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func notices(ns []Notification) []NoticeKind {
	var out []NoticeKind
	for _, n := range ns {
		if n.Kind == NotifyNotice {
			out = append(out, n.Notice)
		}
	}
	return out
}

func transitions(ns []Notification) []string {
	var out []string
	for _, n := range ns {
		if n.Kind != NotifyStateChanged {
			continue
		}
		s := n.From.String() + ">" + n.To.String()
		if n.Persona != "" {
			s += "(" + n.Persona + ")"
		}
		out = append(out, s)
	}
	return out
}

// ---- tests ----

func TestEndToEnd_VoiceTurn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withLiveAvatars())
	h.agent.replies = []dispatch.Reply{
		{Content: "Welcome. Tell me about a challenging project.", Speaker: "The Architect"},
		{Content: "How did you measure success?", Speaker: "The Architect"},
	}
	h.start()

	// 0.4 s quiet, 1.8 s above threshold, then silence past 1500 ms.
	h.speak(20, 10)
	h.speak(90, 3000)
	h.speak(80, 10)

	waitFor(t, "reply recorded", func() bool { return h.rec.Len() == 3 })
	h.waitListening()

	if h.stt.CallCount() != 1 {
		t.Fatalf("want one transcription, got %d", h.stt.CallCount())
	}
	req, _ := h.stt.LastCall()
	if req.Clip.MIMEType != audio.MIMEWAV || req.Clip.Duration < 2200*time.Millisecond {
		t.Fatalf("want wav clip of at least 2.2s, got %s %v", req.Clip.MIMEType, req.Clip.Duration)
	}

	utts := h.rec.Utterances()
	if utts[1].Role != types.RoleUser || utts[1].Text != "Tell me about a challenging project." {
		t.Fatalf("want user utterance recorded, got %+v", utts[1])
	}
	if utts[2].Role != types.RoleAgent || utts[2].Speaker != "architect" {
		t.Fatalf("want agent utterance by architect, got %+v", utts[2])
	}
	sess := h.provider.Session("face-architect")
	if spoken := sess.Spoken(); len(spoken) != 2 || spoken[1] != "How did you measure success?" {
		t.Fatalf("want both lines sent to the avatar, got %v", spoken)
	}

	if err := h.m.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if !sess.Closed() {
		t.Fatal("want avatar session closed")
	}
	if h.dev.OpenCount() != 0 {
		t.Fatal("want microphone released")
	}

	want := []string{
		"idle>dispatching",
		"dispatching>persona_speaking(architect)",
		"persona_speaking>listening",
		"listening>transcribing",
		"transcribing>dispatching",
		"dispatching>persona_speaking(architect)",
		"persona_speaking>listening",
		"listening>ended",
	}
	got := transitions(h.drain())
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want transitions %v, got %v", want, got)
	}
}

func TestSpeakerResolution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		label string
		want  string
	}{
		{name: "exact name", label: "The Executive", want: "executive"},
		{name: "unknown label", label: "Nonexistent", want: "architect"},
		{name: "case differs", label: "the executive", want: "architect"},
		{name: "empty", label: "", want: "architect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, withPanel(architect, executive))
			h.agent.replies = []dispatch.Reply{{Content: "Hello, welcome.", Speaker: tt.label}}

			var mu sync.Mutex
			var speakers []string
			h.m.inspector = func(ev Event, s Snapshot) {
				h.inspect(ev, s)
				if s.State == StatePersonaSpeaking {
					mu.Lock()
					speakers = append(speakers, s.Persona)
					mu.Unlock()
				}
			}
			h.start()

			mu.Lock()
			defer mu.Unlock()
			if len(speakers) == 0 || speakers[0] != tt.want {
				t.Fatalf("want speaker %q, got %v", tt.want, speakers)
			}
		})
	}
}

func TestTranscriptOrdering(t *testing.T) {
	t.Parallel()

	const rounds = 4
	h := newHarness(t)
	h.start()

	for i := 0; i < rounds; i++ {
		h.answer()
		want := 1 + 2*(i+1)
		waitFor(t, "round recorded", func() bool { return h.rec.Len() == want })
		h.waitListening()
	}

	utts := h.rec.Utterances()
	if len(utts) != 1+2*rounds {
		t.Fatalf("want %d utterances, got %d", 1+2*rounds, len(utts))
	}
	if utts[0].Role != types.RoleAgent {
		t.Fatalf("want intro first, got %+v", utts[0])
	}
	for i, u := range utts[1:] {
		want := types.RoleUser
		if i%2 == 1 {
			want = types.RoleAgent
		}
		if u.Role != want {
			t.Fatalf("utterance %d: want role %s, got %s", i+1, want, u.Role)
		}
	}
	for i := 1; i < len(utts); i++ {
		if utts[i].At.Before(utts[i-1].At) {
			t.Fatalf("timestamps decrease at %d", i)
		}
	}
}

func TestSubmit_EmptyBufferIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	h.m.Submit()
	waitFor(t, "submit processed", func() bool { return h.sawCount(EventManualSubmit) == 1 })

	if st, _ := h.m.State(); st != StateListening {
		t.Fatalf("want listening, got %s", st)
	}
	if !h.m.MicOpen() {
		t.Fatal("want microphone still open")
	}
	if h.stt.CallCount() != 0 {
		t.Fatalf("want no transcription, got %d", h.stt.CallCount())
	}
}

func TestTranscription_Recoverable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		text       string
		err        error
		wantNotice NoticeKind
	}{
		{name: "no signal artifact", text: "you.", wantNotice: NoticeNoSpeech},
		{name: "empty", text: "   ", wantNotice: NoticeNoSpeech},
		{name: "provider error", err: &stt.HTTPError{StatusCode: 502}, wantNotice: NoticeTranscriptionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			h.stt.Set(stt.Transcript{Text: tt.text}, tt.err)
			h.start()
			opens := h.dev.OpenCallCount()

			h.answer()
			waitFor(t, "transcription", func() bool { return h.stt.CallCount() == 1 })
			waitFor(t, "mic reopened", func() bool { return h.dev.OpenCallCount() == opens+1 })
			h.waitListening()

			if h.rec.Len() != 1 {
				t.Fatalf("want only the intro recorded, got %d", h.rec.Len())
			}
			if h.agent.callCount() != 1 {
				t.Fatalf("want no dispatch after the intro, got %d calls", h.agent.callCount())
			}
			_ = h.m.End(context.Background())
			ns := notices(h.drain())
			if len(ns) != 1 || ns[0] != tt.wantNotice {
				t.Fatalf("want notice %s, got %v", tt.wantNotice, ns)
			}
		})
	}
}

func TestTranscriptionFailed_WrapsSentinel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.stt.Set(stt.Transcript{}, errors.New("connection reset"))
	h.start()
	h.answer()
	waitFor(t, "transcription", func() bool { return h.stt.CallCount() == 1 })
	h.waitListening()
	_ = h.m.End(context.Background())

	for _, n := range h.drain() {
		if n.Kind == NotifyNotice && n.Notice == NoticeTranscriptionFailed {
			if !errors.Is(n.Err, transcript.ErrTranscriptionFailed) {
				t.Fatalf("want ErrTranscriptionFailed, got %v", n.Err)
			}
			return
		}
	}
	t.Fatal("want transcription failure notice")
}

func TestDispatchFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	h.agent.setErr(errors.New("agent down"))

	h.answer()
	waitFor(t, "dispatch attempted", func() bool { return h.agent.callCount() == 2 })
	waitFor(t, "failure processed", func() bool { return h.sawCount(EventDispatchFailed) == 1 })
	h.waitListening()

	if h.rec.Len() != 1 {
		t.Fatalf("want failed turn not recorded, got %d utterances", h.rec.Len())
	}
	_ = h.m.End(context.Background())
	for _, n := range h.drain() {
		if n.Kind == NotifyNotice && n.Notice == NoticeDispatchFailed {
			if !errors.Is(n.Err, dispatch.ErrDispatchFailed) {
				t.Fatalf("want ErrDispatchFailed, got %v", n.Err)
			}
			return
		}
	}
	t.Fatal("want dispatch failure notice")
}

func TestIntroFailed_GoesToListening(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.agent.setErr(errors.New("agent down"))
	h.start()

	if h.rec.Len() != 0 {
		t.Fatalf("want nothing recorded, got %d", h.rec.Len())
	}
	_ = h.m.End(context.Background())
	want := []string{"idle>dispatching", "dispatching>listening", "listening>ended"}
	if got := transitions(h.drain()); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("want %v, got %v", want, got)
	}
}

func TestMicFailed_RetryMic(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.dev.SetOpenErr(audio.ErrPermissionDenied)
	h.run()
	h.m.Start()

	waitFor(t, "mic failure", func() bool { return h.sawCount(EventMicFailed) == 1 })
	if st, _ := h.m.State(); st != StateListening {
		t.Fatalf("want listening after mic failure, got %s", st)
	}
	if h.m.MicOpen() {
		t.Fatal("want microphone closed")
	}

	// Submitting with a dead microphone does nothing.
	h.m.Submit()
	waitFor(t, "submit processed", func() bool { return h.sawCount(EventManualSubmit) == 1 })
	if h.stt.CallCount() != 0 {
		t.Fatal("want no transcription without a microphone")
	}

	h.dev.SetOpenErr(nil)
	h.m.RetryMic()
	h.waitListening()

	_ = h.m.End(context.Background())
	for _, n := range h.drain() {
		if n.Kind == NotifyNotice && n.Notice == NoticeMicFailed {
			if !errors.Is(n.Err, capture.ErrMicUnavailable) {
				t.Fatalf("want ErrMicUnavailable, got %v", n.Err)
			}
			return
		}
	}
	t.Fatal("want mic failure notice")
}

func TestRetryMic_NoopWhileOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	opens := h.dev.OpenCallCount()

	h.m.RetryMic()
	waitFor(t, "retry processed", func() bool { return h.sawCount(EventRetryMic) == 1 })
	if h.dev.OpenCallCount() != opens {
		t.Fatalf("want no new open, got %d", h.dev.OpenCallCount()-opens)
	}
}

func TestEnd_Idempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, withLiveAvatars())
	h.start()

	for i := 0; i < 3; i++ {
		if err := h.m.End(context.Background()); err != nil {
			t.Fatalf("End #%d: %v", i+1, err)
		}
	}
	if err := <-h.runErr; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.exporter.callCount() != 1 {
		t.Fatalf("want one export, got %d", h.exporter.callCount())
	}
	if st, _ := h.m.State(); st != StateEnded {
		t.Fatalf("want ended, got %s", st)
	}
	if h.m.MicOpen() {
		t.Fatal("want microphone closed")
	}
	if sess := h.provider.Session("face-architect"); sess.CloseCallCount() != 1 {
		t.Fatalf("want avatar closed once, got %d", sess.CloseCallCount())
	}

	// Commands after the end neither block nor change anything.
	h.m.Start()
	h.m.Submit()
	h.m.RetryMic()
	if _, ok := <-h.m.Subscribe(); ok {
		t.Fatal("want closed subscription after end")
	}
	if h.dev.OpenCount() != 0 {
		t.Fatal("want microphone released")
	}
}

func TestEnd_DiscardsLateResults(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	hold := make(chan struct{})
	h.agent.setHold(hold)
	h.answer()
	waitFor(t, "dispatch in flight", func() bool { return h.agent.callCount() == 2 })
	h.waitState(StateDispatching)

	if err := h.m.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	close(hold)
	time.Sleep(20 * time.Millisecond)

	if h.rec.Len() != 1 {
		t.Fatalf("want late reply not recorded, got %d utterances", h.rec.Len())
	}
	if st, _ := h.m.State(); st != StateEnded {
		t.Fatalf("want ended, got %s", st)
	}
	if h.m.MicOpen() {
		t.Fatal("want microphone closed after end")
	}
}

func TestEnd_DuringTranscription(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	hold := make(chan struct{})
	h.stt.Hold = hold
	h.answer()
	h.waitState(StateTranscribing)

	if err := h.m.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	close(hold)
	if h.agent.callCount() != 1 {
		t.Fatalf("want no dispatch after end, got %d calls", h.agent.callCount())
	}
}

func TestRun_ContextCancelEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.m.Run(ctx) }()
	h.m.Start()
	h.waitListening()

	cancel()
	select {
	case <-h.m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("machine did not stop")
	}
	if st, _ := h.m.State(); st != StateEnded {
		t.Fatalf("want ended, got %s", st)
	}
	if h.exporter.callCount() != 1 {
		t.Fatal("want transcript exported")
	}
}

func TestRun_Twice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.run()
	waitFor(t, "running", func() bool { return h.m.running.Load() })
	if err := h.m.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("want ErrAlreadyRunning, got %v", err)
	}
}

func TestStaleEventsIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()

	// Results for turns that are not current and talking events for other
	// personas never move the machine.
	h.m.post(Event{Kind: EventDispatchSucceeded, Turn: 999, PersonaID: "architect", Text: "stale", Reply: dispatch.Result{
		PersonaID: "architect",
		Text:      "stale",
		Utterances: []types.Utterance{
			{Role: types.RoleUser, Text: "stale answer"},
			{Role: types.RoleAgent, Speaker: "architect", Text: "stale"},
		},
	}})
	h.m.post(Event{Kind: EventTranscriptReady, Turn: 0, Text: "stale", Usable: true})
	h.m.post(Event{Kind: EventTalkingStopped, PersonaID: "executive"})
	h.m.post(Event{Kind: EventFinishedSpeaking})
	waitFor(t, "events processed", func() bool { return h.sawCount(EventFinishedSpeaking) == 1 })

	// FinishedSpeaking with nothing recorded reopens the microphone.
	h.waitListening()
	if h.rec.Len() != 1 {
		t.Fatalf("want transcript unchanged, got %d", h.rec.Len())
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "idle"},
		{StateListening, "listening"},
		{StateTranscribing, "transcribing"},
		{StateDispatching, "dispatching"},
		{StatePersonaSpeaking, "persona_speaking"},
		{StateEnded, "ended"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Fatalf("want %q, got %q", tt.want, got)
		}
	}
	if !StateTranscribing.Thinking() || !StateDispatching.Thinking() || StateListening.Thinking() {
		t.Fatal("want thinking only while transcribing or dispatching")
	}
}

func TestSpeech_CarriesLineVoiceAndFallbackAudio(t *testing.T) {
	t.Parallel()

	voiced := architect
	voiced.Voice = types.VoiceParams{Pitch: 1.2, Rate: 0.9}
	pcm := make([]byte, 16000*2*2) // two seconds keeps the persona speaking
	synth := &ttsmock.Synthesizer{Result: tts.NewSpeech(pcm, 16000, 1)}
	h := newHarness(t, withPanel(voiced), withSynth(synth))
	h.run()
	h.m.Start()

	var line Notification
	waitFor(t, "fallback speech", func() bool {
		var ok bool
		line, ok = h.m.Speaking()
		return ok && len(line.Audio) > 0
	})
	const want = "What would you do differently?"
	if line.Kind != NotifyTalking || line.Persona != "architect" || line.Text != want {
		t.Fatalf("want talking architect %q, got %+v", want, line)
	}
	if !line.Fallback || line.Voice != voiced.Voice {
		t.Fatalf("want fallback with persona voice %+v, got fallback=%v voice=%+v", voiced.Voice, line.Fallback, line.Voice)
	}
	got, rate, channels, err := audio.DecodeWAV(line.Audio)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if rate != 16000 || channels != 1 || len(got) != len(pcm) {
		t.Fatalf("want 16kHz mono %d bytes, got %dHz %dch %d bytes", len(pcm), rate, channels, len(got))
	}

	if err := h.m.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, ok := h.m.Speaking(); ok {
		t.Fatal("want no current line after end")
	}

	var entered, talked bool
	for _, n := range h.drain() {
		switch {
		case n.Kind == NotifyStateChanged && n.To == StatePersonaSpeaking:
			entered = true
			if n.Text != want || n.Voice != voiced.Voice {
				t.Fatalf("want speaking transition with line and voice, got %+v", n)
			}
		case n.Kind == NotifyTalking:
			talked = true
			if n.Text != want || len(n.Audio) == 0 {
				t.Fatalf("want talking notification with line and audio, got text %q and %d audio bytes", n.Text, len(n.Audio))
			}
		}
	}
	if !entered || !talked {
		t.Fatalf("want speaking transition and talking notification, got entered=%v talked=%v", entered, talked)
	}
}

func TestDispatchResult_NotRecordedWhenAvatarRefuses(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.start()
	if err := h.avatars.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}

	h.answer()
	waitFor(t, "answer dispatched", func() bool { return h.sawCount(EventDispatchSucceeded) == 2 })
	h.waitListening()
	if h.rec.Len() != 1 {
		t.Fatalf("want only the intro recorded, got %d utterances", h.rec.Len())
	}
	if err := h.m.End(context.Background()); err != nil {
		t.Fatalf("End: %v", err)
	}
	got := notices(h.drain())
	if len(got) != 1 || got[0] != NoticeAvatarFailed {
		t.Fatalf("want one avatar_failed notice, got %v", got)
	}
}
