package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/panelist/internal/avatar"
	"github.com/MrWong99/panelist/internal/bus"
	"github.com/MrWong99/panelist/internal/capture"
	"github.com/MrWong99/panelist/internal/config"
	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/internal/observe"
	"github.com/MrWong99/panelist/internal/recorder"
	"github.com/MrWong99/panelist/internal/transcript"
	"github.com/MrWong99/panelist/internal/transcript/phonetic"
	"github.com/MrWong99/panelist/internal/turn"
	"github.com/MrWong99/panelist/pkg/audio"
	vendor "github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/types"
)

// defaultRetention is how long an ended session's transcript stays
// retrievable.
const defaultRetention = 15 * time.Minute

var (
	// ErrSessionNotFound is returned for unknown or expired session IDs.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrShuttingDown is returned by Create once EndAll has been called.
	ErrShuttingDown = errors.New("app: shutting down")
)

// SessionInfo holds metadata about a session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// DeviceID is the microphone the session listens on.
	DeviceID string `json:"device_id"`

	// Personas are the panel members in speaking order.
	Personas []types.Persona `json:"personas"`

	// StartedAt is when the session was created.
	StartedAt time.Time `json:"started_at"`

	// State is the current turn state; Speaker is set while a persona talks.
	State   string `json:"state"`
	Speaker string `json:"speaker,omitempty"`

	// MicOpen reports whether the microphone is currently held.
	MicOpen bool `json:"mic_open"`

	// Avatars lists the avatar connection of each persona, in panel order.
	Avatars []AvatarInfo `json:"avatars"`
}

// AvatarInfo is a persona's avatar connection. Stream is set once the vendor
// session is live; clients attach their video player to it.
type AvatarInfo struct {
	Persona string         `json:"persona"`
	State   string         `json:"state"`
	Stream  *vendor.Stream `json:"stream,omitempty"`
}

// Session is one live or recently ended interview.
type Session struct {
	id        string
	deviceID  string
	personas  []types.Persona
	startedAt time.Time

	machine  *turn.Machine
	capture  *capture.Controller
	recorder *recorder.Recorder
	avatars  *avatar.Manager

	levelMu   sync.Mutex
	levelSubs map[chan capture.Level]struct{}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Machine returns the session's turn machine.
func (s *Session) Machine() *turn.Machine { return s.machine }

// Transcript returns the utterances recorded so far.
func (s *Session) Transcript() []types.Utterance { return s.recorder.Utterances() }

// Info returns a point-in-time view of the session.
func (s *Session) Info() SessionInfo {
	st, speaker := s.machine.State()
	return SessionInfo{
		SessionID: s.id,
		DeviceID:  s.deviceID,
		Personas:  append([]types.Persona(nil), s.personas...),
		StartedAt: s.startedAt,
		State:     st.String(),
		Speaker:   speaker,
		MicOpen:   s.machine.MicOpen(),
		Avatars:   s.avatarInfo(),
	}
}

func (s *Session) avatarInfo() []AvatarInfo {
	out := make([]AvatarInfo, 0, len(s.personas))
	for _, p := range s.personas {
		info := AvatarInfo{Persona: p.ID, State: s.avatars.State(p.ID).String()}
		if st, ok := s.avatars.Stream(p.ID); ok {
			info.Stream = &st
		}
		out = append(out, info)
	}
	return out
}

// SubscribeLevels returns a channel of microphone levels and a function that
// cancels the subscription. Levels are dropped for slow subscribers.
func (s *Session) SubscribeLevels() (<-chan capture.Level, func()) {
	ch := make(chan capture.Level, 16)
	s.levelMu.Lock()
	s.levelSubs[ch] = struct{}{}
	s.levelMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.levelMu.Lock()
			delete(s.levelSubs, ch)
			s.levelMu.Unlock()
		})
	}
}

// fanLevels copies capture levels to subscribers until the session ends.
func (s *Session) fanLevels() {
	levels := s.capture.Levels()
	for {
		select {
		case <-s.machine.Done():
			return
		case lv := <-levels:
			s.levelMu.Lock()
			for ch := range s.levelSubs {
				select {
				case ch <- lv:
				default:
				}
			}
			s.levelMu.Unlock()
		}
	}
}

// SessionManager creates and tracks interview sessions. Any number of
// sessions may run concurrently. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	cfg       *config.Config
	providers *Providers
	agent     dispatch.Agent
	device    audio.Device
	exporters []NamedExporter
	publisher *bus.Publisher
	metrics   *observe.Metrics
	retention time.Duration

	// ctx parents every session's Run loop; cancelled by EndAll.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers
	Agent     dispatch.Agent
	Device    audio.Device
	Exporters []NamedExporter
	Publisher *bus.Publisher
	Metrics   *observe.Metrics

	// Retention keeps ended sessions retrievable. Default: 15m.
	Retention time.Duration
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		agent:     cfg.Agent,
		device:    cfg.Device,
		exporters: cfg.Exporters,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		retention: cfg.Retention,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
	if sm.retention <= 0 {
		sm.retention = defaultRetention
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	return sm
}

// Create builds a session for the given panel, starts its turn machine and
// posts SessionStart so the panel introduces itself. deviceID selects the
// microphone; empty uses the session ID, which is what the browser mic
// websocket registers under.
func (sm *SessionManager) Create(personas []types.Persona, deviceID string) (*Session, error) {
	if err := types.ValidatePanel(personas); err != nil {
		return nil, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, ErrShuttingDown
	}

	id := uuid.NewString()
	if deviceID == "" {
		deviceID = id
	}
	ctx := observe.WithSession(sm.ctx, id)
	log := observe.Logger(ctx)

	s := &Session{
		id:        id,
		deviceID:  deviceID,
		personas:  append([]types.Persona(nil), personas...),
		startedAt: time.Now().UTC(),
		levelSubs: make(map[chan capture.Level]struct{}),
	}

	vc := sm.cfg.VAD
	levelInterval := time.Second / 20
	if vc.LevelHz > 0 {
		levelInterval = time.Second / time.Duration(vc.LevelHz)
	}
	s.capture = capture.New(sm.device, sm.providers.VAD, capture.Config{
		DeviceID:        deviceID,
		SampleRate:      vc.SampleRate,
		ThresholdEnergy: vc.ThresholdEnergy,
		SilenceMs:       vc.SilenceMs,
		LevelInterval:   levelInterval,
	})

	recOpts := make([]recorder.Option, 0, len(sm.exporters)+1)
	for _, e := range sm.exporters {
		recOpts = append(recOpts, recorder.WithExporter(meteredExporter{NamedExporter: e, metrics: sm.metrics}))
	}
	if sm.publisher != nil {
		recOpts = append(recOpts, recorder.WithListener(sm.publisher.PublishUtterance))
	}
	s.recorder = recorder.New(id, recOpts...)

	var dispOpts []dispatch.Option
	if sm.cfg.Agent.IntroTrigger != "" {
		dispOpts = append(dispOpts, dispatch.WithIntroTrigger(sm.cfg.Agent.IntroTrigger))
	}
	disp := dispatch.New(sm.agent, s.recorder, dispOpts...)

	s.avatars = avatar.New(sm.providers.Avatar, sm.avatarOptions(ctx)...)
	for _, p := range personas {
		s.avatars.Open(ctx, p)
	}

	s.machine = turn.New(personas, turn.Deps{
		Capture:     s.capture,
		Transcriber: answerMeter{Transcriber: sm.transcriber(personas), metrics: sm.metrics},
		Dispatcher:  disp,
		Avatars:     s.avatars,
		Transcript:  s.recorder,
	}, turn.WithInspector(sm.inspector(ctx)))

	sm.sessions[id] = s
	sm.metrics.ActiveSessions.Add(ctx, 1)

	notes := s.machine.Subscribe()
	sm.wg.Add(3)
	go func() {
		defer sm.wg.Done()
		if err := s.machine.Run(ctx); err != nil {
			log.Error("turn machine stopped", "err", err)
		}
	}()
	go func() {
		defer sm.wg.Done()
		s.fanLevels()
	}()
	go func() {
		defer sm.wg.Done()
		sm.watch(ctx, s, notes)
	}()

	s.machine.Start()
	log.Info("session started", "device", deviceID, "personas", len(personas))
	return s, nil
}

func (sm *SessionManager) transcriber(personas []types.Persona) *transcript.Client {
	tc := sm.cfg.Transcription
	names := make([]string, len(personas))
	for i, p := range personas {
		names[i] = p.Name
	}
	opts := []transcript.Option{transcript.WithPersonaNames(names...)}
	if len(tc.NoSignalTokens) > 0 {
		opts = append(opts, transcript.WithNoSignalTokens(tc.NoSignalTokens...))
	}
	if tc.Language != "" {
		opts = append(opts, transcript.WithLanguage(tc.Language))
	}
	if tc.CorrectNames {
		opts = append(opts, transcript.WithNameCorrection(phonetic.New()))
	}
	return transcript.New(sm.providers.STT, opts...)
}

func (sm *SessionManager) avatarOptions(ctx context.Context) []avatar.Option {
	ac := sm.cfg.Avatar
	opts := []avatar.Option{
		avatar.WithWordsPerSecond(ac.WordsPerSecond),
		avatar.WithConnectTimeout(ac.ConnectTimeout),
		avatar.WithLiveGrace(ac.LiveGrace),
		avatar.WithFallbackHook(func(personaID string, reason error) {
			sm.metrics.RecordAvatarFallback(ctx, personaID)
			observe.Logger(ctx).Warn("persona speaking without live avatar", "persona", personaID, "reason", reason)
		}),
	}
	if sm.providers.TTS != nil {
		opts = append(opts, avatar.WithSynthesizer(&meteredTTS{Synthesizer: sm.providers.TTS, metrics: sm.metrics}))
	}
	return opts
}

// inspector records stage latencies as the machine processes results.
func (sm *SessionManager) inspector(ctx context.Context) func(turn.Event, turn.Snapshot) {
	return func(ev turn.Event, _ turn.Snapshot) {
		switch ev.Kind {
		case turn.EventTranscriptReady:
			sm.metrics.RecordLatency(ctx, sm.metrics.STTDuration, ev.Latency, "ok")
		case turn.EventTranscriptionFailed:
			sm.metrics.RecordLatency(ctx, sm.metrics.STTDuration, ev.Latency, "error")
		case turn.EventDispatchSucceeded:
			sm.metrics.RecordLatency(ctx, sm.metrics.DispatchDuration, ev.Latency, "ok")
		case turn.EventDispatchFailed:
			sm.metrics.RecordLatency(ctx, sm.metrics.DispatchDuration, ev.Latency, "error")
		}
	}
}

// watch forwards notifications to metrics and the event bus until the
// session ends, then schedules its removal.
func (sm *SessionManager) watch(ctx context.Context, s *Session, notes <-chan turn.Notification) {
	log := observe.Logger(ctx)
	for n := range notes {
		switch n.Kind {
		case turn.NotifyStateChanged:
			sm.metrics.RecordTransition(ctx, n.From.String(), n.To.String())
			sm.publisher.PublishState(bus.StateEvent{
				Session: s.id,
				From:    n.From.String(),
				To:      n.To.String(),
				Persona: n.Persona,
				At:      n.At,
			})
			log.Debug("turn state changed", "from", n.From, "to", n.To, "persona", n.Persona)
		case turn.NotifyNotice:
			sm.metrics.RecordNotice(ctx, string(n.Notice))
			log.Warn("turn notice", "notice", n.Notice, "err", n.Err)
		}
	}

	<-s.machine.Done()
	sm.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	log.Info("session ended", "utterances", len(s.Transcript()))

	time.AfterFunc(sm.retention, func() { sm.remove(s.id) })
}

// Get returns the session with the given ID.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// List returns info for every tracked session.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	return out
}

// Active returns the number of sessions that have not ended.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := 0
	for _, s := range sm.sessions {
		select {
		case <-s.machine.Done():
		default:
			n++
		}
	}
	return n
}

// End ends the session and returns its transcript once avatars are closed
// and the transcript is exported, or ctx is done.
func (sm *SessionManager) End(ctx context.Context, id string) ([]types.Utterance, error) {
	s, err := sm.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.machine.End(ctx); err != nil {
		return nil, fmt.Errorf("app: end session %s: %w", id, err)
	}
	return s.Transcript(), nil
}

// EndAll ends every session, refuses new ones and waits for all session
// goroutines to exit or ctx to be done.
func (sm *SessionManager) EndAll(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sm.mu.Unlock()
	sm.cancel()

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all sessions ended")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: end sessions: %w", ctx.Err())
	}
}

func (sm *SessionManager) remove(id string) {
	sm.mu.Lock()
	delete(sm.sessions, id)
	sm.mu.Unlock()
}
