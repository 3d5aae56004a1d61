package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/panelist/internal/app"
	"github.com/MrWong99/panelist/internal/config"
	"github.com/MrWong99/panelist/internal/dispatch/llmagent"
	"github.com/MrWong99/panelist/pkg/audio"
	audiomock "github.com/MrWong99/panelist/pkg/audio/mock"
	"github.com/MrWong99/panelist/pkg/provider/llm"
	llmmock "github.com/MrWong99/panelist/pkg/provider/llm/mock"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	sttmock "github.com/MrWong99/panelist/pkg/provider/stt/mock"
	"github.com/MrWong99/panelist/pkg/provider/vad/energy"
	"github.com/MrWong99/panelist/pkg/types"
)

func newTestSessionManager(t *testing.T, retention time.Duration) (*app.SessionManager, *audiomock.Device, *sttmock.Provider) {
	t.Helper()
	cfg := testConfig()
	cfg.VAD.SilenceMs = 100

	device := &audiomock.Device{}
	sttp := &sttmock.Provider{Result: stt.Transcript{Text: "I built a payment system."}}
	agent := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{
		Content: `{"speaker":"The Architect","content":"How did it scale?"}`,
	}}

	sm := app.NewSessionManager(app.SessionManagerConfig{
		Config:    cfg,
		Providers: &app.Providers{STT: sttp, LLM: agent, VAD: energy.New()},
		Agent:     llmagent.New(agent),
		Device:    device,
		Metrics:   testMetrics(t),
		Retention: retention,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sm.EndAll(ctx); err != nil {
			t.Errorf("EndAll: %v", err)
		}
	})
	return sm, device, sttp
}

func panel(t *testing.T, ids ...string) []types.Persona {
	t.Helper()
	ps, err := config.NewCatalogue(config.DefaultPersonas()).Select(ids)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	return ps
}

// pcm returns ms milliseconds of 16 kHz mono PCM at the given amplitude.
func pcm(ms int, amplitude int16) audio.AudioFrame {
	n := 16 * ms
	data := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(data[2*i:], uint16(v))
	}
	return audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionManager_AnswerRoundTrip(t *testing.T) {
	t.Parallel()

	sm, device, sttp := newTestSessionManager(t, time.Minute)
	s, err := sm.Create(panel(t, "architect", "debugger"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, "listening", func() bool { return s.Info().State == "listening" && device.Last() != nil })

	stream := device.Last()
	for i := 0; i < 10; i++ {
		stream.Push(pcm(20, 8000))
	}
	for i := 0; i < 10; i++ {
		stream.Push(pcm(20, 0))
	}

	waitFor(t, "reply", func() bool { return len(s.Transcript()) >= 3 })
	if n := sttp.CallCount(); n != 1 {
		t.Errorf("stt calls: want 1, got %d", n)
	}

	utts := s.Transcript()
	if utts[1].Role != types.RoleUser || utts[1].Text != "I built a payment system." {
		t.Errorf("answer: want user %q, got %s %q", "I built a payment system.", utts[1].Role, utts[1].Text)
	}
	if utts[2].Speaker != "architect" {
		t.Errorf("reply speaker: want architect, got %q", utts[2].Speaker)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := sm.End(ctx, s.ID())
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if len(got) != len(utts) {
		t.Errorf("End transcript: want %d utterances, got %d", len(utts), len(got))
	}
}

func TestSessionManager_ConcurrentSessions(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t, time.Minute)

	const n = 4
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	ps := panel(t, "executive")
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := sm.Create(ps, "")
			if err == nil {
				ids[i] = s.ID()
			}
			errs[i] = err
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Create %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate session id %q", ids[i])
		}
		seen[ids[i]] = true
	}
	if got := sm.Active(); got != n {
		t.Errorf("Active: want %d, got %d", n, got)
	}
	if got := len(sm.List()); got != n {
		t.Errorf("List: want %d, got %d", n, got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sm.End(ctx, ids[0]); err != nil {
		t.Fatalf("End: %v", err)
	}
	if got := sm.Active(); got != n-1 {
		t.Errorf("Active after end: want %d, got %d", n-1, got)
	}
}

func TestSessionManager_DeviceID(t *testing.T) {
	t.Parallel()

	sm, device, _ := newTestSessionManager(t, time.Minute)
	s, err := sm.Create(panel(t, "architect"), "usb-headset")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitFor(t, "microphone open", func() bool { return device.OpenCallCount() > 0 })
	if got := s.Info().DeviceID; got != "usb-headset" {
		t.Errorf("DeviceID: want usb-headset, got %q", got)
	}
}

func TestSessionManager_InvalidPanel(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t, time.Minute)
	_, err := sm.Create(nil, "")
	if !errors.Is(err, types.ErrInvalidPanel) {
		t.Fatalf("want ErrInvalidPanel, got %v", err)
	}
}

func TestSessionManager_RetentionRemovesEnded(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t, 20*time.Millisecond)
	s, err := sm.Create(panel(t, "architect"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sm.End(ctx, s.ID()); err != nil {
		t.Fatalf("End: %v", err)
	}

	waitFor(t, "removal", func() bool {
		_, err := sm.Get(s.ID())
		return errors.Is(err, app.ErrSessionNotFound)
	})
}

func TestSessionManager_EndAllRefusesNewSessions(t *testing.T) {
	t.Parallel()

	sm, _, _ := newTestSessionManager(t, time.Minute)
	s, err := sm.Create(panel(t, "architect"), "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sm.EndAll(ctx); err != nil {
		t.Fatalf("EndAll: %v", err)
	}
	select {
	case <-s.Machine().Done():
	default:
		t.Fatal("session still running after EndAll")
	}
	if _, err := sm.Create(panel(t, "architect"), ""); !errors.Is(err, app.ErrShuttingDown) {
		t.Fatalf("want ErrShuttingDown, got %v", err)
	}
}
