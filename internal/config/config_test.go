package config_test

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/panelist/internal/config"
	avatarmock "github.com/MrWong99/panelist/pkg/provider/avatar/mock"
	"github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/provider/llm"
	llmmock "github.com/MrWong99/panelist/pkg/provider/llm/mock"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	sttmock "github.com/MrWong99/panelist/pkg/provider/stt/mock"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	ttsmock "github.com/MrWong99/panelist/pkg/provider/tts/mock"
)

// ---- helpers ----

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

providers:
  stt:
    - name: deepgram
      api_key: dg-test
      model: nova-2
    - name: openai
      api_key: sk-test
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      stability: 0.4
  avatar:
    name: heygen
    api_key: hg-test

agent:
  temperature: 0.5
  max_tokens: 256

vad:
  threshold_energy: 450
  silence_ms: 1200

transcription:
  no_signal_tokens: ["you", "thank you."]
  correct_names: true

personas:
  - id: sre
    name: The SRE
    face_ref: face-sre
    voice:
      pitch: 0.95
      rate: 1.1
    guidance: "- Ask about incidents."
  - id: pm
    name: The PM
    voice:
      pitch: 1
      rate: 1

export:
  sqlite_path: /tmp/panelist.db

bus:
  servers: ["nats://localhost:4222"]
`

func mustLoad(t *testing.T, y string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(y))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// ---- loading ----

func TestLoadFromReader_Sample(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Fatalf("want :9090/debug, got %s/%s", cfg.Server.ListenAddr, cfg.Server.LogLevel)
	}
	if len(cfg.Providers.STT) != 2 {
		t.Fatalf("want 2 stt entries, got %d", len(cfg.Providers.STT))
	}
	if got := cfg.Providers.STT.Primary().Name; got != "deepgram" {
		t.Fatalf("want primary stt deepgram, got %q", got)
	}
	if len(cfg.Providers.LLM) != 1 || cfg.Providers.LLM[0].Model != "gpt-4o-mini" {
		t.Fatalf("want single llm entry gpt-4o-mini, got %+v", cfg.Providers.LLM)
	}
	if got := cfg.Providers.TTS.Primary().Option("stability"); got != "0.4" {
		t.Fatalf("want stability option 0.4, got %q", got)
	}
	if got := cfg.Providers.TTS.Primary().Option("missing"); got != "" {
		t.Fatalf("want empty missing option, got %q", got)
	}
	if cfg.Agent.Mode != config.AgentLLM || cfg.Agent.Temperature != 0.5 {
		t.Fatalf("want llm mode at 0.5, got %s at %v", cfg.Agent.Mode, cfg.Agent.Temperature)
	}
	if cfg.VAD.ThresholdEnergy != 450 || cfg.VAD.SilenceMs != 1200 {
		t.Fatalf("want vad 450/1200, got %v/%d", cfg.VAD.ThresholdEnergy, cfg.VAD.SilenceMs)
	}
	if len(cfg.Personas) != 2 || cfg.Personas[0].Voice.Rate != 1.1 {
		t.Fatalf("want 2 personas with sre rate 1.1, got %+v", cfg.Personas)
	}
	if !cfg.Transcription.CorrectNames || len(cfg.Transcription.NoSignalTokens) != 2 {
		t.Fatalf("unexpected transcription config %+v", cfg.Transcription)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
providers:
  stt: {name: openai}
  llm: {name: openai}
`)
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("want :8080/info, got %s/%s", cfg.Server.ListenAddr, cfg.Server.LogLevel)
	}
	if cfg.VAD.ThresholdEnergy != 300 || cfg.VAD.SilenceMs != 1500 || cfg.VAD.LevelHz != 20 {
		t.Fatalf("want vad defaults 300/1500/20, got %+v", cfg.VAD)
	}
	if cfg.Avatar.ConnectTimeout != 30*time.Second || cfg.Avatar.WordsPerSecond != 2.5 {
		t.Fatalf("want avatar defaults 30s/2.5, got %+v", cfg.Avatar)
	}
	if cfg.Agent.Temperature != 0.7 {
		t.Fatalf("want temperature 0.7, got %v", cfg.Agent.Temperature)
	}
	if len(cfg.Personas) != len(config.DefaultPersonas()) {
		t.Fatalf("want default personas, got %d", len(cfg.Personas))
	}
}

func TestLoadFromReader_ExpandsEnv(t *testing.T) {
	t.Setenv("PANELIST_TEST_STT_KEY", "secret-123")
	cfg := mustLoad(t, `
providers:
  stt:
    name: deepgram
    api_key: ${PANELIST_TEST_STT_KEY}
  llm: {name: openai}
`)
	if got := cfg.Providers.STT.Primary().APIKey; got != "secret-123" {
		t.Fatalf("want expanded key, got %q", got)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  stt: {name: openai}
  llm: {name: openai}
panel_rooms: []
`))
	if err == nil {
		t.Fatal("want error for unknown field, got nil")
	}
}

func TestLoadFromReader_ProviderScalarRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(`
providers:
  stt: openai
`))
	if err == nil || !strings.Contains(err.Error(), "mapping") {
		t.Fatalf("want mapping error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load("/nonexistent/panelist.yaml"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist, got %v", err)
	}
}

// ---- validation ----

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "stt required",
			yaml: "providers:\n  llm: {name: openai}\n",
			want: []string{"providers.stt is required"},
		},
		{
			name: "llm mode needs llm",
			yaml: "providers:\n  stt: {name: openai}\n",
			want: []string{"requires providers.llm"},
		},
		{
			name: "http mode needs url",
			yaml: "providers:\n  stt: {name: openai}\nagent:\n  mode: http\n",
			want: []string{"agent.url is required"},
		},
		{
			name: "bad mode",
			yaml: "providers:\n  stt: {name: openai}\nagent:\n  mode: psychic\n",
			want: []string{"agent.mode"},
		},
		{
			name: "bad log level",
			yaml: "server:\n  log_level: loud\nproviders:\n  stt: {name: openai}\n  llm: {name: openai}\n",
			want: []string{"server.log_level"},
		},
		{
			name: "level rate too low",
			yaml: "providers:\n  stt: {name: openai}\n  llm: {name: openai}\nvad:\n  level_hz: 5\n",
			want: []string{"vad.level_hz"},
		},
		{
			name: "unnamed fallback",
			yaml: "providers:\n  stt:\n    - name: openai\n    - model: x\n  llm: {name: openai}\n",
			want: []string{"providers.stt[1].name is required"},
		},
		{
			name: "duplicate persona",
			yaml: "providers:\n  stt: {name: openai}\n  llm: {name: openai}\npersonas:\n  - {id: a, name: A}\n  - {id: a, name: B}\n",
			want: []string{"duplicate"},
		},
		{
			name: "persona voice out of range",
			yaml: "providers:\n  stt: {name: openai}\n  llm: {name: openai}\npersonas:\n  - {id: a, name: A, voice: {pitch: 3, rate: 1}}\n",
			want: []string{"voice.pitch"},
		},
		{
			name: "joined errors",
			yaml: "agent:\n  temperature: 5\n",
			want: []string{"providers.stt is required", "agent.temperature"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("want error containing %q, got nil", tt.want)
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("want error containing %q, got %v", w, err)
				}
			}
		})
	}
}

func TestValidate_HTTPModeWithoutLLM(t *testing.T) {
	t.Parallel()
	cfg := mustLoad(t, `
providers:
  stt: {name: whisper}
agent:
  mode: http
  url: http://agent.local/v1/turn
`)
	if cfg.Providers.LLM.Configured() {
		t.Fatal("want no llm configured")
	}
}

// ---- registry ----

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Synthesizer, error) { return &ttsmock.Synthesizer{}, nil })
	reg.RegisterAvatar("mock", func(config.ProviderEntry) (avatar.Provider, error) { return &avatarmock.Provider{}, nil })

	e := config.ProviderEntry{Name: "mock"}
	if _, err := reg.CreateSTT(e); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if _, err := reg.CreateLLM(e); err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if _, err := reg.CreateTTS(e); err != nil {
		t.Fatalf("CreateTTS: %v", err)
	}
	if _, err := reg.CreateAvatar(e); err != nil {
		t.Fatalf("CreateAvatar: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got %v", err)
	}
	if !strings.Contains(err.Error(), `stt/"nope"`) {
		t.Fatalf("want kind and name in error, got %v", err)
	}
}

func TestRegistry_FactoryReceivesEntry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var got config.ProviderEntry
	reg.RegisterSTT("cap", func(e config.ProviderEntry) (stt.Provider, error) {
		got = e
		return &sttmock.Provider{}, nil
	})
	want := config.ProviderEntry{Name: "cap", APIKey: "k", Model: "m", BaseURL: "http://x"}
	if _, err := reg.CreateSTT(want); err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got.APIKey != want.APIKey || got.Model != want.Model || got.BaseURL != want.BaseURL {
		t.Fatalf("want %+v, got %+v", want, got)
	}
}

func TestCreateAll(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterSTT("ok", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })

	ps, err := config.CreateAll(config.ProviderList{{Name: "ok"}, {Name: "ok"}}, reg.CreateSTT)
	if err != nil || len(ps) != 2 {
		t.Fatalf("want 2 providers, got %d (%v)", len(ps), err)
	}
	_, err = config.CreateAll(config.ProviderList{{Name: "ok"}, {Name: "missing"}}, reg.CreateSTT)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got %v", err)
	}
}
