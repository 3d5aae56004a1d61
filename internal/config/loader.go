package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":    {"openai", "groq", "deepgram", "whisper", "whisper-native", "http"},
	"llm":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp"},
	"tts":    {"elevenlabs", "coqui"},
	"avatar": {"heygen", "streaming"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes
// the YAML from r, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Agent.Mode == "" {
		cfg.Agent.Mode = AgentLLM
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = 0.7
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = 60 * time.Second
	}
	if cfg.VAD.ThresholdEnergy == 0 {
		cfg.VAD.ThresholdEnergy = 300
	}
	if cfg.VAD.SilenceMs == 0 {
		cfg.VAD.SilenceMs = 1500
	}
	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = 16000
	}
	if cfg.VAD.LevelHz == 0 {
		cfg.VAD.LevelHz = 20
	}
	if cfg.Avatar.ConnectTimeout == 0 {
		cfg.Avatar.ConnectTimeout = 30 * time.Second
	}
	if cfg.Avatar.WordsPerSecond == 0 {
		cfg.Avatar.WordsPerSecond = 2.5
	}
	if cfg.Avatar.LiveGrace == 0 {
		cfg.Avatar.LiveGrace = 10 * time.Second
	}
	if len(cfg.Personas) == 0 {
		cfg.Personas = DefaultPersonas()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for kind, list := range map[string]ProviderList{"stt": cfg.Providers.STT, "llm": cfg.Providers.LLM, "tts": cfg.Providers.TTS} {
		for i, e := range list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s[%d].name is required", kind, i))
				continue
			}
			validateProviderName(kind, e.Name)
		}
	}
	validateProviderName("avatar", cfg.Providers.Avatar.Name)

	if !cfg.Providers.STT.Configured() {
		errs = append(errs, errors.New("providers.stt is required"))
	}
	if !cfg.Providers.TTS.Configured() {
		slog.Warn("providers.tts is not configured; fallback speech will use word-count estimates")
	}
	if cfg.Providers.Avatar.Name == "" {
		slog.Warn("providers.avatar is not configured; every persona will use fallback speech")
	}

	switch {
	case !cfg.Agent.Mode.IsValid():
		errs = append(errs, fmt.Errorf("agent.mode %q is invalid; valid values: llm, http", cfg.Agent.Mode))
	case cfg.Agent.Mode == AgentHTTP && cfg.Agent.URL == "":
		errs = append(errs, errors.New("agent.url is required when agent.mode is http"))
	case cfg.Agent.Mode == AgentLLM && !cfg.Providers.LLM.Configured():
		errs = append(errs, errors.New("agent.mode llm requires providers.llm"))
	}
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.MaxTokens < 0 || cfg.Agent.HistoryLimit < 0 {
		errs = append(errs, errors.New("agent.max_tokens and agent.history_limit must not be negative"))
	}

	if cfg.VAD.ThresholdEnergy < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold_energy %.1f must not be negative", cfg.VAD.ThresholdEnergy))
	}
	if cfg.VAD.SilenceMs < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_ms %d must not be negative", cfg.VAD.SilenceMs))
	}
	if cfg.VAD.LevelHz < 15 {
		errs = append(errs, fmt.Errorf("vad.level_hz %d is too low; at least 15 is required for smooth meters", cfg.VAD.LevelHz))
	}

	if cfg.Avatar.WordsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("avatar.words_per_second %.2f must be positive", cfg.Avatar.WordsPerSecond))
	}

	errs = append(errs, validatePersonas(cfg)...)
	return errors.Join(errs...)
}

func validatePersonas(cfg *Config) []error {
	var errs []error
	ids := make(map[string]int, len(cfg.Personas))
	names := make(map[string]int, len(cfg.Personas))
	for i, p := range cfg.Personas {
		prefix := fmt.Sprintf("personas[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := ids[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of personas[%d]", prefix, p.ID, prev))
		} else {
			ids[p.ID] = i
		}
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else if prev, ok := names[p.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of personas[%d]", prefix, p.Name, prev))
		} else {
			names[p.Name] = i
		}
		if p.Voice.Pitch < 0 || p.Voice.Pitch > 2 {
			errs = append(errs, fmt.Errorf("%s.voice.pitch %.2f is out of range [0, 2]", prefix, p.Voice.Pitch))
		}
		if p.Voice.Rate < 0 || p.Voice.Rate > 3 {
			errs = append(errs, fmt.Errorf("%s.voice.rate %.2f is out of range [0, 3]", prefix, p.Voice.Rate))
		}
		if p.FaceRef == "" && cfg.Providers.Avatar.Name != "" {
			slog.Warn("persona has no face_ref; it will use fallback speech", "persona", p.ID)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
