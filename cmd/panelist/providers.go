package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/panelist/internal/app"
	"github.com/MrWong99/panelist/internal/config"
	"github.com/MrWong99/panelist/internal/observe"
	"github.com/MrWong99/panelist/internal/resilience"
	"github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/provider/avatar/streaming"
	"github.com/MrWong99/panelist/pkg/provider/llm"
	"github.com/MrWong99/panelist/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/panelist/pkg/provider/llm/openai"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	"github.com/MrWong99/panelist/pkg/provider/stt/deepgram"
	"github.com/MrWong99/panelist/pkg/provider/stt/httpstt"
	oastt "github.com/MrWong99/panelist/pkg/provider/stt/openai"
	"github.com/MrWong99/panelist/pkg/provider/stt/whisper"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/provider/tts/coqui"
	"github.com/MrWong99/panelist/pkg/provider/tts/elevenlabs"
)

const (
	groqBaseURL  = "https://api.groq.com/openai/v1"
	groqSTTModel = "whisper-large-v3"
)

// ---- Provider wiring ----

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ---- LLM ----
	// anthropic, gemini, deepseek, mistral, groq, llamacpp and ollama share
	// the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "ollama",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			if providerName == "groq" {
				return anyllm.NewGroq(entry.Model, opts...)
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// openai goes through the official SDK so compatible gateways can be
	// addressed with base_url and organization.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.Option("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// ---- STT ----

	reg.RegisterSTT("http", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []httpstt.Option
		if entry.APIKey != "" {
			opts = append(opts, httpstt.WithAPIKey(entry.APIKey))
		}
		return httpstt.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		return newOpenAISTT(entry, "")
	})

	reg.RegisterSTT("groq", func(entry config.ProviderEntry) (stt.Provider, error) {
		return newOpenAISTT(entry, groqBaseURL)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.Option("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if v := entry.Option("threads"); v != "" {
			n, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("whisper-native: threads: %w", err)
			}
			opts = append(opts, whisper.WithThreads(uint(n)))
		}
		if v := entry.Option("concurrency"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("whisper-native: concurrency: %w", err)
			}
			opts = append(opts, whisper.WithConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ---- TTS ----

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if voice := entry.Option("default_voice"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithEndpoint(entry.BaseURL))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if lang := entry.Option("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.Option("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ---- Avatar ----

	for _, name := range []string{"streaming", "heygen"} {
		reg.RegisterAvatar(name, func(entry config.ProviderEntry) (avatar.Provider, error) {
			var opts []streaming.Option
			if entry.BaseURL != "" {
				opts = append(opts, streaming.WithBaseURL(entry.BaseURL))
			}
			if q := entry.Option("quality"); q != "" {
				opts = append(opts, streaming.WithQuality(q))
			}
			return streaming.New(entry.APIKey, opts...)
		})
	}

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func newOpenAISTT(entry config.ProviderEntry, defaultBase string) (stt.Provider, error) {
	var opts []oastt.Option
	base := entry.BaseURL
	if base == "" {
		base = defaultBase
	}
	if base != "" {
		opts = append(opts, oastt.WithBaseURL(base))
	}
	model := entry.Model
	if model == "" && defaultBase == groqBaseURL {
		model = groqSTTModel
	}
	if model != "" {
		opts = append(opts, oastt.WithModel(model))
	}
	return oastt.New(entry.APIKey, opts...)
}

// buildProviders instantiates every configured provider and chains each
// list into a fallback group. The returned closers release providers that
// hold native resources.
func buildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, []func() error, error) {
	ps := &app.Providers{}
	var closers []func() error
	track := func(v any) {
		if c, ok := v.(io.Closer); ok {
			closers = append(closers, c.Close)
		}
	}

	fbCfg := func(kind string, permanent func(error) bool) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			Permanent: permanent,
			OnFallback: func(from string, err error) {
				slog.Warn("provider failed, trying next", "kind", kind, "provider", from, "err", err)
			},
			CircuitBreaker: resilience.CircuitBreakerConfig{
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Info("circuit breaker state changed", "kind", kind, "provider", name, "from", from, "to", to)
				},
			},
		}
	}

	// ---- STT ----
	sttList, err := config.CreateAll(cfg.Providers.STT, reg.CreateSTT)
	if err != nil {
		return nil, closers, fmt.Errorf("create stt providers: %w", err)
	}
	if len(sttList) > 0 {
		names := entryNames(cfg.Providers.STT)
		for _, p := range sttList {
			track(p)
		}
		fb := resilience.NewSTTFallback(app.MeterSTT(sttList[0], names[0], metrics), names[0], fbCfg("stt", nil))
		for i, p := range sttList[1:] {
			fb.AddFallback(names[i+1], app.MeterSTT(p, names[i+1], metrics))
		}
		ps.STT = fb
		slog.Info("provider created", "kind", "stt", "chain", names)
	}

	// ---- LLM ----
	llmList, err := config.CreateAll(cfg.Providers.LLM, reg.CreateLLM)
	if err != nil {
		return nil, closers, fmt.Errorf("create llm providers: %w", err)
	}
	if len(llmList) > 0 {
		names := entryNames(cfg.Providers.LLM)
		fb := resilience.NewLLMFallback(llmList[0], names[0], fbCfg("llm", nil))
		for i, p := range llmList[1:] {
			fb.AddFallback(names[i+1], p)
		}
		ps.LLM = fb
		slog.Info("provider created", "kind", "llm", "chain", names)
	}

	// ---- TTS ----
	ttsList, err := config.CreateAll(cfg.Providers.TTS, reg.CreateTTS)
	if err != nil {
		return nil, closers, fmt.Errorf("create tts providers: %w", err)
	}
	if len(ttsList) > 0 {
		names := entryNames(cfg.Providers.TTS)
		fb := resilience.NewTTSFallback(ttsList[0], names[0], fbCfg("tts", nil))
		for i, p := range ttsList[1:] {
			fb.AddFallback(names[i+1], p)
		}
		ps.TTS = fb
		slog.Info("provider created", "kind", "tts", "chain", names)
	}

	// ---- Avatar ----
	if entry := cfg.Providers.Avatar; entry.Name != "" {
		p, err := reg.CreateAvatar(entry)
		switch {
		case errors.Is(err, config.ErrProviderNotRegistered):
			slog.Warn("avatar provider not available, using fallback speech", "name", entry.Name)
		case err != nil:
			return nil, closers, fmt.Errorf("create avatar provider %q: %w", entry.Name, err)
		default:
			ps.Avatar = p
			slog.Info("provider created", "kind", "avatar", "name", entry.Name)
		}
	}

	return ps, closers, nil
}

func entryNames(list config.ProviderList) []string {
	names := make([]string, len(list))
	for i, e := range list {
		names[i] = e.Name
		if e.Model != "" {
			names[i] += "/" + e.Model
		}
	}
	return names
}
