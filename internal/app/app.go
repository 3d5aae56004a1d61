// Package app wires all panelist subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the shared
// subsystems (agent, exporters, event bus, microphone hub), Handler exposes
// the HTTP API, and Shutdown ends every interview and tears everything down
// in order.
//
// For testing, inject doubles via functional options (WithDevice, WithAgent,
// WithExporter, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/panelist/internal/bus"
	"github.com/MrWong99/panelist/internal/config"
	"github.com/MrWong99/panelist/internal/dispatch"
	"github.com/MrWong99/panelist/internal/dispatch/httpagent"
	"github.com/MrWong99/panelist/internal/dispatch/llmagent"
	"github.com/MrWong99/panelist/internal/health"
	"github.com/MrWong99/panelist/internal/observe"
	"github.com/MrWong99/panelist/internal/recorder/postgres"
	"github.com/MrWong99/panelist/internal/recorder/sqlite"
	"github.com/MrWong99/panelist/pkg/audio"
	"github.com/MrWong99/panelist/pkg/audio/wsmic"
	"github.com/MrWong99/panelist/pkg/provider/avatar"
	"github.com/MrWong99/panelist/pkg/provider/llm"
	"github.com/MrWong99/panelist/pkg/provider/stt"
	"github.com/MrWong99/panelist/pkg/provider/tts"
	"github.com/MrWong99/panelist/pkg/provider/vad"
	"github.com/MrWong99/panelist/pkg/provider/vad/energy"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	STT    stt.Provider
	LLM    llm.Provider
	TTS    tts.Synthesizer
	Avatar avatar.Provider
	VAD    vad.Engine
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	catalogue *config.Catalogue
	hub       *wsmic.Hub
	device    audio.Device
	agent     dispatch.Agent
	exporters []NamedExporter
	publisher *bus.Publisher
	metrics   *observe.Metrics
	sessions  *SessionManager
	checkers  []health.Checker

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice replaces the browser microphone hub as the audio source.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithAgent injects the dispatch agent instead of building one from
// cfg.Agent.
func WithAgent(ag dispatch.Agent) Option {
	return func(a *App) { a.agent = ag }
}

// WithExporter adds a transcript exporter next to the configured ones.
func WithExporter(e NamedExporter) Option {
	return func(a *App) { a.exporters = append(a.exporters, e) }
}

// WithPublisher injects the event bus publisher instead of connecting to
// cfg.Bus.Servers.
func WithPublisher(p *bus.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics overrides the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ---- New ----

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: agent construction,
// exporter connection and migration, and the event bus connection.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		catalogue: config.NewCatalogue(cfg.Personas),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.providers.VAD == nil {
		a.providers.VAD = energy.New()
	}
	if a.providers.STT == nil {
		return nil, errors.New("app: no speech-to-text provider")
	}

	a.hub = wsmic.NewHub(wsmic.WithOriginPatterns(cfg.Server.AllowedOrigins...))
	if a.device == nil {
		a.device = a.hub
	}

	if err := a.initAgent(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init agent: %w", err)
	}
	if err := a.initExport(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init export: %w", err)
	}
	if err := a.initBus(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init bus: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: a.providers,
		Agent:     a.agent,
		Device:    a.device,
		Exporters: a.exporters,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	})

	slog.Info("app initialised",
		"agent_mode", cfg.Agent.Mode,
		"personas", len(cfg.Personas),
		"exporters", len(a.exporters),
		"bus", a.publisher != nil,
		"avatar", providers.Avatar != nil,
	)
	return a, nil
}

// initAgent builds the dispatch agent for cfg.Agent.Mode.
func (a *App) initAgent() error {
	if a.agent == nil {
		switch a.cfg.Agent.Mode {
		case config.AgentHTTP:
			ag, err := httpagent.New(a.cfg.Agent.URL, httpagent.WithAPIKey(a.cfg.Agent.APIKey))
			if err != nil {
				return err
			}
			a.agent = ag
		default:
			if a.providers.LLM == nil {
				return errors.New("agent mode llm requires an LLM provider")
			}
			a.agent = llmagent.New(a.providers.LLM,
				llmagent.WithTemperature(a.cfg.Agent.Temperature),
				llmagent.WithMaxTokens(a.cfg.Agent.MaxTokens),
				llmagent.WithHistoryLimit(a.cfg.Agent.HistoryLimit),
			)
		}
	}
	a.agent = &meteredAgent{
		Agent:   a.agent,
		name:    string(a.cfg.Agent.Mode),
		timeout: a.cfg.Agent.Timeout,
		metrics: a.metrics,
	}
	return nil
}

// initExport connects the configured transcript stores.
func (a *App) initExport(ctx context.Context) error {
	if dsn := a.cfg.Export.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		a.exporters = append(a.exporters, NamedExporter{Name: "postgres", Exporter: store})
		a.checkers = append(a.checkers, health.Checker{Name: "postgres", Check: store.Ping})
	}
	if path := a.cfg.Export.SQLitePath; path != "" {
		store, err := sqlite.Open(ctx, path)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.exporters = append(a.exporters, NamedExporter{Name: "sqlite", Exporter: store})
		a.checkers = append(a.checkers, health.Checker{Name: "sqlite", Check: store.Ping})
	}
	return nil
}

// initBus connects to NATS when servers are configured. The bus is optional
// for readiness.
func (a *App) initBus(ctx context.Context) error {
	if a.publisher == nil && len(a.cfg.Bus.Servers) > 0 {
		p, err := bus.Connect(ctx, bus.Config{
			Servers:        a.cfg.Bus.Servers,
			SubjectPrefix:  a.cfg.Bus.SubjectPrefix,
			ConnectTimeout: a.cfg.Bus.Timeout,
			Token:          a.cfg.Bus.Token,
		})
		if err != nil {
			return err
		}
		a.publisher = p
	}
	if a.publisher != nil {
		a.closers = append(a.closers, a.publisher.Close)
		a.checkers = append(a.checkers, health.Checker{Name: "bus", Check: a.publisher.Check, Optional: true})
	}
	return nil
}

// ---- accessors ----

// Catalogue returns the persona catalogue. Hot reloads replace its contents.
func (a *App) Catalogue() *config.Catalogue { return a.catalogue }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Checkers returns the readiness probes of the connected dependencies.
func (a *App) Checkers() []health.Checker { return append([]health.Checker(nil), a.checkers...) }

// Handler returns the HTTP API wrapped in the metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// ---- Shutdown ----

// Shutdown ends every interview, waiting up to ctx for transcripts to be
// exported, and then closes the shared subsystems. Calling Shutdown more
// than once returns the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.sessions.EndAll(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, a.close())
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
