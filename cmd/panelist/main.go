// Command panelist is the main entry point for the panelist mock-interview
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/panelist/internal/app"
	"github.com/MrWong99/panelist/internal/config"
	"github.com/MrWong99/panelist/internal/health"
	"github.com/MrWong99/panelist/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 20 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ---- CLI flags ----
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file loaded before the config is expanded")
	flag.Parse()

	// ---- Environment ----
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "panelist: load %s: %v\n", *envPath, err)
		return 1
	}

	// ---- Load configuration ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "panelist: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "panelist: %v\n", err)
		}
		return 1
	}

	// ---- Logger ----
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("panelist starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ---- Signal context ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Telemetry ----
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ---- Providers ----
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, providerClosers, err := buildProviders(cfg, reg, metrics)
	defer func() {
		for _, c := range providerClosers {
			if err := c(); err != nil {
				slog.Warn("provider close error", "err", err)
			}
		}
	}()
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ---- Config hot reload ----
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(application, &level, old, new)
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}

	// ---- HTTP servers ----
	checks := health.New(application.Checkers(), health.WithSessionCount(application.Sessions().Active))

	mux := http.NewServeMux()
	mux.Handle("/v1/", otelhttp.NewHandler(application.Handler(), "panelist.api"))
	obsMux := mux
	if cfg.Server.ObserveAddr != "" {
		obsMux = http.NewServeMux()
	}
	checks.Register(obsMux)
	obsMux.Handle("GET /metrics", telemetry.Handler)

	servers := []*http.Server{{Addr: cfg.Server.ListenAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	if cfg.Server.ObserveAddr != "" {
		servers = append(servers, &http.Server{Addr: cfg.Server.ObserveAddr, Handler: obsMux, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error { return watcher.Run(gctx) })

	// SIGHUP forces a config re-read.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				slog.Info("SIGHUP received, reloading config")
				watcher.Reload()
			}
		}
	})

	// ---- Graceful shutdown ----
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping")
		checks.SetDraining()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := application.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	slog.Info("server ready; press Ctrl+C to shut down")
	if err := g.Wait(); err != nil {
		slog.Error("server stopped with error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyReload applies the hot-reloadable parts of a config edit.
func applyReload(application *app.App, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonasChanged {
		application.Catalogue().Replace(new.Personas)
		for _, pc := range d.PersonaChanges {
			slog.Info("persona catalogue updated", "persona", pc.ID, "added", pc.Added, "removed", pc.Removed)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
