package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Watcher follows a config file on disk and hands valid edits to a callback.
// An edit that fails to parse or validate is logged and skipped; the last
// good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	kick     chan struct{}

	mu   sync.Mutex
	snap snapshot
}

// snapshot is the last good state of the file.
type snapshot struct {
	cfg    *Config
	digest uint64
	mtime  time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is polled. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads path once. It fails when the file is missing or invalid.
// Polling begins with [Watcher.Run].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.snap = snap
	return w, nil
}

// Current returns the last good config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Reload asks a running watcher to re-read the file now, whatever its
// modification time says.
func (w *Watcher) Reload() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx is done and returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			w.poll(false)
		case <-w.kick:
			w.poll(true)
		}
	}
}

func (w *Watcher) poll(force bool) {
	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
			return
		}
		w.mu.Lock()
		same := info.ModTime().Equal(w.snap.mtime)
		w.mu.Unlock()
		if same {
			return
		}
	}

	next, err := w.load()
	if err != nil {
		slog.Warn("config watcher: edit rejected, previous config stays active", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.snap
	w.snap.mtime = next.mtime
	changed := next.digest != prev.digest
	if changed {
		w.snap = next
	}
	w.mu.Unlock()

	if !changed {
		return
	}
	slog.Info("config watcher: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
}

func (w *Watcher) load() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, digest: xxhash.Sum64(raw), mtime: info.ModTime()}, nil
}
