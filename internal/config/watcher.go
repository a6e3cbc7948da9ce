package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] stats its file.
const DefaultWatchInterval = 5 * time.Second

// stamp identifies one version of the watched file.
type stamp struct {
	mod  time.Time
	size int64
	sum  [sha256.Size]byte
}

// Watcher polls a config file and reports valid changes through a callback.
// An edit that fails to parse or validate is logged once and ignored; the
// last good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config, d ConfigDiff)

	cancel  context.CancelFunc
	stopped chan struct{}

	mu       sync.Mutex
	current  *Config
	seen     stamp
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path, failing if it is not a valid config, and then polls
// it in the background until [Watcher.Stop]. onChange may be nil; it runs on
// the polling goroutine.
func NewWatcher(path string, onChange func(old, new *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-flight callback to return. It is
// idempotent.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.stopped
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll()
		}
	}
}

// poll reloads the file when its size or mtime moved and its content hash
// differs from the accepted version.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	same := info.ModTime().Equal(w.seen.mod) && info.Size() == w.seen.size
	w.mu.Unlock()
	if same {
		return
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		slog.Warn("config: watched file unreadable", "path", w.path, "err", err)
		return
	}
	st := stamp{mod: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return
	}
	if st.sum == w.rejected {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		w.mu.Lock()
		w.rejected = st.sum
		w.mu.Unlock()
		slog.Warn("config: rejected edit, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config: reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"live_changed", d.LiveChanged,
		"audio_changed", d.AudioChanged,
	)
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

func (w *Watcher) load() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mod: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}, nil
}
