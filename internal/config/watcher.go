package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultPollInterval is how often a [Watcher] stats the config file.
const DefaultPollInterval = 5 * time.Second

// Reload describes one accepted config change.
type Reload struct {
	Old  *Config
	New  *Config
	Diff ConfigDiff
}

// Watcher polls a config file and hands every valid change that alters at
// least one setting to its callback. Invalid files are rejected and the last
// good config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	onReject func(error)

	mu      sync.Mutex
	current *Config
	raw     []byte
	size    int64
	mtime   time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultPollInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRejectHandler is called with the load error whenever a changed file
// fails to parse or validate.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and starts polling it. onReload may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultPollInterval,
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	info, raw, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	cfg, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.raw = cfg, raw
	w.size, w.mtime = info.Size(), info.ModTime()

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	unchanged := info.Size() == w.size && info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	info, raw, err := w.read()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	w.size, w.mtime = info.Size(), info.ModTime()
	same := bytes.Equal(raw, w.raw)
	w.mu.Unlock()
	if same {
		return
	}

	cfg, err := parse(raw)
	if err != nil {
		slog.Warn("config watcher: rejected change, keeping previous config", "path", w.path, "err", err)
		if w.onReject != nil {
			w.onReject(err)
		}
		return
	}

	w.mu.Lock()
	old := w.current
	w.current, w.raw = cfg, raw
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		slog.Debug("config watcher: file changed without effective settings change", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: cfg, Diff: d})
	}
}

func (w *Watcher) read() (os.FileInfo, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	return info, raw, nil
}
