package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"
)

// Watcher reloads a config file when it is edited and passes the previous and
// the new config to a callback. The effective config is compared, not the
// file bytes, so edits to comments or key order do not trigger a reload.
type Watcher struct {
	path      string
	interval  time.Duration
	onChange  func(old, new *Config)
	overrides []Override

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	lastErr error
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithOverrides adds functions applied to every loaded config before it is
// validated, so that command-line flags keep precedence over the file.
func WithOverrides(fns ...Override) WatcherOption {
	return func(w *Watcher) {
		w.overrides = append(w.overrides, fns...)
	}
}

// NewWatcher loads path once and returns a watcher holding that config.
// Polling starts with [Watcher.Watch].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	cfg, err := Load(path, w.overrides...)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.mtime = info.ModTime()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err reports why the latest edit of the file was rejected. It is nil while
// [Watcher.Current] matches the file on disk.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Watch polls the file until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	seen := info.ModTime().Equal(w.mtime)
	w.mu.Unlock()
	if seen {
		return
	}

	cfg, err := Load(w.path, w.overrides...)

	w.mu.Lock()
	w.mtime = info.ModTime()
	w.mu.Unlock()
	if err != nil {
		w.reject(err)
		return
	}

	w.mu.Lock()
	old := w.current
	recovered := w.lastErr != nil
	w.lastErr = nil
	if reflect.DeepEqual(old, cfg) {
		w.mu.Unlock()
		if recovered {
			slog.Info("config watcher: file is valid again, nothing changed", "path", w.path)
		}
		return
	}
	w.current = cfg
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// reject keeps the current config and warns once per distinct failure, so a
// broken file does not log on every poll.
func (w *Watcher) reject(err error) {
	w.mu.Lock()
	repeat := w.lastErr != nil && w.lastErr.Error() == err.Error()
	w.lastErr = err
	w.mu.Unlock()

	if !repeat {
		slog.Warn("config watcher: keeping previous configuration", "path", w.path, "err", err)
	}
}
