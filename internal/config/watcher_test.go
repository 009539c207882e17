package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/pcmlink/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
stream:
  role: receiver
  port: 6000
`

const watcherUpdatedYAML = `
server:
  log_level: debug
stream:
  role: receiver
  port: 6000
`

// Same effective config as watcherValidYAML.
const watcherReformattedYAML = `
# receiver on the studio rack
stream:
  port: 6000
  role: receiver
server:
  log_level: info
`

const watcherInvalidYAML = `
server:
  log_level: bananas
stream:
  role: receiver
`

const watcherNoRoleYAML = `
server:
  log_level: warn
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// changeRecorder collects watcher callbacks.
type changeRecorder struct {
	mu    sync.Mutex
	calls [][2]*config.Config
	fired chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{fired: make(chan struct{}, 16)}
}

func (r *changeRecorder) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.calls = append(r.calls, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.fired <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// startWatcher creates a fast-polling watcher on a file holding content and
// runs it until the test ends.
func startWatcher(t *testing.T, content string, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "pcmlink.yaml")
	writeFile(t, cfgPath, content)

	w, err := config.NewWatcher(cfgPath, onChange, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Watch(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, cfgPath
}

// rewrite replaces the file content and moves its mtime forward so that the
// next poll sees the edit regardless of timestamp resolution.
func rewrite(t *testing.T, path, content string, step int) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(time.Duration(step) * time.Second)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := startWatcher(t, watcherValidYAML, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if cfg.Stream.ChunkFrames != config.DefaultChunkFrames {
		t.Errorf("chunk_frames: got %d, want the default %d", cfg.Stream.ChunkFrames, config.DefaultChunkFrames)
	}
	if err := w.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestWatcher_LogLevelEditIsDelivered(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, cfgPath := startWatcher(t, watcherValidYAML, rec.onChange)

	rewrite(t, cfgPath, watcherUpdatedYAML, 1)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	rec.mu.Lock()
	old, updated := rec.calls[0][0], rec.calls[0][1]
	rec.mu.Unlock()

	d := config.Diff(old, updated)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want a log level change to debug", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
	if cur := w.Current(); cur != updated {
		t.Errorf("Current() is not the config handed to the callback")
	}
}

func TestWatcher_StreamEditNeedsRestart(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	_, cfgPath := startWatcher(t, watcherValidYAML, rec.onChange)

	rewrite(t, cfgPath, `
server:
  log_level: info
stream:
  role: receiver
  port: 6001
`, 1)

	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}
	rec.mu.Lock()
	d := config.Diff(rec.calls[0][0], rec.calls[0][1])
	rec.mu.Unlock()
	if d.LogLevelChanged {
		t.Error("log level reported as changed")
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "stream" {
		t.Errorf("RestartRequired = %v, want [stream]", d.RestartRequired)
	}
}

func TestWatcher_ReformattedFileIsNotAReload(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, cfgPath := startWatcher(t, watcherValidYAML, rec.onChange)
	before := w.Current()

	rewrite(t, cfgPath, watcherReformattedYAML, 1)
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback fired %d times for an equivalent config", n)
	}
	if w.Current() != before {
		t.Error("Current() replaced by an equivalent config")
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	_, cfgPath := startWatcher(t, watcherValidYAML, rec.onChange)

	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := rec.count(); n != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", n)
	}
}

func TestWatcher_InvalidEditKeepsConfigUntilFixed(t *testing.T) {
	t.Parallel()
	rec := newChangeRecorder()
	w, cfgPath := startWatcher(t, watcherValidYAML, rec.onChange)

	rewrite(t, cfgPath, watcherInvalidYAML, 1)
	waitFor(t, func() bool { return w.Err() != nil })

	if n := rec.count(); n != 0 {
		t.Errorf("callback fired %d times for an invalid config", n)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", cur.Server.LogLevel)
	}

	rewrite(t, cfgPath, watcherUpdatedYAML, 2)
	select {
	case <-rec.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("fixed file was not reloaded")
	}
	if err := w.Err(); err != nil {
		t.Errorf("Err() = %v after the file was fixed", err)
	}
	if cur := w.Current(); cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want %q", cur.Server.LogLevel, config.LogDebug)
	}
}

func TestWatcher_RemovedFileIsReported(t *testing.T) {
	t.Parallel()
	w, cfgPath := startWatcher(t, watcherValidYAML, nil)

	if err := os.Remove(cfgPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	waitFor(t, func() bool { return w.Err() != nil })
	if w.Current() == nil {
		t.Error("Current() dropped the last valid config")
	}
}

func TestWatcher_OverridesApplyBeforeValidation(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "pcmlink.yaml")
	writeFile(t, cfgPath, watcherNoRoleYAML)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected a missing role to fail validation without overrides")
	}

	w, err := config.NewWatcher(cfgPath, nil,
		config.WithOverrides(func(c *config.Config) { c.Stream.Role = config.RoleSender }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := w.Current().Stream.Role; got != config.RoleSender {
		t.Errorf("role = %q, want the override %q", got, config.RoleSender)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher("/nonexistent/path.yaml", nil)
	if err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_WatchReturnsOnCancel(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "pcmlink.yaml")
	writeFile(t, cfgPath, watcherValidYAML)
	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Watch(ctx)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
