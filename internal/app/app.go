// Package app wires the pcmlink subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the sender or receiver
// for the configured role, Run streams until the link ends or ctx is done,
// and Shutdown tears the admin server and devices down in order.
//
// For testing, inject test doubles via [Devices] and functional options
// (WithMetrics, WithMetricsHandler, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/pcmlink/internal/config"
	"github.com/MrWong99/pcmlink/internal/health"
	"github.com/MrWong99/pcmlink/internal/observe"
	"github.com/MrWong99/pcmlink/internal/stream"
	"github.com/MrWong99/pcmlink/pkg/audio"
)

// Devices holds the opened audio endpoints. Only the one matching the
// configured role is used. Populated by main.go via the config registry.
type Devices struct {
	Capture  audio.FrameSource
	Playback audio.FrameSink
}

// App owns all subsystem lifetimes of one pcmlink process.
type App struct {
	cfg     *config.Config
	devices *Devices

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar

	// Exactly one of sender and receiver is set.
	sender   *stream.Sender
	receiver *stream.Receiver

	adminMu sync.Mutex
	admin   *http.Server
	adminLn net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics on the admin server.
// Without it the admin server only serves health checks.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevelVar lets [App.Reload] adjust the log level of a running process.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App for cfg.Stream.Role. The devices struct comes from
// main.go (populated via the config registry); the device matching the role
// is required.
func New(cfg *config.Config, devices *Devices, opts ...Option) (*App, error) {
	if devices == nil {
		devices = &Devices{}
	}
	a := &App{
		cfg:     cfg,
		devices: devices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	switch cfg.Stream.Role {
	case config.RoleSender:
		if devices.Capture == nil {
			return nil, errors.New("app: sender requires a capture device")
		}
		a.initSender()
	case config.RoleReceiver:
		if devices.Playback == nil {
			return nil, errors.New("app: receiver requires a playback device")
		}
		a.initReceiver()
	default:
		return nil, fmt.Errorf("app: unknown role %q", cfg.Stream.Role)
	}

	if cfg.Server.AdminAddr != "" {
		a.initAdmin()
	}
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSender builds the sender. The sender releases the capture device
// itself when its run ends.
func (a *App) initSender() {
	s := a.cfg.Stream
	chunk := a.cfg.Audio.Format().ChunkBytes(s.ChunkFrames)
	a.sender = stream.NewSender(a.devices.Capture, stream.SenderConfig{
		Addr:              s.Addr(),
		ChunkBytes:        chunk,
		QueueCapacity:     s.QueueCapacity,
		HighWaterBytes:    chunk * s.HighWaterChunks,
		DeviceWaitTimeout: s.DeviceWaitTimeout,
		RecordFile:        s.RecordFile,
		Dial:              stream.DialOptions{Retries: s.ConnectRetries},
		Metrics:           a.metrics,
	})
}

// initReceiver builds the receiver. The playback device outlives every
// connection and is closed on Shutdown.
func (a *App) initReceiver() {
	s := a.cfg.Stream
	a.receiver = stream.NewReceiver(a.devices.Playback, stream.ReceiverConfig{
		Addr:            s.Addr(),
		ReadBufferBytes: s.ReadBufferBytes,
		Metrics:         a.metrics,
	})
	a.closers = append(a.closers, a.devices.Playback.Close)
}

// initAdmin builds the admin HTTP server with health checks and, when
// configured, the Prometheus scrape endpoint.
func (a *App) initAdmin() {
	var checker health.Checker
	if a.sender != nil {
		checker = health.SenderChecker(a.sender)
	} else {
		checker = health.ReceiverChecker(a.receiver)
	}

	mux := http.NewServeMux()
	health.New(checker).Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}

	a.admin = &http.Server{
		Addr:              a.cfg.Server.AdminAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the admin server (if configured) and streams until the link
// ends or ctx is cancelled. A sender returns when its single connection ends;
// a receiver serves connections until ctx is done or its listener fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.startAdmin(); err != nil {
		if a.sender != nil {
			// The sender releases the capture device only from its own run.
			if cerr := a.devices.Capture.Close(); cerr != nil {
				slog.Warn("failed to close capture device", "err", cerr)
			}
		}
		return err
	}

	if a.sender != nil {
		slog.Info("sender starting", "addr", a.cfg.Stream.Addr(), "format", a.cfg.Audio.Format().String())
		return a.sender.Run(ctx)
	}
	if err := a.devices.Playback.Start(); err != nil {
		return fmt.Errorf("app: start playback: %w", err)
	}
	slog.Info("receiver starting", "addr", a.cfg.Stream.Addr(), "format", a.cfg.Audio.Format().String())
	return a.receiver.Serve(ctx)
}

func (a *App) startAdmin() error {
	if a.admin == nil {
		return nil
	}
	ln, err := net.Listen("tcp", a.admin.Addr)
	if err != nil {
		return fmt.Errorf("app: admin listen %q: %w", a.admin.Addr, err)
	}
	a.adminMu.Lock()
	a.adminLn = ln
	a.adminMu.Unlock()

	slog.Info("admin server listening", "addr", ln.Addr().String())
	go func() {
		if err := a.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "err", err)
		}
	}()
	return nil
}

// AdminAddr returns the bound admin address, or nil while the admin server
// is disabled or not yet started.
func (a *App) AdminAddr() net.Addr {
	a.adminMu.Lock()
	defer a.adminMu.Unlock()
	if a.adminLn == nil {
		return nil
	}
	return a.adminLn.Addr()
}

// StreamAddr returns the receiver's bound address, or nil for a sender or
// before the receiver is listening.
func (a *App) StreamAddr() net.Addr {
	if a.receiver == nil {
		return nil
	}
	return a.receiver.Addr()
}

// Reload applies a changed configuration to the running process. Only the
// log level is applied live; other changes are reported and wait for a
// restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down the admin server and the devices the app owns. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.adminMu.Lock()
		started := a.adminLn != nil
		a.adminMu.Unlock()
		if started {
			if err := a.admin.Shutdown(ctx); err != nil {
				slog.Warn("admin server shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
