// Package malgo provides [audio.FrameSource] and [audio.FrameSink]
// implementations backed by miniaudio via github.com/gen2brain/malgo.
//
// Unlike PortAudio, miniaudio can capture what a playback device is rendering
// (loopback, WASAPI only), so this is the backend to pick for
// "stream what I hear" setups. Devices run in callback mode: the capture
// callback pushes every period into an [audio.SpanQueue]; the playback
// callback pulls from a bounded byte buffer that [Sink.Write] fills, padding
// with silence on underflow.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmlink/pkg/audio"
	"github.com/gen2brain/malgo"
)

// Name is the backend name used in configuration.
const Name = "malgo"

const (
	// queueDepth bounds how many capture periods may wait for ReadAvailable.
	queueDepth = 256

	// defaultPlaybackBuffer is how much audio Write may queue ahead of the
	// device, expressed in periods.
	defaultPlaybackBuffer = 8

	// drainTimeout bounds how long Close waits for queued playback audio.
	drainTimeout = 2 * time.Second
)

// Compile-time interface assertions.
var (
	_ audio.FrameSource = (*Source)(nil)
	_ audio.FrameSink   = (*Sink)(nil)
)

// ErrDeviceStopped is reported when miniaudio stops a device that was not
// closed by the caller (for example because it was unplugged).
var ErrDeviceStopped = errors.New("malgo: device stopped unexpectedly")

func sampleFormat(f audio.SampleFormat) (malgo.FormatType, error) {
	switch f {
	case audio.SampleS16:
		return malgo.FormatS16, nil
	case audio.SampleF32:
		return malgo.FormatF32, nil
	default:
		return malgo.FormatUnknown, fmt.Errorf("unsupported sample format %q", f)
	}
}

// device bundles the miniaudio context and device shared by Source and Sink.
type device struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
	log *slog.Logger
}

// open initialises a miniaudio context and a device of kind, configured from
// spec, with the given callbacks.
func open(spec audio.DeviceSpec, kind malgo.DeviceType, callbacks malgo.DeviceCallbacks) (*device, error) {
	if err := spec.Format.Validate(); err != nil {
		return nil, err
	}
	format, err := sampleFormat(spec.Format.SampleFormat)
	if err != nil {
		return nil, err
	}
	log := slog.Default().With("backend", Name, "device", deviceLabel(spec.Name))

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug("malgo: " + strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("init context: %w", err)
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(spec.Format.SampleRate)
	if spec.FramesPerBuffer > 0 {
		cfg.PeriodSizeInFrames = uint32(spec.FramesPerBuffer)
	}
	cfg.Alsa.NoMMap = 1

	// Loopback devices are addressed by the playback device they mirror.
	lookup := kind
	if kind == malgo.Loopback {
		lookup = malgo.Playback
	}
	var id *malgo.DeviceID
	if spec.Name != "" {
		id, err = findDevice(mctx, lookup, spec.Name)
		if err != nil {
			release()
			return nil, fmt.Errorf("select device: %w", err)
		}
	}

	switch kind {
	case malgo.Playback:
		cfg.Playback.Format = format
		cfg.Playback.Channels = uint32(spec.Format.Channels)
		if id != nil {
			cfg.Playback.DeviceID = id.Pointer()
		}
	default:
		cfg.Capture.Format = format
		cfg.Capture.Channels = uint32(spec.Format.Channels)
		if id != nil {
			cfg.Capture.DeviceID = id.Pointer()
		}
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		release()
		return nil, fmt.Errorf("init device: %w", err)
	}
	return &device{ctx: mctx, dev: dev, log: log}, nil
}

func (d *device) close() error {
	var errs []error
	if err := d.dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop: %w", err))
	}
	d.dev.Uninit()
	if err := d.ctx.Uninit(); err != nil {
		errs = append(errs, fmt.Errorf("uninit context: %w", err))
	}
	d.ctx.Free()
	return errors.Join(errs...)
}

func findDevice(mctx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	infos, err := mctx.Devices(kind)
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	for i := range infos {
		if strings.Contains(strings.ToLower(infos[i].Name()), want) {
			return &infos[i].ID, nil
		}
	}
	return nil, fmt.Errorf("no device matching %q", name)
}

// DeviceInfo describes one miniaudio device as reported by [Devices].
type DeviceInfo struct {
	Name      string
	Playback  bool
	IsDefault bool
}

// Devices lists the capture and playback devices miniaudio can see. Any
// playback device may be used for loopback capture on platforms that support
// it.
func Devices() ([]DeviceInfo, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	var out []DeviceInfo
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := mctx.Devices(kind)
		if err != nil {
			return nil, fmt.Errorf("malgo: list devices: %w", err)
		}
		for _, info := range infos {
			out = append(out, DeviceInfo{
				Name:      info.Name(),
				Playback:  kind == malgo.Playback,
				IsDefault: info.IsDefault != 0,
			})
		}
	}
	return out, nil
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source captures from a microphone or, when the device spec asks for loopback, from
// the output of a playback device.
type Source struct {
	spec  audio.DeviceSpec
	dev   *device
	queue *audio.SpanQueue

	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool
	failed  atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// OpenSource opens the capture (or loopback) device selected by spec.
func OpenSource(spec audio.DeviceSpec) (*Source, error) {
	s := &Source{
		spec:  spec,
		queue: audio.NewSpanQueue(queueDepth),
	}
	kind := malgo.Capture
	if spec.Loopback {
		kind = malgo.Loopback
	}
	dev, err := open(spec, kind, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: open source: %w", err)
	}
	s.dev = dev
	return s, nil
}

func (s *Source) onData(_, input []byte, _ uint32) {
	if !s.queue.Push(input) && !s.closing.Load() {
		if n := s.queue.Overruns(); n == 1 || n%100 == 0 {
			s.dev.log.Warn("malgo: capture overrun", "count", n)
		}
	}
}

func (s *Source) onStop() {
	if s.closing.Load() {
		return
	}
	s.failed.Store(true)
	s.state.Store(int32(audio.StateFailed))
	s.queue.Close()
}

// Format implements [audio.FrameSource].
func (s *Source) Format() audio.Format { return s.spec.Format }

// Start implements [audio.FrameSource].
func (s *Source) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("malgo: source already started")
	}
	if err := s.dev.dev.Start(); err != nil {
		s.state.Store(int32(audio.StateFailed))
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	s.state.Store(int32(audio.StateRunning))
	return nil
}

// ReadAvailable implements [audio.FrameSource].
func (s *Source) ReadAvailable(ctx context.Context) ([]byte, error) {
	data, err := s.queue.Pop(ctx)
	if errors.Is(err, audio.ErrDeviceClosed) && s.failed.Load() {
		return nil, ErrDeviceStopped
	}
	return data, err
}

// State implements [audio.FrameSource].
func (s *Source) State() audio.DeviceState { return audio.DeviceState(s.state.Load()) }

// Xruns implements [audio.XrunReporter]: captured periods dropped because
// ReadAvailable fell behind.
func (s *Source) Xruns() int64 { return s.queue.Overruns() }

// Close implements [audio.FrameSource].
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if err := s.dev.close(); err != nil {
			s.closeErr = fmt.Errorf("malgo: close source: %w", err)
		}
		s.queue.Close()
		if !s.failed.Load() {
			s.state.Store(int32(audio.StateStopped))
		}
	})
	return s.closeErr
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink plays to a miniaudio playback device.
type Sink struct {
	spec     audio.DeviceSpec
	dev      *device
	maxBytes int

	mu      sync.Mutex
	buf     []byte
	space   chan struct{}
	done    chan struct{}
	started bool

	state      atomic.Int32
	closing    atomic.Bool
	underflows atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// OpenSink opens the playback device selected by spec. The option
// "buffer_periods" (int) overrides how many device periods Write may queue
// ahead of playback.
func OpenSink(spec audio.DeviceSpec) (*Sink, error) {
	periods := defaultPlaybackBuffer
	if v, ok := spec.Options["buffer_periods"].(int); ok && v > 0 {
		periods = v
	}
	frames := spec.FramesPerBuffer
	if frames <= 0 {
		frames = spec.Format.SampleRate / 100
	}
	s := &Sink{
		spec:     spec,
		maxBytes: max(spec.Format.ChunkBytes(frames)*periods, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	dev, err := open(spec, malgo.Playback, malgo.DeviceCallbacks{
		Data: s.onData,
		Stop: s.onStop,
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: open sink: %w", err)
	}
	s.dev = dev
	return s, nil
}

func (s *Sink) onData(output, _ []byte, _ uint32) {
	s.mu.Lock()
	n := copy(output, s.buf)
	s.buf = s.buf[n:]
	s.mu.Unlock()

	if n < len(output) {
		clear(output[n:])
		if s.State() == audio.StateRunning && !s.closing.Load() {
			s.underflows.Add(1)
		}
	}
	if n > 0 {
		select {
		case s.space <- struct{}{}:
		default:
		}
	}
}

func (s *Sink) onStop() {
	if s.closing.Load() {
		return
	}
	s.state.Store(int32(audio.StateFailed))
	select {
	case s.space <- struct{}{}:
	default:
	}
}

// Format implements [audio.FrameSink].
func (s *Sink) Format() audio.Format { return s.spec.Format }

// Start implements [audio.FrameSink].
func (s *Sink) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("malgo: sink already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.dev.dev.Start(); err != nil {
		s.state.Store(int32(audio.StateFailed))
		return fmt.Errorf("malgo: start playback: %w", err)
	}
	s.state.Store(int32(audio.StateRunning))
	return nil
}

// Write implements [audio.FrameSink]. It blocks while the playback buffer is
// full.
func (s *Sink) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if s.State() == audio.StateFailed {
			return written, ErrDeviceStopped
		}
		s.mu.Lock()
		room := s.maxBytes - len(s.buf)
		if room > 0 {
			n := min(room, len(p)-written)
			s.buf = append(s.buf, p[written:written+n]...)
			written += n
		}
		s.mu.Unlock()
		if written == len(p) {
			break
		}
		select {
		case <-s.space:
		case <-s.done:
			return written, audio.ErrDeviceClosed
		}
	}
	return written, nil
}

// Underflows returns how many device periods were padded with silence.
func (s *Sink) Underflows() int64 { return s.underflows.Load() }

// Xruns implements [audio.XrunReporter]. It equals [Sink.Underflows].
func (s *Sink) Xruns() int64 { return s.underflows.Load() }

// State implements [audio.FrameSink].
func (s *Sink) State() audio.DeviceState { return audio.DeviceState(s.state.Load()) }

// Close implements [audio.FrameSink]. Queued audio gets up to two seconds to
// play out before the device stops.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		if s.State() == audio.StateRunning {
			deadline := time.Now().Add(drainTimeout)
			for time.Now().Before(deadline) {
				s.mu.Lock()
				left := len(s.buf)
				s.mu.Unlock()
				if left == 0 {
					break
				}
				select {
				case <-s.space:
				case <-time.After(10 * time.Millisecond):
				}
			}
		}
		s.closing.Store(true)
		close(s.done)
		if err := s.dev.close(); err != nil {
			s.closeErr = fmt.Errorf("malgo: close sink: %w", err)
		}
		if s.State() != audio.StateFailed {
			s.state.Store(int32(audio.StateStopped))
		}
	})
	return s.closeErr
}

func deviceLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}
