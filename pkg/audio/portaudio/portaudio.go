// Package portaudio provides [audio.FrameSource] and [audio.FrameSink]
// implementations backed by PortAudio via github.com/gordonklaus/portaudio.
//
// Streams use PortAudio's blocking I/O. A capture [Source] runs one reader
// goroutine that performs the blocking Read calls and hands each filled
// buffer to [audio.FrameSource.ReadAvailable] through an [audio.SpanQueue].
// A playback [Sink] regroups arbitrary Write spans into whole device buffers
// and writes them synchronously, so Write blocks at the device's pace.
//
// PortAudio reference-counts Initialize/Terminate, so every opened device
// initialises the library and releases it again on Close.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pcmlink/pkg/audio"
	pa "github.com/gordonklaus/portaudio"
)

// Name is the backend name used in configuration.
const Name = "portaudio"

// DefaultFramesPerBuffer is the device period used when the device spec leaves it
// unset.
const DefaultFramesPerBuffer = 1024

// queueDepth bounds how many device buffers may wait for ReadAvailable before
// the reader starts dropping them.
const queueDepth = 64

// ErrLoopbackUnsupported is returned by [OpenSource] when loopback capture is
// requested. PortAudio has no portable loopback API.
var ErrLoopbackUnsupported = errors.New("portaudio: loopback capture not supported, use the malgo backend")

// Compile-time interface assertions.
var (
	_ audio.FrameSource = (*Source)(nil)
	_ audio.FrameSink   = (*Sink)(nil)
)

// DeviceInfo describes one PortAudio device as reported by [Devices].
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Devices lists the devices PortAudio can see.
func Devices() ([]DeviceInfo, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer func() { _ = pa.Terminate() }()

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// findDevice returns the device whose name contains name (case-insensitive),
// or the default input/output device when name is empty.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(name)
	for _, d := range devs {
		if !strings.Contains(strings.ToLower(d.Name), want) {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no device matching %q", name)
}

// sampleBuffer is the typed PortAudio I/O buffer for a stream. Exactly one of
// f32 or s16 is set, chosen by the stream's sample format.
type sampleBuffer struct {
	f32 []float32
	s16 []int16
}

func newSampleBuffer(f audio.Format, frames int) sampleBuffer {
	n := frames * f.Channels
	if f.SampleFormat == audio.SampleS16 {
		return sampleBuffer{s16: make([]int16, n)}
	}
	return sampleBuffer{f32: make([]float32, n)}
}

// arg returns the value passed to pa.OpenStream.
func (b sampleBuffer) arg() any {
	if b.s16 != nil {
		return b.s16
	}
	return b.f32
}

// encode appends the buffer contents as PCM bytes to dst.
func (b sampleBuffer) encode(dst []byte) []byte {
	if b.s16 != nil {
		return audio.Int16sToBytes(dst, b.s16)
	}
	return audio.Float32sToBytes(dst, b.f32)
}

// decode fills the buffer from pcm, which must hold exactly one buffer.
func (b sampleBuffer) decode(pcm []byte) {
	if b.s16 != nil {
		audio.BytesToInt16s(b.s16, pcm)
		return
	}
	audio.BytesToFloat32s(b.f32, pcm)
}

func openStream(spec audio.DeviceSpec, input bool) (*pa.Stream, sampleBuffer, error) {
	if err := spec.Format.Validate(); err != nil {
		return nil, sampleBuffer{}, err
	}
	frames := spec.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}
	if err := pa.Initialize(); err != nil {
		return nil, sampleBuffer{}, fmt.Errorf("initialize: %w", err)
	}
	dev, err := findDevice(spec.Name, input)
	if err != nil {
		_ = pa.Terminate()
		return nil, sampleBuffer{}, fmt.Errorf("select device: %w", err)
	}

	var params pa.StreamParameters
	if input {
		params = pa.LowLatencyParameters(dev, nil)
		params.Input.Channels = spec.Format.Channels
	} else {
		params = pa.LowLatencyParameters(nil, dev)
		params.Output.Channels = spec.Format.Channels
	}
	params.SampleRate = float64(spec.Format.SampleRate)
	params.FramesPerBuffer = frames

	buf := newSampleBuffer(spec.Format, frames)
	stream, err := pa.OpenStream(params, buf.arg())
	if err != nil {
		_ = pa.Terminate()
		return nil, sampleBuffer{}, fmt.Errorf("open stream on %q: %w", dev.Name, err)
	}
	return stream, buf, nil
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source captures from a PortAudio input device.
type Source struct {
	spec   audio.DeviceSpec
	stream *pa.Stream
	buf    sampleBuffer
	queue  *audio.SpanQueue
	log    *slog.Logger

	state     atomic.Int32
	overflows atomic.Int64
	started   atomic.Bool

	mu      sync.Mutex
	readErr error

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// OpenSource opens the input device selected by spec. The device is not
// started until [Source.Start] is called.
func OpenSource(spec audio.DeviceSpec) (*Source, error) {
	if spec.Loopback {
		return nil, ErrLoopbackUnsupported
	}
	stream, buf, err := openStream(spec, true)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open source: %w", err)
	}
	return &Source{
		spec:   spec,
		stream: stream,
		buf:    buf,
		queue:  audio.NewSpanQueue(queueDepth),
		log:    slog.Default().With("backend", Name, "device", deviceLabel(spec.Name)),
		stop:   make(chan struct{}),
	}, nil
}

// Format implements [audio.FrameSource].
func (s *Source) Format() audio.Format { return s.spec.Format }

// Start implements [audio.FrameSource].
func (s *Source) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("portaudio: source already started")
	}
	if err := s.stream.Start(); err != nil {
		s.state.Store(int32(audio.StateFailed))
		return fmt.Errorf("portaudio: start capture: %w", err)
	}
	s.state.Store(int32(audio.StateRunning))
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// readLoop performs blocking reads until the source is closed or the device
// fails. Input overflows lose samples but are not fatal.
func (s *Source) readLoop() {
	defer s.wg.Done()
	defer s.queue.Close()

	var scratch []byte
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		err := s.stream.Read()
		if errors.Is(err, pa.InputOverflowed) {
			if n := s.overflows.Add(1); n == 1 || n%100 == 0 {
				s.log.Warn("portaudio: input overflow", "count", n)
			}
		} else if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.mu.Lock()
			s.readErr = fmt.Errorf("portaudio: read: %w", err)
			s.mu.Unlock()
			s.state.Store(int32(audio.StateFailed))
			return
		}
		scratch = s.buf.encode(scratch)
		if !s.queue.Push(scratch) {
			select {
			case <-s.stop:
				return
			default:
			}
			if n := s.queue.Overruns(); n == 1 || n%100 == 0 {
				s.log.Warn("portaudio: capture overrun, reader is falling behind", "count", n)
			}
		}
	}
}

// ReadAvailable implements [audio.FrameSource].
func (s *Source) ReadAvailable(ctx context.Context) ([]byte, error) {
	data, err := s.queue.Pop(ctx)
	if errors.Is(err, audio.ErrDeviceClosed) {
		s.mu.Lock()
		readErr := s.readErr
		s.mu.Unlock()
		if readErr != nil {
			return nil, readErr
		}
	}
	return data, err
}

// State implements [audio.FrameSource].
func (s *Source) State() audio.DeviceState { return audio.DeviceState(s.state.Load()) }

// Overflows returns the number of input overflows reported by the device.
func (s *Source) Overflows() int64 { return s.overflows.Load() }

// Xruns implements [audio.XrunReporter]: device input overflows plus spans
// dropped because ReadAvailable fell behind.
func (s *Source) Xruns() int64 { return s.overflows.Load() + s.queue.Overruns() }

// Close implements [audio.FrameSource].
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		var errs []error
		if s.started.Load() {
			// Abort unblocks a pending Read without waiting for buffers to drain.
			if err := s.stream.Abort(); err != nil {
				errs = append(errs, fmt.Errorf("abort: %w", err))
			}
		}
		s.wg.Wait()
		s.queue.Close()
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
		if err := pa.Terminate(); err != nil {
			errs = append(errs, fmt.Errorf("terminate: %w", err))
		}
		if s.State() != audio.StateFailed {
			s.state.Store(int32(audio.StateStopped))
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("portaudio: close source: %w", errors.Join(errs...))
		}
	})
	return s.closeErr
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink plays to a PortAudio output device.
type Sink struct {
	spec        audio.DeviceSpec
	stream      *pa.Stream
	buf         sampleBuffer
	bufferBytes int
	log         *slog.Logger

	state      atomic.Int32
	underflows atomic.Int64

	mu       sync.Mutex
	started  bool
	closed   bool
	pending  []byte
	closeErr error
}

// OpenSink opens the output device selected by spec. Playback starts with
// [Sink.Start].
func OpenSink(spec audio.DeviceSpec) (*Sink, error) {
	stream, buf, err := openStream(spec, false)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open sink: %w", err)
	}
	frames := spec.FramesPerBuffer
	if frames <= 0 {
		frames = DefaultFramesPerBuffer
	}
	return &Sink{
		spec:        spec,
		stream:      stream,
		buf:         buf,
		bufferBytes: spec.Format.ChunkBytes(frames),
		log:         slog.Default().With("backend", Name, "device", deviceLabel(spec.Name)),
	}, nil
}

// Format implements [audio.FrameSink].
func (s *Sink) Format() audio.Format { return s.spec.Format }

// Start implements [audio.FrameSink].
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("portaudio: sink already started")
	}
	if err := s.stream.Start(); err != nil {
		s.state.Store(int32(audio.StateFailed))
		return fmt.Errorf("portaudio: start playback: %w", err)
	}
	s.started = true
	s.state.Store(int32(audio.StateRunning))
	return nil
}

// Write implements [audio.FrameSink]. Bytes that do not fill a whole device
// buffer are held until the next Write or Close.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, audio.ErrDeviceClosed
	}
	s.pending = append(s.pending, p...)
	for len(s.pending) >= s.bufferBytes {
		if err := s.writeBuffer(s.pending[:s.bufferBytes]); err != nil {
			return 0, err
		}
		s.pending = s.pending[s.bufferBytes:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return len(p), nil
}

// writeBuffer must be called with s.mu held.
func (s *Sink) writeBuffer(pcm []byte) error {
	s.buf.decode(pcm)
	err := s.stream.Write()
	if errors.Is(err, pa.OutputUnderflowed) {
		if n := s.underflows.Add(1); n == 1 || n%100 == 0 {
			s.log.Warn("portaudio: output underflow", "count", n)
		}
		return nil
	}
	if err != nil {
		s.state.Store(int32(audio.StateFailed))
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// State implements [audio.FrameSink].
func (s *Sink) State() audio.DeviceState { return audio.DeviceState(s.state.Load()) }

// Xruns implements [audio.XrunReporter]: output underflows reported by the
// device.
func (s *Sink) Xruns() int64 { return s.underflows.Load() }

// Close implements [audio.FrameSink]. A trailing partial buffer is padded
// with silence and played before the stream stops.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true

	var errs []error
	if s.started {
		if len(s.pending) > 0 {
			padded := make([]byte, s.bufferBytes)
			copy(padded, s.pending)
			s.pending = nil
			if err := s.writeBuffer(padded); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	if err := pa.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate: %w", err))
	}
	if s.State() != audio.StateFailed {
		s.state.Store(int32(audio.StateStopped))
	}
	if len(errs) > 0 {
		s.closeErr = fmt.Errorf("portaudio: close sink: %w", errors.Join(errs...))
	}
	return s.closeErr
}

func deviceLabel(name string) string {
	if name == "" {
		return "default"
	}
	return name
}
