// Package wavfile provides file-backed [audio.FrameSource] and
// [audio.FrameSink] implementations for hardware-free runs.
//
// A [Source] decodes a .WAV file up front and releases it in device-sized
// periods, paced by a ticker so that it behaves like a live capture device.
// A [Sink] records everything written to it into a 16-bit PCM .WAV file; the
// file header is only valid after [Sink.Close].
//
// Options (from [audio.DeviceSpec.Options]):
//
//	path     string  file to read or create (required)
//	loop     bool    source only: restart at the beginning instead of io.EOF
//	unpaced  bool    source only: release periods as fast as they are read
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmlink/pkg/audio"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
)

// Name is the backend name used in configuration.
const Name = "wavfile"

// recordBitDepth is the sample size written by [Sink].
const recordBitDepth = 16

// Compile-time interface assertions.
var (
	_ audio.FrameSource = (*Source)(nil)
	_ audio.FrameSink   = (*Sink)(nil)
)

// ErrNoPath is returned when the device spec carries no "path" option.
var ErrNoPath = errors.New("wavfile: option \"path\" is required")

// ─── Source ───────────────────────────────────────────────────────────────────

// Source replays a .WAV file as if it were a capture device.
type Source struct {
	spec   audio.DeviceSpec
	logger *slog.Logger

	pcm         []byte
	pos         int
	periodBytes int
	period      time.Duration
	loop        bool
	unpaced     bool

	ticker  *time.Ticker
	state   atomic.Int32
	started bool

	closed    chan struct{}
	closeOnce sync.Once
}

// OpenSource decodes the file named by the "path" option. The file's sample
// rate and channel count must match spec.Format; its samples are converted to
// spec.Format.SampleFormat.
func OpenSource(spec audio.DeviceSpec) (*Source, error) {
	path := spec.OptString("path")
	if path == "" {
		return nil, ErrNoPath
	}
	if err := spec.Format.Validate(); err != nil {
		return nil, fmt.Errorf("wavfile: open source: %w", err)
	}
	logger := slog.Default().With("backend", Name, "device_id", uuid.New(), "path", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open source: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
		}
		return nil, fmt.Errorf("wavfile: %s is not a valid WAV file", path)
	}
	if int(dec.SampleRate) != spec.Format.SampleRate || int(dec.NumChans) != spec.Format.Channels {
		return nil, fmt.Errorf("wavfile: %s is %dHz/%dch, configured format is %s",
			path, dec.SampleRate, dec.NumChans, spec.Format)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode %s: %w", path, err)
	}
	pcm, err := audio.EncodeInts(nil, buf.Data, int(dec.BitDepth), spec.Format.SampleFormat)
	if err != nil {
		return nil, fmt.Errorf("wavfile: convert %s: %w", path, err)
	}

	frames := spec.FramesPerBuffer
	if frames <= 0 {
		frames = spec.Format.SampleRate / 50
	}
	logger.Debug("loaded audio file",
		"sample_rate", dec.SampleRate,
		"channels", dec.NumChans,
		"bit_depth", dec.BitDepth,
		"bytes", len(pcm),
	)
	return &Source{
		spec:        spec,
		logger:      logger,
		pcm:         pcm,
		periodBytes: spec.Format.ChunkBytes(frames),
		period:      time.Duration(frames) * time.Second / time.Duration(spec.Format.SampleRate),
		loop:        spec.OptBool("loop"),
		unpaced:     spec.OptBool("unpaced"),
		closed:      make(chan struct{}),
	}, nil
}

// Format implements [audio.FrameSource].
func (s *Source) Format() audio.Format { return s.spec.Format }

// Start implements [audio.FrameSource].
func (s *Source) Start() error {
	if s.started {
		return errors.New("wavfile: source already started")
	}
	s.started = true
	if !s.unpaced {
		s.ticker = time.NewTicker(s.period)
	}
	s.state.Store(int32(audio.StateRunning))
	return nil
}

// ReadAvailable implements [audio.FrameSource]. Each call returns at most one
// period of audio. Without the loop option it returns io.EOF once the file is
// exhausted.
func (s *Source) ReadAvailable(ctx context.Context) ([]byte, error) {
	if !s.started {
		return nil, errors.New("wavfile: source not started")
	}
	if s.ticker != nil {
		select {
		case <-s.ticker.C:
		case <-s.closed:
			return nil, audio.ErrDeviceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case <-s.closed:
			return nil, audio.ErrDeviceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if s.pos >= len(s.pcm) {
		if !s.loop || len(s.pcm) == 0 {
			s.state.Store(int32(audio.StateStopped))
			return nil, io.EOF
		}
		s.pos = 0
		s.logger.Debug("restarting audio file")
	}
	end := min(s.pos+s.periodBytes, len(s.pcm))
	out := make([]byte, end-s.pos)
	copy(out, s.pcm[s.pos:end])
	s.pos = end
	return out, nil
}

// State implements [audio.FrameSource].
func (s *Source) State() audio.DeviceState { return audio.DeviceState(s.state.Load()) }

// Close implements [audio.FrameSource].
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.ticker != nil {
			s.ticker.Stop()
		}
		s.state.Store(int32(audio.StateStopped))
	})
	return nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink records PCM bytes to a .WAV file.
type Sink struct {
	spec   audio.DeviceSpec
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	encoder  *wav.Encoder
	format   *goaudio.Format
	pending  []byte
	samples  []int
	started  bool
	closed   bool
	closeErr error

	state atomic.Int32
}

// OpenSink creates (or truncates) the file named by the "path" option.
func OpenSink(spec audio.DeviceSpec) (*Sink, error) {
	path := spec.OptString("path")
	if path == "" {
		return nil, ErrNoPath
	}
	if err := spec.Format.Validate(); err != nil {
		return nil, fmt.Errorf("wavfile: open sink: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open sink: %w", err)
	}
	return &Sink{
		spec:    spec,
		logger:  slog.Default().With("backend", Name, "device_id", uuid.New(), "path", path),
		file:    f,
		encoder: wav.NewEncoder(f, spec.Format.SampleRate, recordBitDepth, spec.Format.Channels, 1),
		format: &goaudio.Format{
			SampleRate:  spec.Format.SampleRate,
			NumChannels: spec.Format.Channels,
		},
	}, nil
}

// Format implements [audio.FrameSink].
func (s *Sink) Format() audio.Format { return s.spec.Format }

// Start implements [audio.FrameSink].
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("wavfile: sink already started")
	}
	s.started = true
	s.state.Store(int32(audio.StateRunning))
	return nil
}

// Write implements [audio.FrameSink]. A trailing partial sample is carried
// over to the next Write.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, audio.ErrDeviceClosed
	}

	s.pending = append(s.pending, p...)
	var consumed int
	var err error
	s.samples, consumed, err = audio.DecodeInts(s.samples[:0], s.pending, s.spec.Format.SampleFormat)
	if err != nil {
		s.state.Store(int32(audio.StateFailed))
		return 0, fmt.Errorf("wavfile: write: %w", err)
	}
	s.pending = append(s.pending[:0], s.pending[consumed:]...)
	if len(s.samples) == 0 {
		return len(p), nil
	}

	buf := &goaudio.IntBuffer{
		Format:         s.format,
		Data:           s.samples,
		SourceBitDepth: recordBitDepth,
	}
	if err := s.encoder.Write(buf); err != nil {
		s.state.Store(int32(audio.StateFailed))
		return 0, fmt.Errorf("wavfile: write: %w", err)
	}
	return len(p), nil
}

// State implements [audio.FrameSink].
func (s *Sink) State() audio.DeviceState { return audio.DeviceState(s.state.Load()) }

// Close implements [audio.FrameSink]. It finalises the WAV header.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	if len(s.pending) > 0 {
		s.logger.Debug("dropping partial sample on close", "bytes", len(s.pending))
	}

	var errs []error
	if err := s.encoder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("finalise: %w", err))
	}
	if err := s.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if err := s.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if s.State() != audio.StateFailed {
		s.state.Store(int32(audio.StateStopped))
	}
	if len(errs) > 0 {
		s.closeErr = fmt.Errorf("wavfile: close sink: %w", errors.Join(errs...))
	}
	return s.closeErr
}
