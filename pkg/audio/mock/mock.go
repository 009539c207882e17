// Package mock provides in-memory implementations of the [audio.FrameSource]
// and [audio.FrameSink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts, and expose exported fields that the test
// sets to control return values.
//
// Typical usage:
//
//	src := mock.NewSource(format)
//	src.Feed(make([]byte, 4096))
//	src.Fail(errors.New("device unplugged"))
//	sink := mock.NewSink(format)
//	// ... run the pipeline ...
//	got := sink.Bytes()
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmlink/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// readResult is one scripted outcome of [Source.ReadAvailable].
type readResult struct {
	data []byte
	err  error
}

// Source is a mock implementation of [audio.FrameSource]. Reads are scripted
// with [Source.Feed] and [Source.Fail]; ReadAvailable blocks until a scripted
// result is available, ctx is done, or the source is closed.
type Source struct {
	mu sync.Mutex

	// FormatResult is returned by [Source.Format].
	FormatResult audio.Format

	// StartError is returned by [Source.Start].
	StartError error

	// CloseError is returned by [Source.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountReadAvailable records how many times ReadAvailable was called.
	CallCountReadAvailable int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	reads     chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	state     audio.DeviceState
	xruns     atomic.Int64
}

// NewSource returns a Source producing bytes in format f. Up to 1024 scripted
// results may be queued before Feed blocks.
func NewSource(f audio.Format) *Source {
	return &Source{
		FormatResult: f,
		reads:        make(chan readResult, 1024),
		closed:       make(chan struct{}),
	}
}

// Feed queues data as the result of a future ReadAvailable call.
func (s *Source) Feed(data []byte) {
	s.reads <- readResult{data: data}
}

// Fail queues err as the result of a future ReadAvailable call.
func (s *Source) Fail(err error) {
	s.reads <- readResult{err: err}
}

// Format implements [audio.FrameSource].
func (s *Source) Format() audio.Format {
	return s.FormatResult
}

// Start implements [audio.FrameSource]. Returns StartError.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		s.state = audio.StateFailed
		return s.StartError
	}
	s.state = audio.StateRunning
	return nil
}

// ReadAvailable implements [audio.FrameSource].
func (s *Source) ReadAvailable(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	s.CallCountReadAvailable++
	s.mu.Unlock()

	select {
	case r := <-s.reads:
		if r.err != nil {
			s.setState(audio.StateFailed)
		}
		return r.data, r.err
	case <-s.closed:
		return nil, audio.ErrDeviceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State implements [audio.FrameSource].
func (s *Source) State() audio.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close implements [audio.FrameSource]. Returns CloseError.
func (s *Source) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	if s.state != audio.StateFailed {
		s.state = audio.StateStopped
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// CallCount returns the number of calls recorded for the named method
// ("Start", "ReadAvailable" or "Close").
func (s *Source) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch method {
	case "Start":
		return s.CallCountStart
	case "ReadAvailable":
		return s.CallCountReadAvailable
	case "Close":
		return s.CallCountClose
	default:
		return 0
	}
}

// AddXruns simulates n dropped capture spans.
func (s *Source) AddXruns(n int64) { s.xruns.Add(n) }

// Xruns implements [audio.XrunReporter].
func (s *Source) Xruns() int64 { return s.xruns.Load() }

func (s *Source) setState(st audio.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.FrameSink] that records every byte
// written to it.
type Sink struct {
	mu sync.Mutex

	// FormatResult is returned by [Sink.Format].
	FormatResult audio.Format

	// WriteError, when non-nil, is returned by every Write call.
	WriteError error

	// CloseError is returned by [Sink.Close].
	CloseError error

	// WriteCalls records the length of each Write call in order.
	WriteCalls []int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	data  []byte
	state audio.DeviceState
	wrote chan struct{}
	xruns atomic.Int64
}

// NewSink returns a Sink accepting bytes in format f.
func NewSink(f audio.Format) *Sink {
	return &Sink{
		FormatResult: f,
		wrote:        make(chan struct{}, 1),
	}
}

// Format implements [audio.FrameSink].
func (s *Sink) Format() audio.Format {
	return s.FormatResult
}

// Start implements [audio.FrameSink].
func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = audio.StateRunning
	return nil
}

// Write implements [audio.FrameSink]. Records p unless WriteError is set.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.WriteCalls = append(s.WriteCalls, len(p))
	if s.WriteError != nil {
		err := s.WriteError
		s.mu.Unlock()
		return 0, err
	}
	s.data = append(s.data, p...)
	s.mu.Unlock()

	select {
	case s.wrote <- struct{}{}:
	default:
	}
	return len(p), nil
}

// State implements [audio.FrameSink].
func (s *Sink) State() audio.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close implements [audio.FrameSink]. Returns CloseError.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.state = audio.StateStopped
	return s.CloseError
}

// AddXruns simulates n playback periods padded with silence.
func (s *Sink) AddXruns(n int64) { s.xruns.Add(n) }

// Xruns implements [audio.XrunReporter].
func (s *Sink) Xruns() int64 { return s.xruns.Load() }

// Bytes returns a copy of everything written so far.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// WaitFor blocks until at least n bytes have been written or timeout
// elapses. It reports whether n bytes arrived.
func (s *Sink) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		have := len(s.data)
		s.mu.Unlock()
		if have >= n {
			return true
		}
		select {
		case <-s.wrote:
		case <-deadline.C:
			return false
		}
	}
}
