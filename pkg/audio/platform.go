// Package audio defines the interfaces and types for reaching audio hardware
// from the pcmlink streaming pipeline.
//
// The two primary abstractions are:
//
//   - [FrameSource]: a live capture device (microphone or loopback of a
//     playback device) yielding interleaved PCM bytes.
//   - [FrameSink]: a playback device accepting PCM bytes of any length and
//     consuming them at the device's own pace.
//
// Implementations live in backend packages (audio/portaudio, audio/malgo,
// audio/wavfile). The streaming core depends only on these interfaces.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceClosed is returned by [FrameSource.ReadAvailable] and
// [FrameSink.Write] after the device has been closed.
var ErrDeviceClosed = errors.New("audio: device closed")

// DeviceState describes the lifecycle position of a capture or playback device.
type DeviceState int

const (
	// StateIdle means the device is open but not started.
	StateIdle DeviceState = iota

	// StateRunning means the device is started and moving samples.
	StateRunning

	// StateStopped means the device was stopped or closed cleanly.
	StateStopped

	// StateFailed means the device reported an unrecoverable error.
	StateFailed
)

// String returns the human-readable name of the device state.
func (s DeviceState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// FrameSource is an open capture device.
//
// A FrameSource is owned by exactly one goroutine (the capture loop); it need
// not be safe for concurrent use except for [FrameSource.State], which may
// be called from any goroutine.
type FrameSource interface {
	// Format returns the fixed PCM format of the bytes produced by
	// ReadAvailable.
	Format() Format

	// Start begins capture. Calling Start twice is an error.
	Start() error

	// ReadAvailable blocks until the device signals that captured data is
	// ready, then returns every byte captured since the previous call. The
	// result may be empty; an empty read is not an error.
	//
	// It returns ctx.Err() when ctx is done before the device signals, and
	// io.EOF when a finite source (e.g. a file) is exhausted.
	ReadAvailable(ctx context.Context) ([]byte, error)

	// State reports the current device state.
	State() DeviceState

	// Close stops capture and releases the device. It is safe to call Close
	// more than once.
	Close() error
}

// FrameSink is an open playback device.
//
// Write accepts spans of any length; the sink is responsible for feeding the
// device at its own pull cadence. Write may block when the device's internal
// buffer is full, which is the only backpressure the receiver applies.
type FrameSink interface {
	// Format returns the fixed PCM format expected by Write.
	Format() Format

	// Start begins playback. Calling Start twice is an error.
	Start() error

	// Write queues p for playback. It returns len(p) on success.
	Write(p []byte) (int, error)

	// State reports the current device state.
	State() DeviceState

	// Close drains what it can, stops playback and releases the device. It is
	// safe to call Close more than once.
	Close() error
}

// XrunReporter is implemented by devices that lose audio when the other side
// of their buffer falls behind: captured spans dropped because nobody read
// them in time, or playback periods padded with silence. Xruns returns the
// running total and is safe to call from any goroutine.
type XrunReporter interface {
	Xruns() int64
}

// DeviceSpec selects and parameterises one device of a backend. The zero
// value selects the backend's default device.
type DeviceSpec struct {
	// Name selects a device by (substring of) its human-readable name.
	// Empty selects the system default device.
	Name string

	// Loopback requests capture of what a playback device is rendering
	// instead of a microphone. Only backends that support it honour it.
	Loopback bool

	// Format is the fixed PCM format the device must deliver or accept.
	Format Format

	// FramesPerBuffer is the device period in frames. Zero lets the backend
	// choose.
	FramesPerBuffer int

	// Options carries backend-specific values (e.g. a WAV file path).
	Options map[string]any
}

// OptString extracts a string value from spec.Options. Returns "" when the key
// is absent or the value is not a string.
func (spec DeviceSpec) OptString(key string) string {
	if spec.Options == nil {
		return ""
	}
	s, _ := spec.Options[key].(string)
	return s
}

// OptBool extracts a bool value from spec.Options. Returns false when the key
// is absent or the value is not a bool.
func (spec DeviceSpec) OptBool(key string) bool {
	if spec.Options == nil {
		return false
	}
	b, _ := spec.Options[key].(bool)
	return b
}
