package audio

import "fmt"

// SampleFormat identifies the encoding of a single PCM sample on the wire.
type SampleFormat string

const (
	// SampleS16 is signed 16-bit little-endian PCM.
	SampleS16 SampleFormat = "s16"

	// SampleF32 is 32-bit little-endian IEEE float PCM in the range [-1, 1].
	SampleF32 SampleFormat = "f32"
)

// IsValid reports whether f is a supported sample format.
func (f SampleFormat) IsValid() bool {
	return f == SampleS16 || f == SampleF32
}

// BytesPerSample returns the encoded size of one sample, or 0 for an unknown
// format.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case SampleS16:
		return 2
	case SampleF32:
		return 4
	default:
		return 0
	}
}

// Format describes the fixed, pre-agreed PCM layout shared by both ends of a
// stream. It never changes for the lifetime of a connection.
type Format struct {
	// SampleRate in Hz (e.g., 44100, 48000).
	SampleRate int

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int

	// SampleFormat is the per-sample encoding.
	SampleFormat SampleFormat
}

// BlockAlign returns the size in bytes of one interleaved multi-channel frame.
func (f Format) BlockAlign() int {
	return f.Channels * f.SampleFormat.BytesPerSample()
}

// ChunkBytes returns the size in bytes of a [SampleBlock] holding frames
// audio frames.
func (f Format) ChunkBytes(frames int) int {
	return frames * f.BlockAlign()
}

// Validate reports an error when the format cannot describe a PCM stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("audio: channel count %d must be positive", f.Channels)
	}
	if !f.SampleFormat.IsValid() {
		return fmt.Errorf("audio: sample format %q is invalid; valid values: s16, f32", f.SampleFormat)
	}
	return nil
}

// String returns a human-readable form such as "44100Hz stereo f32".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels) + " " + string(f.SampleFormat)
}

// SampleBlock is a fixed-size run of interleaved PCM frames treated as one
// transmission unit. A block is produced exactly once and consumed exactly
// once; ownership moves with the value and the producer must not touch it
// after handing it off.
type SampleBlock []byte
