package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Int16sToBytes encodes samples as little-endian s16 PCM into dst, growing it
// as needed, and returns the result.
func Int16sToBytes(dst []byte, samples []int16) []byte {
	dst = grow(dst, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
	}
	return dst
}

// Float32sToBytes encodes samples as little-endian f32 PCM into dst, growing
// it as needed, and returns the result.
func Float32sToBytes(dst []byte, samples []float32) []byte {
	dst = grow(dst, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return dst
}

// BytesToInt16s decodes little-endian s16 PCM from pcm into dst. A trailing
// partial sample is ignored. It returns the number of samples decoded.
func BytesToInt16s(dst []int16, pcm []byte) int {
	n := min(len(dst), len(pcm)/2)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return n
}

// BytesToFloat32s decodes little-endian f32 PCM from pcm into dst. A trailing
// partial sample is ignored. It returns the number of samples decoded.
func BytesToFloat32s(dst []float32, pcm []byte) int {
	n := min(len(dst), len(pcm)/4)
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
	}
	return n
}

// EncodeInts converts integer samples of the given source bit depth (as
// produced by WAV decoders) into PCM bytes of format f.
func EncodeInts(dst []byte, samples []int, bitDepth int, f SampleFormat) ([]byte, error) {
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("audio: unsupported bit depth %d", bitDepth)
	}
	scale := float64(int64(1) << (bitDepth - 1))
	switch f {
	case SampleS16:
		dst = grow(dst, len(samples)*2)
		for i, s := range samples {
			v := clamp16(int64(float64(s) / scale * 32768))
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(v))
		}
	case SampleF32:
		dst = grow(dst, len(samples)*4)
		for i, s := range samples {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(float64(s)/scale)))
		}
	default:
		return nil, fmt.Errorf("audio: unsupported sample format %q", f)
	}
	return dst, nil
}

// DecodeInts converts PCM bytes of format f into 16-bit integer samples,
// appending to dst. Trailing bytes that do not form a whole sample are left
// undecoded; the number of bytes consumed is returned alongside the samples.
func DecodeInts(dst []int, pcm []byte, f SampleFormat) ([]int, int, error) {
	switch f {
	case SampleS16:
		n := len(pcm) / 2
		for i := range n {
			dst = append(dst, int(int16(binary.LittleEndian.Uint16(pcm[i*2:]))))
		}
		return dst, n * 2, nil
	case SampleF32:
		n := len(pcm) / 4
		for i := range n {
			v := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
			dst = append(dst, int(clamp16(int64(float64(v)*32767))))
		}
		return dst, n * 4, nil
	default:
		return dst, 0, fmt.Errorf("audio: unsupported sample format %q", f)
	}
}

// clamp16 limits v to the int16 range.
func clamp16(v int64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// grow returns dst resized to n bytes, reallocating only when its capacity is
// too small.
func grow(dst []byte, n int) []byte {
	if cap(dst) < n {
		return make([]byte, n)
	}
	return dst[:n]
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
