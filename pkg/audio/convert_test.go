package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/MrWong99/pcmlink/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestInt16sToBytes_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	pcm := audio.Int16sToBytes(nil, in)
	if len(pcm) != len(in)*2 {
		t.Fatalf("length = %d, want %d", len(pcm), len(in)*2)
	}
	out := make([]int16, len(in))
	if n := audio.BytesToInt16s(out, pcm); n != len(in) {
		t.Fatalf("decoded %d samples, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

func TestFloat32sToBytes_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, 0.5, -0.5, 1, -1}
	pcm := audio.Float32sToBytes(nil, in)
	out := make([]float32, len(in))
	if n := audio.BytesToFloat32s(out, pcm); n != len(in) {
		t.Fatalf("decoded %d samples, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestFloat32sToBytes_ReusesBuffer(t *testing.T) {
	t.Parallel()
	dst := make([]byte, 0, 64)
	got := audio.Float32sToBytes(dst, []float32{1, 2})
	if &got[0] != &dst[:1][0] {
		t.Error("expected dst backing array to be reused")
	}
}

func TestBytesToInt16s_IgnoresPartialSample(t *testing.T) {
	t.Parallel()
	pcm := append(samplesToBytes([]int16{7, 8}), 0xFF)
	out := make([]int16, 4)
	if n := audio.BytesToInt16s(out, pcm); n != 2 {
		t.Fatalf("decoded %d samples, want 2", n)
	}
}

func TestEncodeInts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		samples  []int
		bitDepth int
		format   audio.SampleFormat
		check    func(t *testing.T, pcm []byte)
	}{
		{
			name:     "16-bit to s16 is identity",
			samples:  []int{100, -100, 32767},
			bitDepth: 16,
			format:   audio.SampleS16,
			check: func(t *testing.T, pcm []byte) {
				want := samplesToBytes([]int16{100, -100, 32767})
				if string(pcm) != string(want) {
					t.Errorf("got %v, want %v", pcm, want)
				}
			},
		},
		{
			name:     "24-bit to s16 scales down",
			samples:  []int{1 << 8, -(1 << 8)},
			bitDepth: 24,
			format:   audio.SampleS16,
			check: func(t *testing.T, pcm []byte) {
				want := samplesToBytes([]int16{1, -1})
				if string(pcm) != string(want) {
					t.Errorf("got %v, want %v", pcm, want)
				}
			},
		},
		{
			name:     "16-bit to f32 normalises",
			samples:  []int{16384, -32768},
			bitDepth: 16,
			format:   audio.SampleF32,
			check: func(t *testing.T, pcm []byte) {
				if len(pcm) != 8 {
					t.Fatalf("length = %d, want 8", len(pcm))
				}
				a := math.Float32frombits(binary.LittleEndian.Uint32(pcm[0:]))
				b := math.Float32frombits(binary.LittleEndian.Uint32(pcm[4:]))
				if a != 0.5 || b != -1 {
					t.Errorf("got %v, %v; want 0.5, -1", a, b)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			pcm, err := audio.EncodeInts(nil, tc.samples, tc.bitDepth, tc.format)
			if err != nil {
				t.Fatalf("EncodeInts: %v", err)
			}
			tc.check(t, pcm)
		})
	}
}

func TestEncodeInts_RejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := audio.EncodeInts(nil, []int{1}, 0, audio.SampleS16); err == nil {
		t.Error("expected error for zero bit depth")
	}
	if _, err := audio.EncodeInts(nil, []int{1}, 16, "u8"); err == nil {
		t.Error("expected error for unknown sample format")
	}
}

func TestDecodeInts_F32Clamps(t *testing.T) {
	t.Parallel()
	pcm := audio.Float32sToBytes(nil, []float32{2, -2, 0.5})
	got, consumed, err := audio.DecodeInts(nil, append(pcm, 0x01, 0x02), audio.SampleF32)
	if err != nil {
		t.Fatalf("DecodeInts: %v", err)
	}
	if consumed != 12 {
		t.Errorf("consumed = %d, want 12", consumed)
	}
	want := []int{32767, -32768, 16383}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 44100, Channels: 2, SampleFormat: audio.SampleF32}
	if got := f.BlockAlign(); got != 8 {
		t.Errorf("BlockAlign = %d, want 8", got)
	}
	if got := f.ChunkBytes(4096); got != 32768 {
		t.Errorf("ChunkBytes(4096) = %d, want 32768", got)
	}
	if got := f.String(); got != "44100Hz stereo f32" {
		t.Errorf("String = %q", got)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if err := (audio.Format{SampleRate: 8000, Channels: 1, SampleFormat: "u8"}).Validate(); err == nil {
		t.Error("expected Validate error for unknown sample format")
	}
}
