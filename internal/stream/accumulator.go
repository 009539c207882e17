package stream

import (
	"github.com/MrWong99/pcmlink/pkg/audio"
)

// DefaultHighWaterChunks is the default high-water mark in chunks.
const DefaultHighWaterChunks = 8

// AccumulatorOption is a functional option for [NewAccumulator].
type AccumulatorOption func(*Accumulator)

// WithHighWater sets the high-water mark in bytes. A value <= 0 disables
// backpressure detection.
func WithHighWater(n int) AccumulatorOption {
	return func(a *Accumulator) { a.highWater = n }
}

// WithBackpressureFunc registers fn to be called once at the start of every
// backpressure episode with the number of bytes buffered at that moment.
func WithBackpressureFunc(fn func(buffered int)) AccumulatorOption {
	return func(a *Accumulator) { a.onBackpressure = fn }
}

// Accumulator regroups variable-length capture reads into fixed-size
// [audio.SampleBlock]s. Bytes leave in exactly the order they entered and a
// block is only emitted once it is full; a trailing partial block stays
// buffered.
//
// Accumulator is owned by the capture goroutine and is not safe for
// concurrent use.
type Accumulator struct {
	chunkBytes int
	buf        []byte

	highWater      int
	backpressured  bool
	onBackpressure func(buffered int)
}

// NewAccumulator returns an accumulator emitting blocks of chunkBytes bytes.
// A chunkBytes below 1 is treated as 1. The high-water mark defaults to
// [DefaultHighWaterChunks] chunks.
func NewAccumulator(chunkBytes int, opts ...AccumulatorOption) *Accumulator {
	chunkBytes = max(chunkBytes, 1)
	a := &Accumulator{
		chunkBytes: chunkBytes,
		highWater:  DefaultHighWaterChunks * chunkBytes,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ChunkBytes returns the fixed block size.
func (a *Accumulator) ChunkBytes() int { return a.chunkBytes }

// Write appends p to the buffer. A zero-length write is a no-op.
func (a *Accumulator) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	a.buf = append(a.buf, p...)
	a.checkHighWater()
}

// Next removes and returns the first chunkBytes bytes when at least that many
// are buffered. The returned block is a fresh slice owned by the caller.
func (a *Accumulator) Next() (audio.SampleBlock, bool) {
	if len(a.buf) < a.chunkBytes {
		return nil, false
	}
	block := make(audio.SampleBlock, a.chunkBytes)
	copy(block, a.buf[:a.chunkBytes])

	rest := len(a.buf) - a.chunkBytes
	copy(a.buf, a.buf[a.chunkBytes:])
	a.buf = a.buf[:rest]
	a.checkHighWater()
	return block, true
}

// Push appends p and returns every block that became ready, in order.
func (a *Accumulator) Push(p []byte) []audio.SampleBlock {
	a.Write(p)
	var blocks []audio.SampleBlock
	for {
		b, ok := a.Next()
		if !ok {
			return blocks
		}
		blocks = append(blocks, b)
	}
}

// Buffered returns the number of bytes retained.
func (a *Accumulator) Buffered() int { return len(a.buf) }

// Backpressured reports whether a backpressure episode is in progress.
func (a *Accumulator) Backpressured() bool { return a.backpressured }

func (a *Accumulator) checkHighWater() {
	if a.highWater <= 0 {
		return
	}
	switch {
	case !a.backpressured && len(a.buf) > a.highWater:
		a.backpressured = true
		if a.onBackpressure != nil {
			a.onBackpressure(len(a.buf))
		}
	case a.backpressured && len(a.buf) <= a.highWater:
		a.backpressured = false
	}
}
