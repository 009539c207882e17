package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/pcmlink/internal/observe"
	"github.com/MrWong99/pcmlink/pkg/audio"
)

// DefaultDeviceWaitTimeout is how long the capture loop waits for the device
// to signal before treating it as failed.
const DefaultDeviceWaitTimeout = 3 * time.Second

// CaptureConfig configures a [Capture] loop.
type CaptureConfig struct {
	// ChunkBytes is the size of every emitted block. Required.
	ChunkBytes int

	// HighWaterBytes is the accumulator high-water mark. Zero selects
	// [DefaultHighWaterChunks] chunks; a negative value disables it.
	HighWaterBytes int

	// DeviceWaitTimeout bounds a single wait for the device. Zero selects
	// [DefaultDeviceWaitTimeout].
	DeviceWaitTimeout time.Duration

	// Metrics receives capture gauges and counters. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Nil selects [slog.Default].
	Logger *slog.Logger
}

// Capture is the producer half of a sender: it owns the capture device,
// chunks what the device yields and hands each block to the transport
// channel.
type Capture struct {
	src     audio.FrameSource
	ch      *Channel
	acc     *Accumulator
	timeout time.Duration
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewCapture wires src to ch. The capture loop takes ownership of src and
// closes it when [Capture.Run] returns.
func NewCapture(src audio.FrameSource, ch *Channel, cfg CaptureConfig) *Capture {
	c := &Capture{
		src:     src,
		ch:      ch,
		timeout: cfg.DeviceWaitTimeout,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultDeviceWaitTimeout
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	opts := []AccumulatorOption{WithBackpressureFunc(c.onBackpressure)}
	switch {
	case cfg.HighWaterBytes > 0:
		opts = append(opts, WithHighWater(cfg.HighWaterBytes))
	case cfg.HighWaterBytes < 0:
		opts = append(opts, WithHighWater(0))
	}
	c.acc = NewAccumulator(cfg.ChunkBytes, opts...)
	return c
}

func (c *Capture) onBackpressure(buffered int) {
	c.log.Warn("capture buffer above high-water mark, network is falling behind",
		"buffered_bytes", buffered,
		"chunk_bytes", c.acc.ChunkBytes(),
	)
	c.metrics.BackpressureEvents.Add(context.Background(), 1)
}

// Run starts the device and loops until the device is exhausted, fails, the
// consumer goes away, or ctx is done. It always closes the device and the
// sending side of the channel before returning.
//
// Returns nil on a finite source's end of stream and on ctx cancellation,
// [ErrReceiverGone] when the consumer stopped first, and a [CaptureFailed]
// error when the device could not be started or read.
func (c *Capture) Run(ctx context.Context) error {
	defer c.ch.CloseSend()
	defer func() {
		if err := c.src.Close(); err != nil {
			c.log.Warn("failed to close capture device", "err", err)
		}
	}()

	if err := c.src.Start(); err != nil {
		return newError(CaptureFailed, err)
	}
	c.log.Info("capture started", "format", c.src.Format().String(), "chunk_bytes", c.acc.ChunkBytes())

	if x, ok := c.src.(audio.XrunReporter); ok {
		stop, err := c.metrics.ObserveXruns("capture", x.Xruns)
		if err != nil {
			c.log.Warn("failed to observe capture xruns", "err", err)
		} else {
			defer stop()
		}
	}

	for {
		if err := c.flush(ctx); err != nil {
			if errors.Is(err, ErrReceiverGone) {
				return err
			}
			return nil
		}

		data, err := c.read(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, io.EOF):
			if n := c.acc.Buffered(); n > 0 {
				c.log.Debug("discarding partial block at end of stream", "bytes", n)
			}
			c.log.Info("capture source exhausted")
			return nil
		default:
			return newError(CaptureFailed, err)
		}

		c.acc.Write(data)
		c.metrics.CaptureBufferedBytes.Record(ctx, int64(c.acc.Buffered()))
	}
}

// read waits at most the device timeout for the next span of bytes.
func (c *Capture) read(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	data, err := c.src.ReadAvailable(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrDeviceTimeout
	}
	return data, err
}

// flush hands every complete block to the channel.
func (c *Capture) flush(ctx context.Context) error {
	for {
		block, ok := c.acc.Next()
		if !ok {
			return nil
		}
		if err := c.send(ctx, block); err != nil {
			return err
		}
		c.metrics.ChannelDepth.Record(ctx, int64(c.ch.Len()))
		c.metrics.CaptureBufferedBytes.Record(ctx, int64(c.acc.Buffered()))
	}
}

// send hands one block to the channel. When the channel is already full the
// stall is published before blocking, so it is visible while it lasts.
func (c *Capture) send(ctx context.Context, block audio.SampleBlock) error {
	if c.ch.Len() < c.ch.Cap() {
		return c.ch.Send(ctx, block)
	}

	c.metrics.ChannelDepth.Record(ctx, int64(c.ch.Len()))
	c.metrics.CaptureBufferedBytes.Record(ctx, int64(c.acc.Buffered()+len(block)))
	c.metrics.CaptureStalled.Record(ctx, 1)
	start := time.Now()
	c.log.Debug("transport channel full, waiting for the network side", "queued", c.ch.Len())

	err := c.ch.Send(ctx, block)

	waited := time.Since(start)
	c.metrics.CaptureStalled.Record(context.WithoutCancel(ctx), 0)
	c.metrics.SendBlockedDuration.Record(context.WithoutCancel(ctx), waited.Seconds())
	if waited >= c.timeout {
		c.log.Warn("capture was blocked on the network side", "waited", waited)
	}
	return err
}
