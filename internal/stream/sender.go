package stream

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/MrWong99/pcmlink/internal/observe"
	"github.com/MrWong99/pcmlink/pkg/audio"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// SenderConfig configures a [Sender].
type SenderConfig struct {
	// Addr is the receiver's TCP address, e.g. "10.0.0.2:5000".
	Addr string

	// ChunkBytes is the size of every block on the wire. Required.
	ChunkBytes int

	// QueueCapacity is the transport channel capacity. Zero selects
	// [DefaultQueueCapacity].
	QueueCapacity int

	// HighWaterBytes is the capture buffer high-water mark. See
	// [CaptureConfig.HighWaterBytes].
	HighWaterBytes int

	// DeviceWaitTimeout bounds a single wait for the capture device.
	DeviceWaitTimeout time.Duration

	// RecordFile, when set, names the append-only mirror log that receives a
	// copy of every byte written to the connection.
	RecordFile string

	// Dial configures connection establishment.
	Dial DialOptions

	// Metrics receives sender metrics. Nil selects [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Sender is the sending role: it connects to a receiver and streams the
// capture device to it. Capture and network run on two goroutines joined only
// by a [Channel]; neither cancels the other. A failure on one side reaches the
// other through channel closure alone.
type Sender struct {
	cfg     SenderConfig
	src     audio.FrameSource
	metrics *observe.Metrics

	connected atomic.Bool
	failed    atomic.Bool
}

// NewSender returns a sender streaming src. The sender takes ownership of src.
func NewSender(src audio.FrameSource, cfg SenderConfig) *Sender {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	s := &Sender{cfg: cfg, src: src, metrics: cfg.Metrics}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Connected reports whether a connection is currently established.
func (s *Sender) Connected() bool { return s.connected.Load() }

// Failed reports whether the last run ended with an error.
func (s *Sender) Failed() bool { return s.failed.Load() }

// Run connects, streams until the source ends, a side fails, or ctx is done,
// and releases the device, connection and mirror log. It returns nil on a
// clean end or shutdown, and the failure otherwise: a [ConnectionFailed],
// [CaptureFailed] or [TransportWriteFailed] error (joined when both sides
// failed independently).
//
// The connection is established before the device is started. When it cannot
// be established the device is released unstarted and no audio is captured.
func (s *Sender) Run(ctx context.Context) error {
	err := s.run(ctx)
	if err != nil {
		s.failed.Store(true)
		s.metrics.RecordError(ctx, KindOf(err).String())
	}
	return err
}

func (s *Sender) run(ctx context.Context) error {
	conn, err := Dial(ctx, s.cfg.Addr, s.cfg.Dial)
	if err != nil {
		_ = s.src.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()

	id := uuid.New().String()
	ctx, span := observe.StartConnSpan(ctx, trace.SpanKindClient, id, conn.LocalAddr().String(), conn.RemoteAddr().String())
	defer span.End()
	log := observe.Logger(ctx).With("conn_id", id, "addr", s.cfg.Addr)

	var mirror io.WriteCloser
	if s.cfg.RecordFile != "" {
		f, err := OpenMirror(s.cfg.RecordFile)
		if err != nil {
			_ = s.src.Close()
			return newError(TransportWriteFailed, err)
		}
		mirror = f
		defer func() {
			if err := mirror.Close(); err != nil {
				log.Warn("failed to close mirror log", "path", s.cfg.RecordFile, "err", err)
			}
		}()
	}

	closed := s.metrics.ConnectionOpened(ctx, "sender")
	defer closed()
	s.connected.Store(true)
	defer s.connected.Store(false)
	log.Info("connected to receiver", "record_file", s.cfg.RecordFile)

	// Unblock an in-flight connection write on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	ch := NewChannel(s.cfg.QueueCapacity)
	capture := NewCapture(s.src, ch, CaptureConfig{
		ChunkBytes:        s.cfg.ChunkBytes,
		HighWaterBytes:    s.cfg.HighWaterBytes,
		DeviceWaitTimeout: s.cfg.DeviceWaitTimeout,
		Metrics:           s.metrics,
		Logger:            log.With("side", "capture"),
	})
	sinkOpts := []SinkOption{
		WithSinkMetrics(s.metrics),
		WithSinkLogger(log.With("side", "network")),
	}
	if mirror != nil {
		sinkOpts = append(sinkOpts, WithMirror(mirror))
	}
	sink := NewSink(conn, ch, sinkOpts...)

	var captureErr, networkErr error
	var g errgroup.Group
	g.Go(func() error {
		captureErr = capture.Run(ctx)
		return captureErr
	})
	g.Go(func() error {
		networkErr = sink.Run(ctx)
		return networkErr
	})
	_ = g.Wait()

	err = joinFailures(captureErr, networkErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		return err
	}
	log.Info("stream finished")
	return nil
}

// joinFailures returns the root causes of a run. ErrReceiverGone on the
// capture side is only the echo of the network side stopping and is dropped.
func joinFailures(captureErr, networkErr error) error {
	if errors.Is(captureErr, ErrReceiverGone) {
		captureErr = nil
	}
	return errors.Join(captureErr, networkErr)
}
