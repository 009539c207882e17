package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/MrWong99/pcmlink/internal/observe"
)

// SinkOption is a functional option for [NewSink].
type SinkOption func(*Sink)

// WithMirror makes the sink copy every block written to the connection to w,
// after the connection write succeeded.
func WithMirror(w io.Writer) SinkOption {
	return func(s *Sink) { s.mirror = w }
}

// WithSinkMetrics sets the metrics the sink records to. Defaults to
// [observe.DefaultMetrics].
func WithSinkMetrics(m *observe.Metrics) SinkOption {
	return func(s *Sink) { s.metrics = m }
}

// WithSinkLogger sets the sink's logger. Defaults to [slog.Default].
func WithSinkLogger(l *slog.Logger) SinkOption {
	return func(s *Sink) { s.log = l }
}

// Sink is the consumer half of a sender: it drains the transport channel and
// writes each block, whole and in order, to the connection.
type Sink struct {
	conn    io.Writer
	ch      *Channel
	mirror  io.Writer
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewSink returns a sink writing blocks received from ch to conn.
func NewSink(conn io.Writer, ch *Channel, opts ...SinkOption) *Sink {
	s := &Sink{conn: conn, ch: ch}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Run writes blocks until the producer closes the channel (returns nil), ctx
// is done (returns nil), or a write fails (returns a [TransportWriteFailed]
// error). On every exit it closes the receiving side of the channel so that
// the producer's next Send fails fast.
func (s *Sink) Run(ctx context.Context) error {
	defer s.ch.CloseReceive()

	var blocks int
	for {
		block, err := s.ch.Receive(ctx)
		if err != nil {
			s.log.Debug("sink stopped", "blocks", blocks, "reason", err)
			return nil
		}

		start := time.Now()
		if err := writeFull(s.conn, block); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return newError(TransportWriteFailed, fmt.Errorf("write connection: %w", err))
		}
		if s.mirror != nil {
			if err := writeFull(s.mirror, block); err != nil {
				return newError(TransportWriteFailed, fmt.Errorf("write mirror log: %w", err))
			}
		}
		blocks++
		s.metrics.RecordBlockSent(ctx, len(block), time.Since(start).Seconds())
	}
}

// writeFull writes all of p to w, retrying short writes.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// OpenMirror opens (creating if needed) the append-only mirror log at path.
func OpenMirror(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("stream: open mirror log: %w", err)
	}
	return f, nil
}
