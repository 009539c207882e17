package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/pcmlink/internal/observe"
	"github.com/MrWong99/pcmlink/pkg/audio"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultReadBufferBytes is the receiver's default read size.
const DefaultReadBufferBytes = 32768

// State is the lifecycle position of a [Receiver].
type State int32

const (
	// Listening means the receiver is waiting for a peer.
	Listening State = iota

	// Streaming means a peer is connected and bytes flow to playback.
	Streaming

	// Terminal means the receiver could not bind, listen or accept and will
	// not serve again.
	Terminal
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Listening:
		return "LISTENING"
	case Streaming:
		return "STREAMING"
	case Terminal:
		return "TERMINAL"
	default:
		return "UNKNOWN"
	}
}

// ReceiverConfig configures a [Receiver].
type ReceiverConfig struct {
	// Addr is the TCP address to listen on, e.g. "0.0.0.0:5000".
	Addr string

	// ReadBufferBytes is the maximum size of one read. Zero selects
	// [DefaultReadBufferBytes].
	ReadBufferBytes int

	// Metrics receives connection and byte counters. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Receiver is the network source / player: a TCP server that accepts one
// connection at a time and hands every received byte, unframed and in order,
// to a playback device. A failed connection is logged and the receiver goes
// back to listening; only a bind, listen or accept failure ends it.
//
// The playback device is owned by the caller and outlives connections.
type Receiver struct {
	cfg     ReceiverConfig
	sink    audio.FrameSink
	metrics *observe.Metrics

	state atomic.Int32

	mu sync.Mutex
	ln net.Listener
}

// NewReceiver returns a receiver playing to sink.
func NewReceiver(sink audio.FrameSink, cfg ReceiverConfig) *Receiver {
	if cfg.ReadBufferBytes <= 0 {
		cfg.ReadBufferBytes = DefaultReadBufferBytes
	}
	r := &Receiver{cfg: cfg, sink: sink, metrics: cfg.Metrics}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// State returns the current state.
func (r *Receiver) State() State { return State(r.state.Load()) }

// Listen binds the listening socket. Serve calls it when needed; calling it
// first lets the caller learn the bound address (see [Receiver.Addr]) before
// serving.
func (r *Receiver) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		r.state.Store(int32(Terminal))
		r.metrics.RecordError(context.Background(), AcceptFailed.String())
		return newError(AcceptFailed, err)
	}
	r.ln = ln
	r.state.Store(int32(Listening))
	return nil
}

// Addr returns the bound address, or nil before [Receiver.Listen].
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serve accepts and streams connections one after another until ctx is done
// (returns nil) or the listener fails (returns an [AcceptFailed] error).
func (r *Receiver) Serve(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	if x, ok := r.sink.(audio.XrunReporter); ok {
		stopXruns, err := r.metrics.ObserveXruns("playback", x.Xruns)
		if err != nil {
			slog.Warn("failed to observe playback xruns", "err", err)
		} else {
			defer stopXruns()
		}
	}

	slog.Info("receiver listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.state.Store(int32(Terminal))
			r.metrics.RecordError(ctx, AcceptFailed.String())
			return newError(AcceptFailed, err)
		}
		r.handle(ctx, conn)
		r.state.Store(int32(Listening))
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle streams one connection to the playback device until the peer
// closes it, a read or playback write fails, or ctx is done.
func (r *Receiver) handle(ctx context.Context, conn net.Conn) {
	id := uuid.New().String()
	remote := conn.RemoteAddr().String()
	ctx, span := observe.StartConnSpan(ctx, trace.SpanKindServer, id, conn.LocalAddr().String(), remote)
	defer span.End()
	log := observe.Logger(ctx).With("conn_id", id, "remote", remote)

	closed := r.metrics.ConnectionOpened(ctx, "receiver")
	defer closed()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	r.state.Store(int32(Streaming))
	log.Info("peer connected")

	var total int64
	buf := make([]byte, r.cfg.ReadBufferBytes)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := r.sink.Write(buf[:n]); werr != nil {
				r.fail(ctx, span, log, newError(PlaybackFailed, werr), total)
				return
			}
			total += int64(n)
			r.metrics.BytesReceived.Add(ctx, int64(n))
		}
		switch {
		case errors.Is(err, io.EOF), err == nil && n == 0:
			span.SetAttributes(attribute.Int64("pcmlink.bytes", total))
			log.Info("peer closed connection", "bytes", total)
			return
		case err != nil:
			if ctx.Err() != nil {
				log.Info("connection closed on shutdown", "bytes", total)
				return
			}
			r.fail(ctx, span, log, newError(PeerReadFailed, err), total)
			return
		}
	}
}

func (r *Receiver) fail(ctx context.Context, span trace.Span, log *slog.Logger, err *Error, total int64) {
	r.metrics.RecordError(ctx, err.Kind.String())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Kind.String())
	span.SetAttributes(attribute.Int64("pcmlink.bytes", total))
	log.Error("connection failed, waiting for the next peer", "err", err, "bytes", total)
}
