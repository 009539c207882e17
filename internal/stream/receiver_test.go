package stream

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/MrWong99/pcmlink/internal/observe"
	"github.com/MrWong99/pcmlink/pkg/audio/mock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// startReceiver serves on a random loopback port and returns the receiver,
// its address and a func that stops it and returns Serve's error.
func startReceiver(t *testing.T, sink *mock.Sink) (*Receiver, string, func() error) {
	t.Helper()
	return startReceiverWithMetrics(t, sink, newTestMetrics(t))
}

func startReceiverWithMetrics(t *testing.T, sink *mock.Sink, metrics *observe.Metrics) (*Receiver, string, func() error) {
	t.Helper()
	r := NewReceiver(sink, ReceiverConfig{
		Addr:            "127.0.0.1:0",
		ReadBufferBytes: 7,
		Metrics:         metrics,
	})
	if err := r.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Serve(ctx) }()

	stopped := false
	var serveErr error
	stop := func() error {
		if !stopped {
			stopped = true
			cancel()
			serveErr = <-errc
		}
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })
	return r, r.Addr().String(), stop
}

// waitInt64 polls until the named gauge or counter reports want.
func waitInt64(t *testing.T, reader *sdkmetric.ManualReader, name string, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, ok := int64Value(t, reader, name)
		if ok && v == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s = %d (recorded %v), want %d", name, v, ok, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, r *Receiver, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", r.State(), want)
}

func TestReceiver_StreamsBytesToSink(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(f32Stereo)
	r, addr, _ := startReceiver(t, sink)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	in := pattern(1000)
	if _, err := conn.Write(in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !sink.WaitFor(len(in), 2*time.Second) {
		t.Fatalf("sink got %d bytes, want %d", len(sink.Bytes()), len(in))
	}
	if r.State() != Streaming {
		t.Errorf("state = %v while connected, want STREAMING", r.State())
	}
	_ = conn.Close()

	waitState(t, r, Listening)
	if !bytes.Equal(sink.Bytes(), in) {
		t.Error("sink bytes differ from what the peer sent")
	}
}

// A peer that connects and closes without sending anything produces a
// zero-length read; the receiver goes back to listening and serves the next
// peer.
func TestReceiver_EmptyConnectionReturnsToListening(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(f32Stereo)
	r, addr, stop := startReceiver(t, sink)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
	waitState(t, r, Listening)

	conn, err = net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	_, _ = conn.Write([]byte{1, 2, 3})
	if !sink.WaitFor(3, 2*time.Second) {
		t.Fatal("second connection was not served")
	}
	_ = conn.Close()

	if err := stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestReceiver_PlaybackFailureDropsConnection(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(f32Stereo)
	sink.WriteError = errors.New("device lost")
	r, addr, _ := startReceiver(t, sink)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte{1, 2, 3, 4})

	// The receiver closes its end; our read sees EOF or a reset.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the receiver to drop the connection")
	}
	waitState(t, r, Listening)
}

// A peer that resets its connection makes the read fail. The receiver counts
// a PeerReadFailed error, goes back to listening and serves the next peer.
func TestReceiver_PeerResetReturnsToListening(t *testing.T) {
	t.Parallel()
	metrics, reader := newRecordingMetrics(t)
	sink := mock.NewSink(f32Stereo)
	r, addr, stop := startReceiverWithMetrics(t, sink, metrics)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !sink.WaitFor(3, 2*time.Second) {
		t.Fatal("first connection was not streaming")
	}
	if err := conn.(*net.TCPConn).SetLinger(0); err != nil {
		t.Fatalf("SetLinger: %v", err)
	}
	_ = conn.Close()

	waitInt64(t, reader, "pcmlink.errors", 1)
	waitState(t, r, Listening)

	conn, err = net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	_, _ = conn.Write([]byte{4, 5})
	if !sink.WaitFor(5, 2*time.Second) {
		t.Fatal("second connection was not served")
	}
	_ = conn.Close()

	if err := stop(); err != nil {
		t.Fatalf("Serve = %v, want nil", err)
	}
	if !bytes.Equal(sink.Bytes(), []byte{1, 2, 3, 4, 5}) {
		t.Errorf("sink bytes = %v", sink.Bytes())
	}
}

func TestReceiver_ReportsPlaybackXruns(t *testing.T) {
	t.Parallel()
	metrics, reader := newRecordingMetrics(t)
	sink := mock.NewSink(f32Stereo)
	sink.AddXruns(2)
	startReceiverWithMetrics(t, sink, metrics)

	waitInt64(t, reader, "pcmlink.device.xruns", 2)
	sink.AddXruns(3)
	waitInt64(t, reader, "pcmlink.device.xruns", 5)
}

func TestReceiver_BindFailureIsTerminal(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	r := NewReceiver(mock.NewSink(f32Stereo), ReceiverConfig{
		Addr:    ln.Addr().String(),
		Metrics: newTestMetrics(t),
	})
	err = r.Serve(context.Background())
	if !errors.Is(err, ErrAcceptFailed) {
		t.Fatalf("err = %v, want AcceptFailed", err)
	}
	if r.State() != Terminal {
		t.Errorf("state = %v, want TERMINAL", r.State())
	}
}

func TestReceiver_CancelClosesActiveConnection(t *testing.T) {
	t.Parallel()
	sink := mock.NewSink(f32Stereo)
	r, addr, stop := startReceiver(t, sink)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_, _ = conn.Write([]byte{1})
	if !sink.WaitFor(1, 2*time.Second) {
		t.Fatal("connection not streaming")
	}

	done := make(chan error, 1)
	go func() { done <- stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve = %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	if r.State() != Listening {
		t.Errorf("state = %v after shutdown, want LISTENING", r.State())
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		Listening: "LISTENING",
		Streaming: "STREAMING",
		Terminal:  "TERMINAL",
		State(9):  "UNKNOWN",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
