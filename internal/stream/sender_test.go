package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/pcmlink/pkg/audio/mock"
)

func TestSender_StreamsToReceiverAndMirrorLog(t *testing.T) {
	t.Parallel()
	playback := mock.NewSink(f32Stereo)
	_, addr, _ := startReceiver(t, playback)

	const chunk = 256
	in := pattern(chunk*20 + 100)
	src := mock.NewSource(f32Stereo)
	for off := 0; off < len(in); off += 300 {
		src.Feed(in[off:min(off+300, len(in))])
	}
	src.Fail(io.EOF)

	logPath := filepath.Join(t.TempDir(), "recorded.raw")
	s := NewSender(src, SenderConfig{
		Addr:              addr,
		ChunkBytes:        chunk,
		DeviceWaitTimeout: time.Second,
		RecordFile:        logPath,
		Metrics:           newTestMetrics(t),
	})
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Failed() || s.Connected() {
		t.Errorf("Failed=%v Connected=%v after a clean run", s.Failed(), s.Connected())
	}

	want := in[:chunk*20]
	if !playback.WaitFor(len(want), 2*time.Second) {
		t.Fatalf("receiver played %d bytes, want %d", len(playback.Bytes()), len(want))
	}
	if !bytes.Equal(playback.Bytes(), want) {
		t.Error("played bytes differ from captured whole blocks")
	}
	logged, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read mirror log: %v", err)
	}
	if !bytes.Equal(logged, want) {
		t.Error("mirror log differs from the bytes sent on the wire")
	}
	if !src.Closed() {
		t.Error("capture device not released")
	}
}

func TestSender_ConnectionFailedReleasesDevice(t *testing.T) {
	t.Parallel()
	src := mock.NewSource(f32Stereo)
	s := NewSender(src, SenderConfig{
		Addr:       closedAddr(t),
		ChunkBytes: 8,
		Metrics:    newTestMetrics(t),
	})
	err := s.Run(context.Background())
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ConnectionFailed", err)
	}
	if !s.Failed() {
		t.Error("Failed() = false after a connection failure")
	}
	if !src.Closed() {
		t.Error("capture device not released")
	}
	if got := src.CallCount("Start"); got != 0 {
		t.Errorf("capture started %d times before a connection existed", got)
	}
}

func TestSender_CaptureFailureEndsStreamCleanly(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			got <- nil
			return
		}
		defer conn.Close()
		b, _ := io.ReadAll(conn)
		got <- b
	}()

	src := mock.NewSource(f32Stereo)
	src.Feed(pattern(16))
	s := NewSender(src, SenderConfig{
		Addr:              ln.Addr().String(),
		ChunkBytes:        8,
		DeviceWaitTimeout: 30 * time.Millisecond,
		Metrics:           newTestMetrics(t),
	})

	err = s.Run(context.Background())
	if !errors.Is(err, ErrCaptureFailed) || !errors.Is(err, ErrDeviceTimeout) {
		t.Fatalf("err = %v, want CaptureFailed(device timeout)", err)
	}
	select {
	case b := <-got:
		if !bytes.Equal(b, pattern(16)) {
			t.Errorf("peer received %v, want the blocks captured before the failure", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after the capture failure")
	}
}

func TestSender_ContextCancelIsClean(t *testing.T) {
	t.Parallel()
	playback := mock.NewSink(f32Stereo)
	_, addr, _ := startReceiver(t, playback)

	src := mock.NewSource(f32Stereo)
	s := NewSender(src, SenderConfig{
		Addr:              addr,
		ChunkBytes:        8,
		DeviceWaitTimeout: time.Minute,
		Metrics:           newTestMetrics(t),
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.Connected() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if !s.Connected() {
		t.Fatal("sender never connected")
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v, want nil on shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender did not stop after cancellation")
	}
}

func TestJoinFailures(t *testing.T) {
	t.Parallel()
	netErr := newError(TransportWriteFailed, errWireBroken)
	capErr := newError(CaptureFailed, ErrDeviceTimeout)

	tests := []struct {
		name    string
		capture error
		network error
		want    []error
		wantNil bool
	}{
		{"clean", nil, nil, nil, true},
		{"network only", ErrReceiverGone, netErr, []error{ErrTransportWriteFailed}, false},
		{"capture only", capErr, nil, []error{ErrCaptureFailed}, false},
		{"both", capErr, netErr, []error{ErrCaptureFailed, ErrTransportWriteFailed}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := joinFailures(tc.capture, tc.network)
			if tc.wantNil {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			for _, w := range tc.want {
				if !errors.Is(err, w) {
					t.Errorf("err = %v, want it to match %v", err, w)
				}
			}
			if errors.Is(err, ErrReceiverGone) {
				t.Error("ErrReceiverGone echo leaked into the result")
			}
		})
	}
}

func TestError_IsMatchesKindOnly(t *testing.T) {
	t.Parallel()
	err := newError(PeerReadFailed, io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrPeerReadFailed) {
		t.Error("kind sentinel did not match")
	}
	if errors.Is(err, ErrAcceptFailed) {
		t.Error("matched a different kind")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause not reachable")
	}
	if got := err.Error(); got != "stream: PeerReadFailed: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
}
