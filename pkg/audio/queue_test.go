package audio_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/pcmlink/pkg/audio"
)

func TestSpanQueue_PopConcatenatesPending(t *testing.T) {
	t.Parallel()
	q := audio.NewSpanQueue(4)
	q.Push([]byte{1, 2})
	q.Push([]byte{3})
	q.Push(nil)

	got, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if string(got) != string([]byte{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}

func TestSpanQueue_PushCopies(t *testing.T) {
	t.Parallel()
	q := audio.NewSpanQueue(1)
	buf := []byte{9}
	q.Push(buf)
	buf[0] = 0

	got, _ := q.Pop(context.Background())
	if got[0] != 9 {
		t.Errorf("queue shares caller buffer: got %d, want 9", got[0])
	}
}

func TestSpanQueue_OverrunDrops(t *testing.T) {
	t.Parallel()
	q := audio.NewSpanQueue(1)
	if !q.Push([]byte{1}) {
		t.Fatal("first push should succeed")
	}
	if q.Push([]byte{2}) {
		t.Fatal("second push should be dropped")
	}
	if got := q.Overruns(); got != 1 {
		t.Errorf("Overruns = %d, want 1", got)
	}
}

func TestSpanQueue_PopRespectsContext(t *testing.T) {
	t.Parallel()
	q := audio.NewSpanQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestSpanQueue_CloseDrainsThenFails(t *testing.T) {
	t.Parallel()
	q := audio.NewSpanQueue(2)
	q.Push([]byte{1})
	q.Close()
	q.Close()

	if q.Push([]byte{2}) {
		t.Error("push after close should be rejected")
	}
	got, err := q.Pop(context.Background())
	if err != nil || len(got) != 1 {
		t.Fatalf("Pop after close = %v, %v; want pending span", got, err)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, audio.ErrDeviceClosed) {
		t.Errorf("err = %v, want ErrDeviceClosed", err)
	}
}
