package stream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/pcmlink/internal/observe"
	"github.com/MrWong99/pcmlink/pkg/audio"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// f32Stereo is 44.1 kHz stereo f32: block align 8 bytes.
var f32Stereo = audio.Format{SampleRate: 44100, Channels: 2, SampleFormat: audio.SampleF32}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// newRecordingMetrics returns metrics backed by a ManualReader so tests can
// inspect what the pipeline recorded.
func newRecordingMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// findMetric collects reader and returns the metric called name, or nil.
func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// int64Value returns the value of the first data point of an int64 gauge or
// sum, and false when the metric has not been recorded.
func int64Value(t *testing.T, reader *sdkmetric.ManualReader, name string) (int64, bool) {
	t.Helper()
	met := findMetric(t, reader, name)
	if met == nil {
		return 0, false
	}
	switch data := met.Data.(type) {
	case metricdata.Gauge[int64]:
		if len(data.DataPoints) > 0 {
			return data.DataPoints[0].Value, true
		}
	case metricdata.Sum[int64]:
		if len(data.DataPoints) > 0 {
			return data.DataPoints[0].Value, true
		}
	}
	return 0, false
}

// histogramCount returns the sample count of a float64 histogram.
func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	met := findMetric(t, reader, name)
	if met == nil {
		return 0
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		return 0
	}
	return hist.DataPoints[0].Count
}

// pattern returns n bytes whose values encode their position, so reordering
// or loss is visible in comparisons.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// bufWriter is a concurrency-safe in-memory writer.
type bufWriter struct {
	mu   sync.Mutex
	data []byte
}

func (w *bufWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *bufWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.data...)
}

// shortWriter accepts at most max bytes per Write.
type shortWriter struct {
	bufWriter
	max int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.bufWriter.Write(p)
}

// failingWriter accepts okWrites writes, then fails every later one.
type failingWriter struct {
	mu       sync.Mutex
	okWrites int
	writes   int
}

var errWireBroken = errors.New("connection reset by peer")

func (w *failingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes++
	if w.writes > w.okWrites {
		return 0, errWireBroken
	}
	return len(p), nil
}
