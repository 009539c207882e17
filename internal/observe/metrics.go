// Package observe provides application-wide observability primitives for
// pcmlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pcmlink metrics.
const meterName = "github.com/MrWong99/pcmlink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture side ---

	// CaptureBufferedBytes reports bytes captured but not yet handed to the
	// transport channel.
	CaptureBufferedBytes metric.Int64Gauge

	// BackpressureEvents counts episodes in which the capture buffer rose
	// above its high-water mark.
	BackpressureEvents metric.Int64Counter

	// ChannelDepth reports the number of blocks queued in the transport
	// channel.
	ChannelDepth metric.Int64Gauge

	// CaptureStalled is 1 while the capture loop waits on a full transport
	// channel and 0 otherwise.
	CaptureStalled metric.Int64Gauge

	// SendBlockedDuration tracks how long the capture loop waited on a full
	// transport channel before a block was accepted.
	SendBlockedDuration metric.Float64Histogram

	// DeviceXruns reports audio lost by a device because the other side of
	// its buffer fell behind. Observed through [Metrics.ObserveXruns] with
	// attribute:
	//   attribute.String("side", ...)
	DeviceXruns metric.Int64ObservableCounter

	// --- Network side ---

	// BlocksSent counts sample blocks fully written to the connection.
	BlocksSent metric.Int64Counter

	// BytesSent counts bytes fully written to the connection.
	BytesSent metric.Int64Counter

	// BlockWriteDuration tracks how long one block takes to reach the
	// connection (and the mirror log, when configured).
	BlockWriteDuration metric.Float64Histogram

	// BytesReceived counts bytes read by the receiver and handed to playback.
	BytesReceived metric.Int64Counter

	// Connections counts established connections. Use with attribute:
	//   attribute.String("role", ...)
	Connections metric.Int64Counter

	// ActiveConnections tracks connections currently open. Use with attribute:
	//   attribute.String("role", ...)
	ActiveConnections metric.Int64UpDownCounter

	// --- Error counters ---

	// StreamErrors counts pipeline failures. Use with attribute:
	//   attribute.String("kind", ...)
	StreamErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram

	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for block
// writes. A 4096-frame block at 44.1 kHz spans ~93 ms, so the interesting
// range is well below a second.
var latencyBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// stallBuckets covers waits from a fraction of one block up to a stall of
// several seconds.
var stallBuckets = []float64{
	0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Gauges.
	if met.CaptureBufferedBytes, err = m.Int64Gauge("pcmlink.capture.buffered_bytes",
		metric.WithDescription("Captured bytes not yet handed to the transport channel."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ChannelDepth, err = m.Int64Gauge("pcmlink.channel.depth",
		metric.WithDescription("Sample blocks queued in the transport channel."),
	); err != nil {
		return nil, err
	}
	if met.CaptureStalled, err = m.Int64Gauge("pcmlink.capture.stalled",
		metric.WithDescription("1 while capture waits on a full transport channel."),
	); err != nil {
		return nil, err
	}
	if met.DeviceXruns, err = m.Int64ObservableCounter("pcmlink.device.xruns",
		metric.WithDescription("Audio periods lost by a device because its peer fell behind."),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.BackpressureEvents, err = m.Int64Counter("pcmlink.capture.backpressure_events",
		metric.WithDescription("Times the capture buffer rose above its high-water mark."),
	); err != nil {
		return nil, err
	}
	if met.BlocksSent, err = m.Int64Counter("pcmlink.sender.blocks",
		metric.WithDescription("Sample blocks written to the connection."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("pcmlink.sender.bytes",
		metric.WithDescription("Bytes written to the connection."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BytesReceived, err = m.Int64Counter("pcmlink.receiver.bytes",
		metric.WithDescription("Bytes read from the peer and handed to playback."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.Connections, err = m.Int64Counter("pcmlink.connections",
		metric.WithDescription("Established connections by role."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("pcmlink.active_connections",
		metric.WithDescription("Connections currently open by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StreamErrors, err = m.Int64Counter("pcmlink.errors",
		metric.WithDescription("Streaming failures by kind."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.BlockWriteDuration, err = m.Float64Histogram("pcmlink.sender.block_write.duration",
		metric.WithDescription("Time to write one sample block to the connection and mirror log."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SendBlockedDuration, err = m.Float64Histogram("pcmlink.capture.send_blocked.duration",
		metric.WithDescription("Time capture waited on a full transport channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stallBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pcmlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordError records a pipeline failure of the given kind.
func (m *Metrics) RecordError(ctx context.Context, kind string) {
	m.StreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordBlockSent records one block of n bytes fully written to the
// connection, taking seconds to write.
func (m *Metrics) RecordBlockSent(ctx context.Context, n int, seconds float64) {
	m.BlocksSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
	m.BlockWriteDuration.Record(ctx, seconds)
}

// ConnectionOpened records a newly established connection for role and
// returns a func that marks it closed.
func (m *Metrics) ConnectionOpened(ctx context.Context, role string) (closed func()) {
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.Connections.Add(ctx, 1, attrs)
	m.ActiveConnections.Add(ctx, 1, attrs)
	return func() {
		m.ActiveConnections.Add(context.Background(), -1, attrs)
	}
}

// ObserveXruns reports fn's running total as pcmlink.device.xruns for side
// ("capture" or "playback") at every collection. The returned stop func
// unregisters it.
func (m *Metrics) ObserveXruns(side string, fn func() int64) (stop func(), err error) {
	attrs := metric.WithAttributes(attribute.String("side", side))
	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.DeviceXruns, fn(), attrs)
		return nil
	}, m.DeviceXruns)
	if err != nil {
		return nil, err
	}
	return func() { _ = reg.Unregister() }, nil
}
