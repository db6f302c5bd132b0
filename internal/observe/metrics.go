// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
//
// Device callbacks never touch OTel instruments directly. They bump atomics
// that are read by the observable instruments registered through
// [Metrics.RegisterAudioStats].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// ConnectDuration tracks the time from dial to an active session.
	ConnectDuration metric.Float64Histogram

	// FirstAudioLatency tracks the time from response.created to the first
	// audio delta of that generation.
	FirstAudioLatency metric.Float64Histogram

	// ToolExecutionDuration tracks function call latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// ServerEvents counts inbound events. Use with attribute:
	//   attribute.String("type", ...)
	ServerEvents metric.Int64Counter

	// ServerErrors counts error events. Use with attribute:
	//   attribute.Bool("suppressed", ...)
	ServerErrors metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// BargeIns counts generations interrupted by the user speaking.
	BargeIns metric.Int64Counter

	// StaleDeltas counts audio deltas discarded after a barge-in.
	StaleDeltas metric.Int64Counter

	// AudioChunksSent counts input_audio_buffer.append messages sent.
	AudioChunksSent metric.Int64Counter

	// Commits counts input_audio_buffer.commit messages sent.
	Commits metric.Int64Counter

	// BacklogOverflows counts audio chunks rejected because the offline
	// backlog was full.
	BacklogOverflows metric.Int64Counter

	// Reconnects counts reconnect attempts. Use with attribute:
	//   attribute.String("status", ...)
	Reconnects metric.Int64Counter

	// OrdersPlaced counts orders persisted by place_order.
	OrdersPlaced metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of active realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Observable device statistics ---

	// PlaybackFrames is the total number of output device periods rendered.
	PlaybackFrames metric.Int64ObservableCounter

	// PlaybackUnderruns counts output periods that were partially or fully
	// zero-filled while a generation was playing.
	PlaybackUnderruns metric.Int64ObservableCounter

	// CaptureFrames is the total number of input device periods received.
	CaptureFrames metric.Int64ObservableCounter

	// DeviceStatus counts callbacks that reported a non-zero status flag.
	// Use with attribute: attribute.String("direction", ...)
	DeviceStatus metric.Int64ObservableCounter

	// PlaybackBuffered is the number of bytes waiting in the playback buffer.
	PlaybackBuffered metric.Int64ObservableGauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxline.session.connect.duration",
		metric.WithDescription("Time from dial to an active realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voxline.generation.first_audio",
		metric.WithDescription("Time from response.created to the first audio delta."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxline.tool_execution.duration",
		metric.WithDescription("Latency of function call execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.ServerEvents, "voxline.server.events", "Total inbound server events by type."},
		{&met.ServerErrors, "voxline.server.errors", "Total server error events, split by whether they were suppressed."},
		{&met.ToolCalls, "voxline.tool.calls", "Total tool invocations by tool name and status."},
		{&met.BargeIns, "voxline.barge_ins", "Total generations interrupted by user speech."},
		{&met.StaleDeltas, "voxline.audio.stale_deltas", "Total audio deltas discarded after a barge-in."},
		{&met.AudioChunksSent, "voxline.audio.chunks_sent", "Total input audio chunks sent."},
		{&met.Commits, "voxline.audio.commits", "Total input audio buffer commits sent."},
		{&met.BacklogOverflows, "voxline.audio.backlog_overflows", "Total audio chunks rejected by a full offline backlog."},
		{&met.Reconnects, "voxline.session.reconnects", "Total reconnect attempts by status."},
		{&met.OrdersPlaced, "voxline.orders.placed", "Total orders persisted."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxline.active_sessions",
		metric.WithDescription("Number of active realtime sessions."),
	); err != nil {
		return nil, err
	}

	// Observables.
	if met.PlaybackFrames, err = m.Int64ObservableCounter("voxline.playback.periods",
		metric.WithDescription("Output device periods rendered."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderruns, err = m.Int64ObservableCounter("voxline.playback.underruns",
		metric.WithDescription("Output periods zero-filled while a generation was playing."),
	); err != nil {
		return nil, err
	}
	if met.CaptureFrames, err = m.Int64ObservableCounter("voxline.capture.periods",
		metric.WithDescription("Input device periods received."),
	); err != nil {
		return nil, err
	}
	if met.DeviceStatus, err = m.Int64ObservableCounter("voxline.device.status_flags",
		metric.WithDescription("Device callbacks reporting a non-zero status flag."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackBuffered, err = m.Int64ObservableGauge("voxline.playback.buffered",
		metric.WithDescription("Bytes waiting in the playback buffer."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
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

// AudioStats is a snapshot of the counters maintained by the device drivers.
type AudioStats struct {
	PlaybackPeriods int64
	Underruns       int64
	OutputStatus    int64
	CapturePeriods  int64
	InputStatus     int64
	BufferedBytes   int64
}

// RegisterAudioStats registers fn as the source of the observable device
// instruments. fn is called on every collection and must be cheap. Call
// Unregister on the returned registration when the drivers go away.
func (m *Metrics) RegisterAudioStats(fn func() AudioStats) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := fn()
		o.ObserveInt64(m.PlaybackFrames, s.PlaybackPeriods)
		o.ObserveInt64(m.PlaybackUnderruns, s.Underruns)
		o.ObserveInt64(m.CaptureFrames, s.CapturePeriods)
		o.ObserveInt64(m.DeviceStatus, s.OutputStatus, metric.WithAttributes(attribute.String("direction", "output")))
		o.ObserveInt64(m.DeviceStatus, s.InputStatus, metric.WithAttributes(attribute.String("direction", "input")))
		o.ObserveInt64(m.PlaybackBuffered, s.BufferedBytes)
		return nil
	}, m.PlaybackFrames, m.PlaybackUnderruns, m.CaptureFrames, m.DeviceStatus, m.PlaybackBuffered)
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordServerEvent records an inbound event of the given type.
func (m *Metrics) RecordServerEvent(ctx context.Context, eventType string) {
	m.ServerEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordServerError records an error event.
func (m *Metrics) RecordServerError(ctx context.Context, suppressed bool) {
	m.ServerErrors.Add(ctx, 1, metric.WithAttributes(attribute.Bool("suppressed", suppressed)))
}

// RecordReconnect records a reconnect attempt outcome ("ok" or "error").
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
