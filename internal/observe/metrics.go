// Package observe provides application-wide observability primitives for
// voxnote: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// to Prometheus by [InitProvider]. Tests should use [NewMetrics] with their
// own [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxnote/pkg/live"
)

// meterName is the instrumentation scope name used for all voxnote metrics.
const meterName = "github.com/MrWong99/voxnote"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	meter metric.Meter

	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a live session takes.
	ConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler latency.
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks status server request latency. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Sessions counts session starts. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Sessions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Interruptions counts far-end interruptions that flushed playback.
	Interruptions metric.Int64Counter

	// TurnsCompleted counts model turns that finished normally.
	TurnsCompleted metric.Int64Counter

	// FramesCaptured counts capture frames handed to the transport.
	FramesCaptured metric.Int64Counter

	// FramesPlayed counts decoded frames enqueued for playback.
	FramesPlayed metric.Int64Counter

	// AudioDropped counts inbound audio units dropped before playback. Use
	// with attribute:
	//   attribute.String("reason", ...)
	AudioDropped metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds).
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
	if met.ConnectDuration, err = m.Float64Histogram("voxnote.live.connect.duration",
		metric.WithDescription("Latency of opening a live session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxnote.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxnote.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("voxnote.sessions",
		metric.WithDescription("Total live session starts by status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxnote.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxnote.playback.interruptions",
		metric.WithDescription("Total far-end interruptions that flushed playback."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voxnote.turns.completed",
		metric.WithDescription("Total model turns completed."),
	); err != nil {
		return nil, err
	}
	if met.FramesCaptured, err = m.Int64Counter("voxnote.audio.frames.captured",
		metric.WithDescription("Total capture frames handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("voxnote.audio.frames.played",
		metric.WithDescription("Total decoded frames enqueued for playback."),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("voxnote.audio.dropped",
		metric.WithDescription("Total inbound audio units dropped by reason."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxnote.active_sessions",
		metric.WithDescription("Number of open live sessions."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordSession records a session start with its outcome.
func (m *Metrics) RecordSession(ctx context.Context, status string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordAudioDropped records a dropped inbound audio unit.
func (m *Metrics) RecordAudioDropped(ctx context.Context, reason string) {
	m.AudioDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ObserveTransport exports the cumulative counters of a live client as
// observable counters. stats is called on every collection. The returned
// function unregisters the callback; call it when the session ends.
func (m *Metrics) ObserveTransport(stats func() live.Stats) (func() error, error) {
	chunks, err := m.meter.Int64ObservableCounter("voxnote.live.chunks.sent",
		metric.WithDescription("Audio chunks written to the live socket."))
	if err != nil {
		return nil, err
	}
	sent, err := m.meter.Int64ObservableCounter("voxnote.live.bytes.sent",
		metric.WithDescription("PCM bytes written to the live socket."),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}
	sendErrs, err := m.meter.Int64ObservableCounter("voxnote.live.send.errors",
		metric.WithDescription("Audio chunk writes that failed."))
	if err != nil {
		return nil, err
	}
	framesDropped, err := m.meter.Int64ObservableCounter("voxnote.live.frames.dropped",
		metric.WithDescription("Outbound frames dropped before sending."))
	if err != nil {
		return nil, err
	}
	msgsDropped, err := m.meter.Int64ObservableCounter("voxnote.live.messages.dropped",
		metric.WithDescription("Inbound messages that could not be routed."))
	if err != nil {
		return nil, err
	}
	malformed, err := m.meter.Int64ObservableCounter("voxnote.live.audio.malformed",
		metric.WithDescription("Inbound audio parts that failed to decode."))
	if err != nil {
		return nil, err
	}

	reg, err := m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		st := stats()
		o.ObserveInt64(chunks, int64(st.ChunksSent))
		o.ObserveInt64(sent, int64(st.BytesSent))
		o.ObserveInt64(sendErrs, int64(st.SendErrors))
		o.ObserveInt64(framesDropped, int64(st.FramesDropped))
		o.ObserveInt64(msgsDropped, int64(st.MessagesDropped))
		o.ObserveInt64(malformed, int64(st.MalformedAudio))
		return nil
	}, chunks, sent, sendErrs, framesDropped, msgsDropped, malformed)
	if err != nil {
		return nil, err
	}
	return reg.Unregister, nil
}
