// Package observe provides application-wide observability primitives for
// echomeet: OpenTelemetry metrics, tracing helpers, and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed for
// scraping through the Prometheus bridge set up by [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] and a ManualReader
// rather than touching [DefaultMetrics].
//
// Every Record method is safe to call on a nil *Metrics, so components can
// treat metrics as optional.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all echomeet metrics.
const meterName = "github.com/MrWong99/echomeet"

// Metrics holds the OpenTelemetry instruments for the application.
type Metrics struct {
	// --- Audio capture ---

	// AudioBlocks counts PCM blocks handed to the transport.
	AudioBlocks metric.Int64Counter

	// AudioDroppedBlocks counts blocks dropped because the capture queue
	// was full.
	AudioDroppedBlocks metric.Int64Counter

	// --- Transport ---

	// TransportSentBytes counts bytes written to the socket. Attribute:
	//   attribute.String("channel", "audio"|"control")
	TransportSentBytes metric.Int64Counter

	// TransportDroppedSends counts sends rejected while disconnected or
	// saturated. Attribute: channel.
	TransportDroppedSends metric.Int64Counter

	// ReconnectAttempts counts scheduled reconnection attempts. Attribute:
	//   attribute.Int("attempt", ...)
	ReconnectAttempts metric.Int64Counter

	// StateChanges counts connection state notifications. Attribute:
	//   attribute.String("state", ...)
	StateChanges metric.Int64Counter

	// --- Protocol ---

	// Messages counts classified inbound messages by type.
	Messages metric.Int64Counter

	// DecodeErrors counts malformed inbound payloads.
	DecodeErrors metric.Int64Counter

	// --- Session ---

	// Transcripts counts finalized transcripts appended to the store.
	Transcripts metric.Int64Counter

	// Participants tracks the size of the current participant list.
	Participants metric.Int64UpDownCounter

	// --- Room API ---

	// RoomAPIDuration tracks room-management request latency. Attributes:
	//   attribute.String("op", ...), attribute.String("status", ...)
	RoomAPIDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status endpoint request time.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for request latency.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&met.AudioBlocks, "echomeet.audio.blocks", "PCM blocks forwarded to the transport.", ""},
		{&met.AudioDroppedBlocks, "echomeet.audio.dropped_blocks", "PCM blocks dropped on a full capture queue.", ""},
		{&met.TransportSentBytes, "echomeet.transport.sent_bytes", "Bytes written to the socket by channel.", "By"},
		{&met.TransportDroppedSends, "echomeet.transport.dropped_sends", "Sends dropped while not connected or saturated.", ""},
		{&met.ReconnectAttempts, "echomeet.transport.reconnect_attempts", "Scheduled reconnection attempts.", ""},
		{&met.StateChanges, "echomeet.transport.state_changes", "Connection state notifications by state.", ""},
		{&met.Messages, "echomeet.protocol.messages", "Inbound messages by type.", ""},
		{&met.DecodeErrors, "echomeet.protocol.decode_errors", "Malformed inbound payloads.", ""},
		{&met.Transcripts, "echomeet.session.transcripts", "Finalized transcripts appended to the session.", ""},
	}
	for _, c := range counters {
		opts := []metric.Int64CounterOption{metric.WithDescription(c.desc)}
		if c.unit != "" {
			opts = append(opts, metric.WithUnit(c.unit))
		}
		if *c.dst, err = m.Int64Counter(c.name, opts...); err != nil {
			return nil, err
		}
	}

	if met.Participants, err = m.Int64UpDownCounter("echomeet.session.participants",
		metric.WithDescription("Participants in the current room."),
	); err != nil {
		return nil, err
	}

	if met.RoomAPIDuration, err = m.Float64Histogram("echomeet.roomapi.duration",
		metric.WithDescription("Latency of room-management requests by operation and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("echomeet.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built from
// [otel.GetMeterProvider] on first call. Panics if instrument creation fails.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAudioBlock counts one forwarded block.
func (m *Metrics) RecordAudioBlock(ctx context.Context) {
	if m == nil {
		return
	}
	m.AudioBlocks.Add(ctx, 1)
}

// RecordAudioDropped counts n dropped blocks.
func (m *Metrics) RecordAudioDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioDroppedBlocks.Add(ctx, n)
}

// RecordSentBytes counts bytes written on channel ("audio" or "control").
func (m *Metrics) RecordSentBytes(ctx context.Context, channel string, n int) {
	if m == nil {
		return
	}
	m.TransportSentBytes.Add(ctx, int64(n), metric.WithAttributes(Attr("channel", channel)))
}

// RecordDroppedSend counts one rejected send on channel.
func (m *Metrics) RecordDroppedSend(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.TransportDroppedSends.Add(ctx, 1, metric.WithAttributes(Attr("channel", channel)))
}

// RecordReconnectScheduled counts one scheduled reconnection attempt.
func (m *Metrics) RecordReconnectScheduled(ctx context.Context, attempt int) {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordStateChange counts one state notification.
func (m *Metrics) RecordStateChange(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.StateChanges.Add(ctx, 1, metric.WithAttributes(Attr("state", state)))
}

// RecordMessage counts one inbound message of the given type.
func (m *Metrics) RecordMessage(ctx context.Context, typ string) {
	if m == nil {
		return
	}
	m.Messages.Add(ctx, 1, metric.WithAttributes(Attr("type", typ)))
}

// RecordDecodeError counts one malformed payload.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(ctx, 1)
}

// RecordTranscript counts one appended transcript.
func (m *Metrics) RecordTranscript(ctx context.Context) {
	if m == nil {
		return
	}
	m.Transcripts.Add(ctx, 1)
}

// AddParticipants adjusts the participant gauge by delta.
func (m *Metrics) AddParticipants(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.Participants.Add(ctx, delta)
}

// RecordRoomAPI records the latency of one room-management request.
func (m *Metrics) RecordRoomAPI(ctx context.Context, op, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RoomAPIDuration.Record(ctx, seconds,
		metric.WithAttributes(
			Attr("op", op),
			Attr("status", status),
		),
	)
}
