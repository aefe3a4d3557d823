// Package observe provides application-wide observability primitives for
// fawn: OpenTelemetry metrics, distributed tracing, trace-correlated logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. Tests use [NewMetrics] with
// their own [metric.MeterProvider].
//
// A nil *Metrics is valid: every Record method is a no-op on it, so
// components can take metrics as an optional dependency.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all fawn metrics.
const meterName = "github.com/MrWong99/fawn"

// Utterance results recorded on [Metrics.Utterances].
const (
	UtteranceQueued    = "queued"
	UtteranceDropped   = "dropped"
	UtteranceDiscarded = "discarded"
	UtteranceForced    = "forced"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks a whole dialog turn, from StartTurn to the end of
	// playback. Attributes: transport, status.
	TurnDuration metric.Float64Histogram

	// FirstAudio tracks the delay between sending an utterance and the first
	// reply audio chunk. Attribute: transport.
	FirstAudio metric.Float64Histogram

	// UtteranceDuration tracks the audio length of finalized utterances.
	UtteranceDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts segmenter outcomes. Attribute: result.
	Utterances metric.Int64Counter

	// Turns counts completed turns. Attributes: transport, status.
	Turns metric.Int64Counter

	// TransportErrors counts transport failures. Attributes: transport, kind.
	TransportErrors metric.Int64Counter

	// PlaybackUnderflows counts playback ring underflows.
	PlaybackUnderflows metric.Int64Counter

	// FramesDropped counts capture frames lost before the orchestrator.
	FramesDropped metric.Int64Counter

	// LocalCommands counts executed local commands. Attributes: command,
	// source.
	LocalCommands metric.Int64Counter

	// WakeEvents counts accepted wake events.
	WakeEvents metric.Int64Counter

	// --- Gauges ---

	// DialogActive is 1 while the orchestrator is in dialog mode.
	DialogActive metric.Int64UpDownCounter

	// TransportConnected is 1 while the streaming session is established.
	TransportConnected metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin API latency. Attributes: method,
	// path, status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// dialog-turn latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("fawn.turn.duration",
		metric.WithDescription("Duration of a dialog turn including playback."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudio, err = m.Float64Histogram("fawn.turn.first_audio",
		metric.WithDescription("Delay from utterance upload to first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("fawn.utterance.duration",
		metric.WithDescription("Audio length of finalized utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("fawn.utterances",
		metric.WithDescription("Segmenter outcomes by result."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("fawn.turns",
		metric.WithDescription("Completed dialog turns by transport and status."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("fawn.transport.errors",
		metric.WithDescription("Transport failures by transport and kind."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackUnderflows, err = m.Int64Counter("fawn.playback.underflows",
		metric.WithDescription("Playback ring underflows."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("fawn.frames.dropped",
		metric.WithDescription("Capture frames dropped before orchestration."),
	); err != nil {
		return nil, err
	}
	if met.LocalCommands, err = m.Int64Counter("fawn.local_commands",
		metric.WithDescription("Executed local commands by command and source."),
	); err != nil {
		return nil, err
	}
	if met.WakeEvents, err = m.Int64Counter("fawn.wake_events",
		metric.WithDescription("Accepted wake events."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.DialogActive, err = m.Int64UpDownCounter("fawn.dialog.active",
		metric.WithDescription("1 while dialog mode is active."),
	); err != nil {
		return nil, err
	}
	if met.TransportConnected, err = m.Int64UpDownCounter("fawn.transport.connected",
		metric.WithDescription("1 while the streaming session is established."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("fawn.http.request.duration",
		metric.WithDescription("Admin API latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordTurn records a completed turn's count and duration.
func (m *Metrics) RecordTurn(ctx context.Context, transport, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("status", status),
	)
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFirstAudio records the time to the first reply chunk.
func (m *Metrics) RecordFirstAudio(ctx context.Context, transport string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudio.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("transport", transport)))
}

// RecordUtterance records a segmenter outcome. durationMs is recorded on the
// duration histogram for queued utterances only.
func (m *Metrics) RecordUtterance(ctx context.Context, result string, durationMs int) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if result == UtteranceQueued {
		m.UtteranceDuration.Record(ctx, float64(durationMs)/1000)
	}
}

// RecordTransportError records a transport failure of the given kind.
func (m *Metrics) RecordTransportError(ctx context.Context, transport, kind string) {
	if m == nil {
		return
	}
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.String("kind", kind),
		),
	)
}

// RecordLocalCommand records an executed local command.
func (m *Metrics) RecordLocalCommand(ctx context.Context, command, source string) {
	if m == nil {
		return
	}
	m.LocalCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("source", source),
		),
	)
}

// RecordWake records an accepted wake event.
func (m *Metrics) RecordWake(ctx context.Context) {
	if m == nil {
		return
	}
	m.WakeEvents.Add(ctx, 1)
}

// RecordFramesDropped adds n dropped capture frames.
func (m *Metrics) RecordFramesDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n)
}

// RecordUnderflow records one playback underflow.
func (m *Metrics) RecordUnderflow(ctx context.Context) {
	if m == nil {
		return
	}
	m.PlaybackUnderflows.Add(ctx, 1)
}

// SetDialogActive moves the dialog gauge by +1 or -1.
func (m *Metrics) SetDialogActive(ctx context.Context, active bool) {
	if m == nil {
		return
	}
	m.DialogActive.Add(ctx, delta(active))
}

// SetTransportConnected moves the connection gauge by +1 or -1.
func (m *Metrics) SetTransportConnected(ctx context.Context, connected bool) {
	if m == nil {
		return
	}
	m.TransportConnected.Add(ctx, delta(connected))
}

func delta(up bool) int64 {
	if up {
		return 1
	}
	return -1
}
