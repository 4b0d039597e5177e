// Package observe wires parley to OpenTelemetry. It owns the metric
// instruments for capture, playback and the session lifecycle, the tracer
// used for session spans, and the HTTP middleware of the control API.
//
// Production code records through [DefaultMetrics], which binds to the
// global meter provider installed by [InitProvider] and is scraped from
// /metrics. Tests build an isolated set with [NewMetrics].
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/parley"

var (
	// connectBuckets covers handshake and request latencies.
	connectBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	// leadBuckets covers how much reply audio sits ahead of the speaker.
	leadBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
)

// Metrics is the set of parley instruments. Instruments are safe for
// concurrent use.
type Metrics struct {
	// Capture. CaptureChunks carries status=sent|error.
	CaptureChunks metric.Int64Counter

	// Playback.
	PlaybackSegments        metric.Int64Counter
	PlaybackCatchups        metric.Int64Counter // start clamped to the output clock
	PlaybackInterruptions   metric.Int64Counter
	PlaybackStoppedSegments metric.Int64Counter
	PlaybackLead            metric.Float64Histogram // seconds queued after an enqueue
	DecodeErrors            metric.Int64Counter

	// Session. ChannelErrors carries provider=<name>, StageAdvances
	// trigger=manual|auto.
	ChannelErrors          metric.Int64Counter
	SessionConnectDuration metric.Float64Histogram
	ActiveSessions         metric.Int64UpDownCounter
	StageAdvances          metric.Int64Counter

	// Control API, keyed by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// instruments creates instruments on one meter and remembers every failure
// so NewMetrics can report them together.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.fail(name, err)
	return c
}

func (b *instruments) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.fail(name, err)
	return h
}

func (b *instruments) fail(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics registers every parley instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		CaptureChunks: b.counter("parley.capture.chunks", "Captured audio chunks submitted to the channel, by status."),

		PlaybackSegments:        b.counter("parley.playback.segments", "Decoded audio segments scheduled for playback."),
		PlaybackCatchups:        b.counter("parley.playback.catchups", "Segments whose start was clamped to the output clock."),
		PlaybackInterruptions:   b.counter("parley.playback.interruptions", "Playback interruptions."),
		PlaybackStoppedSegments: b.counter("parley.playback.stopped_segments", "Segments stopped by an interruption before finishing."),
		PlaybackLead:            b.seconds("parley.playback.lead", "Audio queued ahead of the output clock after each enqueue.", leadBuckets),
		DecodeErrors:            b.counter("parley.decode.errors", "Inbound audio fragments dropped because they could not be decoded."),

		ChannelErrors:          b.counter("parley.channel.errors", "Channel-level errors by provider."),
		SessionConnectDuration: b.seconds("parley.session.connect.duration", "Latency from open request to channel open.", connectBuckets),
		ActiveSessions:         b.upDown("parley.active_sessions", "Number of open live channels."),
		StageAdvances:          b.counter("parley.stage.advances", "Conversation stage advances by trigger."),

		HTTPRequestDuration: b.seconds("parley.http.request.duration", "Control API request latency by method and route.", nil),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments bound to
// [otel.GetMeterProvider]. The OTel global delegates, so instruments created
// before [InitProvider] still report once it runs.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordCaptureChunk counts one captured chunk. status is "sent" or "error".
func (m *Metrics) RecordCaptureChunk(ctx context.Context, status string) {
	m.CaptureChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordEnqueue counts one scheduled segment. caughtUp marks a start clamped
// to the clock and lead is the audio queued once it is scheduled.
func (m *Metrics) RecordEnqueue(ctx context.Context, caughtUp bool, lead time.Duration) {
	m.PlaybackSegments.Add(ctx, 1)
	if caughtUp {
		m.PlaybackCatchups.Add(ctx, 1)
	}
	m.PlaybackLead.Record(ctx, lead.Seconds())
}

// RecordInterrupt counts one interruption that cut off stopped segments.
func (m *Metrics) RecordInterrupt(ctx context.Context, stopped int) {
	m.PlaybackInterruptions.Add(ctx, 1)
	if stopped > 0 {
		m.PlaybackStoppedSegments.Add(ctx, int64(stopped))
	}
}

func (m *Metrics) RecordChannelError(ctx context.Context, provider string) {
	m.ChannelErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordStageAdvance(ctx context.Context, trigger string) {
	m.StageAdvances.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}
