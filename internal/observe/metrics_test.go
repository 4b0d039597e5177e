package observe

import (
	"context"
	"math"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// total sums every data point of the int64 sum name whose attributes include
// all of attrs.
func total(t *testing.T, rm metricdata.ResourceMetrics, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("%s not recorded", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want an int64 sum", name, met.Data)
	}
	var n int64
points:
	for _, dp := range sum.DataPoints {
		for _, want := range attrs {
			if v, ok := dp.Attributes.Value(want.Key); !ok || v != want.Value {
				continue points
			}
		}
		n += dp.Value
	}
	return n
}

func histogram(t *testing.T, rm metricdata.ResourceMetrics, name string) metricdata.HistogramDataPoint[float64] {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("%s not recorded", name)
	}
	h, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) != 1 {
		t.Fatalf("%s = %+v, want one histogram point", name, met.Data)
	}
	return h.DataPoints[0]
}

func TestMetrics_CaptureSession(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	for range 4 {
		m.RecordCaptureChunk(ctx, "sent")
	}
	m.RecordCaptureChunk(ctx, "error")
	m.RecordChannelError(ctx, "gemini-live")
	m.RecordStageAdvance(ctx, "manual")
	m.RecordStageAdvance(ctx, "auto")
	m.RecordStageAdvance(ctx, "auto")
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.SessionConnectDuration.Record(ctx, 0.2)

	rm := collect(t, reader)
	checks := []struct {
		name  string
		attrs []attribute.KeyValue
		want  int64
	}{
		{"parley.capture.chunks", []attribute.KeyValue{attribute.String("status", "sent")}, 4},
		{"parley.capture.chunks", []attribute.KeyValue{attribute.String("status", "error")}, 1},
		{"parley.capture.chunks", nil, 5},
		{"parley.channel.errors", []attribute.KeyValue{attribute.String("provider", "gemini-live")}, 1},
		{"parley.stage.advances", []attribute.KeyValue{attribute.String("trigger", "auto")}, 2},
		{"parley.stage.advances", []attribute.KeyValue{attribute.String("trigger", "manual")}, 1},
		{"parley.active_sessions", nil, 1},
	}
	for _, c := range checks {
		if got := total(t, rm, c.name, c.attrs...); got != c.want {
			t.Errorf("%s%v = %d, want %d", c.name, c.attrs, got, c.want)
		}
	}
	if dp := histogram(t, rm, "parley.session.connect.duration"); dp.Count != 1 {
		t.Errorf("connect duration count = %d, want 1", dp.Count)
	}
}

func TestMetrics_Playback(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEnqueue(ctx, true, 100*time.Millisecond)
	m.RecordEnqueue(ctx, false, 300*time.Millisecond)
	m.RecordEnqueue(ctx, false, 500*time.Millisecond)
	m.RecordInterrupt(ctx, 2)
	m.RecordInterrupt(ctx, 0)
	m.DecodeErrors.Add(ctx, 1)

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"parley.playback.segments":         3,
		"parley.playback.catchups":         1,
		"parley.playback.interruptions":    2,
		"parley.playback.stopped_segments": 2,
		"parley.decode.errors":             1,
	} {
		if got := total(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	lead := histogram(t, rm, "parley.playback.lead")
	if lead.Count != 3 || math.Abs(lead.Sum-0.9) > 1e-9 {
		t.Errorf("lead count=%d sum=%v, want 3 and 0.9", lead.Count, lead.Sum)
	}
	if len(lead.Bounds) != len(leadBuckets) {
		t.Errorf("lead bounds = %v, want %v", lead.Bounds, leadBuckets)
	}
}

func TestMetrics_ZeroStoppedIsNotRecorded(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordInterrupt(context.Background(), 0)

	if findMetric(collect(t, reader), "parley.playback.stopped_segments") != nil {
		t.Error("stopped_segments exported without any stopped segment")
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics is not a singleton")
	}
}
