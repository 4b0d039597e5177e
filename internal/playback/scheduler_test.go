package playback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// segment returns a mono buffer lasting d on a 1 kHz clock, so durations are
// exact to the millisecond.
func segment(d time.Duration) *audio.Buffer {
	return &audio.Buffer{
		SampleRate: 1000,
		Channels:   [][]float32{make([]float32, d/time.Millisecond)},
	}
}

func TestEnqueue_BackToBack(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	starts := []time.Duration{
		s.Enqueue(segment(1000 * time.Millisecond)),
		s.Enqueue(segment(500 * time.Millisecond)),
		s.Enqueue(segment(2000 * time.Millisecond)),
	}
	want := []time.Duration{0, time.Second, 1500 * time.Millisecond}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("start[%d] = %v, want %v", i, starts[i], want[i])
		}
	}
	if got := s.Cursor(); got != 3500*time.Millisecond {
		t.Errorf("Cursor = %v, want 3.5s", got)
	}
	voices := out.Voices()
	if len(voices) != 3 {
		t.Fatalf("scheduled %d voices, want 3", len(voices))
	}
	for i, v := range voices {
		if v.At != want[i] {
			t.Errorf("voice[%d].At = %v, want %v", i, v.At, want[i])
		}
	}
	if got := s.Active(); got != 3 {
		t.Errorf("Active = %d, want 3", got)
	}
}

func TestEnqueue_MonotonicWhileAhead(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	durations := []time.Duration{20, 40, 7, 300, 1, 55}
	prevStart, prevDur := s.Enqueue(segment(durations[0]*time.Millisecond)), durations[0]*time.Millisecond
	for _, d := range durations[1:] {
		// The clock moves, but never past the cursor.
		out.Advance(time.Millisecond)
		start := s.Enqueue(segment(d * time.Millisecond))
		if start != prevStart+prevDur {
			t.Fatalf("start = %v, want %v", start, prevStart+prevDur)
		}
		prevStart, prevDur = start, d*time.Millisecond
	}
}

func TestEnqueue_CatchUp(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	s.Enqueue(segment(time.Second))
	out.SetNow(4 * time.Second)

	start := s.Enqueue(segment(500 * time.Millisecond))
	if start != 4*time.Second {
		t.Errorf("start = %v, want clock time 4s", start)
	}
	if got := s.Cursor(); got != 4500*time.Millisecond {
		t.Errorf("Cursor = %v, want 4.5s", got)
	}
}

func TestEnqueue_EmptyBufferSchedulesNothing(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)
	out.SetNow(time.Second)

	if got := s.Enqueue(nil); got != time.Second {
		t.Errorf("Enqueue(nil) = %v, want 1s", got)
	}
	if got := s.Enqueue(&audio.Buffer{SampleRate: 24000}); got != time.Second {
		t.Errorf("Enqueue(empty) = %v, want 1s", got)
	}
	if len(out.Voices()) != 0 || s.Active() != 0 || s.Cursor() != 0 {
		t.Error("empty buffers must not be scheduled or move the cursor")
	}
}

func TestNaturalEndRemovesFromActiveSet(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	s.Enqueue(segment(100 * time.Millisecond))
	s.Enqueue(segment(100 * time.Millisecond))
	out.End(0)

	if got := s.Active(); got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
	out.End(1)
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
	// Ending does not rewind the cursor.
	if got := s.Cursor(); got != 200*time.Millisecond {
		t.Errorf("Cursor = %v, want 200ms", got)
	}
}

func TestInterrupt_StopsAllAndResetsCursor(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	s.Enqueue(segment(time.Second))
	s.Enqueue(segment(time.Second))
	s.Enqueue(segment(time.Second))
	out.End(0)

	if n := s.Interrupt(); n != 2 {
		t.Errorf("Interrupt stopped %d, want 2", n)
	}
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
	if got := s.Cursor(); got != 0 {
		t.Errorf("Cursor = %v, want 0", got)
	}
	voices := out.Voices()
	if voices[0].Stopped() {
		t.Error("finished voice must not be stopped")
	}
	for _, v := range voices[1:] {
		if !v.Stopped() {
			t.Error("in-flight voice was not stopped")
		}
	}
}

func TestInterrupt_NextSegmentStartsAtNow(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	s.Enqueue(segment(10 * time.Second))
	out.SetNow(2 * time.Second)
	s.Interrupt()
	out.SetNow(5 * time.Second)

	if start := s.Enqueue(segment(time.Second)); start != 5*time.Second {
		t.Errorf("start after interrupt = %v, want 5s", start)
	}
}

func TestInterrupt_Idempotent(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	if n := s.Interrupt(); n != 0 {
		t.Errorf("Interrupt on empty = %d, want 0", n)
	}
	s.Enqueue(segment(time.Second))
	s.Interrupt()
	if n := s.Interrupt(); n != 0 {
		t.Errorf("second Interrupt = %d, want 0", n)
	}
	if got := out.Voices()[0].StopCalls(); got != 1 {
		t.Errorf("StopCalls = %d, want 1", got)
	}
}

func TestQueued(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	s.Enqueue(segment(time.Second))
	out.SetNow(250 * time.Millisecond)
	if got := s.Queued(); got != 750*time.Millisecond {
		t.Errorf("Queued = %v, want 750ms", got)
	}
	out.SetNow(3 * time.Second)
	if got := s.Queued(); got != 0 {
		t.Errorf("Queued = %v, want 0", got)
	}
}

func TestConcurrentEnqueueAndEnd(t *testing.T) {
	t.Parallel()
	out := &mock.Output{}
	s := playback.New(out)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				s.Enqueue(segment(10 * time.Millisecond))
			}
		}()
	}
	wg.Wait()

	if got := s.Cursor(); got != 2*time.Second {
		t.Errorf("Cursor = %v, want 2s", got)
	}
	for i := range out.Voices() {
		out.End(i)
	}
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	out := &mock.Output{}
	s := playback.New(out, playback.WithMetrics(m))
	s.Enqueue(segment(time.Second))
	out.SetNow(3 * time.Second)
	s.Enqueue(segment(time.Second)) // catch-up
	s.Interrupt()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := map[string]int64{
		"parley.playback.segments":         2,
		"parley.playback.catchups":         1,
		"parley.playback.interruptions":    1,
		"parley.playback.stopped_segments": 2,
	}
	got := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if sum, ok := met.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
				got[met.Name] = sum.DataPoints[0].Value
			}
		}
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s = %d, want %d", name, got[name], w)
		}
	}
}
