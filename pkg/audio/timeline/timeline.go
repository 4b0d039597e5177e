// Package timeline provides a software [audio.Output]: a sample-accurate
// playback clock that mixes scheduled voices into a mono output stream.
//
// The clock only advances when [Timeline.Render] is called, so a hardware
// backend drives it from its output callback while tests drive it directly.
// [Timeline.Run] drives it from a wall-clock ticker for deployments without an
// audio device.
package timeline

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Timeline)(nil)
	_ audio.Voice  = (*voice)(nil)
)

const (
	// defaultQueueCap is the initial capacity hint for the pending heap.
	defaultQueueCap = 16

	// defaultEndedBuffer is the capacity of the ended-callback queue.
	defaultEndedBuffer = 256
)

// Option configures a [Timeline] during construction.
type Option func(*Timeline)

// WithSampleRate sets the output clock rate in Hz. Buffers scheduled at a
// different rate are resampled. Defaults to [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(t *Timeline) {
		if rate > 0 {
			t.rate = rate
		}
	}
}

// WithEndedBuffer sets the capacity of the queue that carries ended callbacks
// off the render path. When the queue is full, callbacks are run on a fresh
// goroutine instead.
func WithEndedBuffer(n int) Option {
	return func(t *Timeline) {
		if n > 0 {
			t.endedCap = n
		}
	}
}

// Timeline is a concrete [audio.Output] backed by a min-heap of pending voices
// keyed by start frame.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate     int
	endedCap int

	mu      sync.Mutex
	frame   int64     // frames rendered so far; the clock position
	pending voiceHeap // voices whose start frame has not been reached
	active  []*voice  // voices currently contributing samples
	seq     uint64    // monotonic counter for FIFO ordering
	closed  bool

	ended chan func()
	done  chan struct{}
	wg    sync.WaitGroup
}

// voice is a single scheduled buffer on a [Timeline].
type voice struct {
	t       *Timeline
	samples []float32
	start   int64
	seq     uint64
	ended   func()
	done    bool // guarded by t.mu
}

// New creates a [Timeline] with its clock at zero. It starts a background
// goroutine that delivers ended callbacks; call [Timeline.Close] to stop it.
func New(opts ...Option) *Timeline {
	t := &Timeline{
		rate:     audio.OutputSampleRate,
		endedCap: defaultEndedBuffer,
		pending:  make(voiceHeap, 0, defaultQueueCap),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.ended = make(chan func(), t.endedCap)
	heap.Init(&t.pending)
	t.wg.Add(1)
	go t.deliver()
	return t
}

// SampleRate returns the output clock rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the current clock position.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameToDuration(t.frame)
}

// Schedule implements [audio.Output]. The buffer is downmixed to mono and
// resampled to the clock rate if necessary. A start time in the past begins
// at the next rendered frame.
func (t *Timeline) Schedule(buf *audio.Buffer, at time.Duration, ended func()) audio.Voice {
	samples := audio.Downmix(audio.Resample(buf, t.rate))

	t.mu.Lock()
	defer t.mu.Unlock()

	v := &voice{t: t, samples: samples, start: t.durationToFrame(at), ended: ended}
	if t.closed {
		v.done = true
		return v
	}
	if v.start < t.frame {
		v.start = t.frame
	}
	if len(samples) == 0 {
		t.finishLocked(v)
		return v
	}
	t.seq++
	v.seq = t.seq
	heap.Push(&t.pending, v)
	return v
}

// Render mixes all voices overlapping the next len(out) frames into out and
// advances the clock by len(out) frames. Mixed samples are clamped to [-1, 1].
// Voices that finish within the rendered window have their ended callbacks
// queued for delivery.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	n := int64(len(out))
	from, to := t.frame, t.frame+n

	for t.pending.Len() > 0 && t.pending[0].start < to {
		v := heap.Pop(&t.pending).(*voice)
		if v.done {
			continue
		}
		t.active = append(t.active, v)
	}

	kept := t.active[:0]
	for _, v := range t.active {
		if v.done {
			continue
		}
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			t.finishLocked(v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.active[len(kept):])
	t.active = kept

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	t.frame = to
}

// Run drives the clock from a wall-clock ticker, rendering framesPerTick frames
// into a discarded buffer on each tick. It blocks until ctx is cancelled or
// the timeline is closed.
func (t *Timeline) Run(ctx context.Context, framesPerTick int) error {
	if framesPerTick <= 0 {
		framesPerTick = t.rate / 50
	}
	scratch := make([]float32, framesPerTick)
	ticker := time.NewTicker(time.Duration(framesPerTick) * time.Second / time.Duration(t.rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return nil
		case <-ticker.C:
			t.Render(scratch)
		}
	}
}

// Pending returns the number of voices that have been scheduled and have not
// yet ended or been stopped.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.active)
	for _, v := range t.pending {
		if !v.done {
			n++
		}
	}
	return n
}

// Close discards all scheduled voices without invoking their ended callbacks
// and stops the delivery goroutine. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, v := range t.pending {
		v.done = true
	}
	for _, v := range t.active {
		v.done = true
	}
	t.pending = t.pending[:0]
	t.active = nil
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	return nil
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if v.done {
		return
	}
	// Stopped voices are dropped lazily by Render.
	v.t.finishLocked(v)
}

// finishLocked marks v as done and queues its ended callback. Must be called
// with t.mu held.
func (t *Timeline) finishLocked(v *voice) {
	v.done = true
	if v.ended == nil || t.closed {
		return
	}
	select {
	case t.ended <- v.ended:
	default:
		go v.ended()
	}
}

// deliver runs ended callbacks in order until Close.
func (t *Timeline) deliver() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case fn := <-t.ended:
			fn()
		}
	}
}

// frameToDuration and durationToFrame split whole seconds from the remainder
// so neither product can overflow int64 on a clock that runs for days.
func (t *Timeline) frameToDuration(frame int64) time.Duration {
	rate := int64(t.rate)
	return time.Duration(frame/rate)*time.Second +
		time.Duration(frame%rate)*time.Second/time.Duration(rate)
}

// durationToFrame rounds to the nearest frame so that cursors built by
// summing buffer durations land exactly on the previous buffer's end.
func (t *Timeline) durationToFrame(d time.Duration) int64 {
	rate := int64(t.rate)
	sec, rem := int64(d/time.Second), int64(d%time.Second)
	return sec*rate + (rem*rate+int64(time.Second)/2)/int64(time.Second)
}
