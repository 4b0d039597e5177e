// Package playback schedules decoded audio segments on a shared output clock.
//
// Segments play strictly in enqueue order, back to back. A segment never
// starts in the past: when the consumer has fallen behind the output clock,
// the next segment starts at "now" instead of at the stale cursor.
// [Scheduler.Interrupt] stops everything in flight and rewinds the cursor to
// zero, so the next segment after a barge-in starts immediately.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithMetrics records enqueue and interrupt metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger used for debug output. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// ── Scheduler ──────────────────────────────────────────────────────────────────

// Scheduler owns the playback cursor and the set of in-flight segments for
// one [audio.Output].
//
// All exported methods are safe for concurrent use. The output's ended
// callbacks may arrive on any goroutine; Output.Schedule must not invoke the
// ended callback synchronously.
type Scheduler struct {
	out     audio.Output
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	cursor time.Duration          // scheduled end of the last enqueued segment
	active map[uint64]audio.Voice // scheduled but not yet finished
	seq    uint64
}

// New creates a Scheduler that plays through out.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		log:    slog.Default(),
		active: make(map[uint64]audio.Voice),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start at max(cursor, now) and advances the cursor
// by its duration. It returns the scheduled start on the output clock. A nil
// or empty buffer schedules nothing and leaves the cursor untouched.
func (s *Scheduler) Enqueue(buf *audio.Buffer) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	start := max(s.cursor, now)
	d := buf.Duration()
	if d <= 0 {
		return start
	}
	caughtUp := now > s.cursor
	s.cursor = start + d

	s.seq++
	id := s.seq
	s.active[id] = s.out.Schedule(buf, start, func() { s.finished(id) })

	if s.metrics != nil {
		s.metrics.RecordEnqueue(context.Background(), caughtUp, s.cursor-now)
	}
	s.log.Debug("playback: segment scheduled",
		"start", start, "duration", d, "caught_up", caughtUp, "active", len(s.active))
	return start
}

// finished drops a segment that reached its end. Segments already detached
// by Interrupt are not in the current set, so this is a no-op for them.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Interrupt stops every in-flight segment, clears the set and resets the
// cursor to zero. It returns how many segments were stopped. Calling it with
// nothing in flight is a no-op apart from the cursor reset.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	stopped := s.active
	s.active = make(map[uint64]audio.Voice)
	s.cursor = 0
	s.mu.Unlock()

	// Stop outside the lock: an output may report ended synchronously.
	for _, v := range stopped {
		v.Stop()
	}
	if s.metrics != nil {
		s.metrics.RecordInterrupt(context.Background(), len(stopped))
	}
	if len(stopped) > 0 {
		s.log.Debug("playback: interrupted", "stopped", len(stopped))
	}
	return len(stopped)
}

// Cursor returns the scheduled end of the last enqueued segment. It reads
// zero after Interrupt until the next Enqueue; callers use it for
// diagnostics only.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of segments scheduled but not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Queued returns how much scheduled audio remains ahead of the output clock.
func (s *Scheduler) Queued() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.cursor-s.out.Now(), 0)
}
