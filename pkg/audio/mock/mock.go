// Package mock provides in-memory mock implementations of the [audio.Input]
// and [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.Output{}
//	out.SetNow(2 * time.Second)
//	v := out.Schedule(buf, 0, func() { ... })
//	out.End(0) // finish the first voice naturally
//
//	in := &mock.Input{}
//	stream, _ := in.Open(audio.InputFormat, 256, process)
//	in.Emit(make([]float32, 256)) // deliver one chunk to process
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Input  = (*Input)(nil)
	_ audio.Output = (*Output)(nil)
	_ audio.Stream = (*Stream)(nil)
	_ audio.Voice  = (*Voice)(nil)
)

// ─── Input ───────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Input.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	ChunkSize int
}

// Input is a mock implementation of [audio.Input].
type Input struct {
	mu sync.Mutex

	// OpenErr, when non-nil, is returned by [Input.Open] instead of a stream.
	OpenErr error

	// OpenCalls records every call to Open, in order.
	OpenCalls []OpenCall

	streams []*Stream
	process func([]float32)
}

// Open implements [audio.Input].
func (i *Input) Open(format audio.Format, chunkSize int, process func(samples []float32)) (audio.Stream, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.OpenCalls = append(i.OpenCalls, OpenCall{Format: format, ChunkSize: chunkSize})
	if i.OpenErr != nil {
		return nil, i.OpenErr
	}
	s := &Stream{input: i}
	i.streams = append(i.streams, s)
	i.process = process
	return s, nil
}

// Emit delivers samples to the process callback of the most recently opened
// stream, provided that stream is still open. It reports whether the chunk
// was delivered.
func (i *Input) Emit(samples []float32) bool {
	i.mu.Lock()
	if len(i.streams) == 0 || i.streams[len(i.streams)-1].closed {
		i.mu.Unlock()
		return false
	}
	process := i.process
	i.mu.Unlock()
	process(samples)
	return true
}

// Streams returns every stream returned by Open, in order.
func (i *Input) Streams() []*Stream {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*Stream, len(i.streams))
	copy(out, i.streams)
	return out
}

// Stream is a mock implementation of [audio.Stream].
type Stream struct {
	input *Input

	// CloseErr is returned by [Stream.Close].
	CloseErr error

	closed     bool
	closeCalls int
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.input.mu.Lock()
	defer s.input.mu.Unlock()
	s.closed = true
	s.closeCalls++
	return s.CloseErr
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.input.mu.Lock()
	defer s.input.mu.Unlock()
	return s.closeCalls
}

// ─── Output ──────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output] with a manually driven
// clock. Ended callbacks are invoked synchronously from [Voice.Stop] and
// [Output.End], outside the mock's lock.
type Output struct {
	mu      sync.Mutex
	now     time.Duration
	voices  []*Voice
	closed  int
	gate    chan struct{}
	waiting chan struct{}
}

// Hold makes every Schedule call wait until release is called. Each call that
// starts waiting sends on waiting. release is safe to call more than once.
func (o *Output) Hold() (waiting <-chan struct{}, release func()) {
	gate, w := make(chan struct{}), make(chan struct{}, 16)
	o.mu.Lock()
	o.gate, o.waiting = gate, w
	o.mu.Unlock()
	var once sync.Once
	return w, func() {
		once.Do(func() {
			o.mu.Lock()
			o.gate, o.waiting = nil, nil
			o.mu.Unlock()
			close(gate)
		})
	}
}

// SetNow sets the value returned by [Output.Now].
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now += d
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output]. It records the request and returns a
// [Voice] that stays pending until stopped or ended via [Output.End].
func (o *Output) Schedule(buf *audio.Buffer, at time.Duration, ended func()) audio.Voice {
	o.mu.Lock()
	gate, waiting := o.gate, o.waiting
	o.mu.Unlock()
	if gate != nil {
		select {
		case waiting <- struct{}{}:
		default:
		}
		<-gate
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	v := &Voice{out: o, Buffer: buf, At: at, ended: ended}
	o.voices = append(o.voices, v)
	return v
}

// Voices returns every voice scheduled so far, in order.
func (o *Output) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// End finishes the i-th scheduled voice as if it had played to completion.
func (o *Output) End(i int) {
	o.mu.Lock()
	v := o.voices[i]
	o.mu.Unlock()
	v.finish(false)
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	return nil
}

// CloseCalls returns how many times Close was called.
func (o *Output) CloseCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Voice is a mock implementation of [audio.Voice].
type Voice struct {
	out   *Output
	ended func()

	// Buffer and At record the Schedule arguments.
	Buffer *audio.Buffer
	At     time.Duration

	stopCalls int
	stopped   bool
	done      bool
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() { v.finish(true) }

// Stopped reports whether Stop ended this voice.
func (v *Voice) Stopped() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.stopped
}

// StopCalls returns how many times Stop was called.
func (v *Voice) StopCalls() int {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.stopCalls
}

// Done reports whether the voice has ended or been stopped.
func (v *Voice) Done() bool {
	v.out.mu.Lock()
	defer v.out.mu.Unlock()
	return v.done
}

func (v *Voice) finish(stop bool) {
	v.out.mu.Lock()
	if stop {
		v.stopCalls++
	}
	if v.done {
		v.out.mu.Unlock()
		return
	}
	v.done = true
	v.stopped = stop
	ended := v.ended
	v.out.mu.Unlock()
	if ended != nil {
		ended()
	}
}
