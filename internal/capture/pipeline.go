// Package capture turns microphone callbacks into an ordered stream of
// encoded PCM chunks submitted to a live channel.
//
// The device callback only encodes and queues; a single pump goroutine
// submits chunks in capture order so a slow network write never stalls the
// audio thread and no chunk is dropped or batched.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// ErrStartFailed is returned by [Pipeline.Start] when the microphone could not
// be opened. The wrapped error carries the device-level cause.
var ErrStartFailed = errors.New("capture: start failed")

// Sink receives encoded chunks. [live.Channel] satisfies it.
type Sink interface {
	SendRealtimeInput(chunk audio.Blob) error
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records per-chunk submission metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// ── Pipeline ───────────────────────────────────────────────────────────────────

// Pipeline owns the microphone stream while recording. At most one stream is
// registered at a time. All methods are safe for concurrent use.
type Pipeline struct {
	in      audio.Input
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	stream audio.Stream
	run    *pump
}

// New creates a Pipeline reading from in.
func New(in audio.Input, opts ...Option) *Pipeline {
	p := &Pipeline{in: in, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the microphone at 16 kHz mono with 256-sample chunks and
// forwards every chunk to sink until [Pipeline.Stop] is called or ctx is
// cancelled. Starting while already recording is a no-op.
//
// On failure nothing is left registered and the error wraps [ErrStartFailed].
func (p *Pipeline) Start(ctx context.Context, sink Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	pu := &pump{
		sink:    sink,
		metrics: p.metrics,
		log:     p.log,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	stream, err := p.in.Open(audio.InputFormat, audio.CaptureChunkSize, pu.push)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrStartFailed, err)
	}
	p.stream = stream
	p.run = pu
	go pu.loop(ctx)

	p.log.Debug("capture: started", "rate", audio.InputSampleRate, "chunk", audio.CaptureChunkSize)
	return nil
}

// Stop closes the microphone stream, submits any chunks already captured, and
// waits for the pump to exit. Stop is idempotent; calling it when not
// recording is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	stream, pu := p.stream, p.run
	p.stream, p.run = nil, nil
	p.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		p.log.Debug("capture: close stream", "err", err)
	}
	pu.finish()
	p.log.Debug("capture: stopped", "chunks", pu.count())
}

// Recording reports whether a microphone stream is registered.
func (p *Pipeline) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream != nil
}

// ── pump ───────────────────────────────────────────────────────────────────────

// pump is one recording run: the device callback appends to pending and the
// loop goroutine drains it in order.
type pump struct {
	sink    Sink
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	pending []audio.Blob
	sent    int
	closed  bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc
}

// push is the device callback. It never blocks on the network.
func (pu *pump) push(samples []float32) {
	blob := audio.EncodeChunk(samples)
	pu.mu.Lock()
	if pu.closed {
		pu.mu.Unlock()
		return
	}
	pu.pending = append(pu.pending, blob)
	pu.mu.Unlock()

	select {
	case pu.notify <- struct{}{}:
	default:
	}
}

func (pu *pump) loop(ctx context.Context) {
	defer close(pu.done)
	for {
		select {
		case <-pu.notify:
			pu.drain(ctx)
		case <-pu.stop:
			pu.drain(ctx)
			return
		case <-ctx.Done():
			pu.mu.Lock()
			pu.closed = true
			pu.pending = nil
			pu.mu.Unlock()
			return
		}
	}
}

func (pu *pump) drain(ctx context.Context) {
	for {
		pu.mu.Lock()
		if len(pu.pending) == 0 {
			pu.mu.Unlock()
			return
		}
		batch := pu.pending
		pu.pending = nil
		pu.mu.Unlock()

		for _, blob := range batch {
			if ctx.Err() != nil {
				return
			}
			status := "sent"
			if err := pu.sink.SendRealtimeInput(blob); err != nil {
				status = "error"
				pu.log.Debug("capture: send chunk", "err", err)
			}
			if pu.metrics != nil {
				pu.metrics.RecordCaptureChunk(ctx, status)
			}
			pu.mu.Lock()
			pu.sent++
			pu.mu.Unlock()
		}
	}
}

// finish stops accepting chunks, lets the loop flush what is queued and waits
// for it to exit.
func (pu *pump) finish() {
	pu.once.Do(func() {
		pu.mu.Lock()
		pu.closed = true
		pu.mu.Unlock()
		close(pu.stop)
		<-pu.done
		pu.cancel()
	})
}

func (pu *pump) count() int {
	pu.mu.Lock()
	defer pu.mu.Unlock()
	return pu.sent
}
