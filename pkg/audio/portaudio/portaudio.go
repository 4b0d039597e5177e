// Package portaudio provides an [audio.Input] and [audio.Output] backed by the
// system's default PortAudio devices.
//
// Playback runs through a [timeline.Timeline]: the PortAudio output callback
// renders the timeline into the hardware buffer, so the timeline clock is the
// hardware clock.
package portaudio

import (
	"fmt"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.Input  = (*Device)(nil)
	_ audio.Output = (*Device)(nil)
)

// DefaultFramesPerBuffer is the output callback size used when
// [WithFramesPerBuffer] is not given.
const DefaultFramesPerBuffer = 512

// Option configures a [Device].
type Option func(*Device)

// WithFramesPerBuffer sets the output callback size in frames. Smaller values
// lower playback latency at the cost of more frequent callbacks.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// WithSampleRate sets the output sample rate. Defaults to
// [audio.OutputSampleRate].
func WithSampleRate(rate int) Option {
	return func(d *Device) {
		if rate > 0 {
			d.rate = rate
		}
	}
}

// Device is a PortAudio-backed capture and playback device.
type Device struct {
	rate            int
	framesPerBuffer int

	tl  *timeline.Timeline
	out *pa.Stream

	closeOnce sync.Once
	closeErr  error
}

// Open initialises PortAudio and starts the default output stream. The caller
// must call [Device.Close] to stop the stream and terminate PortAudio.
func Open(opts ...Option) (*Device, error) {
	d := &Device{
		rate:            audio.OutputSampleRate,
		framesPerBuffer: DefaultFramesPerBuffer,
	}
	for _, o := range opts {
		o(d)
	}

	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	d.tl = timeline.New(timeline.WithSampleRate(d.rate))

	out, err := pa.OpenDefaultStream(0, 1, float64(d.rate), d.framesPerBuffer, func(buf []float32) {
		d.tl.Render(buf)
	})
	if err != nil {
		_ = d.tl.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := out.Start(); err != nil {
		_ = out.Close()
		_ = d.tl.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	d.out = out
	return d, nil
}

// Now implements [audio.Output].
func (d *Device) Now() time.Duration { return d.tl.Now() }

// Schedule implements [audio.Output].
func (d *Device) Schedule(buf *audio.Buffer, at time.Duration, ended func()) audio.Voice {
	return d.tl.Schedule(buf, at, ended)
}

// Open implements [audio.Input] by opening the default input device.
// [audio.ErrNoInputDevice] is returned when the host has no input device.
func (d *Device) Open(format audio.Format, chunkSize int, process func(samples []float32)) (audio.Stream, error) {
	if _, err := pa.DefaultInputDevice(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrNoInputDevice, err)
	}
	s, err := pa.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), chunkSize, func(in []float32) {
		process(in)
	})
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream (%s): %w", format, err)
	}
	if err := s.Start(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	return &inputStream{s: s}, nil
}

// Close stops the output stream, discards scheduled voices, and terminates
// PortAudio. Close is idempotent.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		if err := d.out.Stop(); err != nil {
			d.closeErr = fmt.Errorf("portaudio: stop output stream: %w", err)
		}
		_ = d.out.Close()
		_ = d.tl.Close()
		_ = pa.Terminate()
	})
	return d.closeErr
}

type inputStream struct {
	s    *pa.Stream
	once sync.Once
	err  error
}

// Close stops and closes the input stream. Stop blocks until the in-flight
// callback has returned.
func (i *inputStream) Close() error {
	i.once.Do(func() {
		if err := i.s.Stop(); err != nil {
			i.err = fmt.Errorf("portaudio: stop input stream: %w", err)
		}
		if err := i.s.Close(); err != nil && i.err == nil {
			i.err = fmt.Errorf("portaudio: close input stream: %w", err)
		}
	})
	return i.err
}
