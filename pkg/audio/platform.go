// Package audio defines the PCM wire format, the decoded [Buffer] type, and
// the device interfaces used by the voice client.
//
// The two device abstractions are:
//
//   - [Input] opens a capture [Stream] that delivers fixed-size chunks of mono
//     float samples from a microphone.
//   - [Output] exposes a monotonic playback clock and lets callers schedule a
//     [Buffer] to start at an absolute time on that clock, returning a [Voice]
//     handle that can be stopped early.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/timeline for the software output clock, audio/mock for tests). The
// interfaces are intentionally narrow so that the capture and playback logic
// stay decoupled from any particular audio backend.
package audio

import (
	"errors"
	"time"
)

// ErrNoInputDevice is returned by [Input.Open] when no capture device is
// available (e.g. a headless deployment or a denied permission).
var ErrNoInputDevice = errors.New("audio: no input device available")

// Stream is an open capture stream. Close stops delivery; the process
// callback passed to [Input.Open] is never invoked after Close returns.
type Stream interface {
	Close() error
}

// Input is a capture device.
//
// Implementations must be safe for concurrent use.
type Input interface {
	// Open starts capturing in the given format and invokes process with each
	// chunk of chunkSize samples. process runs on the device's callback
	// goroutine and must not block. The samples slice may be reused by the
	// device after process returns.
	Open(format Format, chunkSize int, process func(samples []float32)) (Stream, error)
}

// Voice is a single scheduled playback source on an [Output].
type Voice interface {
	// Stop silences the voice immediately. Stopping a voice that has already
	// ended or been stopped is a no-op.
	Stop()
}

// Output is a playback device with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current position of the output clock. It never
	// decreases.
	Now() time.Duration

	// Schedule arranges for buf to start playing at the absolute clock time
	// at. A time already in the past starts immediately. ended is invoked
	// exactly once when the voice finishes naturally or is stopped; it runs
	// outside the device's audio thread and may be nil.
	Schedule(buf *Buffer, at time.Duration, ended func()) Voice

	// Close releases the device. Voices still scheduled are discarded.
	Close() error
}

// Device is a capture and playback device opened as one unit, such as a
// sound card.
type Device interface {
	Input
	Output
}
