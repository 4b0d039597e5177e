package audio

import "time"

// Fixed audio I/O boundary of the voice client.
const (
	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate = 16000

	// OutputSampleRate is the playback rate in Hz. Inbound fragments are
	// decoded (and resampled if necessary) to this rate.
	OutputSampleRate = 24000

	// CaptureChunkSize is the number of mono samples delivered per capture
	// callback. Small chunks keep latency low at the cost of more frequent
	// network submissions.
	CaptureChunkSize = 256
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	// InputFormat is the capture format: 16 kHz mono.
	InputFormat = Format{SampleRate: InputSampleRate, Channels: 1}

	// OutputFormat is the playback format: 24 kHz mono.
	OutputFormat = Format{SampleRate: OutputSampleRate, Channels: 1}
)

// Blob is a wire-ready audio chunk: raw little-endian int16 PCM bytes plus the
// MIME type announcing its rate (e.g. "audio/pcm;rate=16000"). Transports are
// responsible for any further framing such as base64.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Buffer is a decoded, playable audio segment. Samples are stored per channel
// as float32 values in [-1, 1].
type Buffer struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels holds one slice of samples per channel. All slices have the
	// same length.
	Channels [][]float32
}

// NumChannels returns the channel count of b.
func (b *Buffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Frames returns the number of sample frames in b.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of b on an output clock running at
// b.SampleRate.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// Mono returns the first channel of b, or nil if b has no channels.
func (b *Buffer) Mono() []float32 {
	if b == nil || len(b.Channels) == 0 {
		return nil
	}
	return b.Channels[0]
}
