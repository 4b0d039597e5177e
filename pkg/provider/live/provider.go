// Package live defines the Provider interface for real-time voice agents.
//
// A live provider wraps a remote conversational agent reachable over a single
// bidirectional streaming channel: the client pushes microphone audio as
// realtime input and the agent streams synthesised audio back, together with
// turn-control signals such as interruption. Examples are the Gemini Live API
// and the OpenAI Realtime API.
//
// The central abstraction is [Channel]: an exclusively owned handle to one open
// stream. Lifecycle and inbound traffic are reported through [Callbacks],
// which the provider invokes sequentially in arrival order.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"slices"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrChannelClosed is returned by [Channel.SendRealtimeInput] after the
// channel has been closed locally or by the remote side.
var ErrChannelClosed = errors.New("live: channel closed")

// ErrMalformedFrame is reported through [Callbacks.OnDrop] when an inbound
// frame cannot be parsed.
var ErrMalformedFrame = errors.New("live: malformed frame")

// Modality is a response modality requested from the agent.
type Modality string

// ModalityAudio requests spoken audio responses.
const ModalityAudio Modality = "AUDIO"

// Languages lists the locale codes a channel may be configured with.
var Languages = []string{"en-US", "hi-IN", "te-IN"}

// ValidLanguage reports whether code is one of [Languages].
func ValidLanguage(code string) bool {
	return slices.Contains(Languages, code)
}

// Config is the immutable configuration of a single channel.
type Config struct {
	// Voice is the provider-specific prebuilt voice name (e.g. "Orus").
	Voice string

	// Language is the BCP-47 locale the agent should speak, e.g. "en-US",
	// "hi-IN" or "te-IN". Empty lets the provider decide.
	Language string

	// Instructions is an optional system instruction for the agent.
	Instructions string

	// Modalities lists the requested response modalities. Empty means
	// audio only.
	Modalities []Modality
}

// ResponseModalities returns c.Modalities, defaulting to audio.
func (c Config) ResponseModalities() []Modality {
	if len(c.Modalities) == 0 {
		return []Modality{ModalityAudio}
	}
	return c.Modalities
}

// Message is one inbound unit from the agent. A single message may carry any
// combination of fields.
type Message struct {
	// Audio holds the encoded audio fragments of this message, in order.
	Audio []audio.Blob

	// Interrupted reports that the agent's current utterance was cut off
	// (usually by user barge-in) and any queued playback must stop.
	Interrupted bool

	// TurnComplete reports that the agent finished its turn.
	TurnComplete bool

	// InputTranscript is the recognised text of the user's speech, if the
	// provider transcribes input.
	InputTranscript string

	// OutputTranscript is the text of the agent's spoken output, if the
	// provider transcribes output.
	OutputTranscript string
}

// Callbacks receive channel lifecycle events and inbound messages. Every
// callback is optional. They are invoked one at a time from the channel's
// receive goroutine and must not block for long: a slow callback stalls
// delivery of the next message.
type Callbacks struct {
	// OnOpen is called once when the remote side has accepted the session
	// configuration. It may be called before or after Connect returns.
	OnOpen func()

	// OnMessage is called for every inbound message in arrival order.
	OnMessage func(Message)

	// OnError is called for channel-level errors reported by the remote side
	// or encountered while reading.
	OnError func(err error)

	// OnClose is called at most once when the remote side closes the channel
	// or the connection is lost. It is not called after a local Close.
	OnClose func(reason string)

	// OnDrop is called when an inbound frame or audio part is malformed and
	// discarded. The channel stays open and later traffic is delivered.
	OnDrop func(err error)
}

// Channel is an open bidirectional stream to a live agent.
//
// Callers must call Close when the channel is no longer needed.
type Channel interface {
	// SendRealtimeInput submits one captured audio chunk. Chunks are
	// delivered in call order. Returns [ErrChannelClosed] (possibly wrapped)
	// once the channel is closed.
	SendRealtimeInput(chunk audio.Blob) error

	// Close terminates the channel and releases its resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider opens channels to a live agent.
type Provider interface {
	// Connect opens a new channel with the given configuration. The returned
	// Channel accepts input immediately; cb.OnOpen signals that the remote
	// side has acknowledged the configuration.
	//
	// The supplied ctx governs the connection attempt only. Returns an error
	// if the channel cannot be established (authentication failure, network
	// error, or ctx already cancelled).
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Channel, error)
}

// Dispatcher invokes [Callbacks] safely: nil callbacks are skipped and OnOpen
// and OnClose fire at most once. Provider implementations embed it in their
// channel type.
type Dispatcher struct {
	cb     Callbacks
	opened bool
	closed bool
}

// NewDispatcher returns a Dispatcher for cb. A Dispatcher must only be used
// from the receive goroutine.
func NewDispatcher(cb Callbacks) *Dispatcher { return &Dispatcher{cb: cb} }

// Open invokes OnOpen the first time it is called.
func (d *Dispatcher) Open() {
	if d.opened {
		return
	}
	d.opened = true
	if d.cb.OnOpen != nil {
		d.cb.OnOpen()
	}
}

// Message invokes OnMessage.
func (d *Dispatcher) Message(m Message) {
	if d.cb.OnMessage != nil {
		d.cb.OnMessage(m)
	}
}

// Error invokes OnError.
func (d *Dispatcher) Error(err error) {
	if d.cb.OnError != nil {
		d.cb.OnError(err)
	}
}

// Drop invokes OnDrop.
func (d *Dispatcher) Drop(err error) {
	if d.cb.OnDrop != nil {
		d.cb.OnDrop(err)
	}
}

// Close invokes OnClose the first time it is called.
func (d *Dispatcher) Close(reason string) {
	if d.closed {
		return
	}
	d.closed = true
	if d.cb.OnClose != nil {
		d.cb.OnClose(reason)
	}
}
