// Package openai is the [live.Provider] for the OpenAI Realtime API. The API
// speaks 24 kHz PCM16 in both directions, so captured 16 kHz chunks are
// resampled before they are appended to the input buffer. Server-side voice
// activity detection reports barge-in with input_audio_buffer.speech_started,
// which becomes an interruption.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/live/internal/wsconn"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Channel  = (*channel)(nil)
)

const (
	// DefaultModel is the realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview"

	// SampleRate is the PCM16 rate of the Realtime API.
	SampleRate = 24000

	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	transcriptionModel = "whisper-1"
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the realtime model. Empty keeps [DefaultModel].
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the endpoint, e.g. for a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithTranscription turns on input transcription. Output transcripts are
// always sent by the API.
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcribe = enabled }
}

// Provider opens Realtime API channels.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	transcribe bool
}

func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the realtime model name sent in the connect URL.
func (p *Provider) Model() string { return p.model }

// Connect dials the endpoint and sends session.update. cb.OnOpen fires when
// the server answers with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Channel, error) {
	conn, err := wsconn.Dial(ctx, p.baseURL+"?model="+url.QueryEscape(p.model), wsconn.Options{
		Name: "openai",
		Header: http.Header{
			"Authorization": {"Bearer " + p.apiKey},
			"OpenAI-Beta":   {"realtime=v1"},
		},
	})
	if err != nil {
		return nil, err
	}
	update := event{Type: "session.update", Session: newSession(cfg, p.transcribe)}
	if err := conn.Send(update); err != nil {
		conn.Abort("session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	conn.Serve(cb, handleEvent)
	return &channel{conn}, nil
}

// event is every client and server frame: a type tag plus the fields that
// type uses.
type event struct {
	Type    string   `json:"type"`
	Session *session `json:"session,omitempty"`

	// input_audio_buffer.append
	Audio string `json:"audio,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.audio_transcript.done and
	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type session struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
}

type transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

func newSession(cfg live.Config, transcribe bool) *session {
	s := &session{
		Voice:             strings.ToLower(cfg.Voice),
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	for _, m := range cfg.ResponseModalities() {
		s.Modalities = append(s.Modalities, strings.ToLower(string(m)))
	}
	// Audio output requires the text modality as well.
	if len(s.Modalities) == 1 && s.Modalities[0] == "audio" {
		s.Modalities = []string{"text", "audio"}
	}
	if transcribe {
		lang, _, _ := strings.Cut(cfg.Language, "-")
		s.InputAudioTranscription = &transcription{Model: transcriptionModel, Language: strings.ToLower(lang)}
	}
	return s
}

func handleEvent(frame []byte, d *live.Dispatcher) {
	var e event
	if err := json.Unmarshal(frame, &e); err != nil {
		d.Drop(fmt.Errorf("openai: %w: %v", live.ErrMalformedFrame, err))
		return
	}
	switch e.Type {
	case "session.updated":
		d.Open()
	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(e.Delta)
		switch {
		case err != nil:
			d.Drop(fmt.Errorf("openai: audio delta: %w: %v", audio.ErrMalformedFragment, err))
		case len(pcm) > 0:
			d.Message(live.Message{Audio: []audio.Blob{{MIMEType: audio.PCMMIMEType(SampleRate), Data: pcm}}})
		}
	case "input_audio_buffer.speech_started":
		d.Message(live.Message{Interrupted: true})
	case "response.done":
		d.Message(live.Message{TurnComplete: true})
	case "response.audio_transcript.done":
		if e.Transcript != "" {
			d.Message(live.Message{OutputTranscript: e.Transcript})
		}
	case "conversation.item.input_audio_transcription.completed":
		if e.Transcript != "" {
			d.Message(live.Message{InputTranscript: e.Transcript})
		}
	case "error":
		msg := "unknown error"
		if e.Error != nil && e.Error.Message != "" {
			msg = e.Error.Message
		}
		d.Error(fmt.Errorf("openai: %s", msg))
	}
}

type channel struct{ *wsconn.Conn }

// SendRealtimeInput appends one chunk to the input buffer, resampled to
// [SampleRate]. A chunk without a rate is taken to be at the capture rate.
func (c *channel) SendRealtimeInput(chunk audio.Blob) error {
	rate, ok := audio.ParseRate(chunk.MIMEType)
	if !ok {
		rate = audio.InputSampleRate
	}
	pcm := audio.ResampleMono16(chunk.Data, rate, SampleRate)
	return c.Send(event{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}
