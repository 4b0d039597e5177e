// Package gemini is the [live.Provider] for the Gemini Live API. A channel
// is one BidiGenerateContent websocket: the first frame configures model,
// voice and language, realtime input carries base64 PCM, and server content
// is turned into [live.Message] values.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
	"github.com/MrWong99/parley/pkg/provider/live/internal/wsconn"
)

var (
	_ live.Provider = (*Provider)(nil)
	_ live.Channel  = (*channel)(nil)
)

const (
	// DefaultModel is the native-audio dialog model used when none is configured.
	DefaultModel = "gemini-2.5-flash-preview-native-audio-dialog"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	bidiPath       = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	pingEvery      = 20 * time.Second
)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the model. Empty keeps [DefaultModel].
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL points the provider at another websocket root, such as a test
// server.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = u
		}
	}
}

// WithTranscription requests transcripts of both the user's and the model's
// speech.
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcribe = enabled }
}

// Provider opens Gemini Live channels.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	transcribe bool
}

// New returns a Provider authenticating with apiKey.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the model the provider connects to.
func (p *Provider) Model() string { return p.model }

// Connect dials the endpoint and sends the setup frame. cb.OnOpen fires on
// setupComplete, which may arrive before or after Connect returns.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Channel, error) {
	conn, err := wsconn.Dial(ctx, p.baseURL+bidiPath+"?key="+url.QueryEscape(p.apiKey), wsconn.Options{
		Name:      "gemini",
		Keepalive: pingEvery,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(clientFrame{Setup: newSetup(p.model, cfg, p.transcribe)}); err != nil {
		conn.Abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	conn.Serve(cb, handleFrame)
	return &channel{conn}, nil
}

func handleFrame(frame []byte, d *live.Dispatcher) {
	var f serverFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		d.Drop(fmt.Errorf("gemini: %w: %v", live.ErrMalformedFrame, err))
		return
	}
	if f.SetupComplete != nil {
		d.Open()
	}
	if f.Error != nil {
		msg := f.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("error code %d", f.Error.Code)
		}
		d.Error(fmt.Errorf("gemini: %s", msg))
	}
	if f.ServerContent != nil {
		m, dropped := f.ServerContent.message()
		for _, err := range dropped {
			d.Drop(err)
		}
		d.Message(m)
	}
}

type channel struct{ *wsconn.Conn }

// SendRealtimeInput forwards one captured chunk. A chunk without a MIME type
// is announced at the capture rate.
func (c *channel) SendRealtimeInput(chunk audio.Blob) error {
	return c.Send(clientFrame{RealtimeInput: newMediaChunk(chunk)})
}
