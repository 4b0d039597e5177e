// Package genai implements the live.Provider interface on top of the official
// Google Gen AI Go SDK (google.golang.org/genai).
//
// It is an alternative to the hand-rolled gemini package: the SDK owns the
// WebSocket framing and authentication (Gemini API key or Vertex AI), and this
// package maps SDK server messages to [live.Message] values.
package genai

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Channel = (*channel)(nil)

// DefaultModel is the native-audio dialog model used when none is configured.
const DefaultModel = "gemini-2.5-flash-preview-native-audio-dialog"

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for channels.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the SDK's API endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscription requests input and output audio transcription.
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcribe = enabled }
}

// WithVertexAI routes traffic through Vertex AI in the given project and
// location instead of the Gemini API. Credentials come from the environment.
func WithVertexAI(project, location string) Option {
	return func(p *Provider) {
		p.project = project
		p.location = location
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider with the Gen AI SDK.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	project    string
	location   string
	transcribe bool

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The SDK client is created lazily on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: DefaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

func (p *Provider) clientFor(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.project != "" {
		cc.APIKey = ""
		cc.Backend = genai.BackendVertexAI
		cc.Project = p.project
		cc.Location = p.location
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// Connect opens a live session through the SDK. The SDK completes the setup
// handshake before returning, so cb.OnOpen fires from the receive goroutine
// as soon as it starts.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Channel, error) {
	client, err := p.clientFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	sess, err := client.Live.Connect(ctx, p.model, ConnectConfig(cfg, p.transcribe))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}
	return start(sess, cb), nil
}

// ConnectConfig maps a [live.Config] to the SDK's connect configuration.
func ConnectConfig(cfg live.Config, transcribe bool) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities() {
		lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(m))
	}
	if cfg.Voice != "" || cfg.Language != "" {
		lc.SpeechConfig = &genai.SpeechConfig{LanguageCode: cfg.Language}
		if cfg.Voice != "" {
			lc.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			}
		}
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if transcribe {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// ToMessage converts SDK server content to a [live.Message].
func ToMessage(sc *genai.LiveServerContent) live.Message {
	m := live.Message{
		Interrupted:  sc.Interrupted,
		TurnComplete: sc.TurnComplete,
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			m.Audio = append(m.Audio, audio.Blob{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
		}
	}
	if sc.InputTranscription != nil {
		m.InputTranscript = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputTranscript = sc.OutputTranscription.Text
	}
	return m
}

// ── channel ────────────────────────────────────────────────────────────────────

// liveSession is the subset of *genai.Session used by channel.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type channel struct {
	sess     liveSession
	dispatch *live.Dispatcher

	mu     sync.Mutex
	closed bool // local Close or remote close observed
	local  bool // closed by Close
}

func start(sess liveSession, cb live.Callbacks) *channel {
	c := &channel{sess: sess, dispatch: live.NewDispatcher(cb)}
	go c.receiveLoop()
	return c
}

func (c *channel) receiveLoop() {
	// Connect returns only after the setup handshake.
	c.dispatch.Open()
	for {
		msg, err := c.sess.Receive()
		if err != nil {
			c.mu.Lock()
			local := c.local
			c.closed = true
			c.mu.Unlock()
			if local {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.dispatch.Close(ce.Text)
				return
			}
			c.dispatch.Error(fmt.Errorf("genai: receive: %w", err))
			c.dispatch.Close("")
			return
		}
		if msg == nil {
			continue
		}
		if msg.ServerContent != nil {
			c.dispatch.Message(ToMessage(msg.ServerContent))
		}
	}
}

// SendRealtimeInput forwards one PCM chunk as realtime audio input.
func (c *channel) SendRealtimeInput(chunk audio.Blob) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("genai: %w", live.ErrChannelClosed)
	}
	c.mu.Unlock()

	mime := chunk.MIMEType
	if mime == "" {
		mime = audio.PCMMIMEType(audio.InputSampleRate)
	}
	if err := c.sess.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: mime, Data: chunk.Data},
	}); err != nil {
		return fmt.Errorf("genai: send: %w", err)
	}
	return nil
}

// Close closes the SDK session. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.local {
		c.mu.Unlock()
		return nil
	}
	c.local = true
	c.closed = true
	c.mu.Unlock()

	if err := c.sess.Close(); err != nil {
		return fmt.Errorf("genai: close: %w", err)
	}
	return nil
}
