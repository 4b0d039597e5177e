// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and obtain the Channel handed to the
// code under test. Use Channel to drive the callbacks the way a real transport
// would (Open, Deliver, Fail, RemoteClose) and to inspect what was sent.
//
// Example:
//
//	p := &mock.Provider{}
//	ch, _ := p.Connect(ctx, cfg, callbacks)
//	p.Last().Open()
//	p.Last().Deliver(live.Message{Interrupted: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

// Ensure the mocks implement the live interfaces at compile time.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Channel  = (*Channel)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until a value is received or
	// ctx is done. Tests use it to observe the Connecting state.
	Gate chan struct{}

	// OpenOnConnect makes Connect fire OnOpen before returning.
	OpenOnConnect bool

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	channels []*Channel
}

// Connect records the call and returns a new Channel bound to cb.
func (p *Provider) Connect(ctx context.Context, cfg live.Config, cb live.Callbacks) (live.Channel, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.Gate
	err := p.ConnectErr
	openNow := p.OpenOnConnect
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	ch := &Channel{dispatch: live.NewDispatcher(cb)}
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	if openNow {
		ch.Open()
	}
	return ch, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Channels returns every channel created by Connect, in order.
func (p *Provider) Channels() []*Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Channel(nil), p.channels...)
}

// Last returns the most recently created channel, or nil.
func (p *Provider) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[len(p.channels)-1]
}

// Channel is a mock implementation of live.Channel.
type Channel struct {
	// cbMu serialises callback delivery the way a receive goroutine would.
	cbMu     sync.Mutex
	dispatch *live.Dispatcher

	mu         sync.Mutex
	sent       []audio.Blob
	sendErr    error
	closeCalls int
	closed     bool
}

// SetSendErr makes subsequent SendRealtimeInput calls fail with err.
func (c *Channel) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// SendRealtimeInput records chunk.
func (c *Channel) SendRealtimeInput(chunk audio.Blob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrChannelClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Sent returns a copy of every chunk sent so far.
func (c *Channel) Sent() []audio.Blob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Blob(nil), c.sent...)
}

// Close records the call. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	c.closed = true
	return nil
}

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Closed reports whether Close was called or the remote side closed.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Open fires OnOpen.
func (c *Channel) Open() {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.dispatch.Open()
}

// Deliver fires OnMessage with m.
func (c *Channel) Deliver(m live.Message) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.dispatch.Message(m)
}

// Fail fires OnError with err.
func (c *Channel) Fail(err error) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.dispatch.Error(err)
}

// Drop fires OnDrop with err.
func (c *Channel) Drop(err error) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.dispatch.Drop(err)
}

// RemoteClose marks the channel closed and fires OnClose with reason.
func (c *Channel) RemoteClose(reason string) {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.dispatch.Close(reason)
}
