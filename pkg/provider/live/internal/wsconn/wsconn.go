// Package wsconn is the websocket plumbing shared by the live transports:
// dialing, JSON framing, the receive loop that feeds a [live.Dispatcher],
// keepalive pings and idempotent close.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/parley/pkg/provider/live"
)

// maxFrame bounds one inbound frame. A model turn can carry several seconds
// of 24 kHz audio in a single message.
const maxFrame = 16 << 20

// Options configures [Dial].
type Options struct {
	// Name prefixes every error, e.g. "gemini".
	Name string

	Header http.Header

	// Keepalive is the ping interval. Zero disables pings.
	Keepalive time.Duration
}

// Handler decodes one inbound text frame and reports what it carried.
// Frames that cannot be decoded should be skipped.
type Handler func(frame []byte, d *live.Dispatcher)

// Conn is one dialled transport connection.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	// ctx scopes every read, write and ping. It ends on local Close.
	ctx    context.Context
	cancel context.CancelFunc

	down  atomic.Bool // no more sends: closed locally or remotely
	local atomic.Bool // Close was called
}

// Dial connects to url. ctx bounds the handshake only.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.Header})
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", opts.Name, err)
	}
	ws.SetReadLimit(maxFrame)
	cctx, cancel := context.WithCancel(context.Background())
	return &Conn{ws: ws, opts: opts, ctx: cctx, cancel: cancel}, nil
}

// Send writes v as one JSON text frame. Sends from several goroutines are
// serialised by the websocket and keep their call order per goroutine.
func (c *Conn) Send(v any) error {
	if c.down.Load() {
		return fmt.Errorf("%s: %w", c.opts.Name, live.ErrChannelClosed)
	}
	if err := wsjson.Write(c.ctx, c.ws, v); err != nil {
		if c.down.Load() {
			return fmt.Errorf("%s: %w", c.opts.Name, live.ErrChannelClosed)
		}
		return fmt.Errorf("%s: write: %w", c.opts.Name, err)
	}
	return nil
}

// Serve starts the receive loop and, when configured, the keepalive loop.
// Callbacks of cb run on the receive goroutine only.
func (c *Conn) Serve(cb live.Callbacks, handle Handler) {
	go c.receive(live.NewDispatcher(cb), handle)
	if c.opts.Keepalive > 0 {
		go c.keepalive()
	}
}

func (c *Conn) receive(d *live.Dispatcher, handle Handler) {
	for {
		_, frame, err := c.ws.Read(c.ctx)
		if err == nil {
			handle(frame, d)
			continue
		}
		c.down.Store(true)
		if c.local.Load() {
			return
		}
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			d.Close(ce.Reason)
			return
		}
		d.Error(fmt.Errorf("%s: read: %w", c.opts.Name, err))
		d.Close("")
		return
	}
}

func (c *Conn) keepalive() {
	t := time.NewTicker(c.opts.Keepalive)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			if c.down.Load() {
				return
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.Keepalive/2)
			_ = c.ws.Ping(ctx)
			cancel()
		}
	}
}

// Abort tears the connection down after a failed setup. No callbacks fire.
func (c *Conn) Abort(reason string) {
	c.local.Store(true)
	c.down.Store(true)
	c.cancel()
	c.ws.Close(websocket.StatusInternalError, reason)
}

// Close ends the connection. No callback fires afterwards and repeated calls
// return nil.
func (c *Conn) Close() error {
	if c.local.Swap(true) {
		return nil
	}
	c.down.Store(true)
	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
