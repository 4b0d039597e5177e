// Package session owns the lifecycle of the live voice session: opening and
// closing the channel, routing inbound audio to playback, driving capture,
// and tracking the conversation stage.
//
// All mutable state is owned by a single goroutine started with
// [Controller.Run]. Commands are executed on that goroutine and transport,
// decode and timer callbacks are queued to it, so no session state is ever
// touched from two places at once. Observers read immutable [State]
// snapshots through [Controller.State] or [Controller.Subscribe].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/stage"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/live"
)

var (
	// ErrNotOpen is returned by StartCapture when no channel is open.
	ErrNotOpen = errors.New("session: not open")

	// ErrStopped is returned by commands issued after Run has returned.
	ErrStopped = errors.New("session: controller stopped")

	// ErrUnsupportedLanguage is returned by Open for a language outside
	// [live.Languages].
	ErrUnsupportedLanguage = errors.New("session: unsupported language")
)

// Timer is a pending callback that can be cancelled. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f to run once after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config holds the dependencies of a [Controller].
type Config struct {
	// Provider opens channels to the remote agent. Required.
	Provider live.Provider

	// ProviderName labels channel error metrics.
	ProviderName string

	// Input is the microphone. Required.
	Input audio.Input

	// Output is the speaker timeline. Required.
	Output audio.Output

	// Stages is the ordered stage list. Defaults to [stage.DefaultNames].
	Stages []string

	// AutoAdvanceAfter is the continuous recording dwell on the first stage
	// after which the stage advances on its own. Zero disables it.
	AutoAdvanceAfter time.Duration

	// Instructions is passed to every channel as the system instruction.
	Instructions string

	// Defaults fills blank fields of the profile passed to Open.
	Defaults Profile

	// Metrics receives session, capture and playback metrics. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// AfterFunc schedules the auto-advance timer. Defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

// Controller is the session state machine. See the package documentation
// for its concurrency model.
type Controller struct {
	provider     live.Provider
	providerName string
	instructions string
	autoAdvance  time.Duration
	afterFunc    AfterFunc
	metrics      *observe.Metrics
	log          *slog.Logger

	capture *capture.Pipeline
	sched   *playback.Scheduler
	stages  *stage.Tracker

	ops     chan func()
	events  *queue[func()]
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	runCtx    context.Context
	state     State
	requested Profile
	sess      *liveSession
	timer     Timer
	timerSeq  uint64

	mu       sync.Mutex
	defaults Profile
	snap     State
	subs     map[int]chan State
	nextSub  int
	subsDone bool
}

// liveSession is one channel and everything scoped to it.
type liveSession struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	started time.Time
	log     *slog.Logger

	ch     live.Channel
	opened bool // OnOpen observed
	active bool // reported open and counted in ActiveSessions

	// epoch advances on every interruption; decoded audio from an older
	// epoch is discarded.
	epoch  uint64
	decode *queue[decodeJob]
}

type decodeJob struct {
	epoch uint64
	blob  audio.Blob
}

// New creates a Controller. Call [Controller.Run] to start it.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if cfg.Input == nil {
		errs = append(errs, errors.New("session: input is required"))
	}
	if cfg.Output == nil {
		errs = append(errs, errors.New("session: output is required"))
	}
	if len(cfg.Stages) == 0 {
		cfg.Stages = stage.DefaultNames
	}
	tracker, err := stage.New(cfg.Stages)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = realAfterFunc
	}

	c := &Controller{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		instructions: cfg.Instructions,
		autoAdvance:  cfg.AutoAdvanceAfter,
		afterFunc:    cfg.AfterFunc,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		capture:      capture.New(cfg.Input, capture.WithMetrics(cfg.Metrics), capture.WithLogger(cfg.Logger)),
		sched:        playback.New(cfg.Output, playback.WithMetrics(cfg.Metrics), playback.WithLogger(cfg.Logger)),
		stages:       tracker,
		ops:          make(chan func()),
		events:       newQueue[func()](),
		done:         make(chan struct{}),
		defaults:     cfg.Defaults,
		subs:         make(map[int]chan State),
	}
	c.state = State{
		Status:     StatusIdle,
		StageNames: tracker.Names(),
	}
	c.snap = c.state.clone()
	return c, nil
}

// ── Run loop ───────────────────────────────────────────────────────────────────

// Run executes commands and callbacks until ctx is cancelled, then stops
// capture, closes the channel and returns nil. Run may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("session: Run called twice")
	}
	c.runCtx = ctx
	defer close(c.done)
	defer c.shutdown()

	c.log.Debug("session: controller running")
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.ops:
			fn()
		case <-c.events.ready():
			for _, fn := range c.events.take() {
				fn()
			}
		}
	}
}

// Running reports whether Run is executing.
func (c *Controller) Running() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.running.Load()
	}
}

// Done is closed after Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// do runs fn on the loop and returns its result.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case c.ops <- func() { res <- fn() }:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-res
}

// post queues fn to run on the loop. It never blocks.
func (c *Controller) post(fn func()) { c.events.push(fn) }

func (c *Controller) shutdown() {
	c.stopCapture()
	if c.sess != nil {
		c.closeSession()
		c.state.Status = StatusClosed
		c.state.StatusMessage = msgClosed
	}
	c.publish()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.subsDone = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

// ── Commands ───────────────────────────────────────────────────────────────────

// Open starts a new session with p, closing any existing one first. It
// returns once the connection attempt has begun; progress is reported
// through the published state.
func (c *Controller) Open(ctx context.Context, p Profile) error {
	if p.Language != "" && !live.ValidLanguage(p.Language) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, p.Language)
	}
	return c.do(ctx, func() error {
		c.open(p)
		return nil
	})
}

// Reset stops capture, closes the current channel, rewinds the stage to the
// first one and opens a new session with the last requested profile.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func() error {
		_, span := observe.StartSpan(c.runCtx, "session.reset")
		defer span.End()

		c.stopCapture()
		c.closeSession()
		c.stages.Reset()
		c.state.StageIndex = 0
		c.open(c.requested)
		c.state.StatusMessage = msgCleared
		c.publish()
		return nil
	})
}

// Close stops capture and closes the channel without opening a new one.
func (c *Controller) Close(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.stopCapture()
		if c.state.Status == StatusIdle {
			return nil
		}
		c.closeSession()
		c.state.Status = StatusClosed
		c.state.StatusMessage = msgClosed
		c.publish()
		return nil
	})
}

// StartCapture opens the microphone and streams it to the open channel.
// It returns [ErrNotOpen] unless the session is open. Starting while already
// recording is a no-op.
func (c *Controller) StartCapture(ctx context.Context) error {
	return c.do(ctx, c.startCapture)
}

// StopCapture stops streaming the microphone. It is a no-op when not
// recording.
func (c *Controller) StopCapture(ctx context.Context) error {
	return c.do(ctx, func() error {
		c.stopCapture()
		return nil
	})
}

// AdvanceStage moves to the next conversation stage. It is a no-op while not
// recording or at the last stage.
func (c *Controller) AdvanceStage(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state.Recording {
			c.advance("manual")
		}
		return nil
	})
}

// SetDefaults replaces the defaults used to fill blank profile fields. They
// apply to the next session opened; the current one keeps its profile.
func (c *Controller) SetDefaults(p Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults = p
}

// ── Observation ────────────────────────────────────────────────────────────────

// State returns the latest published snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// Subscribe returns a channel that receives the current state immediately
// and then every published change. Slow readers only see the latest state.
// The channel is closed by cancel or when Run returns.
func (c *Controller) Subscribe() (<-chan State, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan State, 1)
	ch <- c.snap.clone()
	if c.subsDone {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// publish snapshots the loop-owned state and offers it to every subscriber.
func (c *Controller) publish() {
	snap := c.state.clone()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	for _, ch := range c.subs {
		select {
		case ch <- snap.clone():
			continue
		default:
		}
		// Replace the unread snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap.clone():
		default:
		}
	}
}

// ── Loop-owned transitions ─────────────────────────────────────────────────────

func (c *Controller) open(p Profile) {
	c.stopCapture()
	c.closeSession()

	c.mu.Lock()
	defaults := c.defaults
	c.mu.Unlock()
	c.requested = p
	prof := p.merge(defaults)

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(c.runCtx)
	ctx, span := observe.StartSessionSpan(ctx, "session.connect", id)
	s := &liveSession{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		started: time.Now(),
		log:     observe.SessionLogger(ctx, c.log, id),
		decode:  newQueue[decodeJob](),
	}
	c.sess = s

	c.state.SessionID = id
	c.state.Status = StatusConnecting
	c.state.Profile = prof
	c.state.StatusMessage = msgConnecting
	c.state.ErrorMessage = ""
	c.state.LastTranscript = nil
	c.state.UserTranscript = ""
	c.state.OpenedAt = time.Time{}
	c.publish()

	s.log.Info("session: connecting",
		"user", prof.UserName, "language", prof.Language, "voice", prof.Voice)

	go c.decodeLoop(s)

	cfg := live.Config{
		Voice:        prof.Voice,
		Language:     prof.Language,
		Instructions: c.instructions,
	}
	cb := live.Callbacks{
		OnOpen:    func() { c.post(func() { c.onOpen(s) }) },
		OnMessage: func(m live.Message) { c.post(func() { c.onMessage(s, m) }) },
		OnError:   func(err error) { c.post(func() { c.onError(s, err) }) },
		OnClose:   func(reason string) { c.post(func() { c.onClose(s, reason) }) },
		OnDrop:    func(err error) { c.post(func() { c.onDrop(s, err) }) },
	}
	go func() {
		ch, err := c.provider.Connect(ctx, cfg, cb)
		c.post(func() { c.onConnected(s, ch, err) })
	}()
}

func (c *Controller) onConnected(s *liveSession, ch live.Channel, err error) {
	if c.sess != s {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		observe.FailSpan(s.span, err)
		s.log.Warn("session: connect failed", "err", err)
		c.metrics.RecordChannelError(s.ctx, c.providerName)
		c.closeSession()
		c.state.Status = StatusErrored
		c.state.ErrorMessage = err.Error()
		c.publish()
		return
	}
	s.ch = ch
	if s.opened {
		c.markOpen(s)
	}
}

func (c *Controller) onOpen(s *liveSession) {
	if c.sess != s {
		return
	}
	s.opened = true
	if s.ch != nil {
		c.markOpen(s)
	}
}

// markOpen completes Connecting → Open once both Connect has returned and the
// channel reported open.
func (c *Controller) markOpen(s *liveSession) {
	if s.active || c.state.Status != StatusConnecting {
		return
	}
	s.active = true
	elapsed := time.Since(s.started)
	c.metrics.SessionConnectDuration.Record(s.ctx, elapsed.Seconds())
	c.metrics.ActiveSessions.Add(s.ctx, 1)
	s.span.End()

	c.state.Status = StatusOpen
	c.state.StatusMessage = msgOpened
	c.state.OpenedAt = time.Now()
	c.publish()
	s.log.Info("session: opened", "duration", elapsed)
}

func (c *Controller) onMessage(s *liveSession, m live.Message) {
	if c.sess != s {
		return
	}
	// The interruption refers to audio already queued, so it applies before
	// any audio carried in the same message.
	if m.Interrupted {
		s.epoch++
		n := c.sched.Interrupt()
		s.log.Debug("session: interrupted", "stopped", n)
	}
	for _, blob := range m.Audio {
		s.decode.push(decodeJob{epoch: s.epoch, blob: blob})
	}

	if m.InputTranscript == "" && m.OutputTranscript == "" {
		return
	}
	if m.InputTranscript != "" {
		c.state.UserTranscript = m.InputTranscript
		c.state.LastTranscript = &Transcript{Role: "user", Text: m.InputTranscript}
	}
	// The agent's text answers the user's, so it is the later of the two.
	if m.OutputTranscript != "" {
		c.state.LastTranscript = &Transcript{Role: "agent", Text: m.OutputTranscript}
	}
	c.publish()
}

// decodeLoop decodes fragments for s in arrival order off the loop goroutine
// and hands the results back to it.
func (c *Controller) decodeLoop(s *liveSession) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.decode.ready():
			for _, job := range s.decode.take() {
				buf, err := audio.DecodeFragment(job.blob, audio.OutputFormat)
				if err != nil {
					c.metrics.DecodeErrors.Add(s.ctx, 1)
					s.log.Warn("session: dropping fragment", "mime", job.blob.MIMEType, "err", err)
					continue
				}
				epoch := job.epoch
				c.post(func() { c.onDecoded(s, epoch, buf) })
			}
		}
	}
}

func (c *Controller) onDecoded(s *liveSession, epoch uint64, buf *audio.Buffer) {
	if c.sess != s || epoch != s.epoch {
		return
	}
	c.sched.Enqueue(buf)
}

// onDrop accounts for inbound data the transport discarded before it could
// reach the decoder.
func (c *Controller) onDrop(s *liveSession, err error) {
	if c.sess != s {
		return
	}
	c.metrics.DecodeErrors.Add(s.ctx, 1)
	s.log.Warn("session: dropping inbound frame", "err", err)
}

func (c *Controller) onError(s *liveSession, err error) {
	if c.sess != s {
		return
	}
	s.log.Warn("session: channel error", "err", err)
	c.metrics.RecordChannelError(s.ctx, c.providerName)
	c.state.Status = StatusErrored
	c.state.ErrorMessage = err.Error()
	c.publish()
}

func (c *Controller) onClose(s *liveSession, reason string) {
	if c.sess != s {
		return
	}
	s.log.Info("session: closed by remote", "reason", reason)
	c.stopCapture()
	c.closeSession()
	if c.state.Status != StatusErrored {
		c.state.Status = StatusClosed
	}
	c.state.StatusMessage = "Close:" + reason
	c.publish()
}

// closeSession closes the current channel, best effort, and releases
// everything scoped to it. Playback is flushed.
func (c *Controller) closeSession() {
	s := c.sess
	if s == nil {
		return
	}
	c.sess = nil
	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.log.Debug("session: close channel", "err", err)
		}
	}
	if s.active {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	} else {
		s.span.End()
	}
	s.cancel()
	c.sched.Interrupt()
}

func (c *Controller) startCapture() error {
	if c.state.Recording {
		return nil
	}
	s := c.sess
	if s == nil || c.state.Status != StatusOpen {
		return ErrNotOpen
	}

	c.state.StatusMessage = msgRequestingMic
	c.publish()
	if err := c.capture.Start(s.ctx, s.ch); err != nil {
		c.capture.Stop()
		s.log.Warn("session: capture start failed", "err", err)
		c.state.ErrorMessage = err.Error()
		c.state.StatusMessage = msgStopped
		c.publish()
		return err
	}
	c.state.StatusMessage = msgMicGranted
	c.publish()

	c.state.Recording = true
	c.state.ErrorMessage = ""
	c.state.StatusMessage = msgRecording
	c.publish()
	s.log.Info("session: recording", "stage", c.stages.Current())
	c.armAutoAdvance()
	return nil
}

func (c *Controller) stopCapture() {
	c.cancelAutoAdvance()
	if !c.state.Recording {
		return
	}
	c.state.StatusMessage = msgStopping
	c.publish()
	c.capture.Stop()
	c.state.Recording = false
	c.state.StatusMessage = msgStopped
	c.publish()
	c.log.Info("session: recording stopped")
}

// armAutoAdvance starts the dwell timer when recording begins on the first
// stage. A stop cancels it, so only a continuous dwell advances the stage.
func (c *Controller) armAutoAdvance() {
	if c.autoAdvance <= 0 || c.stages.Index() != 0 {
		return
	}
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.afterFunc(c.autoAdvance, func() {
		c.post(func() { c.onAutoAdvance(seq) })
	})
}

func (c *Controller) cancelAutoAdvance() {
	c.timerSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) onAutoAdvance(seq uint64) {
	if seq != c.timerSeq {
		return
	}
	c.timer = nil
	if !c.state.Recording || c.stages.Index() != 0 {
		return
	}
	c.advance("auto")
}

func (c *Controller) advance(trigger string) {
	if !c.stages.Advance() {
		return
	}
	c.state.StageIndex = c.stages.Index()
	c.metrics.RecordStageAdvance(context.Background(), trigger)
	c.publish()
	c.log.Info("session: stage advanced", "stage", c.stages.Current(), "trigger", trigger)
}
