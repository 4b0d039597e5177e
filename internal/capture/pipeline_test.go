package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// recordingSink collects chunks and optionally fails every send.
type recordingSink struct {
	mu     sync.Mutex
	chunks []audio.Blob
	err    error
	block  chan struct{}
}

func (s *recordingSink) SendRealtimeInput(chunk audio.Blob) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return s.err
}

func (s *recordingSink) got() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.chunks...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func chunk(v float32) []float32 {
	s := make([]float32, audio.CaptureChunkSize)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestStart_OpensMicrophoneAt16kWith256Chunks(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	p := capture.New(in)

	if err := p.Start(context.Background(), &recordingSink{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if len(in.OpenCalls) != 1 {
		t.Fatalf("Open called %d times, want 1", len(in.OpenCalls))
	}
	call := in.OpenCalls[0]
	if call.Format != audio.InputFormat || call.ChunkSize != 256 {
		t.Errorf("Open(%v, %d), want (%v, 256)", call.Format, call.ChunkSize, audio.InputFormat)
	}
	if !p.Recording() {
		t.Error("Recording = false after Start")
	}
}

func TestChunksForwardedInOrder(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	sink := &recordingSink{}
	p := capture.New(in)
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	const n = 100
	for i := range n {
		in.Emit(chunk(float32(i) / n))
	}
	p.Stop()

	got := sink.got()
	if len(got) != n {
		t.Fatalf("sent %d chunks, want %d", len(got), n)
	}
	for i, b := range got {
		want := audio.EncodeChunk(chunk(float32(i) / n))
		if string(b.Data) != string(want.Data) {
			t.Fatalf("chunk %d out of order", i)
		}
		if b.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("MIMEType = %q", b.MIMEType)
		}
	}
}

func TestCallbackDoesNotBlockOnSlowSink(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	sink := &recordingSink{block: make(chan struct{})}
	p := capture.New(in)
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for range 50 {
			in.Emit(chunk(0.1))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("device callback blocked on the sink")
	}

	close(sink.block)
	p.Stop()
	if got := len(sink.got()); got != 50 {
		t.Errorf("sent %d chunks, want 50", got)
	}
}

func TestSendErrorsDoNotStopCapture(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	sink := &recordingSink{err: errors.New("socket closed")}
	p := capture.New(in)
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in.Emit(chunk(0))
	in.Emit(chunk(0))
	waitFor(t, func() bool { return len(sink.got()) == 2 })

	if !p.Recording() {
		t.Error("send failure stopped capture")
	}
	p.Stop()
}

func TestStartFailure_LeavesStoppedState(t *testing.T) {
	t.Parallel()
	in := &mock.Input{OpenErr: audio.ErrNoInputDevice}
	p := capture.New(in)

	err := p.Start(context.Background(), &recordingSink{})
	if !errors.Is(err, capture.ErrStartFailed) {
		t.Errorf("err = %v, want ErrStartFailed", err)
	}
	if !errors.Is(err, audio.ErrNoInputDevice) {
		t.Errorf("err = %v, want wrapped ErrNoInputDevice", err)
	}
	if p.Recording() {
		t.Error("Recording = true after failed start")
	}
	p.Stop() // no-op, must not panic
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	p := capture.New(in)

	p.Stop() // never started
	if err := p.Start(context.Background(), &recordingSink{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop()

	streams := in.Streams()
	if len(streams) != 1 {
		t.Fatalf("streams = %d, want 1", len(streams))
	}
	if got := streams[0].CloseCalls(); got != 1 {
		t.Errorf("stream closed %d times, want 1", got)
	}
	if p.Recording() {
		t.Error("Recording = true after Stop")
	}
	if in.Emit(chunk(0)) {
		t.Error("callback still registered after Stop")
	}
}

func TestStart_WhileRecordingIsNoOp(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	p := capture.New(in)
	sink := &recordingSink{}

	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background(), sink); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer p.Stop()
	if got := len(in.Streams()); got != 1 {
		t.Errorf("streams = %d, want 1", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	t.Parallel()
	in := &mock.Input{}
	p := capture.New(in)
	first, second := &recordingSink{}, &recordingSink{}

	if err := p.Start(context.Background(), first); err != nil {
		t.Fatalf("Start: %v", err)
	}
	in.Emit(chunk(0))
	p.Stop()

	if err := p.Start(context.Background(), second); err != nil {
		t.Fatalf("restart: %v", err)
	}
	in.Emit(chunk(0))
	in.Emit(chunk(0))
	p.Stop()

	if len(first.got()) != 1 || len(second.got()) != 2 {
		t.Errorf("first=%d second=%d, want 1 and 2", len(first.got()), len(second.got()))
	}
}
