package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/api"
	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/session"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// fakeController records commands and replays scripted errors.
type fakeController struct {
	mu      sync.Mutex
	state   session.State
	running bool
	err     error
	calls   []string
	profile session.Profile

	updates   chan session.State
	cancelled bool
}

func newFake() *fakeController {
	return &fakeController{
		running: true,
		state:   session.State{Status: session.StatusOpen, StatusMessage: "Opened", StageNames: []string{"A", "B"}},
		updates: make(chan session.State, 8),
	}
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) State() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Subscribe() (<-chan session.State, func()) {
	f.updates <- f.State()
	return f.updates, func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}
}

func (f *fakeController) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeController) Open(_ context.Context, p session.Profile) error {
	f.mu.Lock()
	f.profile = p
	f.mu.Unlock()
	return f.record("open")
}

func (f *fakeController) Reset(context.Context) error        { return f.record("reset") }
func (f *fakeController) Close(context.Context) error        { return f.record("close") }
func (f *fakeController) StartCapture(context.Context) error { return f.record("start") }
func (f *fakeController) StopCapture(context.Context) error  { return f.record("stop") }
func (f *fakeController) AdvanceStage(context.Context) error { return f.record("advance") }

func (f *fakeController) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return ""
	}
	return f.calls[len(f.calls)-1]
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetState(t *testing.T) {
	t.Parallel()
	h := api.New(newFake()).Handler()

	rec := serve(t, h, http.MethodGet, "/api/state", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var st session.State
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != session.StatusOpen || st.StatusMessage != "Opened" {
		t.Errorf("state = %+v", st)
	}
}

func TestOpenSession_PassesProfile(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := api.New(f).Handler()

	rec := serve(t, h, http.MethodPost, "/api/session", `{"user_name":"asha","language":"hi-IN","voice":"Kore"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	want := session.Profile{UserName: "asha", Language: "hi-IN", Voice: "Kore"}
	if f.profile != want {
		t.Errorf("profile = %+v, want %+v", f.profile, want)
	}
}

func TestOpenSession_EmptyBodyUsesDefaults(t *testing.T) {
	t.Parallel()
	f := newFake()
	rec := serve(t, api.New(f).Handler(), http.MethodPost, "/api/session", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if f.profile != (session.Profile{}) {
		t.Errorf("profile = %+v, want zero", f.profile)
	}
}

func TestOpenSession_BadBody(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := api.New(f).Handler()

	for _, body := range []string{`{"language":`, `{"speed":2}`} {
		rec := serve(t, h, http.MethodPost, "/api/session", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
	if got := f.lastCall(); got != "" {
		t.Errorf("controller called with bad body: %q", got)
	}
}

func TestCommands_Routed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		method, path, call string
	}{
		{http.MethodPost, "/api/session/reset", "reset"},
		{http.MethodDelete, "/api/session", "close"},
		{http.MethodPost, "/api/capture/start", "start"},
		{http.MethodPost, "/api/capture/stop", "stop"},
		{http.MethodPost, "/api/stage/advance", "advance"},
	}
	for _, tt := range tests {
		t.Run(tt.call, func(t *testing.T) {
			t.Parallel()
			f := newFake()
			rec := serve(t, api.New(f).Handler(), tt.method, tt.path, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
			}
			if got := f.lastCall(); got != tt.call {
				t.Errorf("call = %q, want %q", got, tt.call)
			}
		})
	}
}

func TestCommands_WrongMethod(t *testing.T) {
	t.Parallel()
	rec := serve(t, api.New(newFake()).Handler(), http.MethodGet, "/api/capture/start", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestCommands_ErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not open", session.ErrNotOpen, http.StatusConflict},
		{"language", fmt.Errorf("%w: %q", session.ErrUnsupportedLanguage, "fr-FR"), http.StatusBadRequest},
		{"device", fmt.Errorf("%w: %w", capture.ErrStartFailed, errors.New("no mic")), http.StatusFailedDependency},
		{"stopped", session.ErrStopped, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFake()
			f.err = tt.err
			rec := serve(t, api.New(f).Handler(), http.MethodPost, "/api/capture/start", "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tt.err.Error() {
				t.Errorf("error = %q, want %q", body.Error, tt.err.Error())
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.running = false
	rec := serve(t, api.New(f).Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	f := newFake()
	h := api.New(f, api.WithCheckers(api.Checker{
		Name:  "audio",
		Check: func(context.Context) error { return nil },
	})).Handler()

	rec := serve(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	rec = serve(t, h, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "fail" || !strings.HasPrefix(body.Checks["controller"], "fail: ") || body.Checks["audio"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

// ── State stream ──────────────────────────────────────────────────────────────

func dialStream(t *testing.T, f *fakeController) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(api.New(f).Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/state/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn, ctx
}

func TestStateStream_SendsCurrentThenChanges(t *testing.T) {
	t.Parallel()
	f := newFake()
	conn, ctx := dialStream(t, f)

	var st session.State
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if st.Status != session.StatusOpen {
		t.Errorf("initial status = %v", st.Status)
	}

	f.updates <- session.State{Status: session.StatusOpen, Recording: true, StatusMessage: "Recording... Capturing PCM chunks."}
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if !st.Recording || st.StatusMessage != "Recording... Capturing PCM chunks." {
		t.Errorf("update = %+v", st)
	}
}

func TestStateStream_ClosesWhenControllerStops(t *testing.T) {
	t.Parallel()
	f := newFake()
	conn, ctx := dialStream(t, f)

	var st session.State
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	close(f.updates)

	err := wsjson.Read(ctx, conn, &st)
	if got := websocket.CloseStatus(err); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v (err %v), want StatusGoingAway", got, err)
	}
}

func TestStateStream_UnsubscribesOnDisconnect(t *testing.T) {
	t.Parallel()
	f := newFake()
	conn, ctx := dialStream(t, f)

	var st session.State
	if err := wsjson.Read(ctx, conn, &st); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		done := f.cancelled
		f.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("subscription not cancelled after client disconnect")
}
