// Package api serves the HTTP control surface of a session controller: JSON
// commands, a websocket state stream and health probes.
//
// Routes:
//
//   - GET    /api/state          current state snapshot
//   - GET    /api/state/stream   websocket, one JSON state per change
//   - POST   /api/session        open a session ({"user_name","language","voice"})
//   - POST   /api/session/reset  close, rewind stages and reopen
//   - DELETE /api/session        close the session
//   - POST   /api/capture/start  start the microphone
//   - POST   /api/capture/stop   stop the microphone
//   - POST   /api/stage/advance  manual stage advance
//   - GET    /healthz, /readyz   liveness and readiness probes
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/session"
)

// Controller is the subset of [session.Controller] the API drives.
type Controller interface {
	State() session.State
	Subscribe() (<-chan session.State, func())
	Running() bool

	Open(ctx context.Context, p session.Profile) error
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
	StartCapture(ctx context.Context) error
	StopCapture(ctx context.Context) error
	AdvanceStage(ctx context.Context) error
}

var _ Controller = (*session.Controller)(nil)

// maxBodyBytes caps request bodies; the largest is a profile.
const maxBodyBytes = 4 << 10

// ── Options ───────────────────────────────────────────────────────────────────

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCheckers adds readiness checks beside the built-in controller check.
func WithCheckers(checkers ...Checker) Option {
	return func(s *Server) {
		s.checkers = append(s.checkers, checkers...)
	}
}

// WithWriteTimeout bounds each websocket write. Defaults to 5 seconds.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// ── Server ────────────────────────────────────────────────────────────────────

// Server translates HTTP requests into controller commands.
type Server struct {
	ctrl         Controller
	log          *slog.Logger
	checkers     []Checker
	writeTimeout time.Duration
}

// New returns a Server driving ctrl.
func New(ctrl Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:         ctrl,
		log:          slog.Default(),
		checkers:     []Checker{controllerCheck(ctrl)},
		writeTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds every route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", s.getState)
	mux.HandleFunc("GET /api/state/stream", s.streamState)
	mux.HandleFunc("POST /api/session", s.openSession)
	mux.HandleFunc("POST /api/session/reset", s.command(s.ctrl.Reset))
	mux.HandleFunc("DELETE /api/session", s.command(s.ctrl.Close))
	mux.HandleFunc("POST /api/capture/start", s.command(s.ctrl.StartCapture))
	mux.HandleFunc("POST /api/capture/stop", s.command(s.ctrl.StopCapture))
	mux.HandleFunc("POST /api/stage/advance", s.command(s.ctrl.AdvanceStage))
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// ── Handlers ──────────────────────────────────────────────────────────────────

func (s *Server) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.State())
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var p session.Profile
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid profile: "+err.Error())
		return
	}
	if err := s.ctrl.Open(r.Context(), p); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.State())
}

// command adapts a body-less controller command to a handler that replies
// with the resulting state.
func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.State())
	}
}

// fail maps controller errors to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnsupportedLanguage):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotOpen):
		status = http.StatusConflict
	case errors.Is(err, capture.ErrStartFailed):
		status = http.StatusFailedDependency
	case errors.Is(err, session.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Client went away.
		return
	}
	if status == http.StatusInternalServerError {
		s.log.Error("api: command failed", "path", r.URL.Path, "err", err)
	}
	writeError(w, status, err.Error())
}

// ── JSON ──────────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
