// Package server exposes a session backend over HTTP so several sshdeck
// shells can share one pool of SSH connections.
//
//	GET    /healthz
//	GET    /api/sessions
//	POST   /api/sessions
//	DELETE /api/sessions/{id}
//	POST   /api/sessions/{id}/exec
//	GET    /api/metrics
//	GET    /api/events          (WebSocket)
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"sshdeck/internal/backend"
	"sshdeck/internal/events"
	"sshdeck/internal/metrics"
	"sshdeck/util"
)

// Backend is what the daemon serves: a full session backend that also
// streams its own started/closed events.  *backend.Pool satisfies it.
type Backend interface {
	backend.Backend
	backend.Closer
	backend.Executor
	Subscribe() *events.Subscription[backend.Event]
}

// Options configures a Server.
type Options struct {
	// AuthToken, when set, is required on every /api route as a bearer
	// token or a ?token= query parameter.
	AuthToken string
	// StartRate limits POST /api/sessions per second.  Zero disables
	// the limit.
	StartRate  float64
	StartBurst int

	Metrics *metrics.Collector
	Logger  *util.Logger
}

// Server is the HTTP face of a Backend.
type Server struct {
	backend  Backend
	token    string
	limiter  *rate.Limiter
	metrics  *metrics.Collector
	logger   *util.Logger
	upgrader websocket.Upgrader
}

const writeWait = 10 * time.Second

// New creates a server for b.
func New(b Backend, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	s := &Server{
		backend: b,
		token:   opts.AuthToken,
		metrics: opts.Metrics,
		logger:  logger.Named("server"),
	}
	if opts.StartRate > 0 {
		burst := opts.StartBurst
		if burst <= 0 {
			burst = max(1, int(opts.StartRate))
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.StartRate), burst)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	})
	mux.HandleFunc("GET /api/sessions", s.authorized(s.handleList))
	mux.HandleFunc("POST /api/sessions", s.authorized(s.handleStart))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.authorized(s.handleClose))
	mux.HandleFunc("POST /api/sessions/{id}/exec", s.authorized(s.handleExec))
	mux.HandleFunc("GET /api/metrics", s.authorized(s.handleMetrics))
	mux.HandleFunc("GET /api/events", s.authorized(s.handleEvents))
	return mux
}

// Serve answers requests on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ── handlers ─────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.backend.ListActiveSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if infos == nil {
		infos = []backend.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, backend.ErrorResponse{
			Error: "too many session starts, slow down",
			Code:  backend.CodeRateLimited,
		})
		return
	}

	var req backend.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if req.Addr.Host == "" || req.User == "" {
		badRequest(w, "addr and user are required")
		return
	}
	if req.Addr.Port == 0 {
		req.Addr.Port = 22
	}
	if req.Addr.Port < 1 || req.Addr.Port > 65535 {
		badRequest(w, fmt.Sprintf("invalid port %d", req.Addr.Port))
		return
	}

	id, err := s.backend.StartSession(r.Context(), req)
	if err != nil {
		s.logger.Verbose("start %s@%s: %v", req.User, req.Addr, err)
		s.metrics.ConnectFailed(err.Error())
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backend.StartResponse{ID: id})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := s.backend.CloseSession(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req backend.ExecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		badRequest(w, "command is required")
		return
	}

	out, err := s.backend.Exec(r.Context(), id, req.Command)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backend.ExecResponse{Output: out})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleEvents streams a snapshot of the active sessions followed by
// one frame per backend event, until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Verbose("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	// Subscribe before listing so no event falls between the two.
	sub := s.backend.Subscribe()
	defer sub.Close()

	infos, err := s.backend.ListActiveSessions(r.Context())
	if err != nil {
		s.logger.Warn("events snapshot: %v", err)
		return
	}
	if infos == nil {
		infos = []backend.SessionInfo{}
	}
	if err := writeFrame(conn, backend.StreamMessage{Type: backend.StreamSnapshot, Sessions: infos}); err != nil {
		return
	}

	s.logger.Verbose("event stream opened for %s", r.RemoteAddr)
	defer s.logger.Verbose("event stream closed for %s", r.RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "backend closed"),
					time.Now().Add(writeWait))
				return
			}
			info := ev.Session
			if err := writeFrame(conn, backend.StreamMessage{Type: string(ev.Type), Session: &info}); err != nil {
				return
			}
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, backend.ErrorResponse{
				Error: "unauthorized",
				Code:  backend.CodeUnauthorized,
			})
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if tokenEqual(r.URL.Query().Get("token"), s.token) {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && tokenEqual(strings.TrimPrefix(auth, "Bearer "), s.token)
}

func tokenEqual(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.metrics.RecordError(err.Error())
	respondError(w, err)
}

func respondError(w http.ResponseWriter, err error) {
	code := backend.ErrorCode(err)
	status := http.StatusBadGateway
	switch code {
	case backend.CodeUnknownSession:
		status = http.StatusNotFound
	case backend.CodeTimeout:
		status = http.StatusGatewayTimeout
	case backend.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, backend.ErrorResponse{Error: err.Error(), Code: code})
}

func sessionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(w, fmt.Sprintf("invalid session id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, backend.ErrorResponse{Error: msg, Code: backend.CodeBadRequest})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeFrame(conn *websocket.Conn, msg backend.StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	return conn.WriteJSON(msg)
}
