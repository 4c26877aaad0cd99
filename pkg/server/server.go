package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/seldon-engine/aof/pkg/health"
	"github.com/seldon-engine/aof/pkg/log"
	"github.com/seldon-engine/aof/pkg/metrics"
	"github.com/seldon-engine/aof/pkg/protocol"
	"github.com/seldon-engine/aof/pkg/registry"
)

// SocketFile is the daemon socket's name inside the data directory.
const SocketFile = "aof.sock"

// maxBodyBytes bounds request bodies; envelopes and tool calls are small.
const maxBodyBytes = 1 << 20

// Server is the daemon's IPC surface: an HTTP API on a unix domain
// socket. Same-host callers only; the socket file is owner-only.
type Server struct {
	router  *protocol.Router
	reg     *registry.Registry
	monitor *health.Monitor

	socketPath string
	mux        *http.ServeMux
	httpSrv    *http.Server
	ln         net.Listener
	logger     zerolog.Logger
}

// New assembles the server and its routes. Listening starts with Start.
func New(router *protocol.Router, reg *registry.Registry, monitor *health.Monitor, socketPath string) *Server {
	s := &Server{
		router:     router,
		reg:        reg,
		monitor:    monitor,
		socketPath: socketPath,
		mux:        http.NewServeMux(),
		logger:     log.WithComponent("server"),
	}

	s.mux.HandleFunc("GET /health", s.instrument("/health", s.handleHealth))
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("POST /v1/envelope", s.instrument("/v1/envelope", s.handleEnvelope))
	s.mux.HandleFunc("POST /v1/tools/{name}", s.handleTool)
	s.mux.HandleFunc("POST /v1/sessions/ended", s.instrument("/v1/sessions/ended", s.handleSessionEnded))
	s.mux.HandleFunc("GET /v1/events", s.instrument("/v1/events", s.handleEvents))
	s.mux.HandleFunc("GET /v1/tasks", s.instrument("/v1/tasks", s.handleTasks))
	s.mux.HandleFunc("GET /v1/tasks/{id}", s.instrument("/v1/tasks/{id}", s.handleTask))
	s.mux.HandleFunc("GET /v1/projects", s.instrument("/v1/projects", s.handleProjects))

	return s
}

// SocketPath returns where the server listens.
func (s *Server) SocketPath() string { return s.socketPath }

// Start binds the unix socket and serves in the background. A leftover
// socket file is removed first: by the time we run, the PID file check
// has already ruled out a live daemon on this data dir.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket mode: %w", err)
	}
	s.ln = ln

	// No WriteTimeout: /v1/events long-polls; its wait is capped in the
	// handler instead.
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("socket server stopped")
		}
	}()
	s.logger.Info().Str("socket", s.socketPath).Msg("socket server listening")
	return nil
}

// Shutdown drains in-flight requests and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// instrument wraps a handler with the request counter and latency
// histogram. Route labels are the registered patterns, never raw paths.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.RequestDuration, route)
		metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("could not encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	if rej := protocol.AsRejection(err); rej != nil {
		resp.Reason = rej.Reason
	}
	s.writeJSON(w, httpStatus(err), resp)
}

// httpStatus maps the errdefs taxonomy onto HTTP codes.
func httpStatus(err error) int {
	switch {
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsPermissionDenied(err):
		return http.StatusForbidden
	case errdefs.IsConflict(err):
		return http.StatusConflict
	case errdefs.IsFailedPrecondition(err):
		return http.StatusPreconditionFailed
	case errdefs.IsResourceExhausted(err):
		return http.StatusTooManyRequests
	case errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("decode request body: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	return nil
}
