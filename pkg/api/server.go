// Package api serves the sandboxd management API: a JSON REST surface over
// sandbox.Service, a websocket audit stream, and a Go client for both.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/config"
	"github.com/sandboxrunner/sandboxd/pkg/errdefs"
	"github.com/sandboxrunner/sandboxd/pkg/monitoring"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
	"github.com/sandboxrunner/sandboxd/pkg/storage"
)

// BasePath prefixes every versioned route.
const BasePath = "/api/v1"

const maxBodyBytes = 1 << 20

// AuditStore answers historical audit queries beyond the in-memory ring.
type AuditStore interface {
	AuditRecords(ctx context.Context, q storage.AuditQuery) ([]audit.Record, error)
}

// Server exposes a sandbox.Service over HTTP.
type Server struct {
	config      config.ServerConfig
	service     sandbox.Service
	router      *mux.Router
	httpServer  *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	limiter     *rate.Limiter
	metrics     *monitoring.Metrics
	metricsPath string
	tracing     *monitoring.TracingManager
	health      *monitoring.HealthRegistry
	auditStore  AuditStore

	streamsMu sync.Mutex
	streams   map[string]*auditStream
	wg        sync.WaitGroup
}

// ServerOption configures optional collaborators.
type ServerOption func(*Server)

// WithMetrics instruments every route and serves m on path.
func WithMetrics(m *monitoring.Metrics, path string) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.metricsPath = path
	}
}

// WithTracing wraps every request in a server span.
func WithTracing(tm *monitoring.TracingManager) ServerOption {
	return func(s *Server) { s.tracing = tm }
}

// WithHealth serves h on /health.
func WithHealth(h *monitoring.HealthRegistry) ServerOption {
	return func(s *Server) { s.health = h }
}

// WithAuditStore enables GET /api/v1/audit.
func WithAuditStore(st AuditStore) ServerOption {
	return func(s *Server) { s.auditStore = st }
}

// NewServer creates the API server and its routes.
func NewServer(cfg config.ServerConfig, svc sandbox.Service, opts ...ServerOption) *Server {
	s := &Server{
		config:  cfg,
		service: svc,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		streams: make(map[string]*auditStream),
	}
	if cfg.EnableCORS {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler including CORS handling.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.router)
}

func (s *Server) setupRoutes() {
	if s.tracing != nil {
		s.router.Use(s.tracing.Middleware)
	}
	s.router.Use(s.loggingMiddleware)
	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware)
	}

	if s.health != nil {
		s.router.Handle("/health", s.health.Handler()).Methods("GET")
	} else {
		s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	}
	if s.metrics != nil && s.metricsPath != "" {
		s.router.Handle(s.metricsPath, s.metrics.Handler()).Methods("GET")
	}
	s.router.HandleFunc("/api/openapi.json", s.handleOpenAPISpec).Methods("GET")

	v1 := s.router.PathPrefix(BasePath).Subrouter()
	v1.Use(s.rateLimitMiddleware)

	v1.HandleFunc("/permissions", s.handleListPermissions).Methods("GET")
	v1.HandleFunc("/statistics", s.handleStatistics).Methods("GET")
	v1.HandleFunc("/audit", s.handleQueryAudit).Methods("GET")

	// Policies
	v1.HandleFunc("/policies", s.handleListPolicies).Methods("GET")
	v1.HandleFunc("/policies", s.handleApplyPolicy).Methods("POST")
	v1.HandleFunc("/policies/{name}", s.handleGetPolicy).Methods("GET")
	v1.HandleFunc("/policies/{name}", s.handleDeletePolicy).Methods("DELETE")

	// Sandboxes
	v1.HandleFunc("/sandboxes", s.handleListSandboxes).Methods("GET")
	v1.HandleFunc("/sandboxes", s.handleCreateSandbox).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}", s.handleGetSandbox).Methods("GET")
	v1.HandleFunc("/sandboxes/{name}", s.handleDestroySandbox).Methods("DELETE")
	v1.HandleFunc("/sandboxes/{name}/start", s.handleStartSandbox).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}/exec", s.handleExecSandbox).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}/stop", s.handleStopSandbox).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}/suspend", s.handleSuspendSandbox).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}/resume", s.handleResumeSandbox).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}/kill", s.handleKillSandbox).Methods("POST")

	// Mediation
	v1.HandleFunc("/sandboxes/{name}/check", s.handleCheckPermission).Methods("POST")
	v1.HandleFunc("/sandboxes/{name}/permissions/{permission}", s.handleGrantPermission).Methods("PUT")
	v1.HandleFunc("/sandboxes/{name}/permissions/{permission}", s.handleRevokePermission).Methods("DELETE")

	// Audit
	v1.HandleFunc("/sandboxes/{name}/audit", s.handleSandboxAudit).Methods("GET")
	v1.HandleFunc("/sandboxes/{name}/audit/stream", s.handleAuditStream).Methods("GET")
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	log.Info().
		Str("address", ln.Addr().String()).
		Bool("cors_enabled", s.config.EnableCORS).
		Bool("metrics_enabled", s.metrics != nil).
		Bool("tracing_enabled", s.tracing != nil && s.tracing.Enabled()).
		Msg("Starting API server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server listen error")
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes open audit streams and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	s.streamsMu.Lock()
	for _, st := range s.streams {
		st.close()
	}
	s.streamsMu.Unlock()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown API server: %w", err)
		}
	}
	s.wg.Wait()

	log.Info().Msg("API server stopped")
	return nil
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		monitoring.WithContext(r.Context()).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.InstrumentHandler(route, next).ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.EnableCORS {
			next.ServeHTTP(w, r)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeErrorStatus(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorStatus(w, statusFor(errdefs.KindOf(err)), err)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("API error")
	}
	s.writeJSON(w, status, ErrorResponse{
		Error: err.Error(),
		Kind:  errdefs.KindOf(err).String(),
	})
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.writeErrorStatus(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// statusFor maps an error kind to the HTTP status the API answers with.
func statusFor(k errdefs.Kind) int {
	switch k {
	case errdefs.KindNotFound:
		return http.StatusNotFound
	case errdefs.KindUnknownPermission, errdefs.KindPolicyRejected, errdefs.KindInvalidLimit,
		errdefs.KindInvalidNamespaceMapping, errdefs.KindInvalidConfig:
		return http.StatusBadRequest
	case errdefs.KindDuplicatePolicy, errdefs.KindDuplicatePermission, errdefs.KindDuplicateResource,
		errdefs.KindInvalidState, errdefs.KindPolicyFrozen, errdefs.KindAlreadyInitialised:
		return http.StatusConflict
	case errdefs.KindPermissionDenied:
		return http.StatusForbidden
	case errdefs.KindTooManySandboxes, errdefs.KindResourceExhausted, errdefs.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case errdefs.KindOutOfMemory:
		return http.StatusInsufficientStorage
	case errdefs.KindTimeout:
		return http.StatusGatewayTimeout
	case errdefs.KindNotInitialised:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
