// Package server provides the HTTP boundary for the delivery subsystem:
// file serving with range support, delete and list endpoints, storage stats,
// caller authentication, and per-tier rate limiting.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/videobot/delivery"
	"github.com/videobot/delivery/cache"
	"github.com/videobot/delivery/engine"
	"github.com/videobot/delivery/reaper"
	"github.com/videobot/delivery/router"
	"github.com/videobot/delivery/telemetry"
)

// listLimit caps the number of objects a single list request returns.
const listLimit = 1000

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Engine serves object bytes through the local cache. Required.
	Engine *engine.Engine

	// Router handles deletes, listing, and storage stats. Required.
	Router *router.Router

	// Index exposes cache counters for the stats endpoint. Required.
	Index *cache.Index

	// Reaper reports cleanup state on the stats endpoint. Optional.
	Reaper *reaper.Manager

	// Resolver authenticates bearer tokens. When nil, every request is
	// anonymous and only public objects are readable.
	Resolver Resolver

	// Limiter applies per-tier rate limits. When nil, no limiting.
	Limiter RateLimiter

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the delivery subsystem.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	engine   *engine.Engine
	router   *router.Router
	index    *cache.Index
	reaper   *reaper.Manager
	resolver Resolver
	limiter  RateLimiter
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("cache index is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		engine:   cfg.Engine,
		router:   cfg.Router,
		index:    cfg.Index,
		reaper:   cfg.Reaper,
		resolver: cfg.Resolver,
		limiter:  cfg.Limiter,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.corsMiddleware(s.callerMiddleware(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for large media downloads
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the full middleware-wrapped handler. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Aggregated storage and cache stats (admin only)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// File serving with byte-range support
	mux.HandleFunc("GET /api/v1/files/{key...}", s.handleFile)
	mux.HandleFunc("HEAD /api/v1/files/{key...}", s.handleFile)
	mux.HandleFunc("DELETE /api/v1/files/{key...}", s.handleDelete)

	// Object metadata without the bytes
	mux.HandleFunc("GET /api/v1/info/{key...}", s.handleInfo)

	// Prefix listing
	mux.HandleFunc("GET /api/v1/list/{prefix...}", s.handleList)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleFile serves an object, honoring Range headers and redirecting to
// public URLs when possible.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "files")

	key := r.PathValue("key")
	caller := CallerFromContext(r.Context())

	if !canReadKey(caller, key) {
		s.denyAccess(w, caller)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(key)))

	if err := s.engine.Serve(w, r, key); err != nil {
		s.writeError(w, r, err)
	}
}

// handleDelete removes an object from every backend and drops any cached
// copy. Only the owner or an admin may delete.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "delete")

	key := r.PathValue("key")
	caller := CallerFromContext(r.Context())

	if !canDeleteKey(caller, key) {
		s.denyAccess(w, caller)
		return
	}

	result, err := s.router.Delete(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.engine.Invalidate(r.Context(), key); err != nil {
		s.logger.Warn("cache invalidation failed after delete", "key", key, "error", err)
	}

	s.writeJSON(w, http.StatusOK, result)
}

// handleInfo returns the object's metadata as JSON, subject to the same
// access rules as serving it.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "info")

	key := r.PathValue("key")
	caller := CallerFromContext(r.Context())

	if !canReadKey(caller, key) {
		s.denyAccess(w, caller)
		return
	}

	info, err := s.router.Info(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// listResponse is the body of a list request.
type listResponse struct {
	Prefix string                `json:"prefix"`
	Count  int                   `json:"count"`
	Files  []delivery.ObjectInfo `json:"files"`
}

// handleList lists objects under a prefix from the highest priority
// connected backend.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")

	prefix := r.PathValue("prefix")
	caller := CallerFromContext(r.Context())

	if !canListPrefix(caller, prefix) {
		s.denyAccess(w, caller)
		return
	}

	var infos []delivery.ObjectInfo
	listed := false
	for _, b := range s.router.Backends() {
		if !b.Connected() {
			continue
		}
		var err error
		infos, err = b.List(r.Context(), prefix, listLimit)
		if err != nil {
			s.logger.Warn("list failed", "backend", b.Name(), "prefix", prefix, "error", err)
			continue
		}
		listed = true
		break
	}
	if !listed {
		s.writeError(w, r, delivery.ErrBackendUnavailable)
		return
	}

	if infos == nil {
		infos = []delivery.ObjectInfo{}
	}
	s.writeJSON(w, http.StatusOK, listResponse{Prefix: prefix, Count: len(infos), Files: infos})
}

// statsResponse aggregates storage, cache, and cleanup statistics.
type statsResponse struct {
	Storage     *router.StorageStats `json:"storage"`
	Cache       cacheStats           `json:"cache"`
	Cleanup     *cache.CleanupStats  `json:"cleanup"`
	ReaperState string               `json:"reaper_state,omitempty"`
}

type cacheStats struct {
	Entries    int   `json:"entries"`
	TotalBytes int64 `json:"total_bytes"`
}

// handleStats reports aggregated statistics. Admin only.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	caller := CallerFromContext(r.Context())
	if !caller.IsAdmin() {
		s.denyAccess(w, caller)
		return
	}

	storage, err := s.router.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := s.index.Count(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	totalBytes, err := s.index.TotalSize(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cleanup, err := s.index.LoadCleanupStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := statsResponse{
		Storage: storage,
		Cache:   cacheStats{Entries: entries, TotalBytes: totalBytes},
		Cleanup: cleanup,
	}
	if s.reaper != nil {
		resp.ReaperState = string(s.reaper.State())
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// corsMiddleware reflects the request origin and answers preflight requests
// so browser players can stream and probe ranges across origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Expose-Headers", "Content-Range, Content-Length, Accept-Ranges, ETag")

		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Range, X-Access-Token")
			h.Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// callerMiddleware resolves the bearer token to a Caller, tags the request
// with the caller's tier, and applies rate limits. Health and metrics are
// exempt.
func (s *Server) callerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		var caller *Caller
		if token := extractToken(r); token != "" && s.resolver != nil {
			resolved, err := s.resolver.ResolveCaller(r.Context(), token)
			if err != nil {
				s.logger.Debug("token rejected", "error", err)
				unauthorizedResponse(w)
				return
			}
			caller = resolved
			r = r.WithContext(withCaller(r.Context(), caller))
		}

		tier := anonymousTier
		clientID := clientAddr(r)
		if caller != nil {
			tier = string(caller.Tier)
			clientID = fmt.Sprintf("user:%d", caller.ID)
			telemetry.SetTier(r, tier)
		}

		if s.limiter != nil {
			var callerTier delivery.Tier
			if caller != nil {
				callerTier = caller.Tier
			}
			allowed, limit := s.limiter.Allow(clientID, callerTier, r.URL.Path)
			if !allowed {
				telemetry.RecordRateLimited(r.Context(), tier, routeClass(r.URL.Path))
				w.Header().Set("Retry-After", "60")
				w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
				s.writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		if tags != nil {
			if tags.Tier != "" {
				attrs = append(attrs, "tier", tags.Tier)
			}
			if tags.Endpoint != "" {
				attrs = append(attrs, "endpoint", tags.Endpoint)
			}
			if tags.CacheResult != "" {
				attrs = append(attrs, "cache_result", string(tags.CacheResult))
			}
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// writeError maps the error taxonomy to HTTP status codes and writes a JSON
// error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, delivery.ErrGone):
		status = http.StatusGone
	case errors.Is(err, delivery.ErrRangeNotSatisfiable):
		status = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, delivery.ErrBackendUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, delivery.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, delivery.ErrSizeLimitExceeded):
		status = http.StatusRequestEntityTooLarge
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// denyAccess writes 401 for anonymous callers and 403 for everyone else.
func (s *Server) denyAccess(w http.ResponseWriter, caller *Caller) {
	if caller == nil {
		unauthorizedResponse(w)
		return
	}
	s.writeJSON(w, http.StatusForbidden, map[string]string{"error": "access denied"})
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("encoding response failed", "error", err)
	}
}

// clientAddr returns the client host without the port, for anonymous rate
// limit accounting.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
