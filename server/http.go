// Package server provides the HTTP API of the gallery service.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/cache"
	"github.com/wolfeidau/mintcache/gallery"
	"github.com/wolfeidau/mintcache/handle"
	"github.com/wolfeidau/mintcache/store"
	"github.com/wolfeidau/mintcache/telemetry"
)

const (
	DefaultAddress  = ":8080"
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ContentCache is the cache surface the content endpoints use.
type ContentCache interface {
	gallery.ContentCache
	Peek(id mintcache.ContentID) (*cache.Entry, bool)
	Len() int
}

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables bearer authentication when set.
	AuthToken string

	Gallery  *gallery.Service
	Tracker  *gallery.Tracker
	Cache    ContentCache
	Resolver gallery.URLResolver
	Handles  *handle.Registry

	// Store is the optional persistent tier, reported by /stats.
	Store *store.Store

	// DefaultPageSize applies when a request names no size.
	DefaultPageSize int

	// WriteTimeout bounds a response, including video thumbnail capture.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Server is the HTTP server for the gallery.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Gallery == nil || cfg.Cache == nil || cfg.Resolver == nil || cfg.Handles == nil {
		return nil, errors.New("server: gallery, cache, resolver and handles are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.Tracker == nil {
		cfg.Tracker = gallery.NewTracker()
	}
	if cfg.DefaultPageSize <= 0 || cfg.DefaultPageSize > MaxPageSize {
		cfg.DefaultPageSize = DefaultPageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler with logging and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /v1/collections/{collection}/tokens", s.handleTokens)
	mux.HandleFunc("GET /v1/views/{scope...}", s.handleView)
	mux.HandleFunc("DELETE /v1/views/{scope...}", s.handleAbandonView)

	mux.HandleFunc("GET /v1/content/{id}", s.handleContent)
	mux.HandleFunc("DELETE /v1/content/{id}", s.handleInvalidate)
	mux.HandleFunc("DELETE /v1/content", s.handleClear)

	// GET patterns also match HEAD.
	mux.Handle("GET "+handle.DefaultBasePath+"{id}", s.config.Handles)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	CacheEntries int          `json:"cache_entries"`
	LiveHandles  int          `json:"live_handles"`
	Store        *store.Stats `json:"store,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		CacheEntries: s.config.Cache.Len(),
		LiveHandles:  s.config.Handles.Live(),
	}
	if s.config.Store != nil {
		st, err := s.config.Store.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp.Store = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		tags.Surface = deriveSurface(r.URL.Path)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"surface", tags.Surface,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Collection != "" {
			attrs = append(attrs, "collection", tags.Collection)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
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

// deriveSurface classifies the request path for metrics.
func deriveSurface(path string) string {
	switch {
	case path == "/health" || path == "/stats" || path == "/metrics":
		return "internal"
	case strings.HasPrefix(path, "/v1/content"):
		return "content"
	case strings.HasPrefix(path, handle.DefaultBasePath):
		return "blob"
	case strings.HasPrefix(path, "/v1/"):
		return "gallery"
	default:
		return "unknown"
	}
}
