package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemapwatch/internal/discovery"
	"github.com/JakeFAU/sitemapwatch/internal/metrics"
	"github.com/JakeFAU/sitemapwatch/internal/monitor"
	"github.com/JakeFAU/sitemapwatch/internal/scheduler"
)

// SiteService runs discovery for new and existing sites.
type SiteService interface {
	Discover(ctx context.Context, rootURL, ownerID string, tags []string) (monitor.SiteRef, error)
	Rediscover(ctx context.Context, siteID, ownerID, rootURL string, tags []string) (monitor.SiteRef, error)
}

// ScanService triggers scans and drains the queue.
type ScanService interface {
	EnqueueScan(ctx context.Context, siteID string) (scheduler.EnqueueResult, error)
	CronScan(ctx context.Context, maxSites int) (scheduler.CronReport, error)
	ProcessQueuedScans(ctx context.Context, maxConcurrent int) (scheduler.DrainReport, error)
	StartQueuedScans(ctx context.Context, maxConcurrent int) (scheduler.DrainReport, error)
}

// ScanReader loads scans and their changes.
type ScanReader interface {
	GetScan(ctx context.Context, scanID string) (monitor.Scan, error)
	ListChangesByScan(ctx context.Context, scanID string) ([]monitor.Change, error)
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options tune the server.
type Options struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
	// DrainMax is used when a drain request names no limit.
	DrainMax int
	// Ready is checked by /readyz; nil means always ready.
	Ready Pinger
}

// Server wires HTTP handlers to the discovery and scheduling services.
type Server struct {
	router chi.Router
	sites  SiteService
	scans  ScanService
	reader ScanReader
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sites SiteService, scans ScanService, reader ScanReader, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.DrainMax <= 0 {
		opts.DrainMax = 1
	}
	s := &Server{
		sites:  sites,
		scans:  scans,
		reader: reader,
		opts:   opts,
		logger: logger.Named("api"),
	}
	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/sites", func(r chi.Router) {
			r.Post("/discover", s.discover)
			r.Route("/{site_id}", func(r chi.Router) {
				r.Post("/rediscover", s.rediscover)
				r.Post("/scans", s.enqueueScan)
			})
		})
		r.Route("/scans", func(r chi.Router) {
			r.Post("/process", s.processQueued)
			r.Post("/start", s.startQueued)
			r.Get("/{scan_id}", s.getScan)
		})
		r.Post("/cron/scan", s.cronScan)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type discoverRequest struct {
	RootURL string   `json:"root_url"`
	OwnerID string   `json:"owner_id"`
	Tags    []string `json:"tags"`
}

func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RootURL == "" || req.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "root_url and owner_id required")
		return
	}
	ref, err := s.sites.Discover(r.Context(), req.RootURL, req.OwnerID, req.Tags)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ref)
}

func (s *Server) rediscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OwnerID == "" {
		s.writeError(w, http.StatusBadRequest, "owner_id required")
		return
	}
	ref, err := s.sites.Rediscover(r.Context(), chi.URLParam(r, "site_id"), req.OwnerID, req.RootURL, req.Tags)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ref)
}

func (s *Server) enqueueScan(w http.ResponseWriter, r *http.Request) {
	res, err := s.scans.EnqueueScan(r.Context(), chi.URLParam(r, "site_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	switch res.Status {
	case scheduler.OutcomeQueued:
		status = http.StatusAccepted
	case scheduler.OutcomeAlreadyRunning:
		status = http.StatusConflict
	}
	s.writeJSON(w, status, res)
}

type scanResponse struct {
	Scan    monitor.Scan     `json:"scan"`
	Changes []monitor.Change `json:"changes"`
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scan_id")
	scan, err := s.reader.GetScan(r.Context(), scanID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	changes, err := s.reader.ListChangesByScan(r.Context(), scanID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if changes == nil {
		changes = []monitor.Change{}
	}
	s.writeJSON(w, http.StatusOK, scanResponse{Scan: scan, Changes: changes})
}

func (s *Server) cronScan(w http.ResponseWriter, r *http.Request) {
	maxSites, err := intQuery(r, "max_sites", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.scans.CronScan(r.Context(), maxSites)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) processQueued(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "max", s.opts.DrainMax)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.scans.ProcessQueuedScans(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) startQueued(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "max", s.opts.DrainMax)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, err := s.scans.StartQueuedScans(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, report)
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, discovery.ErrInvalidRoot):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
