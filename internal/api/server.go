// Package api exposes the HTTP interface for running crawls.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/visibilitylab/sitespider/internal/config"
	"github.com/visibilitylab/sitespider/internal/metrics"
	"github.com/visibilitylab/sitespider/internal/output"
	"github.com/visibilitylab/sitespider/internal/policy"
	"github.com/visibilitylab/sitespider/internal/spider"
)

// Runner executes one crawl, emitting records to the sink its engine was
// built with. *spider.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, seed string) (spider.Summary, error)
}

// EngineFactory builds a Runner per request so each crawl streams into its
// own sink.
type EngineFactory func(p policy.Policy, sink spider.Sink, logger *zap.Logger) (Runner, error)

func defaultEngineFactory(p policy.Policy, sink spider.Sink, logger *zap.Logger) (Runner, error) {
	return spider.New(p, sink, logger)
}

// Server wires HTTP handlers to the spider engine.
type Server struct {
	router    chi.Router
	cfg       config.Config
	logger    *zap.Logger
	newEngine EngineFactory
}

// NewServer constructs a Server with middleware and routes. factory may be
// nil, in which case real engines are built.
func NewServer(cfg config.Config, logger *zap.Logger, factory EngineFactory) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if factory == nil {
		factory = defaultEngineFactory
	}
	metrics.Init()

	s := &Server{cfg: cfg, logger: logger, newEngine: factory}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/crawls", s.runCrawl)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	Seed              string   `json:"seed"`
	MaxDepth          *int     `json:"max_depth"`
	MaxPages          *int     `json:"max_pages"`
	MaxCrawlSeconds   *int     `json:"max_crawl_seconds"`
	AllowedSubdomains []string `json:"allowed_subdomains"`
	PathPrefixes      []string `json:"path_prefixes"`
}

// runCrawl executes a crawl synchronously, streaming one JSON object per
// page as it is emitted. The final line carries the run summary under a
// "summary" key.
func (s *Server) runCrawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Seed == "" {
		writeError(s.logger, w, http.StatusBadRequest, "seed required")
		return
	}

	p := s.crawlPolicy(req)
	if err := p.Validate(); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}

	crawlID := uuid.NewString()
	logger := s.logger.With(zap.String("crawl_id", crawlID))

	sink := output.New(&flushWriter{w: w})
	engine, err := s.newEngine(p, sink, logger)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Crawl-ID", crawlID)
	w.WriteHeader(http.StatusOK)

	summary, err := engine.Run(r.Context(), req.Seed)
	if err != nil {
		// The stream is already open; report the failure in-band.
		if serr := sink.Emit(map[string]string{"error": err.Error()}); serr != nil {
			logger.Warn("stream closed before error could be reported", zap.Error(serr))
		}
		logger.Warn("crawl failed", zap.Error(err))
		return
	}
	if serr := sink.Emit(map[string]spider.Summary{"summary": summary}); serr != nil {
		logger.Warn("stream closed before summary could be written", zap.Error(serr))
	}
}

// crawlPolicy derives the per-request policy from the service defaults.
func (s *Server) crawlPolicy(req crawlRequest) policy.Policy {
	p := s.cfg.Policy()
	if req.MaxDepth != nil {
		p.MaxDepth = *req.MaxDepth
	}
	if req.MaxPages != nil {
		p.MaxPages = *req.MaxPages
	}
	if req.MaxCrawlSeconds != nil {
		p.MaxCrawlTime = time.Duration(*req.MaxCrawlSeconds) * time.Second
	}
	if req.AllowedSubdomains != nil {
		p.AllowedSubdomains = req.AllowedSubdomains
	}
	if req.PathPrefixes != nil {
		p.PathPrefixes = req.PathPrefixes
	}
	return p
}

// flushWriter pushes each write through to the client immediately so
// records stream instead of buffering until the crawl ends.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw *flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if err != nil {
		return n, fmt.Errorf("write stream: %w", err)
	}
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
