// Package api exposes the analysis pipeline over HTTP: multipart upload
// with either an SSE progress stream or an async job, job status polling,
// AI latency stats and a health probe.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/manualminer/manualminer/internal/config"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/pipeline"
	"github.com/manualminer/manualminer/internal/synthesis"
)

// Analyzer runs one document through the pipeline. *pipeline.Runner is the
// production implementation.
type Analyzer interface {
	RunWithSink(ctx context.Context, name string, data []byte, sink pipeline.Sink) (*pipeline.Result, error)
}

// Server is the HTTP API server for manualminer.
type Server struct {
	router   chi.Router
	runner   Analyzer
	jobs     *pipeline.Store
	emitters []synthesis.Emitter
	aiStats  *genai.Stats
	aiName   string
	ocrName  string
	log      *slog.Logger
	cfg      config.Config

	// runCtx bounds async jobs; cancelling it stops queued runs between
	// chunks during shutdown.
	runCtx context.Context
}

// ServerOptions wires the collaborators of a Server.
type ServerOptions struct {
	Runner   Analyzer
	Jobs     *pipeline.Store
	Emitters []synthesis.Emitter
	AIStats  *genai.Stats
	AIName   string
	OCRName  string
	Log      *slog.Logger
	Config   config.Config
}

// NewServer creates and configures the HTTP server. runCtx bounds the
// lifetime of asynchronous jobs.
func NewServer(runCtx context.Context, opts ServerOptions) *Server {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	s := &Server{
		runner:   opts.Runner,
		jobs:     opts.Jobs,
		emitters: opts.Emitters,
		aiStats:  opts.AIStats,
		aiName:   opts.AIName,
		ocrName:  opts.OCRName,
		log:      opts.Log,
		cfg:      opts.Config,
		runCtx:   runCtx,
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.log))

	// Public endpoints.
	r.Get("/health", s.handleHealth)

	// Authenticated endpoints. Auth is a no-op when no token is
	// configured, so local single-user deployments need no setup.
	r.Group(func(r chi.Router) {
		if s.cfg.AuthToken != "" {
			r.Use(AuthMiddleware(s.cfg.AuthToken, s.log))
		}

		r.Post("/api/analyze", s.handleAnalyze)
		r.Get("/api/jobs/{jobID}", s.handleJobStatus)
		r.Get("/api/stats/ai", s.handleAIStats)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"ai_provider":  s.aiName,
		"ocr_provider": s.ocrName,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}
