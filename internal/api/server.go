package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/url2image/internal/metrics"
	"github.com/JakeFAU/url2image/internal/render"
)

// DefaultMaxBodyBytes bounds a /render request body when Config leaves it unset.
const DefaultMaxBodyBytes int64 = 1 << 20

// Renderer produces images for validated requests. *broker.Broker implements it.
type Renderer interface {
	Render(ctx context.Context, params render.Params) (render.Result, error)
	Accepting() bool
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Tagger derives an ETag from image bytes.
type Tagger interface {
	ETag(data []byte) (string, error)
}

// Config tunes the HTTP layer.
type Config struct {
	MaxBodyBytes int64
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// Tagger, when set, adds an ETag to image responses.
	Tagger Tagger
}

// Server wires HTTP handlers to the renderer.
type Server struct {
	router   chi.Router
	renderer Renderer
	idGen    IDGenerator
	tagger   Tagger
	logger   *zap.Logger
	maxBody  int64
}

// NewServer constructs a Server with middleware and routes.
func NewServer(renderer Renderer, idGen IDGenerator, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		renderer: renderer,
		idGen:    idGen,
		tagger:   cfg.Tagger,
		logger:   logger,
		maxBody:  valueOrDefault(cfg.MaxBodyBytes, DefaultMaxBodyBytes),
	}
	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	var traceOpts []otelhttp.Option
	if cfg.TracerProvider != nil {
		traceOpts = append(traceOpts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	r.Use(newTracingMiddleware(traceOpts...))
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post("/render", s.handleRender)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.renderer.Accepting() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func valueOrDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
