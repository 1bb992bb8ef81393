// Package http provides the admin API for Courier.
//
// Routes:
//
//	GET    /health
//	GET    /ready
//	POST   /v1/requests            submit (?wait=true blocks until resolved)
//	DELETE /v1/requests            cancel everything
//	DELETE /v1/requests/{id}       cancel one request
//	POST   /v1/flush
//	GET    /v1/queue
//	GET    /v1/dlq
//	POST   /v1/dlq/replay
//	GET    /v1/network
//	PUT    /v1/network
//	GET    /v1/events              websocket event stream
//	GET    /metrics
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/snehjoshi/courier/internal/config"
	"github.com/snehjoshi/courier/internal/coordinator"
	"github.com/snehjoshi/courier/internal/dlq"
	"github.com/snehjoshi/courier/internal/metrics"
	"github.com/snehjoshi/courier/internal/netmon"
)

// Deps are the components the API exposes. DLQ, Metrics and Events may be nil.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Monitor     *netmon.Monitor
	DLQ         *dlq.Recorder
	Metrics     *metrics.Registry
	Events      http.Handler

	NodeID      string
	MetricsPath string
	Logger      *zap.Logger

	// Submissions without an endpoint or max_retries use these.
	DefaultEndpoint   string
	DefaultMaxRetries int
}

// Server wraps the stdlib HTTP server with Courier route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server. The caller is responsible for calling ListenAndServe /
// Shutdown.
func New(cfg config.APIConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "http"))

	h := &Handler{
		coord:      deps.Coordinator,
		mon:        deps.Monitor,
		dlq:        deps.DLQ,
		nodeID:     deps.NodeID,
		endpoint:   deps.DefaultEndpoint,
		maxRetries: deps.DefaultMaxRetries,
		log:        log,
		started:    time.Now(),
	}

	r := chi.NewRouter()
	r.Use(
		RequestIDMiddleware,
		LoggingMiddleware(log, deps.Metrics),
		MaxBodyMiddleware(int64(cfg.MaxBodyKB)<<10),
		AuthMiddleware(cfg.APIKey, cfg.AuthEnabled),
		RateLimitMiddleware(cfg.RateLimit, cfg.Burst),
	)

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/requests", h.submit)
		r.Delete("/requests", h.cancelAll)
		r.Delete("/requests/{id}", h.cancel)

		r.Post("/flush", h.flush)
		r.Get("/queue", h.queue)

		r.Get("/dlq", h.listDLQ)
		r.Post("/dlq/replay", h.replayDLQ)

		r.Get("/network", h.network)
		r.Put("/network", h.setNetwork)

		if deps.Events != nil {
			r.Method(http.MethodGet, "/events", deps.Events)
		}
	})

	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, deps.Metrics.Handler())
	}

	return &Server{
		inner: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0, // ?wait=true and /v1/events hold the connection
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.inner.Addr }

// ListenAndServe starts the server on the configured address. It returns
// when the server stops or encounters an error.
func (s *Server) ListenAndServe() error {
	return s.inner.ListenAndServe()
}

// Serve accepts connections on ln until Shutdown. Binding the listener
// first lets the caller surface address errors before serving.
func (s *Server) Serve(ln net.Listener) error {
	return s.inner.Serve(ln)
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
