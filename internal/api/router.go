// Package api provides the external HTTP/SSE/WebSocket interface for
// contimgd: job submission, status, live log streaming, and operator
// publish/retry actions.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"

	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/pkg/ingest"
	"github.com/dsa110/contimg/pkg/queue"
	"github.com/dsa110/contimg/pkg/recovery"
	"github.com/dsa110/contimg/pkg/registry"
)

// Server is the external interface (C8): it fronts the queue, registry,
// recovery monitor, and ingest grouper with one HTTP router.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	queue    *queue.Store
	broker   *queue.LogBroker
	reg      *registry.Store
	monitor  *recovery.Monitor
	alerts   *recovery.AlertBroker
	grouper  *ingest.Grouper
	log      arbor.ILogger
	upgrader websocket.Upgrader
}

// NewServer wires up the chi router for all components.
func NewServer(cfg *config.Config, q *queue.Store, broker *queue.LogBroker, reg *registry.Store,
	monitor *recovery.Monitor, alerts *recovery.AlertBroker, grouper *ingest.Grouper, log arbor.ILogger) *Server {
	s := &Server{
		cfg:     cfg,
		queue:   q,
		broker:  broker,
		reg:     reg,
		monitor: monitor,
		alerts:  alerts,
		grouper: grouper,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(time.Duration(s.cfg.API.RequestTimeout) * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.cfg.API.APIKey != "" {
		r.Use(s.apiKeyAuth)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	if s.cfg.API.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/logs/stream", s.handleJobLogStream)
			r.Get("/logs/ws", s.handleJobLogWS)
		})
	})

	r.Route("/artifacts", func(r chi.Router) {
		r.Get("/", s.handleListArtifacts)
		r.Get("/{id}", s.handleGetArtifact)
	})

	r.Route("/publish", func(r chi.Router) {
		r.Get("/status", s.handlePublishStatus)
		r.Get("/failed", s.handlePublishFailed)
		r.Post("/{id}/retry", s.handlePublishRetry)
		r.Post("/retry-all", s.handlePublishRetryAll)
	})

	r.Get("/input-files", s.handleInputFiles)

	s.router = r
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// apiKeyAuth is middleware that validates the X-API-Key header or
// api_key query parameter against the configured key.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/version" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("api_key")
		}

		if apiKey != s.cfg.API.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
