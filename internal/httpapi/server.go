// Package httpapi exposes the daemon over HTTP: completion streaming as
// NDJSON, the model catalog, session history, import jobs and hub listings,
// plus status, health and metrics endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"inferd/internal/registry"
	"inferd/internal/scheduler"
	"inferd/internal/session"
	"inferd/pkg/types"
)

const defaultMaxBodyBytes = 1 << 20

// HubLister serves hub repository listings.
type HubLister interface {
	ListFiles(ctx context.Context, owner, repo string) ([]types.HubFile, error)
}

// ImportService is the slice of the importer the API uses.
type ImportService interface {
	Start(req types.ImportRequest) (types.ImportJob, error)
	Get(id string) (types.ImportJob, error)
	List() []types.ImportJob
}

// Config carries the HTTP-layer options.
type Config struct {
	// MaxBodyBytes bounds JSON request bodies; 0 uses 1 MiB.
	MaxBodyBytes int64
	CORSEnabled  bool
	CORSOrigins  []string
}

// Server wires the core components behind the router. No ambient globals:
// everything the handlers touch is injected here.
type Server struct {
	sched   *scheduler.Scheduler
	reg     *registry.Registry
	store   session.Store
	imports ImportService
	hub     HubLister
	log     zerolog.Logger
	cfg     Config
	started time.Time
}

// NewServer builds the API server around the core components. hub and
// imports may be nil; their endpoints then report 503.
func NewServer(sched *scheduler.Scheduler, reg *registry.Registry, store session.Store,
	imports ImportService, hubClient HubLister, logger zerolog.Logger, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		sched:   sched,
		reg:     reg,
		store:   store,
		imports: imports,
		hub:     hubClient,
		log:     logger,
		cfg:     cfg,
		started: time.Now(),
	}
}

// Router assembles the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, req)
		})
	})
	if s.cfg.CORSEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/complete", s.handleComplete)
		r.Get("/models", s.handleListModels)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/imports", s.handleStartImport)
		r.Get("/imports", s.handleListImports)
		r.Get("/imports/{id}", s.handleGetImport)
		r.Get("/hub/{owner}/{repo}", s.handleHubListing)
	})

	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)
	return r
}

// handleReady probes the store so a broken database turns the daemon
// unready instead of failing first requests.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.store.ListModels(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// accessLog emits one structured line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		evt := s.log.Debug()
		if sr.status >= http.StatusInternalServerError {
			evt = s.log.Error()
		}
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			evt = evt.Str("request_id", rid)
		}
		evt.Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", sr.status).Dur("dur", time.Since(start)).
			Msg("http request")
	})
}
