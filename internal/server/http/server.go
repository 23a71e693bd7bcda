// Package httpserver exposes the agent and admin HTTP API.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/and161185/citadel/internal/service"
)

// Services are the application services served over HTTP.
type Services struct {
	Auth         service.AuthService
	Deactivation service.DeactivationService
	Config       service.ConfigSyncService
	Admin        service.AdminService
}

// Config tunes the HTTP server.
type Config struct {
	Addr               string
	AgentRatePerMinute int
	MaxPayloadBytes    int64
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server wraps the HTTP listener and its router.
type Server struct {
	cfg  Config
	http *http.Server
	log  *zap.Logger
}

// New constructs the server with all routes mounted.
func New(cfg Config, svc Services, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.AgentRatePerMinute <= 0 {
		cfg.AgentRatePerMinute = 120
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 64 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, log: log.Named("http")}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(svc),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) routes(svc Services) http.Handler {
	h := &handlers{
		auth:         svc.Auth,
		deactivation: svc.Deactivation,
		config:       svc.Config,
		admin:        svc.Admin,
		maxPayload:   s.cfg.MaxPayloadBytes,
		log:          s.log,
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging(s.log))
	r.Use(Recover(s.log))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.With(RateLimit(s.cfg.AgentRatePerMinute)).Post("/session", h.createSession)

		r.Route("/agent", func(r chi.Router) {
			r.Use(RateLimit(s.cfg.AgentRatePerMinute))
			r.Use(Authenticate(svc.Auth))

			r.Post("/activation", h.activate)
			r.Get("/deactivation", h.deactivate)
			r.Post("/deactivation", h.deactivate)
			r.Get("/config/hash", h.configHash)
			r.Get("/config", h.configPayload)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(Authenticate(svc.Auth))
			r.Use(RequireAdmin(svc.Auth))

			r.Get("/deactivations", h.listPending)
			r.Put("/deactivations/{id}/grant", h.grant)
			r.Put("/groups/{id}/payload", h.publishPayload)
			r.Put("/users/{id}/role", h.assignRole)
			r.Delete("/users/{id}", h.deleteUser)
		})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve accepts connections on lis until Shutdown. TLS is used when both files are set.
func (s *Server) Serve(lis net.Listener, certFile, keyFile string) error {
	var err error
	if certFile != "" && keyFile != "" {
		err = s.http.ServeTLS(lis, certFile, keyFile)
	} else {
		err = s.http.Serve(lis)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
