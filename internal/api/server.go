// Package api exposes the intent API the chat front end talks to. Every
// authenticated route maps onto exactly one core.Service intent.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/org/wirebot/internal/auth"
	"github.com/org/wirebot/internal/core"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string

	// Per-IP transport limits; zero selects 100 rps with a burst of 200.
	RequestsPerSecond int
	Burst             int
}

// Server is the API server.
type Server struct {
	svc     *core.Service
	tokens  *auth.TokenService
	limiter *rateLimiter
	cfg     Config
	log     zerolog.Logger
	httpSrv *http.Server
}

// NewServer creates a Server over svc. tokens validates operator identity.
func NewServer(svc *core.Service, tokens *auth.TokenService, cfg Config, logger zerolog.Logger) *Server {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 100
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2 * cfg.RequestsPerSecond
	}
	log := logger.With().Str("component", "api").Logger()
	return &Server{
		svc:     svc,
		tokens:  tokens,
		limiter: newRateLimiter(cfg.RequestsPerSecond, cfg.Burst, log),
		cfg:     cfg,
		log:     log,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.limiter.middleware)
	r.Use(accessLogMiddleware(s.log))

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes
	r.Get("/v1/sys/health", s.HealthHandler)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/v1/me", s.WhoAmIHandler)

		// Server
		r.Get("/v1/status", s.ServerStatusHandler)
		r.Post("/v1/install", s.InstallHandler)

		// Clients
		r.Get("/v1/clients", s.ClientListHandler)
		r.Post("/v1/clients", s.ClientAddHandler)
		r.Get("/v1/clients/{name}", s.ClientGetHandler)
		r.Delete("/v1/clients/{name}", s.ClientRemoveHandler)
		r.Get("/v1/clients/{name}/status", s.ClientStatusHandler)
		r.Get("/v1/clients/{name}/profile", s.ClientProfileHandler)

		// Operators
		r.Get("/v1/operators", s.OperatorListHandler)
		r.Put("/v1/operators/{id}", s.OperatorAuthorizeHandler)
		r.Delete("/v1/operators/{id}", s.OperatorRevokeHandler)
		r.Put("/v1/operators/{id}/limits", s.OperatorLimitsHandler)
		r.Put("/v1/operators/{id}/permissions", s.OperatorPermissionsHandler)

		// Backups
		r.Get("/v1/backups", s.BackupListHandler)
		r.Post("/v1/backups", s.BackupCreateHandler)
		r.Post("/v1/backups/{name}/restore", s.BackupRestoreHandler)
		r.Delete("/v1/backups/{name}", s.BackupDeleteHandler)

		// Operation log
		r.Get("/v1/audit", s.AuditLogHandler)
	})

	return r
}

// Start begins listening on the configured address. It also sweeps idle
// rate limiter buckets until Shutdown.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // install and restore run the lifecycle script
		IdleTimeout:  60 * time.Second,
	}
	sweepCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go s.sweepLimiter(sweepCtx)

	var err error
	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
		err = s.httpSrv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) sweepLimiter(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.limiter.sweep(now, 10*time.Minute)
		}
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
