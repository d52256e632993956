// Package api exposes the reconciliation service over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/propfin/reconciliation-engine/internal/session"
	"github.com/propfin/reconciliation-engine/pkg/logger"
)

// Server wraps the HTTP server for the reconciliation API.
type Server struct {
	httpServer *http.Server
	log        logger.Logger
}

// NewServer builds a Server on the given address.
func NewServer(addr string, svc *session.Service, log logger.Logger) *Server {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	log = log.WithComponent("api")

	handler := &handler{service: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/healthz", handler.health)
	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", handler.startSession)
		r.Get("/", handler.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", handler.getSession)
			r.Get("/comparison", handler.getComparison)
			r.Post("/resolutions", handler.resolve)
			r.Post("/resolutions/bulk", handler.bulkResolve)
			r.Post("/complete", handler.complete)
			r.Post("/reject", handler.reject)
			r.Get("/report", handler.report)
		})
	})

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ListenAndServe starts serving and blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("Reconciliation API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
