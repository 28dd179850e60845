package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/savegress/labbridge/internal/audit"
	"github.com/savegress/labbridge/internal/auth"
	"github.com/savegress/labbridge/internal/config"
	"github.com/savegress/labbridge/internal/directory"
	"github.com/savegress/labbridge/internal/ingest"
)

// Server represents the API server
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, authSvc *auth.Service, dir *directory.Directory, pipeline *ingest.Pipeline, auditLog *audit.Logger) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(authSvc, dir, pipeline, auditLog),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1/labbridge", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.handlers.Register)
			r.Post("/login", s.handlers.Login)
		})

		// Everything below requires a session.
		r.Group(func(r chi.Router) {
			r.Use(SessionMiddleware(s.handlers.auth))

			r.Route("/reports", func(r chi.Router) {
				r.With(RequireUpload).Post("/", s.handlers.UploadReport)
				r.Get("/{id}", s.handlers.GetReport)
			})

			r.With(RequireUpload).Post("/match/preview", s.handlers.PreviewMatch)

			r.Route("/patients", func(r chi.Router) {
				r.Get("/", s.handlers.SearchPatients)
				r.Post("/", s.handlers.CreatePatient)
				r.Get("/{id}", s.handlers.GetPatient)
				r.Get("/{id}/transmissions", s.handlers.ListTransmissions)
			})

			r.With(RequireAdmin).Get("/audit/events", s.handlers.ListAuditEvents)
		})
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
