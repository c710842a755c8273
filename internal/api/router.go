package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/config"
	"github.com/savegress/bankrecon/internal/events"
	"github.com/savegress/bankrecon/internal/importer"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/reconciliation"
)

// Deps are the components the API serves
type Deps struct {
	Ledger       *ledger.Store
	Orchestrator *reconciliation.Orchestrator
	Importer     *importer.Importer
	Registry     *parsers.Registry
	// Events streams import progress; the stream route is off when nil
	Events *events.Hub
	// Checks are reported by the health endpoint, keyed by name
	Checks map[string]func(ctx context.Context) error
}

// Server represents the API server
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
	log      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, deps Deps, log zerolog.Logger) *Server {
	log = log.With().Str("component", "api").Logger()
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(cfg, deps, log),
		log:      log,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.log))
	s.router.Use(recoverer(s.log))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1/bankrecon", func(r chi.Router) {
		// Imports
		r.Route("/imports", func(r chi.Router) {
			r.Get("/", s.handlers.ListImports)
			r.Post("/", s.handlers.CreateImport)
			if s.handlers.deps.Events != nil {
				r.Get("/events", s.handlers.StreamImports)
			}
			r.Get("/{id}", s.handlers.GetImport)
		})
		r.Post("/parse", s.handlers.ParseFile)

		// Transactions
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", s.handlers.ListTransactions)
			r.Post("/", s.handlers.CreateTransaction)
			r.Get("/{id}", s.handlers.GetTransaction)
			r.Patch("/{id}", s.handlers.UpdateTransaction)
			r.Put("/{id}/checked", s.handlers.SetChecked)
			r.Get("/{id}/suggestions", s.handlers.GetSuggestions)
			r.Post("/{id}/reconcile", s.handlers.Reconcile)
			r.Post("/{id}/undo", s.handlers.UndoReconciliation)
			r.Post("/{id}/match-partner", s.handlers.MatchPartner)
		})

		// Statements
		r.Route("/statements", func(r chi.Router) {
			r.Get("/", s.handlers.ListStatements)
			r.Get("/{id}", s.handlers.GetStatement)
			r.Get("/{id}/transactions", s.handlers.GetStatementTransactions)
			r.Post("/{id}/recompute", s.handlers.RecomputeStatement)
		})

		// Reconciliation
		r.Post("/reconciliation/batch", s.handlers.BatchAutoReconcile)

		// Rules
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handlers.ListRules)
			r.Put("/", s.handlers.SaveRules)
			r.Get("/{id}", s.handlers.GetRule)
			r.Put("/{id}", s.handlers.SaveRule)
			r.Delete("/{id}", s.handlers.DeleteRule)
		})
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
