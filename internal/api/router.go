package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"coach-server/internal/auth"
	"coach-server/internal/budget"
	"coach-server/internal/claude"
	"coach-server/internal/coach"
	"coach-server/internal/config"
	"coach-server/internal/store"
	"coach-server/internal/tools"
)

// Server holds all dependencies for the HTTP server.
type Server struct {
	config *config.Config
	store  *store.Store
	budget *budget.Service
	tools  *tools.Registry
	coach  *coach.Service
}

// NewServer wires the coach service. provider may be nil, in which case the
// chat endpoints answer 503 and everything else keeps working.
func NewServer(cfg *config.Config, st *store.Store, provider coach.Provider) (*Server, error) {
	registry := tools.NewRegistry(st)
	budgetSvc := budget.New(st, cfg.Budget(claude.BuildSystemPrompt))

	srv := &Server{
		config: cfg,
		store:  st,
		budget: budgetSvc,
		tools:  registry,
	}
	if provider == nil {
		return srv, nil
	}

	orch, err := coach.NewOrchestrator(cfg.Coach(), provider, registry, budgetSvc)
	if err != nil {
		return nil, err
	}
	srv.coach = coach.NewService(orch, budgetSvc, registry, coach.ServiceOptions{
		MaxRequestDuration: cfg.MaxRequestDuration,
	})
	return srv, nil
}

// Budget exposes the budget service so the caller can run the sweeper.
func (s *Server) Budget() *budget.Service {
	return s.budget
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(RecovererMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   srv.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.UserHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(AuthMiddleware(srv.config.CoachToken))
	r.Use(UserMiddleware)

	r.Get("/healthz", srv.handleHealth)

	r.Route("/api/coach", func(r chi.Router) {
		r.Post("/chat-stream", srv.handleChatStream)
		r.Post("/runs/stop", srv.handleStopRun)
		r.Get("/runs", srv.handleActiveRuns)
		r.Get("/budget", srv.handleBudget)

		r.Get("/tools/schema", srv.handleToolSchema)
		r.Post("/tools/execute", srv.handleToolExecute)

		r.Get("/sessions", srv.handleListSessions)
		r.Get("/sessions/{id}/messages", srv.handleSessionMessages)
		r.Delete("/sessions/{id}", srv.handleDeleteSession)

		r.Post("/notes", srv.handleCreateNote)
		r.Get("/notes", srv.handleListNotes)
		r.Delete("/notes/{id}", srv.handleDeleteNote)
	})

	return r
}
