// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vrsandeep/updatekit/internal/core"
)

// Server holds the dependencies for our API.
type Server struct {
	app *core.App
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{app: app}
}

// App returns the application the server fronts.
func (s *Server) App() *core.App {
	return s.app
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics

	r.Get("/api/version", s.handleGetVersion)
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.Store().Ping(); err != nil {
			RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Route("/api/update", func(r chi.Router) {
			// Quick, read-mostly routes.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(60 * time.Second))

				r.Get("/status", s.handleGetStatus)
				r.Get("/log", s.handleGetAuditLog)
				r.Get("/settings", s.handleGetSettings)
				r.Get("/notes", s.handleGetReleaseNotes)
				r.Post("/check", s.handleCheckForUpdates)
				r.With(s.AdminOnlyMiddleware).Put("/settings", s.handleUpdateSettings)
			})

			// Installs and rollbacks are bounded by the download timeout
			// instead of the request timeout. Authorization is enforced by
			// the orchestrator's own gate.
			r.Post("/install", s.handleInstallUpdate)
			r.Post("/rollback", s.handleRollback)
			r.Delete("/fatal", s.handleClearFatal)
		})

		r.Route("/api/jobs", func(r chi.Router) {
			r.Get("/status", s.handleGetJobsStatus)
			r.With(s.AdminOnlyMiddleware).Post("/run", s.handleRunJob)
		})
	})

	// WebSocket route
	r.Get("/ws/updates", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})

	return r
}
