// Package server assembles the HTTP API of csed.
package server

import (
	"net/http"

	"github.com/cloo-solutions/cseassist/internal/api"
	"github.com/cloo-solutions/cseassist/internal/api/handlers"
	"github.com/cloo-solutions/cseassist/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// MaxBodyBytes bounds every request body. Questions and search queries are short.
const MaxBodyBytes int64 = 1 << 20

type RouterConfig struct {
	// APIToken guards everything except /health. Empty leaves the API open.
	APIToken       string
	HealthHandler  *handlers.HealthHandler
	SessionHandler *handlers.SessionHandler
	SearchHandler  *handlers.SearchHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	// outside Sentry, which reports the panic and re-raises it
	r.Use(chimw.Recoverer)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(MaxBodyBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.Error(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		api.Error(w, http.StatusMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path)
	})

	r.Get("/health", cfg.HealthHandler.Health)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerToken(cfg.APIToken))

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", cfg.SessionHandler.Create)
			r.Delete("/{id}", cfg.SessionHandler.Delete)
			r.Get("/{id}/messages", cfg.SessionHandler.Messages)
			r.Post("/{id}/messages", cfg.SessionHandler.Ask)
		})

		r.Post("/search", cfg.SearchHandler.Search)
	})

	return r
}
