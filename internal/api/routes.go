package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the full HTTP surface: health/info plus the
// per-container init/run/destroy actions.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", h.Health)
	r.Get("/info", h.Info)

	r.Route("/{container_id}", func(r chi.Router) {
		r.Post("/init", h.Init)
		r.Post("/run", h.Run)
		r.Post("/destroy", h.Destroy)
	})

	return r
}
