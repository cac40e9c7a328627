package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all rebalancing routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rebalancing", func(r chi.Router) {
		r.Get("/check", h.HandleCheck)
		r.Post("/run", h.HandleRun)
		r.Get("/runs", h.HandleListRuns)
	})
}
