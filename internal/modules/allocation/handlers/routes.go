package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers allocation and projection routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/allocation", func(r chi.Router) {
		r.Get("/targets", h.HandleGetTargets)
		r.Put("/targets", h.HandleUpdateTargets)
	})
	r.Route("/projections", func(r chi.Router) {
		r.Post("/goal", h.HandleProjectGoal)
	})
}
