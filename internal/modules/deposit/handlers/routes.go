package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all deposit routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/deposits", func(r chi.Router) {
		r.Post("/", h.HandleCreate)
		r.Post("/callback", h.HandleCallback)
		r.Get("/{id}", h.HandleGet)
		r.Post("/{id}/confirm", h.HandleConfirm)
		r.Post("/{id}/settle", h.HandleSettle)
	})
}
