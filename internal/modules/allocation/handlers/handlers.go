// Package handlers provides HTTP handlers for allocation targets and
// goal projections.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
)

// Handler handles allocation HTTP requests
type Handler struct {
	service *allocation.Service
	log     zerolog.Logger
}

// NewHandler creates a new allocation handler
func NewHandler(service *allocation.Service, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		log:     log.With().Str("handler", "allocation").Logger(),
	}
}

// HandleGetTargets returns the standing allocation target with its
// expected return and volatility.
func (h *Handler) HandleGetTargets(w http.ResponseWriter, r *http.Request) {
	target, err := h.service.GetTarget()
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"targets":                 target,
			"expected_return_pct":     h.service.ExpectedReturn(target),
			"expected_volatility_pct": h.service.ExpectedVolatility(target),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleUpdateTargets replaces the standing allocation target.
func (h *Handler) HandleUpdateTargets(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets map[string]float64 `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.E(domain.KindValidation, "invalid request body"))
		return
	}
	if len(req.Targets) == 0 {
		h.writeError(w, domain.E(domain.KindValidation, "no targets provided"))
		return
	}

	target := allocation.Target(req.Targets)
	if err := h.service.SetTarget(target); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"targets": target,
			"count":   len(target),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleProjectGoal simulates a savings goal under the standing target.
func (h *Handler) HandleProjectGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CurrentAmount   float64 `json:"current_amount"`
		TargetAmount    float64 `json:"target_amount"`
		MonthlyDeposit  float64 `json:"monthly_deposit"`
		MonthsRemaining int     `json:"months_remaining"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.E(domain.KindValidation, "invalid request body"))
		return
	}

	projection, recommended, err := h.service.ProjectGoal(req.CurrentAmount, req.TargetAmount, req.MonthlyDeposit, req.MonthsRemaining)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"projection":                  projection,
			"recommended_monthly_deposit": recommended,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	h.writeJSON(w, domain.HTTPStatus(kind), map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(kind),
			"message": domain.UserMessage(err),
		},
	})
}
