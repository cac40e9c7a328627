// Package handlers provides HTTP handlers for portfolio holdings.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/portfolio"
)

// TargetSource supplies the standing allocation target the holdings are
// measured against.
type TargetSource interface {
	GetTarget() (allocation.Target, error)
}

// Handler handles portfolio HTTP requests
type Handler struct {
	service *portfolio.Service
	targets TargetSource
	log     zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(service *portfolio.Service, targets TargetSource, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		targets: targets,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleGetPortfolio returns all holdings with the current valuation and
// how far each asset sits from its target share.
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.service.Holdings()
	if err != nil {
		h.writeError(w, err)
		return
	}

	valuation, err := h.service.Valuation()
	if err != nil {
		h.writeError(w, err)
		return
	}

	target, err := h.targets.GetTarget()
	if err != nil {
		h.writeError(w, err)
		return
	}

	holdingRows := lo.Map(holdings, func(hold portfolio.Holding, _ int) map[string]interface{} {
		return map[string]interface{}{
			"asset":             hold.Asset,
			"amount_base":       hold.AmountBase.String(),
			"entry_price_usd":   hold.EntryPriceUSD,
			"current_price_usd": hold.CurrentPriceUSD,
			"value_usd":         valuation.Values[hold.Asset],
			"percent":           valuation.Percents[hold.Asset],
			"target_percent":    target[hold.Asset],
			"updated_at":        hold.UpdatedAt.Format(time.RFC3339),
		}
	})

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"holdings":      holdingRows,
			"total_usd":     valuation.TotalUSD,
			"target":        target,
			"drift_percent": allocation.Drift(allocation.Target(valuation.Percents), target),
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
	if kind == domain.KindInternal {
		h.log.Error().Err(err).Msg("Portfolio request failed")
	}
	h.writeJSON(w, domain.HTTPStatus(kind), map[string]interface{}{
		"error": map[string]interface{}{
			"kind":    string(kind),
			"message": domain.UserMessage(err),
		},
	})
}
