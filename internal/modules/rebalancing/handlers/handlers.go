// Package handlers provides HTTP handlers for drift checks and
// rebalance runs.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/rebalancing"
)

// RunTrigger executes a rebalance behind the portfolio lock. The
// settlement orchestrator satisfies this; handlers never call the
// rebalancing service's Execute directly.
type RunTrigger interface {
	Rebalance(ctx context.Context, force bool) (*rebalancing.Run, error)
}

// Handler handles rebalancing HTTP requests
type Handler struct {
	service *rebalancing.Service
	trigger RunTrigger
	log     zerolog.Logger
}

// NewHandler creates a new rebalancing handler
func NewHandler(service *rebalancing.Service, trigger RunTrigger, log zerolog.Logger) *Handler {
	return &Handler{
		service: service,
		trigger: trigger,
		log:     log.With().Str("handler", "rebalancing").Logger(),
	}
}

// HandleCheck reports current drift against the target and whether it
// crosses the rebalance threshold.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Check(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": result,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleRun triggers a rebalance run. The body is optional; send
// {"force": true} to run below the drift threshold.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, domain.E(domain.KindValidation, "invalid request body"))
		return
	}

	run, err := h.trigger.Rebalance(r.Context(), req.Force)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": run,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleListRuns returns recent runs, newest first.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 200 {
			h.writeError(w, domain.E(domain.KindValidation, "limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}

	runs, err := h.service.Runs(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*rebalancing.Run{}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"runs":  runs,
			"count": len(runs),
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
