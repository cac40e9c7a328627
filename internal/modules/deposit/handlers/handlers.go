// Package handlers exposes the deposit lifecycle over HTTP: intent
// creation, the mobile-money callback, and the explicit confirm and
// settle transitions.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/clients/mpesa"
	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/deposit"
)

// Pipeline is the dispatch surface deposit requests go through. The
// settlement orchestrator satisfies it; handlers never call the deposit
// service directly, so every mutation passes the keyed locks.
type Pipeline interface {
	CreateDeposit(ctx context.Context, params deposit.CreateParams) (*deposit.Session, error)
	GetDeposit(id string) (*deposit.Session, error)
	ReceiveFunds(ctx context.Context, correlationID string, observed decimal.Decimal, meta deposit.ReceiptMetadata) (*deposit.Session, error)
	ConfirmDeposit(ctx context.Context, sessionID string) (*deposit.Session, error)
	SettleDeposit(ctx context.Context, sessionID string) (*deposit.Session, error)
}

// Handler handles deposit HTTP requests
type Handler struct {
	pipeline Pipeline
	log      zerolog.Logger
}

// NewHandler creates a new deposit handler
func NewHandler(pipeline Pipeline, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		log:      log.With().Str("handler", "deposit").Logger(),
	}
}

// HandleCreate opens a deposit session. Amounts arrive as strings of
// integer base units (fiat minor units off-chain, token base units
// on-chain) so nothing passes through a float.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rail           string             `json:"rail"`
		Asset          string             `json:"asset"`
		Chain          int64              `json:"chain"`
		ExpectedAmount string             `json:"expected_amount,omitempty"`
		Phone          string             `json:"phone,omitempty"`
		Target         map[string]float64 `json:"target,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, domain.E(domain.KindValidation, "invalid request body"))
		return
	}

	params := deposit.CreateParams{
		Rail:  deposit.Rail(req.Rail),
		Asset: req.Asset,
		Chain: req.Chain,
		Phone: req.Phone,
	}
	if req.ExpectedAmount != "" {
		expected, err := decimal.NewFromString(req.ExpectedAmount)
		if err != nil {
			h.writeError(w, domain.E(domain.KindValidation, "expected_amount must be a decimal string"))
			return
		}
		params.ExpectedAmount = &expected
	}
	if len(req.Target) > 0 {
		params.Target = allocation.Target(req.Target)
	}

	sess, err := h.pipeline.CreateDeposit(r.Context(), params)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"data": map[string]interface{}{
			"session": sess,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleCallback ingests the mobile-money webhook. A failed or
// cancelled push is acknowledged and logged without touching the
// session; it stays awaiting until the TTL expires it. Deliveries are
// idempotent per checkout id, so provider retries are safe.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, domain.E(domain.KindValidation, "unreadable callback body"))
		return
	}

	result, err := mpesa.ParseCallback(raw)
	if err != nil {
		h.writeError(w, domain.E(domain.KindValidation, "unparseable callback payload"))
		return
	}

	if !result.Success {
		h.log.Info().
			Str("checkout_id", result.CheckoutRequestID).
			Int("result_code", result.ResultCode).
			Str("desc", result.ResultDesc).
			Msg("Push not completed; leaving session awaiting")
		h.ack(w)
		return
	}

	sess, err := h.pipeline.ReceiveFunds(r.Context(), result.CheckoutRequestID,
		decimal.NewFromInt(result.AmountMinor), deposit.ReceiptMetadata{
			PhoneNumber: result.PhoneNumber,
			Receipt:     result.ReceiptNumber,
		})
	if err != nil {
		h.log.Warn().Err(err).
			Str("checkout_id", result.CheckoutRequestID).
			Msg("Callback rejected")
		h.writeError(w, err)
		return
	}

	h.log.Info().
		Str("session_id", sess.ID).
		Str("checkout_id", result.CheckoutRequestID).
		Str("receipt", result.ReceiptNumber).
		Msg("Callback applied")
	h.ack(w)
}

// HandleGet returns one session with its settlement legs.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := h.pipeline.GetDeposit(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"session": sess,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleConfirm verifies received funds and moves the session to
// CONFIRMED. On-chain sessions that are not mined deep enough yet
// surface NOT_YET_CONFIRMABLE rather than blocking.
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	sess, err := h.pipeline.ConfirmDeposit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"session": sess,
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// HandleSettle converts a confirmed deposit into the target basket.
// Repeat calls resume unresolved legs instead of duplicating them.
func (h *Handler) HandleSettle(w http.ResponseWriter, r *http.Request) {
	sess, err := h.pipeline.SettleDeposit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": map[string]interface{}{
			"session": sess,
			"settled": sess.FullySettled(),
		},
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// ack answers the webhook in the provider's own format so its retry
// machinery stands down.
func (h *Handler) ack(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
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
