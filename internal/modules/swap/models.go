// Package swap executes asset conversions through the active venue and
// tracks every order in the ledger. Two venues exist: a direct-execution
// router driven by signed on-chain transactions, and a gasless order
// book that accepts signed intents. Exactly one is selected at startup.
package swap

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a swap order. Transitions are
// monotonic; terminal orders never change again.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether an order may move from one status to
// another. Self transitions are not transitions.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Order is one asset conversion tracked from submission to resolution.
// ID is the transaction hash on the router venue and the order hash on
// the order book venue. Exactly one of SessionID and RebalanceRunID is
// set. Amounts are integer base units of their respective assets.
type Order struct {
	ID                string          `json:"id"`
	Provider          string          `json:"provider"`
	SessionID         string          `json:"session_id,omitempty"`
	RebalanceRunID    string          `json:"rebalance_run_id,omitempty"`
	SourceAsset       string          `json:"source_asset"`
	DestinationAsset  string          `json:"destination_asset"`
	SourceAmount      decimal.Decimal `json:"source_amount"`
	DestinationAmount decimal.Decimal `json:"destination_amount"`
	Status            Status          `json:"status"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Quote is an indicative price for a prospective swap. The estimate is
// in destination base units; execution may realize a different amount
// within the slippage bound.
type Quote struct {
	SourceAsset               string          `json:"source_asset"`
	DestinationAsset          string          `json:"destination_asset"`
	SourceAmount              decimal.Decimal `json:"source_amount"`
	DestinationAmountEstimate decimal.Decimal `json:"destination_amount_estimate"`
	PriceImpactPercent        float64         `json:"price_impact_percent"`
	ExpiresAt                 *time.Time      `json:"expires_at,omitempty"`
}

// StatusUpdate is a venue's observation of an order's progress.
type StatusUpdate struct {
	Status            Status
	DestinationAmount decimal.Decimal
	FailureReason     string
}
