// Package rebalancing corrects portfolio drift by swapping between
// basket assets. Drift is measured against the allocation target; a
// run sells overweight assets into the stable asset and buys
// underweight assets out of it, recording every order for audit.
package rebalancing

import (
	"time"

	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
)

// RunStatus is the lifecycle state of a rebalance run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Run is one rebalance execution, persisted before the first order is
// submitted so a crash mid-run leaves an auditable trail.
type Run struct {
	ID              string             `json:"id"`
	Forced          bool               `json:"forced"`
	TotalUSD        float64            `json:"total_usd"`
	DriftPercent    float64            `json:"drift_percent"`
	CurrentPercents map[string]float64 `json:"current_percents"`
	Target          allocation.Target  `json:"target"`
	Trades          []allocation.Trade `json:"trades"`
	OrderIDs        []string           `json:"order_ids"`
	Status          RunStatus          `json:"status"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// CheckResult is a drift measurement against the current target.
type CheckResult struct {
	DriftPercent     float64            `json:"drift_percent"`
	ThresholdPercent float64            `json:"threshold_percent"`
	ShouldRebalance  bool               `json:"should_rebalance"`
	TotalUSD         float64            `json:"total_usd"`
	Values           map[string]float64 `json:"values_usd"`
	CurrentPercents  map[string]float64 `json:"current_percents"`
	Target           allocation.Target  `json:"target"`
}
