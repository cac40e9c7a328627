// Package deposit owns the deposit session state machine: sessions are
// created awaiting a transfer, move through received and confirmed as
// the payment rail reports progress, and settle into portfolio holdings
// through swap legs. Expiry is evaluated lazily against the session TTL;
// nothing transitions sessions in the background.
package deposit

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
)

// Rail identifies how the money arrives.
type Rail string

const (
	RailOffchainMobileMoney Rail = "OFFCHAIN_MOBILE_MONEY"
	RailOnchainTransfer     Rail = "ONCHAIN_TRANSFER"
)

// Status is the top-level session state. CONFIRMED is terminal at this
// level; settlement progress is tracked per leg plus the settled flag.
type Status string

const (
	StatusAwaitingTransfer Status = "AWAITING_TRANSFER"
	StatusReceived         Status = "RECEIVED"
	StatusConfirmed        Status = "CONFIRMED"
	StatusExpired          Status = "EXPIRED"
	StatusFailed           Status = "FAILED"
)

// Terminal reports whether the session status admits no further
// top-level transitions.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusFailed
}

// CanTransition reports whether a session may move between statuses.
// An awaiting session cannot fail outright: a rejected or cancelled
// push simply leaves it awaiting until the TTL expires it.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusAwaitingTransfer:
		return to == StatusReceived || to == StatusExpired
	case StatusReceived:
		return to == StatusConfirmed || to == StatusFailed
	default:
		return false
	}
}

// LegStatus tracks one settlement leg.
type LegStatus string

const (
	LegPending   LegStatus = "PENDING"
	LegSubmitted LegStatus = "SUBMITTED"
	LegCompleted LegStatus = "COMPLETED"
	LegFailed    LegStatus = "FAILED"
)

// Leg is one conversion of the deposit currency into a target asset.
// Legs are keyed (session, destination asset), which is what makes
// settlement retries resume instead of duplicate.
type Leg struct {
	SessionID        string          `json:"-"`
	DestinationAsset string          `json:"asset"`
	InputAmount      decimal.Decimal `json:"input_amount"`
	Status           LegStatus       `json:"status"`
	OrderID          string          `json:"order_id,omitempty"`
	RealizedAmount   decimal.Decimal `json:"realized_amount"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Resolved reports whether the leg needs no further work.
func (l *Leg) Resolved() bool {
	return l.Status == LegCompleted
}

// Session is one attempted deposit. Amounts are integer base units:
// fiat minor units for the off-chain rail's requested and observed
// amounts, token base units everywhere else. NetAmount is what actually
// lands on-chain in the settlement asset after rail fees and, for
// fiat, conversion.
type Session struct {
	ID   string `json:"id"`
	Rail Rail   `json:"rail"`

	// Settlement asset and chain the deposit lands on.
	Asset string `json:"asset"`
	Chain int64  `json:"chain"`

	ExpectedAmount *decimal.Decimal `json:"expected_amount,omitempty"`
	ObservedAmount decimal.Decimal  `json:"observed_amount"`
	FeeAmount      decimal.Decimal  `json:"fee_amount"`
	NetAmount      decimal.Decimal  `json:"net_amount"`

	// CorrelationID ties the session to the rail: the mobile-money
	// checkout id, or the on-chain transfer's tx hash. Empty until the
	// rail assigns one.
	CorrelationID string `json:"correlation_id,omitempty"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	// TargetSnapshot freezes the allocation this deposit settles into.
	TargetSnapshot allocation.Target `json:"target_snapshot"`

	// Rail metadata.
	Phone          string `json:"phone,omitempty"`
	DepositAddress string `json:"deposit_address,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Legs []*Leg `json:"legs,omitempty"`
}

// IsExpired reports whether the TTL has lapsed while still awaiting the
// transfer. Sessions holding received funds never expire.
func (s *Session) IsExpired(now time.Time) bool {
	return s.Status == StatusAwaitingTransfer && now.After(s.ExpiresAt)
}

// FullySettled reports whether every leg completed and holdings were
// credited.
func (s *Session) FullySettled() bool {
	return s.SettledAt != nil
}

// UnresolvedLegs returns the legs still needing work, in destination
// asset order.
func (s *Session) UnresolvedLegs() []*Leg {
	var unresolved []*Leg
	for _, leg := range s.Legs {
		if !leg.Resolved() {
			unresolved = append(unresolved, leg)
		}
	}
	return unresolved
}
