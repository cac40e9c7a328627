package events

import "time"

// EventType identifies a category of event flowing through the bus.
type EventType string

const (
	// Deposit lifecycle
	DepositSessionCreated EventType = "DEPOSIT_SESSION_CREATED"
	DepositReceived       EventType = "DEPOSIT_RECEIVED"
	DepositConfirmed      EventType = "DEPOSIT_CONFIRMED"
	DepositSettled        EventType = "DEPOSIT_SETTLED"
	DepositExpired        EventType = "DEPOSIT_EXPIRED"
	DepositFailed         EventType = "DEPOSIT_FAILED"

	// Swap execution
	SwapOrderUpdated EventType = "SWAP_ORDER_UPDATED"

	// Rebalancing
	RebalanceCompleted EventType = "REBALANCE_COMPLETED"

	// Operations
	BackupCompleted     EventType = "BACKUP_COMPLETED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Event is the envelope delivered to subscribers and streamed over SSE.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data,omitempty"`
}
