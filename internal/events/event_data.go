package events

// EventData is implemented by typed event payloads so emitters can pass
// structs instead of hand-built maps.
type EventData interface {
	EventType() EventType
}

// DepositSessionCreatedData is emitted when a session is opened.
type DepositSessionCreatedData struct {
	SessionID string `json:"session_id"`
	Rail      string `json:"rail"`
	Asset     string `json:"asset"`
	ExpiresAt int64  `json:"expires_at"`
}

func (d DepositSessionCreatedData) EventType() EventType { return DepositSessionCreated }

// DepositReceivedData is emitted when a payment rail reports funds.
type DepositReceivedData struct {
	SessionID      string `json:"session_id"`
	CorrelationID  string `json:"correlation_id"`
	Rail           string `json:"rail"`
	ObservedAmount string `json:"observed_amount"`
	Asset          string `json:"asset"`
}

func (d DepositReceivedData) EventType() EventType { return DepositReceived }

// DepositConfirmedData is emitted once a deposit passes confirmation.
type DepositConfirmedData struct {
	SessionID string `json:"session_id"`
	Rail      string `json:"rail"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

func (d DepositConfirmedData) EventType() EventType { return DepositConfirmed }

// SettledLegData reports the outcome of one settlement leg.
type SettledLegData struct {
	Asset             string `json:"asset"`
	Status            string `json:"status"`
	DestinationAmount string `json:"destination_amount,omitempty"`
}

// DepositSettledData is emitted after a settle pass over a session.
type DepositSettledData struct {
	SessionID    string           `json:"session_id"`
	Legs         []SettledLegData `json:"legs"`
	FullySettled bool             `json:"fully_settled"`
}

func (d DepositSettledData) EventType() EventType { return DepositSettled }

// DepositExpiredData is emitted when a lapsed session is first observed.
type DepositExpiredData struct {
	SessionID string `json:"session_id"`
	Rail      string `json:"rail"`
}

func (d DepositExpiredData) EventType() EventType { return DepositExpired }

// DepositFailedData is emitted when confirmation fails a session.
type DepositFailedData struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (d DepositFailedData) EventType() EventType { return DepositFailed }

// SwapOrderUpdatedData is emitted on every observed order status change.
type SwapOrderUpdatedData struct {
	OrderID           string `json:"order_id"`
	Provider          string `json:"provider"`
	SourceAsset       string `json:"source_asset"`
	DestinationAsset  string `json:"destination_asset"`
	OldStatus         string `json:"old_status"`
	NewStatus         string `json:"new_status"`
	DestinationAmount string `json:"destination_amount,omitempty"`
}

func (d SwapOrderUpdatedData) EventType() EventType { return SwapOrderUpdated }

// RebalanceCompletedData is emitted after a rebalance run finishes.
type RebalanceCompletedData struct {
	RunID        string  `json:"run_id"`
	DriftPercent float64 `json:"drift_percent"`
	TradeCount   int     `json:"trade_count"`
	OrderCount   int     `json:"order_count"`
	Forced       bool    `json:"forced"`
}

func (d RebalanceCompletedData) EventType() EventType { return RebalanceCompleted }

// ErrorData carries a module-level failure onto the bus.
type ErrorData struct {
	Module  string `json:"module"`
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}

func (d ErrorData) EventType() EventType { return ErrorOccurred }
