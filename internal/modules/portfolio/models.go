// Package portfolio tracks basket holdings. Amounts are stored as
// integer base units; completed swap legs are the only writers.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
)

// Holding is the current position in one basket asset.
type Holding struct {
	Asset           string          `json:"asset"`
	AmountBase      decimal.Decimal `json:"amount_base"`
	EntryPriceUSD   float64         `json:"entry_price_usd"`
	CurrentPriceUSD float64         `json:"current_price_usd"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Valuation is a priced snapshot of the whole portfolio.
type Valuation struct {
	TotalUSD float64            `json:"total_usd"`
	Values   map[string]float64 `json:"values_usd"`
	Percents map[string]float64 `json:"percents"`
}
