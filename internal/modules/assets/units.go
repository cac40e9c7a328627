package assets

import (
	"math"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a human-readable amount to integer base units,
// truncating toward zero. 1.2345678 USDC (6 decimals) becomes 1234567,
// never 1234568.
func ToBaseUnits(amount decimal.Decimal, decimals int32) decimal.Decimal {
	return amount.Shift(decimals).Truncate(0)
}

// FromBaseUnits converts integer base units back to a human-readable
// amount. The conversion is exact; only ToBaseUnits loses precision.
func FromBaseUnits(base decimal.Decimal, decimals int32) decimal.Decimal {
	return base.Shift(-decimals)
}

// PercentToBps converts a two-decimal percentage to basis points,
// e.g. 1.25% -> 125.
func PercentToBps(percent float64) int64 {
	return int64(math.Round(percent * 100))
}

// BpsToPercent converts basis points to a percentage, e.g. 125 -> 1.25.
func BpsToPercent(bps int64) float64 {
	return float64(bps) / 100
}

// MinDestinationAmount applies a slippage bound to a quoted destination
// estimate using integer bps math: estimate * (10000 - bps) / 10000,
// truncated to whole base units.
func MinDestinationAmount(estimate decimal.Decimal, maxSlippageBps int64) decimal.Decimal {
	if maxSlippageBps <= 0 {
		return estimate.Truncate(0)
	}
	factor := decimal.NewFromInt(10000 - maxSlippageBps)
	return estimate.Mul(factor).Div(decimal.NewFromInt(10000)).Truncate(0)
}
