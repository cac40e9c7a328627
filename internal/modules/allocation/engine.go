// Package allocation implements the pure allocation engine: drift
// measurement, corrective trade generation and goal projections. Nothing
// in this package touches persistence or providers; the settlement and
// rebalancing layers feed it snapshots and act on its output.
package allocation

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// TargetSumTolerance is the allowed deviation of a target's percentage
// sum from 100.
const TargetSumTolerance = 0.01

// DefaultMinTradeUSD is the dust threshold below which corrective trades
// are not worth their execution cost.
const DefaultMinTradeUSD = 1.0

// defaultCorrelation is the assumed correlation between two different
// basket assets when estimating portfolio volatility.
const defaultCorrelation = 0.25

// Target maps an asset to its desired share of the portfolio in percent.
type Target map[string]float64

// Validate checks that percentages are non-negative and sum to 100
// within tolerance.
func (t Target) Validate() error {
	if len(t) == 0 {
		return domain.E(domain.KindValidation, "allocation target is empty")
	}

	sum := 0.0
	for asset, pct := range t {
		if pct < 0 {
			return domain.Ef(domain.KindValidation, "allocation for %s is negative: %.2f", asset, pct)
		}
		sum += pct
	}

	if math.Abs(sum-100) > TargetSumTolerance {
		return domain.Ef(domain.KindValidation, "allocation percentages sum to %.2f, expected 100", sum)
	}
	return nil
}

// Assets returns the target's asset keys sorted alphabetically.
func (t Target) Assets() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Drift measures how far current allocation percentages deviate from the
// target: half the sum of absolute per-asset differences, so swapping
// one asset entirely for another counts as the size of one leg.
func Drift(current, target Target) float64 {
	seen := make(map[string]bool, len(current)+len(target))
	total := 0.0

	for asset, pct := range current {
		total += math.Abs(pct - target[asset])
		seen[asset] = true
	}
	for asset, pct := range target {
		if !seen[asset] {
			total += math.Abs(pct)
		}
	}

	return total / 2
}

// Side is the direction of a corrective trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Trade is one corrective trade proposed by the engine, sized in USD.
type Trade struct {
	Asset     string  `json:"asset"`
	Side      Side    `json:"side"`
	AmountUSD float64 `json:"amount_usd"`
}

// GenerateTrades computes the trades that move current holdings to the
// target allocation. Assets held but absent from the target are sold
// down to zero. Differences at or below minTradeUSD are dropped as dust.
// Output order is deterministic (assets sorted) and callers execute it
// as-is, no reordering.
func GenerateTrades(currentUSD map[string]float64, target Target, totalUSD float64, minTradeUSD float64) []Trade {
	if minTradeUSD <= 0 {
		minTradeUSD = DefaultMinTradeUSD
	}

	assets := make(map[string]bool, len(currentUSD)+len(target))
	for a := range currentUSD {
		assets[a] = true
	}
	for a := range target {
		assets[a] = true
	}

	sorted := make([]string, 0, len(assets))
	for a := range assets {
		sorted = append(sorted, a)
	}
	sort.Strings(sorted)

	var trades []Trade
	for _, asset := range sorted {
		targetValue := totalUSD * target[asset] / 100
		diff := targetValue - currentUSD[asset]

		if math.Abs(diff) <= minTradeUSD {
			continue
		}

		side := SideBuy
		if diff < 0 {
			side = SideSell
		}
		trades = append(trades, Trade{
			Asset:     asset,
			Side:      side,
			AmountUSD: math.Abs(diff),
		})
	}

	return trades
}

// ExpectedReturn computes the weighted annual return of a target
// allocation from per-asset expected-return constants.
func ExpectedReturn(target Target, returns map[string]float64) float64 {
	total := 0.0
	for asset, pct := range target {
		total += pct / 100 * returns[asset]
	}
	return total
}

// ExpectedVolatility estimates annual portfolio volatility as
// sqrt(w' * Sigma * w), with Sigma built from per-asset volatilities and
// a fixed inter-asset correlation.
func ExpectedVolatility(target Target, volatilities map[string]float64) float64 {
	assets := target.Assets()
	n := len(assets)
	if n == 0 {
		return 0
	}

	weights := mat.NewVecDense(n, nil)
	sigma := mat.NewSymDense(n, nil)

	for i, a := range assets {
		weights.SetVec(i, target[a]/100)
		for j := i; j < n; j++ {
			b := assets[j]
			cov := volatilities[a] * volatilities[b]
			if i != j {
				cov *= defaultCorrelation
			}
			sigma.SetSym(i, j, cov)
		}
	}

	variance := mat.Inner(weights, sigma, weights)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}
