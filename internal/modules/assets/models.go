// Package assets holds the asset registry and base-unit arithmetic.
// Every amount that crosses the swap execution path is an integer count
// of base units; conversion from human-readable amounts always truncates
// so the system never credits more than it received.
package assets

// Class groups assets by their role in the target basket.
type Class string

const (
	ClassFiat   Class = "fiat"
	ClassStable Class = "stable"
	ClassGrowth Class = "growth"
	ClassHedge  Class = "hedge"
)

// Asset describes one supported asset: its precision, on-chain location
// and the return/volatility constants used by projections.
type Asset struct {
	Symbol            string  `json:"symbol"`
	Chain             int64   `json:"chain"` // 0 for fiat
	Name              string  `json:"name"`
	Class             Class   `json:"class"`
	Decimals          int32   `json:"decimals"`
	Address           string  `json:"address,omitempty"`
	ExpectedReturnPct float64 `json:"expected_return_pct"`
	VolatilityPct     float64 `json:"volatility_pct"`
}

// IsFiat reports whether the asset lives on a payment rail rather than
// a chain.
func (a Asset) IsFiat() bool {
	return a.Class == ClassFiat
}

// DefaultAssets returns the seed registry: the Kenyan shilling deposit
// rail plus the tokenized basket on Celo.
func DefaultAssets() []Asset {
	return []Asset{
		{
			Symbol:            "KES",
			Chain:             0,
			Name:              "Kenyan Shilling",
			Class:             ClassFiat,
			Decimals:          2,
			ExpectedReturnPct: 0,
			VolatilityPct:     0,
		},
		{
			Symbol:            "USDC",
			Chain:             42220,
			Name:              "USD Coin",
			Class:             ClassStable,
			Decimals:          6,
			Address:           "0xcebA9300f2b948710d2653dD7B07f33A8B32118C",
			ExpectedReturnPct: 5.0,
			VolatilityPct:     0.5,
		},
		{
			Symbol:            "WETH",
			Chain:             42220,
			Name:              "Wrapped Ether",
			Class:             ClassGrowth,
			Decimals:          18,
			Address:           "0xD221812de1BD094f35587EE8E174B07B6167D9Af",
			ExpectedReturnPct: 9.0,
			VolatilityPct:     45.0,
		},
		{
			Symbol:            "PAXG",
			Chain:             42220,
			Name:              "Pax Gold",
			Class:             ClassHedge,
			Decimals:          18,
			Address:           "0x45804880De22913dAFE09f4980848ECE6EcbAf78",
			ExpectedReturnPct: 7.0,
			VolatilityPct:     14.0,
		},
	}
}
