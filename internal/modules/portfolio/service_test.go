package portfolio

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
	testingpkg "github.com/anthonykimani/kiota-sub002/internal/testing"
)

type fakeRegistry struct{}

func (fakeRegistry) Get(symbol string) (assets.Asset, error) {
	table := map[string]assets.Asset{
		"USDC": {Symbol: "USDC", Class: assets.ClassStable, Decimals: 6},
		"WETH": {Symbol: "WETH", Class: assets.ClassGrowth, Decimals: 18},
	}
	a, ok := table[symbol]
	if !ok {
		return assets.Asset{}, domain.Ef(domain.KindValidation, "unknown asset: %s", symbol)
	}
	return a, nil
}

type fakeQuoter struct {
	prices map[string]float64
	err    error
}

func (f *fakeQuoter) USDPrice(_ context.Context, asset string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.prices[asset], nil
}

func newTestService(t *testing.T, quoter PriceQuoter) (*Service, func()) {
	t.Helper()
	db, cleanup := testingpkg.NewTestDBWithSchema(t, "portfolio", Schema())

	repo := NewRepository(db.Conn(), zerolog.Nop())
	service, err := NewService(repo, fakeRegistry{}, quoter, zerolog.Nop())
	require.NoError(t, err)

	return service, cleanup
}

func TestApplyFillCreatesHolding(t *testing.T) {
	service, cleanup := newTestService(t, nil)
	defer cleanup()

	// 10 USDC at $1
	require.NoError(t, service.ApplyFill("USDC", decimal.NewFromInt(10_000_000), 1.0))

	holdings, err := service.Holdings()
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "10000000", holdings[0].AmountBase.String())
	assert.Equal(t, 1.0, holdings[0].EntryPriceUSD)
}

func TestApplyFillWeightedEntryPrice(t *testing.T) {
	service, cleanup := newTestService(t, nil)
	defer cleanup()

	oneEth := decimal.New(1, 18)

	require.NoError(t, service.ApplyFill("WETH", oneEth, 2000))
	require.NoError(t, service.ApplyFill("WETH", oneEth, 3000))

	holdings, err := service.Holdings()
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.InDelta(t, 2500, holdings[0].EntryPriceUSD, 1e-6)
	assert.Equal(t, 3000.0, holdings[0].CurrentPriceUSD, "fill price becomes the mark")
}

func TestApplyFillSellKeepsEntryPrice(t *testing.T) {
	service, cleanup := newTestService(t, nil)
	defer cleanup()

	oneEth := decimal.New(1, 18)
	half := decimal.New(5, 17)

	require.NoError(t, service.ApplyFill("WETH", oneEth, 2000))
	require.NoError(t, service.ApplyFill("WETH", half.Neg(), 2600))

	holdings, err := service.Holdings()
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, half.String(), holdings[0].AmountBase.String())
	assert.InDelta(t, 2000, holdings[0].EntryPriceUSD, 1e-6)
}

func TestApplyFillClampsAtZero(t *testing.T) {
	service, cleanup := newTestService(t, nil)
	defer cleanup()

	require.NoError(t, service.ApplyFill("USDC", decimal.NewFromInt(1_000_000), 1.0))
	require.NoError(t, service.ApplyFill("USDC", decimal.NewFromInt(-5_000_000), 1.0))

	holdings, err := service.Holdings()
	require.NoError(t, err)
	assert.Empty(t, holdings, "zero holdings are hidden")
}

func TestValuation(t *testing.T) {
	service, cleanup := newTestService(t, nil)
	defer cleanup()

	// 100 USDC at $1, 0.05 WETH at $2000 -> $100 + $100
	require.NoError(t, service.ApplyFill("USDC", decimal.NewFromInt(100_000_000), 1.0))
	require.NoError(t, service.ApplyFill("WETH", decimal.New(5, 16), 2000))

	v, err := service.Valuation()
	require.NoError(t, err)

	assert.InDelta(t, 200, v.TotalUSD, 1e-9)
	assert.InDelta(t, 50, v.Percents["USDC"], 1e-9)
	assert.InDelta(t, 50, v.Percents["WETH"], 1e-9)
}

func TestValuationEmptyPortfolio(t *testing.T) {
	service, cleanup := newTestService(t, nil)
	defer cleanup()

	v, err := service.Valuation()
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.TotalUSD)
	assert.Empty(t, v.Percents)
}

func TestRefreshPrices(t *testing.T) {
	quoter := &fakeQuoter{prices: map[string]float64{"WETH": 2500}}
	service, cleanup := newTestService(t, quoter)
	defer cleanup()

	require.NoError(t, service.ApplyFill("WETH", decimal.New(1, 18), 2000))
	require.NoError(t, service.RefreshPrices(context.Background()))

	holdings, err := service.Holdings()
	require.NoError(t, err)
	assert.Equal(t, 2500.0, holdings[0].CurrentPriceUSD)
}

func TestRefreshPricesKeepsStaleOnError(t *testing.T) {
	quoter := &fakeQuoter{err: domain.E(domain.KindUpstreamUnavailable, "venue down")}
	service, cleanup := newTestService(t, quoter)
	defer cleanup()

	require.NoError(t, service.ApplyFill("WETH", decimal.New(1, 18), 2000))
	require.NoError(t, service.RefreshPrices(context.Background()))

	holdings, err := service.Holdings()
	require.NoError(t, err)
	assert.Equal(t, 2000.0, holdings[0].CurrentPriceUSD)
}
