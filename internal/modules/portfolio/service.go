package portfolio

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
)

// AssetInfoProvider supplies decimals for base-unit conversion.
type AssetInfoProvider interface {
	Get(symbol string) (assets.Asset, error)
}

// PriceQuoter returns the USD price of one whole unit of an asset. The
// swap venue doubles as the price oracle.
type PriceQuoter interface {
	USDPrice(ctx context.Context, asset string) (float64, error)
}

// Service owns holding mutations and portfolio valuation.
type Service struct {
	repo     *Repository
	registry AssetInfoProvider
	quoter   PriceQuoter // optional; prices stay stale without it
	log      zerolog.Logger
}

// NewService creates a new portfolio service
func NewService(repo *Repository, registry AssetInfoProvider, quoter PriceQuoter, log zerolog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("holdings repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("asset registry is required")
	}

	return &Service{
		repo:     repo,
		registry: registry,
		quoter:   quoter,
		log:      log.With().Str("service", "portfolio").Logger(),
	}, nil
}

// ApplyFill applies a completed swap leg's delta to a holding. Positive
// deltas advance the weighted entry price; negative deltas only reduce
// the position. The fill price becomes the current mark.
func (s *Service) ApplyFill(asset string, deltaBase decimal.Decimal, priceUSD float64) error {
	existing, err := s.repo.Get(asset)
	if err != nil {
		return err
	}

	h := Holding{Asset: asset, AmountBase: decimal.Zero}
	if existing != nil {
		h = *existing
	}

	newAmount := h.AmountBase.Add(deltaBase)
	if newAmount.IsNegative() {
		s.log.Warn().
			Str("asset", asset).
			Str("held", h.AmountBase.String()).
			Str("delta", deltaBase.String()).
			Msg("Fill would take holding below zero, clamping")
		newAmount = decimal.Zero
	}

	if deltaBase.IsPositive() {
		// Weighted average entry. Base-unit weights are fine here: the
		// decimals scale cancels out of the ratio.
		totalCost := h.AmountBase.Mul(decimal.NewFromFloat(h.EntryPriceUSD)).
			Add(deltaBase.Mul(decimal.NewFromFloat(priceUSD)))
		if newAmount.IsPositive() {
			h.EntryPriceUSD, _ = totalCost.Div(newAmount).Float64()
		}
	}

	h.AmountBase = newAmount
	h.CurrentPriceUSD = priceUSD

	if err := s.repo.Upsert(h); err != nil {
		return err
	}

	s.log.Info().
		Str("asset", asset).
		Str("delta_base", deltaBase.String()).
		Str("amount_base", newAmount.String()).
		Float64("price_usd", priceUSD).
		Msg("Applied fill to holding")
	return nil
}

// Holdings returns all non-zero holdings.
func (s *Service) Holdings() ([]Holding, error) {
	return s.repo.GetAll()
}

// Valuation prices all holdings and computes the current allocation
// percentages.
func (s *Service) Valuation() (Valuation, error) {
	holdings, err := s.repo.GetAll()
	if err != nil {
		return Valuation{}, err
	}

	v := Valuation{
		Values:   make(map[string]float64, len(holdings)),
		Percents: make(map[string]float64, len(holdings)),
	}

	for _, h := range holdings {
		a, err := s.registry.Get(h.Asset)
		if err != nil {
			return Valuation{}, fmt.Errorf("holding references unknown asset %s: %w", h.Asset, err)
		}

		human := assets.FromBaseUnits(h.AmountBase, a.Decimals)
		value, _ := human.Mul(decimal.NewFromFloat(h.CurrentPriceUSD)).Float64()
		v.Values[h.Asset] = value
		v.TotalUSD += value
	}

	if v.TotalUSD > 0 {
		for asset, value := range v.Values {
			v.Percents[asset] = value / v.TotalUSD * 100
		}
	}

	return v, nil
}

// RefreshPrices re-marks every holding from the price quoter. A failed
// quote keeps the stale price rather than zeroing the position.
func (s *Service) RefreshPrices(ctx context.Context) error {
	if s.quoter == nil {
		return nil
	}

	holdings, err := s.repo.GetAll()
	if err != nil {
		return err
	}

	for _, h := range holdings {
		price, err := s.quoter.USDPrice(ctx, h.Asset)
		if err != nil {
			s.log.Warn().Err(err).Str("asset", h.Asset).Msg("Price refresh failed, keeping stale price")
			continue
		}
		if err := s.repo.UpdatePrice(h.Asset, price); err != nil {
			return err
		}
	}

	return nil
}
