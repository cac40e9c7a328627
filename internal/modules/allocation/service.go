package allocation

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
)

// AssetInfoProvider supplies asset metadata to the allocation service.
type AssetInfoProvider interface {
	Get(symbol string) (assets.Asset, error)
	DestinationAssets() []assets.Asset
}

// Service combines the pure engine with the standing target and the
// asset registry's return/volatility constants.
type Service struct {
	repo     *Repository
	registry AssetInfoProvider
	log      zerolog.Logger
}

// NewService creates a new allocation service
func NewService(repo *Repository, registry AssetInfoProvider, log zerolog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("allocation repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("asset registry is required")
	}

	return &Service{
		repo:     repo,
		registry: registry,
		log:      log.With().Str("service", "allocation").Logger(),
	}, nil
}

// GetTarget returns the standing target, falling back to the default
// basket split when none has been saved yet.
func (s *Service) GetTarget() (Target, error) {
	target, err := s.repo.Get()
	if err != nil {
		return nil, err
	}
	if len(target) > 0 {
		return target, nil
	}
	return s.defaultTarget(), nil
}

// SetTarget validates asset symbols against the registry and persists
// the new standing target.
func (s *Service) SetTarget(target Target) error {
	for asset := range target {
		a, err := s.registry.Get(asset)
		if err != nil {
			return err
		}
		if a.IsFiat() {
			return domain.Ef(domain.KindValidation, "fiat asset %s cannot be an allocation target", asset)
		}
	}
	return s.repo.Set(target)
}

// ExpectedReturn computes the weighted annual return of a target using
// the registry's per-asset constants.
func (s *Service) ExpectedReturn(target Target) float64 {
	return ExpectedReturn(target, s.returnConstants(target))
}

// ExpectedVolatility estimates the annual volatility of a target using
// the registry's per-asset constants.
func (s *Service) ExpectedVolatility(target Target) float64 {
	vols := make(map[string]float64, len(target))
	for asset := range target {
		if a, err := s.registry.Get(asset); err == nil {
			vols[asset] = a.VolatilityPct
		}
	}
	return ExpectedVolatility(target, vols)
}

// ProjectGoal simulates a savings goal under the standing target's
// expected return, with volatility bands and a recommended deposit.
func (s *Service) ProjectGoal(currentAmount, targetAmount, monthlyDeposit float64, monthsRemaining int) (BandedProjection, float64, error) {
	if targetAmount <= 0 {
		return BandedProjection{}, 0, domain.E(domain.KindValidation, "target amount must be greater than 0")
	}
	if currentAmount < 0 || monthlyDeposit < 0 {
		return BandedProjection{}, 0, domain.E(domain.KindValidation, "amounts cannot be negative")
	}

	target, err := s.GetTarget()
	if err != nil {
		return BandedProjection{}, 0, err
	}

	expReturn := s.ExpectedReturn(target)
	volatility := s.ExpectedVolatility(target)

	projection := ProjectWithBands(currentAmount, targetAmount, monthlyDeposit, expReturn, volatility, monthsRemaining)
	recommended := RecommendedMonthlyDeposit(currentAmount, targetAmount, monthsRemaining, expReturn)

	return projection, recommended, nil
}

// defaultTarget spreads the basket over the registry's asset classes:
// 40% stable, 35% growth, 25% hedge.
func (s *Service) defaultTarget() Target {
	classShare := map[assets.Class]float64{
		assets.ClassStable: 40,
		assets.ClassGrowth: 35,
		assets.ClassHedge:  25,
	}

	byClass := make(map[assets.Class][]string)
	for _, a := range s.registry.DestinationAssets() {
		byClass[a.Class] = append(byClass[a.Class], a.Symbol)
	}

	target := make(Target)
	for class, share := range classShare {
		symbols := byClass[class]
		for _, symbol := range symbols {
			target[symbol] = share / float64(len(symbols))
		}
	}
	return target
}

func (s *Service) returnConstants(target Target) map[string]float64 {
	returns := make(map[string]float64, len(target))
	for asset := range target {
		if a, err := s.registry.Get(asset); err == nil {
			returns[asset] = a.ExpectedReturnPct
		}
	}
	return returns
}
