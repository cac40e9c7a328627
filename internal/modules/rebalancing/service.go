package rebalancing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/events"
	"github.com/anthonykimani/kiota-sub002/internal/modules/allocation"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
	"github.com/anthonykimani/kiota-sub002/internal/modules/portfolio"
	"github.com/anthonykimani/kiota-sub002/internal/modules/swap"
)

// Config holds rebalancing policy: the drift that justifies a run and
// the smallest trade worth submitting.
type Config struct {
	DriftThresholdPercent float64
	MinTradeUSD           float64
}

// PortfolioAccess reads and adjusts the holdings the run corrects.
type PortfolioAccess interface {
	Valuation() (portfolio.Valuation, error)
	Holdings() ([]portfolio.Holding, error)
	RefreshPrices(ctx context.Context) error
	ApplyFill(asset string, deltaBase decimal.Decimal, priceUSD float64) error
}

// TargetSource supplies the standing allocation target.
type TargetSource interface {
	GetTarget() (allocation.Target, error)
}

// AssetSource supplies asset metadata and the basket membership.
type AssetSource interface {
	Get(symbol string) (assets.Asset, error)
	DestinationAssets() []assets.Asset
}

// SwapRunner submits and tracks the run's corrective swaps. The swap
// service satisfies this.
type SwapRunner interface {
	ExecuteForRebalance(ctx context.Context, runID, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*swap.Order, error)
	RefreshOrder(ctx context.Context, id string) (*swap.Order, error)
	OpenOrders() ([]*swap.Order, error)
	USDPrice(ctx context.Context, asset string) (float64, error)
}

// Service measures drift and runs corrections. Execute is not safe for
// concurrent calls on the same portfolio; the settlement orchestrator
// serializes it behind the portfolio lock.
type Service struct {
	cfg       Config
	repo      *Repository
	registry  AssetSource
	portfolio PortfolioAccess
	targets   TargetSource
	swaps     SwapRunner
	events    *events.Manager
	log       zerolog.Logger
}

// NewService creates a new rebalancing service
func NewService(cfg Config, repo *Repository, registry AssetSource, portfolioAccess PortfolioAccess,
	targets TargetSource, swaps SwapRunner, eventManager *events.Manager, log zerolog.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("rebalancing repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("asset registry is required")
	}
	if portfolioAccess == nil {
		return nil, fmt.Errorf("portfolio access is required")
	}
	if targets == nil {
		return nil, fmt.Errorf("allocation target source is required")
	}
	if swaps == nil {
		return nil, fmt.Errorf("swap runner is required")
	}

	return &Service{
		cfg:       cfg,
		repo:      repo,
		registry:  registry,
		portfolio: portfolioAccess,
		targets:   targets,
		swaps:     swaps,
		events:    eventManager,
		log:       log.With().Str("service", "rebalancing").Logger(),
	}, nil
}

// Check measures current drift against the standing target. An empty
// portfolio never wants rebalancing.
func (s *Service) Check(ctx context.Context) (*CheckResult, error) {
	valuation, err := s.portfolio.Valuation()
	if err != nil {
		return nil, err
	}
	target, err := s.targets.GetTarget()
	if err != nil {
		return nil, err
	}

	result := &CheckResult{
		ThresholdPercent: s.cfg.DriftThresholdPercent,
		TotalUSD:         valuation.TotalUSD,
		Values:           valuation.Values,
		CurrentPercents:  valuation.Percents,
		Target:           target,
	}
	if valuation.TotalUSD > 0 {
		result.DriftPercent = allocation.Drift(allocation.Target(valuation.Percents), target)
		result.ShouldRebalance = result.DriftPercent > s.cfg.DriftThresholdPercent
	}
	return result, nil
}

// Execute runs one rebalance: refresh prices, measure drift, plan the
// corrective trades and route each through the stable asset. Unforced
// runs below the drift threshold are rejected. Trades are submitted in
// planning order; a submission failure marks the run FAILED but the
// remaining trades still go out, and orders that stay open resolve via
// ResumeOpenOrders.
func (s *Service) Execute(ctx context.Context, force bool) (*Run, error) {
	if err := s.portfolio.RefreshPrices(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Price refresh failed, rebalancing on stored prices")
	}

	check, err := s.Check(ctx)
	if err != nil {
		return nil, err
	}
	if !force && !check.ShouldRebalance {
		return nil, domain.Ef(domain.KindValidation,
			"drift %.2f%% is below the %.2f%% threshold", check.DriftPercent, check.ThresholdPercent)
	}
	if check.TotalUSD <= 0 {
		return nil, domain.E(domain.KindValidation, "portfolio has no value to rebalance")
	}

	stable, err := s.stableAsset()
	if err != nil {
		return nil, err
	}

	trades := allocation.GenerateTrades(check.Values, check.Target, check.TotalUSD, s.cfg.MinTradeUSD)
	run := &Run{
		ID:              uuid.NewString(),
		Forced:          force,
		TotalUSD:        check.TotalUSD,
		DriftPercent:    check.DriftPercent,
		CurrentPercents: check.CurrentPercents,
		Target:          check.Target,
		Trades:          trades,
		Status:          RunStatusRunning,
	}
	if err := s.repo.InsertRun(run); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("run_id", run.ID).
		Float64("drift_percent", check.DriftPercent).
		Float64("total_usd", check.TotalUSD).
		Int("trades", len(trades)).
		Bool("forced", force).
		Msg("Rebalance run started")

	held := make(map[string]portfolio.Holding)
	if holdings, err := s.portfolio.Holdings(); err == nil {
		for _, h := range holdings {
			held[h.Asset] = h
		}
	}

	var orderIDs []string
	var failed int
	var lastFailure string
	for _, trade := range trades {
		if trade.Asset == stable.Symbol {
			// The stable asset is the routing leg of every other
			// trade, so its own imbalance corrects itself.
			continue
		}

		orderID, err := s.submitTrade(ctx, run.ID, trade, stable, held)
		if err != nil {
			failed++
			lastFailure = domain.UserMessage(err)
			s.log.Warn().Err(err).
				Str("run_id", run.ID).
				Str("asset", trade.Asset).
				Str("side", string(trade.Side)).
				Msg("Rebalance trade failed")
			continue
		}
		if orderID != "" {
			orderIDs = append(orderIDs, orderID)
		}
	}

	status := RunStatusCompleted
	reason := ""
	if failed > 0 {
		status = RunStatusFailed
		reason = fmt.Sprintf("%d of %d trades failed: %s", failed, len(trades), lastFailure)
	}
	completedAt := time.Now().UTC()
	if err := s.repo.FinishRun(run.ID, status, reason, orderIDs, completedAt); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to finish rebalance run")
	}
	run.Status = status
	run.FailureReason = reason
	run.OrderIDs = orderIDs
	run.CompletedAt = &completedAt
	if final, ferr := s.repo.GetRun(run.ID); ferr == nil && final != nil {
		run = final
	}

	if s.events != nil {
		if run.Status == RunStatusCompleted {
			s.events.EmitTyped("rebalancing", events.RebalanceCompletedData{
				RunID:        run.ID,
				DriftPercent: run.DriftPercent,
				TradeCount:   len(run.Trades),
				OrderCount:   len(run.OrderIDs),
				Forced:       run.Forced,
			})
		} else {
			s.events.EmitError("rebalancing", errors.New(run.FailureReason), run.ID)
		}
	}
	return run, nil
}

// submitTrade sizes and submits one corrective swap, returning the
// order id. Trades that size to zero return an empty id and no error.
func (s *Service) submitTrade(ctx context.Context, runID string, trade allocation.Trade,
	stable assets.Asset, held map[string]portfolio.Holding) (string, error) {
	asset, err := s.registry.Get(trade.Asset)
	if err != nil {
		return "", err
	}

	var source, destination assets.Asset
	var amountBase decimal.Decimal
	if trade.Side == allocation.SideSell {
		source, destination = asset, stable
		holding := held[asset.Symbol]
		if holding.CurrentPriceUSD <= 0 {
			return "", domain.Ef(domain.KindValidation, "no price for %s, cannot size sell", asset.Symbol)
		}
		whole := decimal.NewFromFloat(trade.AmountUSD).
			Div(decimal.NewFromFloat(holding.CurrentPriceUSD))
		amountBase = assets.ToBaseUnits(whole, asset.Decimals)
		// Never sell more than the ledger says is held.
		if amountBase.GreaterThan(holding.AmountBase) {
			amountBase = holding.AmountBase
		}
	} else {
		source, destination = stable, asset
		amountBase = assets.ToBaseUnits(decimal.NewFromFloat(trade.AmountUSD), stable.Decimals)
	}
	if !amountBase.IsPositive() {
		return "", nil
	}

	order, err := s.swaps.ExecuteForRebalance(ctx, runID, source.Symbol, destination.Symbol, amountBase)
	if err != nil {
		return "", err
	}
	if err := s.repo.TrackOrder(runID, order.ID, order.SourceAsset, order.DestinationAsset); err != nil {
		s.log.Error().Err(err).
			Str("run_id", runID).
			Str("order_id", order.ID).
			Msg("Submitted rebalance order not tracked")
	}

	switch order.Status {
	case swap.StatusCompleted:
		s.creditOrder(ctx, order)
	case swap.StatusFailed:
		return order.ID, domain.Ef(domain.KindUpstreamUnavailable, "swap failed: %s", order.FailureReason)
	}
	return order.ID, nil
}

// ResumeOpenOrders refreshes rebalance orders that were still open and
// credits any that completed. Returns how many reached a terminal
// state this pass.
func (s *Service) ResumeOpenOrders(ctx context.Context) (int, error) {
	orders, err := s.swaps.OpenOrders()
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, order := range orders {
		if order.RebalanceRunID == "" {
			continue
		}
		refreshed, err := s.swaps.RefreshOrder(ctx, order.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to refresh rebalance order")
			continue
		}
		switch refreshed.Status {
		case swap.StatusCompleted:
			s.creditOrder(ctx, refreshed)
			resolved++
		case swap.StatusFailed:
			s.log.Warn().
				Str("order_id", refreshed.ID).
				Str("run_id", refreshed.RebalanceRunID).
				Str("reason", refreshed.FailureReason).
				Msg("Rebalance order failed")
			resolved++
		}
	}
	return resolved, nil
}

// Runs returns the most recent runs, newest first.
func (s *Service) Runs(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.repo.ListRecentRuns(limit)
}

// creditOrder applies a completed order to the holdings: debit the
// source, credit the destination. The credited flag makes sure the
// synchronous path and the poller never both apply the same fill.
func (s *Service) creditOrder(ctx context.Context, order *swap.Order) {
	if err := s.repo.MarkCredited(order.ID); err != nil {
		if !errors.Is(err, ErrConflict) {
			s.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to claim order credit")
		}
		return
	}

	srcPrice, err := s.swaps.USDPrice(ctx, order.SourceAsset)
	if err != nil {
		s.log.Warn().Err(err).Str("asset", order.SourceAsset).Msg("No source price for rebalance fill")
		srcPrice = 0
	}
	if err := s.portfolio.ApplyFill(order.SourceAsset, order.SourceAmount.Neg(), srcPrice); err != nil {
		s.log.Error().Err(err).
			Str("order_id", order.ID).
			Str("asset", order.SourceAsset).
			Msg("Failed to debit source holding")
	}

	price := s.fillPrice(order, srcPrice)
	if err := s.portfolio.ApplyFill(order.DestinationAsset, order.DestinationAmount, price); err != nil {
		s.log.Error().Err(err).
			Str("order_id", order.ID).
			Str("asset", order.DestinationAsset).
			Msg("Failed to credit destination holding")
	}
}

// fillPrice derives the effective USD price per whole destination unit
// from what the order paid and what it realized.
func (s *Service) fillPrice(order *swap.Order, srcPrice float64) float64 {
	srcAsset, err := s.registry.Get(order.SourceAsset)
	if err != nil {
		return 0
	}
	dstAsset, err := s.registry.Get(order.DestinationAsset)
	if err != nil {
		return 0
	}

	realized := assets.FromBaseUnits(order.DestinationAmount, dstAsset.Decimals)
	if !realized.IsPositive() {
		return 0
	}
	inputUSD := assets.FromBaseUnits(order.SourceAmount, srcAsset.Decimals).
		Mul(decimal.NewFromFloat(srcPrice))
	price, _ := inputUSD.Div(realized).Float64()
	return price
}

// stableAsset returns the basket's stable asset, the routing leg for
// every corrective trade.
func (s *Service) stableAsset() (assets.Asset, error) {
	for _, a := range s.registry.DestinationAssets() {
		if a.Class == assets.ClassStable {
			return a, nil
		}
	}
	return assets.Asset{}, domain.E(domain.KindInternal, "no stable asset registered")
}
