package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/events"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
)

// priceCacheTTL bounds how often the venue is asked to price an asset
// for valuation purposes.
const priceCacheTTL = 60 * time.Second

// usdQuoteAsset is the stable asset USD valuations are quoted against.
const usdQuoteAsset = "USDC"

// Service owns swap execution and order tracking on top of the active
// venue. All orders flow through here so that every submission is
// persisted before anyone can observe it.
type Service struct {
	provider     Provider
	repo         *Repository
	registry     AssetInfoProvider
	eventManager *events.Manager
	maxSlippage  int64
	log          zerolog.Logger

	priceMu    sync.Mutex
	priceCache map[string]cachedPrice
}

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

// NewService creates a new swap service
func NewService(provider Provider, repo *Repository, registry AssetInfoProvider, eventManager *events.Manager, maxSlippageBps int64, log zerolog.Logger) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("asset registry is required")
	}

	return &Service{
		provider:     provider,
		repo:         repo,
		registry:     registry,
		eventManager: eventManager,
		maxSlippage:  maxSlippageBps,
		log:          log.With().Str("service", "swap").Logger(),
		priceCache:   make(map[string]cachedPrice),
	}, nil
}

// ProviderName reports which venue was selected at startup.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Quote prices a prospective conversion without committing anything.
func (s *Service) Quote(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Quote, error) {
	if amountBase.LessThanOrEqual(decimal.Zero) {
		return nil, domain.E(domain.KindValidation, "amount must be positive")
	}
	return s.provider.Quote(ctx, sourceAsset, destinationAsset, amountBase)
}

// ExecuteForSession submits a conversion owned by a deposit session.
func (s *Service) ExecuteForSession(ctx context.Context, sessionID, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Order, error) {
	if sessionID == "" {
		return nil, domain.E(domain.KindValidation, "session id is required")
	}
	return s.execute(ctx, sessionID, "", sourceAsset, destinationAsset, amountBase)
}

// ExecuteForRebalance submits a conversion owned by a rebalance run.
func (s *Service) ExecuteForRebalance(ctx context.Context, runID, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Order, error) {
	if runID == "" {
		return nil, domain.E(domain.KindValidation, "rebalance run id is required")
	}
	return s.execute(ctx, "", runID, sourceAsset, destinationAsset, amountBase)
}

func (s *Service) execute(ctx context.Context, sessionID, runID, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Order, error) {
	if amountBase.LessThanOrEqual(decimal.Zero) {
		return nil, domain.E(domain.KindValidation, "amount must be positive")
	}

	order, err := s.provider.Execute(ctx, sourceAsset, destinationAsset, amountBase, s.maxSlippage)
	if err != nil {
		return nil, err
	}

	order.SessionID = sessionID
	order.RebalanceRunID = runID

	if err := s.repo.Insert(order); err != nil {
		// The venue accepted the order; losing the record would orphan
		// it, so surface loudly rather than swallow.
		s.log.Error().Err(err).Str("order_id", order.ID).Msg("Failed to persist submitted order")
		return nil, fmt.Errorf("order %s submitted but not recorded: %w", order.ID, err)
	}

	s.emitOrderEvent("", order)
	return order, nil
}

// GetOrder fetches one order by ID.
func (s *Service) GetOrder(id string) (*Order, error) {
	order, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, domain.Ef(domain.KindOrderNotFound, "unknown order: %s", id)
	}
	return order, nil
}

// ListBySession returns all orders owned by a deposit session.
func (s *Service) ListBySession(sessionID string) ([]*Order, error) {
	return s.repo.ListBySession(sessionID)
}

// ListByRun returns all orders owned by a rebalance run.
func (s *Service) ListByRun(runID string) ([]*Order, error) {
	return s.repo.ListByRun(runID)
}

// LatestForLeg returns the newest order for one (session, destination)
// settlement leg, or nil when none was ever submitted.
func (s *Service) LatestForLeg(sessionID, destinationAsset string) (*Order, error) {
	return s.repo.GetLatestForLeg(sessionID, destinationAsset)
}

// OpenOrders returns all orders still awaiting resolution.
func (s *Service) OpenOrders() ([]*Order, error) {
	return s.repo.ListOpen()
}

// RefreshOrder polls the venue for one order and applies any progress.
// Terminal orders are returned as stored without touching the venue.
// Venue failures propagate without mutating the record.
func (s *Service) RefreshOrder(ctx context.Context, id string) (*Order, error) {
	order, err := s.GetOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return order, nil
	}

	update, err := s.provider.Status(ctx, order)
	if err != nil {
		return nil, err
	}

	if update.Status == order.Status {
		if !update.DestinationAmount.Equal(order.DestinationAmount) {
			if err := s.repo.UpdateProgress(order.ID, order.Status, update.DestinationAmount); err != nil {
				return nil, err
			}
			order.DestinationAmount = update.DestinationAmount
		}
		return order, nil
	}

	if !CanTransition(order.Status, update.Status) {
		s.log.Warn().
			Str("order_id", order.ID).
			Str("from", string(order.Status)).
			Str("to", string(update.Status)).
			Msg("Venue reported a backwards transition, keeping stored status")
		return order, nil
	}

	oldStatus := order.Status
	err = s.repo.UpdateStatus(order.ID, update.Status, update.DestinationAmount, update.FailureReason)
	if errors.Is(err, ErrConflict) {
		// A concurrent poller won the transition; their state stands.
		return s.GetOrder(id)
	}
	if err != nil {
		return nil, err
	}

	order.Status = update.Status
	order.DestinationAmount = update.DestinationAmount
	order.FailureReason = update.FailureReason
	order.UpdatedAt = time.Now().UTC()

	s.log.Info().
		Str("order_id", order.ID).
		Str("from", string(oldStatus)).
		Str("to", string(order.Status)).
		Str("destination_amount", order.DestinationAmount.String()).
		Msg("Swap order transitioned")

	s.emitOrderEvent(oldStatus, order)
	return order, nil
}

// RefreshOpenOrders polls every unresolved order once. Individual
// failures are logged and skipped so one flaky order cannot stall the
// rest. Returns how many orders changed state.
func (s *Service) RefreshOpenOrders(ctx context.Context) (int, error) {
	open, err := s.repo.ListOpen()
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, order := range open {
		before := order.Status
		refreshed, err := s.RefreshOrder(ctx, order.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("order_id", order.ID).Msg("Failed to refresh order")
			continue
		}
		if refreshed.Status != before {
			updated++
		}
	}
	return updated, nil
}

// USDPrice values one whole unit of an asset in USD by quoting it
// against the stable asset. Results are cached briefly.
func (s *Service) USDPrice(ctx context.Context, asset string) (float64, error) {
	a, err := s.registry.Get(asset)
	if err != nil {
		return 0, err
	}
	if a.IsFiat() {
		return 0, domain.Ef(domain.KindUnsupportedPair, "no on-chain price for fiat asset: %s", asset)
	}
	if asset == usdQuoteAsset {
		return 1.0, nil
	}

	s.priceMu.Lock()
	cached, ok := s.priceCache[asset]
	s.priceMu.Unlock()
	if ok && time.Since(cached.fetchedAt) < priceCacheTTL {
		return cached.price, nil
	}

	quoteAsset, err := s.registry.Get(usdQuoteAsset)
	if err != nil {
		return 0, err
	}

	oneUnit := assets.ToBaseUnits(decimal.NewFromInt(1), a.Decimals)
	quote, err := s.provider.Quote(ctx, asset, usdQuoteAsset, oneUnit)
	if err != nil {
		return 0, err
	}

	price := assets.FromBaseUnits(quote.DestinationAmountEstimate, quoteAsset.Decimals).InexactFloat64()

	s.priceMu.Lock()
	s.priceCache[asset] = cachedPrice{price: price, fetchedAt: time.Now()}
	s.priceMu.Unlock()

	return price, nil
}

func (s *Service) emitOrderEvent(oldStatus Status, order *Order) {
	if s.eventManager == nil {
		return
	}
	s.eventManager.EmitTyped("swap", events.SwapOrderUpdatedData{
		OrderID:           order.ID,
		Provider:          order.Provider,
		SourceAsset:       order.SourceAsset,
		DestinationAsset:  order.DestinationAsset,
		OldStatus:         string(oldStatus),
		NewStatus:         string(order.Status),
		DestinationAmount: order.DestinationAmount.String(),
	})
}
