package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/clients/orderbook"
	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
)

// ProviderOrderbook names the gasless order book venue.
const ProviderOrderbook = "orderbook"

// orderValidity is how long a resting order stays fillable before the
// venue expires it.
const orderValidity = 10 * time.Minute

// OrderBookAPI is the venue's REST surface.
type OrderBookAPI interface {
	GetQuote(ctx context.Context, sellToken, buyToken string, sellAmount decimal.Decimal) (*orderbook.QuoteResponse, error)
	SubmitOrder(ctx context.Context, order orderbook.OrderSubmission) (string, error)
	GetOrderState(ctx context.Context, orderHash string) (*orderbook.OrderState, error)
	IsConfigured() bool
}

// OrderSigner signs order intents through the external signing service.
type OrderSigner interface {
	SignOrder(ctx context.Context, signerRef string, payload json.RawMessage) (string, error)
	IsConfigured() bool
}

// OrderbookProvider executes swaps as signed intents on the gasless
// order book. The venue settles fills on-chain on our behalf.
type OrderbookProvider struct {
	api      OrderBookAPI
	signer   OrderSigner
	registry AssetInfoProvider
	cfg      VenueConfig
	log      zerolog.Logger
}

// NewOrderbookProvider creates a gasless venue.
func NewOrderbookProvider(api OrderBookAPI, orderSigner OrderSigner, registry AssetInfoProvider, cfg VenueConfig, log zerolog.Logger) *OrderbookProvider {
	return &OrderbookProvider{
		api:      api,
		signer:   orderSigner,
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("service", "swap_orderbook").Logger(),
	}
}

// Name implements Provider.
func (p *OrderbookProvider) Name() string { return ProviderOrderbook }

// IsConfigured implements Provider.
func (p *OrderbookProvider) IsConfigured() bool {
	return p.api.IsConfigured() && p.signer.IsConfigured() && p.cfg.SignerAddress != ""
}

// Quote implements Provider.
func (p *OrderbookProvider) Quote(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Quote, error) {
	src, dst, err := resolvePair(p.registry, sourceAsset, destinationAsset)
	if err != nil {
		return nil, err
	}

	raw, err := p.api.GetQuote(ctx, src.Address, dst.Address, amountBase)
	if err != nil {
		return nil, err
	}

	estimate, err := decimal.NewFromString(raw.BuyAmount)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "order book returned invalid buy amount", err)
	}

	return &Quote{
		SourceAsset:               sourceAsset,
		DestinationAsset:          destinationAsset,
		SourceAmount:              amountBase,
		DestinationAmountEstimate: estimate,
		PriceImpactPercent:        assets.BpsToPercent(raw.PriceImpactBps),
		ExpiresAt:                 quoteExpiry(raw.ExpiresAt, p.cfg.QuoteTTL),
	}, nil
}

// Execute implements Provider. The intent is signed off-process and
// submitted to the book; the returned order is PENDING under the
// venue's order hash until fills are observed.
func (p *OrderbookProvider) Execute(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal, maxSlippageBps int64) (*Order, error) {
	src, dst, err := resolvePair(p.registry, sourceAsset, destinationAsset)
	if err != nil {
		return nil, err
	}

	raw, err := p.api.GetQuote(ctx, src.Address, dst.Address, amountBase)
	if err != nil {
		return nil, err
	}

	estimate, err := decimal.NewFromString(raw.BuyAmount)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "order book returned invalid buy amount", err)
	}

	submission := orderbook.OrderSubmission{
		Maker:        p.cfg.SignerAddress,
		SellToken:    src.Address,
		BuyToken:     dst.Address,
		SellAmount:   amountBase.String(),
		MinBuyAmount: assets.MinDestinationAmount(estimate, maxSlippageBps).String(),
		Expiry:       time.Now().UTC().Add(orderValidity).Unix(),
	}

	payload, err := json.Marshal(submission)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order intent: %w", err)
	}

	signature, err := p.signer.SignOrder(ctx, p.cfg.SignerReference, payload)
	if err != nil {
		return nil, err
	}
	submission.Signature = signature

	orderHash, err := p.api.SubmitOrder(ctx, submission)
	if err != nil {
		return nil, err
	}

	p.log.Info().
		Str("order_hash", orderHash).
		Str("source", sourceAsset).
		Str("destination", destinationAsset).
		Str("amount_base", amountBase.String()).
		Msg("Order submitted to book")

	return &Order{
		ID:                orderHash,
		Provider:          ProviderOrderbook,
		SourceAsset:       sourceAsset,
		DestinationAsset:  destinationAsset,
		SourceAmount:      amountBase,
		DestinationAmount: decimal.Zero,
		Status:            StatusPending,
	}, nil
}

// Status implements Provider. Partial fills keep the order working;
// expiry and cancellation are terminal failures with whatever output
// was filled before the order died.
func (p *OrderbookProvider) Status(ctx context.Context, order *Order) (*StatusUpdate, error) {
	state, err := p.api.GetOrderState(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	filled, err := state.FilledOutput()
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "order book returned invalid fills", err)
	}

	switch state.Status {
	case orderbook.VenueStatusOpen, orderbook.VenueStatusPartiallyFilled:
		return &StatusUpdate{Status: StatusProcessing, DestinationAmount: filled}, nil
	case orderbook.VenueStatusFilled:
		return &StatusUpdate{Status: StatusCompleted, DestinationAmount: filled}, nil
	case orderbook.VenueStatusExpired:
		return &StatusUpdate{Status: StatusFailed, DestinationAmount: filled, FailureReason: "order expired unfilled"}, nil
	case orderbook.VenueStatusCancelled:
		return &StatusUpdate{Status: StatusFailed, DestinationAmount: filled, FailureReason: "order cancelled by venue"}, nil
	default:
		p.log.Warn().
			Str("order_hash", order.ID).
			Str("venue_status", state.Status).
			Msg("Unknown venue status, keeping order working")
		return &StatusUpdate{Status: StatusProcessing, DestinationAmount: filled}, nil
	}
}
