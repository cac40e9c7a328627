package swap

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/clients/chain"
	"github.com/anthonykimani/kiota-sub002/internal/clients/router"
	"github.com/anthonykimani/kiota-sub002/internal/clients/signer"
	"github.com/anthonykimani/kiota-sub002/internal/domain"
	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
)

// ProviderRouter names the direct-execution venue.
const ProviderRouter = "router"

// VenueConfig carries the chain and signing parameters shared by both
// venues.
type VenueConfig struct {
	ChainID         int64
	SignerReference string
	SignerAddress   string
	MaxSlippageBps  int64
	QuoteTTL        time.Duration
}

// RouterAPI prices routes through the on-chain router.
type RouterAPI interface {
	GetSwapQuote(ctx context.Context, sellToken, buyToken string, sellAmount decimal.Decimal, slippageBps int64) (*router.SwapQuote, error)
	IsConfigured() bool
}

// ChainReader reads and submits transactions on the settlement chain.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error)
	Allowance(ctx context.Context, token, owner, spender string) (decimal.Decimal, error)
	SendRawTransaction(ctx context.Context, signedHex string) (string, error)
	IsConfigured() bool
}

// TxSigner signs raw transactions through the external signing service.
type TxSigner interface {
	SignTransaction(ctx context.Context, signerRef string, tx signer.TxRequest) (string, error)
	IsConfigured() bool
}

// RouterProvider executes swaps by submitting signed transactions to
// the router contract. Used on chains without gasless infrastructure.
type RouterProvider struct {
	api      RouterAPI
	chain    ChainReader
	signer   TxSigner
	registry AssetInfoProvider
	cfg      VenueConfig
	log      zerolog.Logger
}

// NewRouterProvider creates a direct-execution venue.
func NewRouterProvider(api RouterAPI, chainClient ChainReader, txSigner TxSigner, registry AssetInfoProvider, cfg VenueConfig, log zerolog.Logger) *RouterProvider {
	return &RouterProvider{
		api:      api,
		chain:    chainClient,
		signer:   txSigner,
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("service", "swap_router").Logger(),
	}
}

// Name implements Provider.
func (p *RouterProvider) Name() string { return ProviderRouter }

// IsConfigured implements Provider.
func (p *RouterProvider) IsConfigured() bool {
	return p.api.IsConfigured() && p.chain.IsConfigured() && p.signer.IsConfigured() && p.cfg.SignerAddress != ""
}

// Quote implements Provider.
func (p *RouterProvider) Quote(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Quote, error) {
	src, dst, err := resolvePair(p.registry, sourceAsset, destinationAsset)
	if err != nil {
		return nil, err
	}

	raw, err := p.api.GetSwapQuote(ctx, src.Address, dst.Address, amountBase, p.cfg.MaxSlippageBps)
	if err != nil {
		return nil, err
	}

	estimate, err := decimal.NewFromString(raw.BuyAmount)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "aggregator returned invalid buy amount", err)
	}

	expiresAt := quoteExpiry(raw.ExpiresAt, p.cfg.QuoteTTL)
	return &Quote{
		SourceAsset:               sourceAsset,
		DestinationAsset:          destinationAsset,
		SourceAmount:              amountBase,
		DestinationAmountEstimate: estimate,
		PriceImpactPercent:        assets.BpsToPercent(raw.PriceImpactBps),
		ExpiresAt:                 expiresAt,
	}, nil
}

// Execute implements Provider. The flow is quote, approve when the
// router's allowance is short, then sign and broadcast the swap
// transaction. The returned order is PROCESSING under the tx hash.
func (p *RouterProvider) Execute(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal, maxSlippageBps int64) (*Order, error) {
	src, dst, err := resolvePair(p.registry, sourceAsset, destinationAsset)
	if err != nil {
		return nil, err
	}

	raw, err := p.api.GetSwapQuote(ctx, src.Address, dst.Address, amountBase, maxSlippageBps)
	if err != nil {
		return nil, err
	}

	if raw.AllowanceTarget != "" {
		if err := p.ensureAllowance(ctx, src.Address, raw.AllowanceTarget, amountBase); err != nil {
			return nil, err
		}
	}

	signedSwap, err := p.signer.SignTransaction(ctx, p.cfg.SignerReference, signer.TxRequest{
		ChainID: p.cfg.ChainID,
		To:      raw.To,
		Data:    raw.Data,
		Value:   raw.Value,
	})
	if err != nil {
		return nil, err
	}

	txHash, err := p.chain.SendRawTransaction(ctx, signedSwap)
	if err != nil {
		return nil, err
	}

	p.log.Info().
		Str("tx_hash", txHash).
		Str("source", sourceAsset).
		Str("destination", destinationAsset).
		Str("amount_base", amountBase.String()).
		Msg("Swap transaction broadcast")

	return &Order{
		ID:                txHash,
		Provider:          ProviderRouter,
		SourceAsset:       sourceAsset,
		DestinationAsset:  destinationAsset,
		SourceAmount:      amountBase,
		DestinationAmount: decimal.Zero,
		Status:            StatusProcessing,
	}, nil
}

// ensureAllowance approves the spender when the current allowance does
// not cover the sell amount. The approval rides the nonce queue ahead
// of the swap, so no confirmation wait is needed here.
func (p *RouterProvider) ensureAllowance(ctx context.Context, token, spender string, amount decimal.Decimal) error {
	allowance, err := p.chain.Allowance(ctx, token, p.cfg.SignerAddress, spender)
	if err != nil {
		return err
	}
	if allowance.GreaterThanOrEqual(amount) {
		return nil
	}

	signed, err := p.signer.SignTransaction(ctx, p.cfg.SignerReference, signer.TxRequest{
		ChainID: p.cfg.ChainID,
		To:      token,
		Data:    chain.ApproveCalldata(spender, amount),
		Value:   "0x0",
	})
	if err != nil {
		return err
	}

	txHash, err := p.chain.SendRawTransaction(ctx, signed)
	if err != nil {
		return err
	}

	p.log.Info().
		Str("tx_hash", txHash).
		Str("token", token).
		Str("spender", spender).
		Msg("Approval transaction broadcast")
	return nil
}

// Status implements Provider. A missing receipt means the transaction
// is still in the mempool.
func (p *RouterProvider) Status(ctx context.Context, order *Order) (*StatusUpdate, error) {
	receipt, err := p.chain.TransactionReceipt(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return &StatusUpdate{Status: StatusProcessing, DestinationAmount: decimal.Zero}, nil
	}

	if !receipt.Success {
		return &StatusUpdate{
			Status:            StatusFailed,
			DestinationAmount: decimal.Zero,
			FailureReason:     "transaction reverted",
		}, nil
	}

	dst, err := p.registry.Get(order.DestinationAsset)
	if err != nil {
		return nil, err
	}

	realized, found := chain.TransferAmountToRecipient(receipt, dst.Address, p.cfg.SignerAddress)
	if !found {
		p.log.Warn().
			Str("tx_hash", order.ID).
			Str("destination", order.DestinationAsset).
			Msg("Swap succeeded but no transfer to custody wallet found in logs")
	}

	return &StatusUpdate{Status: StatusCompleted, DestinationAmount: realized}, nil
}

// resolvePair validates that both assets exist and can trade on-chain.
func resolvePair(registry AssetInfoProvider, sourceAsset, destinationAsset string) (assets.Asset, assets.Asset, error) {
	var zero assets.Asset

	src, err := registry.Get(sourceAsset)
	if err != nil {
		return zero, zero, err
	}
	dst, err := registry.Get(destinationAsset)
	if err != nil {
		return zero, zero, err
	}

	if sourceAsset == destinationAsset {
		return zero, zero, domain.E(domain.KindValidation, "source and destination assets must differ")
	}
	if src.IsFiat() || dst.IsFiat() {
		return zero, zero, domain.Ef(domain.KindUnsupportedPair, "fiat asset cannot be swapped on-chain: %s/%s", sourceAsset, destinationAsset)
	}
	if src.Address == "" || dst.Address == "" {
		return zero, zero, domain.Ef(domain.KindUnsupportedPair, "missing contract address for pair %s/%s", sourceAsset, destinationAsset)
	}

	return src, dst, nil
}

// quoteExpiry prefers the venue's expiry, falling back to the local TTL.
func quoteExpiry(unixExpiry int64, ttl time.Duration) *time.Time {
	var expires time.Time
	if unixExpiry > 0 {
		expires = time.Unix(unixExpiry, 0).UTC()
	} else if ttl > 0 {
		expires = time.Now().UTC().Add(ttl)
	} else {
		return nil
	}
	return &expires
}
