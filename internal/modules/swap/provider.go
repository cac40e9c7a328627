package swap

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/modules/assets"
)

// Provider is a swap venue. Implementations are stateless: they price,
// submit and observe orders but never persist anything.
type Provider interface {
	// Name identifies the venue in order records and logs.
	Name() string

	// IsConfigured reports whether the venue's endpoints and
	// credentials are present.
	IsConfigured() bool

	// Quote prices a conversion of amountBase source base units.
	Quote(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal) (*Quote, error)

	// Execute submits a conversion and returns the tracked order with
	// its venue-assigned ID. The order carries no owner; the caller
	// stamps session or rebalance ownership before persisting.
	Execute(ctx context.Context, sourceAsset, destinationAsset string, amountBase decimal.Decimal, maxSlippageBps int64) (*Order, error)

	// Status fetches the venue's current view of an order.
	Status(ctx context.Context, order *Order) (*StatusUpdate, error)
}

// AssetInfoProvider resolves asset symbols to their chain metadata.
type AssetInfoProvider interface {
	Get(symbol string) (assets.Asset, error)
}
