package swap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthonykimani/kiota-sub002/internal/clients/orderbook"
	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

type fakeOrderBookAPI struct {
	quote      *orderbook.QuoteResponse
	quoteErr   error
	state      *orderbook.OrderState
	submitted  []orderbook.OrderSubmission
	orderHash  string
	submitErr  error
	stateCalls int
}

func (f *fakeOrderBookAPI) GetQuote(_ context.Context, sellToken, buyToken string, sellAmount decimal.Decimal) (*orderbook.QuoteResponse, error) {
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeOrderBookAPI) SubmitOrder(_ context.Context, order orderbook.OrderSubmission) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, order)
	return f.orderHash, nil
}

func (f *fakeOrderBookAPI) GetOrderState(_ context.Context, orderHash string) (*orderbook.OrderState, error) {
	f.stateCalls++
	return f.state, nil
}

func (f *fakeOrderBookAPI) IsConfigured() bool { return true }

type fakeOrderSigner struct {
	payloads []json.RawMessage
}

func (f *fakeOrderSigner) SignOrder(_ context.Context, signerRef string, payload json.RawMessage) (string, error) {
	f.payloads = append(f.payloads, payload)
	return "0xsignature", nil
}

func (f *fakeOrderSigner) IsConfigured() bool { return true }

func newOrderbookUnderTest(api *fakeOrderBookAPI, orderSigner *fakeOrderSigner) *OrderbookProvider {
	return NewOrderbookProvider(api, orderSigner, newFakeRegistry(), testVenueConfig(), zerolog.Nop())
}

func TestOrderbookExecuteSubmitsSignedIntent(t *testing.T) {
	api := &fakeOrderBookAPI{
		quote:     &orderbook.QuoteResponse{BuyAmount: "1000", PriceImpactBps: 5},
		orderHash: "0xhash",
	}
	orderSigner := &fakeOrderSigner{}
	p := newOrderbookUnderTest(api, orderSigner)

	order, err := p.Execute(context.Background(), "USDC", "WETH", decimal.NewFromInt(4000000), 100)
	require.NoError(t, err)

	assert.Equal(t, "0xhash", order.ID)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, ProviderOrderbook, order.Provider)

	require.Len(t, api.submitted, 1)
	submitted := api.submitted[0]
	assert.Equal(t, "0xmaker", submitted.Maker)
	assert.Equal(t, "0xusdc", submitted.SellToken)
	assert.Equal(t, "0xweth", submitted.BuyToken)
	assert.Equal(t, "4000000", submitted.SellAmount)
	// 1000 estimate at 100 bps slippage floor
	assert.Equal(t, "990", submitted.MinBuyAmount)
	assert.Equal(t, "0xsignature", submitted.Signature)
	assert.Positive(t, submitted.Expiry)

	// The signed payload is the unsigned intent
	require.Len(t, orderSigner.payloads, 1)
	var payload orderbook.OrderSubmission
	require.NoError(t, json.Unmarshal(orderSigner.payloads[0], &payload))
	assert.Empty(t, payload.Signature)
	assert.Equal(t, "4000000", payload.SellAmount)
}

func TestOrderbookExecuteQuoteFailure(t *testing.T) {
	api := &fakeOrderBookAPI{quoteErr: domain.E(domain.KindUnsupportedPair, "pair not listed")}
	p := newOrderbookUnderTest(api, &fakeOrderSigner{})

	_, err := p.Execute(context.Background(), "USDC", "WETH", decimal.NewFromInt(1), 100)
	assert.Equal(t, domain.KindUnsupportedPair, domain.KindOf(err))
	assert.Empty(t, api.submitted)
}

func TestOrderbookStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		state      *orderbook.OrderState
		wantStatus Status
		wantAmount int64
		wantReason string
	}{
		{
			name:       "open order keeps working",
			state:      &orderbook.OrderState{Status: orderbook.VenueStatusOpen},
			wantStatus: StatusProcessing,
		},
		{
			name: "partial fill keeps working",
			state: &orderbook.OrderState{
				Status: orderbook.VenueStatusPartiallyFilled,
				Fills:  []orderbook.Fill{{OutputAmount: "400"}},
			},
			wantStatus: StatusProcessing,
			wantAmount: 400,
		},
		{
			name: "filled completes with summed output",
			state: &orderbook.OrderState{
				Status: orderbook.VenueStatusFilled,
				Fills:  []orderbook.Fill{{OutputAmount: "400"}, {OutputAmount: "600"}},
			},
			wantStatus: StatusCompleted,
			wantAmount: 1000,
		},
		{
			name:       "expired fails",
			state:      &orderbook.OrderState{Status: orderbook.VenueStatusExpired},
			wantStatus: StatusFailed,
			wantReason: "order expired unfilled",
		},
		{
			name:       "cancelled fails",
			state:      &orderbook.OrderState{Status: orderbook.VenueStatusCancelled},
			wantStatus: StatusFailed,
			wantReason: "order cancelled by venue",
		},
		{
			name:       "unknown status keeps working",
			state:      &orderbook.OrderState{Status: "settling"},
			wantStatus: StatusProcessing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeOrderBookAPI{state: tt.state}
			p := newOrderbookUnderTest(api, &fakeOrderSigner{})

			update, err := p.Status(context.Background(), sessionOrder("0xhash", "sess-1", "WETH"))
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, update.Status)
			assert.True(t, update.DestinationAmount.Equal(decimal.NewFromInt(tt.wantAmount)))
			assert.Equal(t, tt.wantReason, update.FailureReason)
		})
	}
}
