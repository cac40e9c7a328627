// Package orderbook talks to the intent-based swap venue: quotes, signed
// order submission and fill tracking over REST, with an optional
// websocket stream for low-latency fill updates.
package orderbook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// Order lifecycle states reported by the venue.
const (
	VenueStatusOpen            = "open"
	VenueStatusPartiallyFilled = "partially_filled"
	VenueStatusFilled          = "filled"
	VenueStatusExpired         = "expired"
	VenueStatusCancelled       = "cancelled"
)

// Client talks to the order book REST API.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// New creates a new order book client
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "orderbook").Logger(),
	}
}

// IsConfigured reports whether a venue endpoint is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// QuoteResponse is the venue's price for a prospective order.
type QuoteResponse struct {
	BuyAmount      string `json:"buy_amount"`
	PriceImpactBps int64  `json:"price_impact_bps"`
	ExpiresAt      int64  `json:"expires_at"`
}

// GetQuote fetches an indicative quote for a sell of sellAmount base units.
func (c *Client) GetQuote(ctx context.Context, sellToken, buyToken string, sellAmount decimal.Decimal) (*QuoteResponse, error) {
	params := url.Values{}
	params.Set("sell_token", sellToken)
	params.Set("buy_token", buyToken)
	params.Set("sell_amount", sellAmount.String())

	var quote QuoteResponse
	if err := c.get(ctx, "/v1/quote?"+params.Encode(), &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// OrderSubmission is a signed order ready for the book.
type OrderSubmission struct {
	Maker        string `json:"maker"`
	SellToken    string `json:"sell_token"`
	BuyToken     string `json:"buy_token"`
	SellAmount   string `json:"sell_amount"`
	MinBuyAmount string `json:"min_buy_amount"`
	Expiry       int64  `json:"expiry"`
	Signature    string `json:"signature"`
}

// SubmitOrder posts a signed order and returns the venue's order hash.
func (c *Client) SubmitOrder(ctx context.Context, order OrderSubmission) (string, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return "", fmt.Errorf("failed to marshal order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create order request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.Wrap(domain.KindUpstreamUnavailable, "order book unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.decodeError(resp)
	}

	var result struct {
		OrderHash string `json:"order_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.Wrap(domain.KindUpstreamUnavailable, "failed to decode order response", err)
	}
	if result.OrderHash == "" {
		return "", domain.E(domain.KindUpstreamUnavailable, "order book returned no order hash")
	}
	return result.OrderHash, nil
}

// Fill is one partial execution of an order.
type Fill struct {
	OutputAmount string `json:"output_amount"`
	FilledAt     int64  `json:"filled_at"`
}

// OrderState is the venue's view of a submitted order.
type OrderState struct {
	Status string `json:"status"`
	Fills  []Fill `json:"fills"`
}

// GetOrderState fetches the current status and fills of an order.
func (c *Client) GetOrderState(ctx context.Context, orderHash string) (*OrderState, error) {
	var state OrderState
	if err := c.get(ctx, "/v1/orders/"+orderHash, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// FilledOutput sums the output amounts of all fills.
func (s *OrderState) FilledOutput() (decimal.Decimal, error) {
	total := decimal.Zero
	for _, f := range s.Fills {
		amount, err := decimal.NewFromString(f.OutputAmount)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid fill amount %q: %w", f.OutputAmount, err)
		}
		total = total.Add(amount)
	}
	return total, nil
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindUpstreamUnavailable, "order book unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.decodeError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return domain.Wrap(domain.KindUpstreamUnavailable, "failed to decode order book response", err)
	}
	return nil
}

// decodeError maps the venue's error codes onto the domain taxonomy.
func (c *Client) decodeError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch body.Code {
	case "INSUFFICIENT_LIQUIDITY":
		return domain.E(domain.KindInsufficientLiquidity, body.Message)
	case "UNSUPPORTED_PAIR":
		return domain.E(domain.KindUnsupportedPair, body.Message)
	case "QUOTE_EXPIRED":
		return domain.E(domain.KindQuoteExpired, body.Message)
	case "SLIPPAGE_EXCEEDED":
		return domain.E(domain.KindSlippageExceeded, body.Message)
	}

	if resp.StatusCode >= 500 {
		return domain.Ef(domain.KindUpstreamUnavailable, "order book returned status %d", resp.StatusCode)
	}
	if body.Message != "" {
		return domain.E(domain.KindValidation, body.Message)
	}
	return domain.Ef(domain.KindUpstreamUnavailable, "order book returned status %d", resp.StatusCode)
}
