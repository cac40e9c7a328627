// Package router talks to the swap aggregator API that prices routes
// through the on-chain router contract and returns ready-to-sign
// transaction calldata.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// Client talks to the aggregator's REST API.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// New creates a new aggregator client
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "router").Logger(),
	}
}

// IsConfigured reports whether an aggregator endpoint is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// SwapQuote is a priced route with the transaction needed to execute it.
type SwapQuote struct {
	BuyAmount       string `json:"buy_amount"`
	PriceImpactBps  int64  `json:"price_impact_bps"`
	To              string `json:"to"`
	Data            string `json:"data"`
	Value           string `json:"value"`
	AllowanceTarget string `json:"allowance_target"`
	ExpiresAt       int64  `json:"expires_at"`
}

// GetSwapQuote prices a sell of sellAmount base units and returns the
// calldata for the router transaction. Tokens are contract addresses.
func (c *Client) GetSwapQuote(ctx context.Context, sellToken, buyToken string, sellAmount decimal.Decimal, slippageBps int64) (*SwapQuote, error) {
	params := url.Values{}
	params.Set("sell_token", sellToken)
	params.Set("buy_token", buyToken)
	params.Set("sell_amount", sellAmount.String())
	params.Set("slippage_bps", strconv.FormatInt(slippageBps, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/swap/v1/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "aggregator unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp)
	}

	var quote SwapQuote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "failed to decode quote", err)
	}
	if quote.BuyAmount == "" || quote.To == "" {
		return nil, domain.E(domain.KindUpstreamUnavailable, "aggregator returned incomplete quote")
	}
	return &quote, nil
}

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
	}

	if resp.StatusCode >= 500 {
		return domain.Ef(domain.KindUpstreamUnavailable, "aggregator returned status %d", resp.StatusCode)
	}
	if body.Message != "" {
		return domain.E(domain.KindValidation, body.Message)
	}
	return domain.Ef(domain.KindUpstreamUnavailable, "aggregator returned status %d", resp.StatusCode)
}
