// Package mpesa integrates with the Safaricom Daraja API for STK push
// collections. Amounts cross this boundary in KES minor units (cents);
// Daraja itself only accepts whole shillings.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// Config holds the Daraja credentials for one paybill.
type Config struct {
	BaseURL        string
	ShortCode      string
	Passkey        string
	ConsumerKey    string
	ConsumerSecret string
	CallbackURL    string
}

// Client is an authenticated Daraja API client with OAuth token caching.
type Client struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a new M-Pesa client
func New(cfg Config, log zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log.With().Str("client", "mpesa").Logger(),
	}
}

// IsConfigured reports whether the paybill credentials are present.
func (c *Client) IsConfigured() bool {
	return c.cfg.ShortCode != "" && c.cfg.ConsumerKey != "" && c.cfg.ConsumerSecret != "" && c.cfg.Passkey != ""
}

// STKPushResult is Daraja's synchronous acknowledgement of a push request.
// CheckoutRequestID is the correlation ID for the eventual callback.
type STKPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiateSTKPush sends a payment prompt to the customer's phone.
// amountMinor must be a whole number of shillings expressed in cents.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amountMinor int64, accountRef string) (*STKPushResult, error) {
	if amountMinor <= 0 {
		return nil, domain.E(domain.KindValidation, "amount must be positive")
	}
	if amountMinor%100 != 0 {
		return nil, domain.E(domain.KindValidation, "amount must be a whole number of shillings")
	}

	normalized, err := NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(c.cfg.ShortCode + c.cfg.Passkey + timestamp))

	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amountMinor / 100,
		"PartyA":            normalized,
		"PartyB":            c.cfg.ShortCode,
		"PhoneNumber":       normalized,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountRef,
		"TransactionDesc":   "Deposit",
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal STK push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create STK push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "mpesa unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, domain.Ef(domain.KindUpstreamUnavailable, "mpesa returned status %d", resp.StatusCode)
	}

	var result STKPushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, domain.Wrap(domain.KindUpstreamUnavailable, "failed to decode STK push response", err)
	}

	if result.ResponseCode != "0" {
		return nil, domain.Ef(domain.KindUpstreamUnavailable, "STK push rejected: %s", result.ResponseDescription)
	}

	c.log.Info().
		Str("checkout_request_id", result.CheckoutRequestID).
		Int64("amount_minor", amountMinor).
		Msg("STK push initiated")

	return &result, nil
}

// accessToken returns a cached OAuth token, refreshing when it is
// within 30 seconds of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry.Add(-30*time.Second)) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.Wrap(domain.KindUpstreamUnavailable, "mpesa auth unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", domain.Ef(domain.KindUpstreamUnavailable, "mpesa auth returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", domain.Wrap(domain.KindUpstreamUnavailable, "failed to decode token response", err)
	}
	if body.AccessToken == "" {
		return "", domain.E(domain.KindUpstreamUnavailable, "mpesa auth returned empty token")
	}

	c.token = body.AccessToken
	c.tokenExpiry = time.Now().Add(time.Hour)

	return c.token, nil
}

// NormalizePhone converts a Kenyan MSISDN to the 254XXXXXXXXX form
// Daraja expects.
func NormalizePhone(phone string) (string, error) {
	cleaned := strings.TrimSpace(phone)
	cleaned = strings.TrimPrefix(cleaned, "+")
	if strings.HasPrefix(cleaned, "0") {
		cleaned = "254" + cleaned[1:]
	}
	if len(cleaned) != 12 || !strings.HasPrefix(cleaned, "254") {
		return "", domain.Ef(domain.KindValidation, "invalid phone number: %s", phone)
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", domain.Ef(domain.KindValidation, "invalid phone number: %s", phone)
		}
	}
	return cleaned, nil
}
