// Package signer wraps the external signing service. Keys never touch
// this process: transactions and orders go out as payloads and come back
// signed.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// Client talks to the signer service.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// New creates a new signer client
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "signer").Logger(),
	}
}

// IsConfigured reports whether a signer endpoint is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// TxRequest is an unsigned transaction envelope.
type TxRequest struct {
	ChainID int64  `json:"chain_id"`
	To      string `json:"to"`
	Data    string `json:"data"`
	Value   string `json:"value"`
}

// SignTransaction returns the raw signed transaction for broadcast.
func (c *Client) SignTransaction(ctx context.Context, signerRef string, tx TxRequest) (string, error) {
	var resp struct {
		RawTransaction string `json:"raw_transaction"`
	}
	err := c.post(ctx, "/sign/transaction", map[string]interface{}{
		"signer_ref": signerRef,
		"chain_id":   tx.ChainID,
		"to":         tx.To,
		"data":       tx.Data,
		"value":      tx.Value,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.RawTransaction == "" {
		return "", domain.E(domain.KindSignerUnavailable, "signer returned empty transaction")
	}
	return resp.RawTransaction, nil
}

// SignOrder returns the signature over a venue order payload. The venue
// defines the canonical digest; the signer service owns the typed-data
// details.
func (c *Client) SignOrder(ctx context.Context, signerRef string, payload json.RawMessage) (string, error) {
	var resp struct {
		Signature string `json:"signature"`
	}
	err := c.post(ctx, "/sign/order", map[string]interface{}{
		"signer_ref": signerRef,
		"payload":    payload,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", domain.E(domain.KindSignerUnavailable, "signer returned empty signature")
	}
	return resp.Signature, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal signer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to create signer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindSignerUnavailable, "signer service unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Ef(domain.KindSignerUnavailable, "signer service returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return domain.Wrap(domain.KindSignerUnavailable, "failed to decode signer response", err)
	}
	return nil
}
