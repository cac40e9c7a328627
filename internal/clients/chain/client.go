// Package chain provides a minimal JSON-RPC client for the EVM chain the
// basket settles on: receipt and confirmation polling, allowance reads
// and raw transaction broadcast. Transaction signing lives in the signer
// service, never here.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/anthonykimani/kiota-sub002/internal/domain"
)

// TransferTopic is the keccak hash of the ERC-20 Transfer event signature.
const TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Client talks to an EVM JSON-RPC endpoint.
type Client struct {
	rpcURL string
	client *http.Client
	log    zerolog.Logger
}

// New creates a new chain client
func New(rpcURL string, log zerolog.Logger) *Client {
	return &Client{
		rpcURL: rpcURL,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.With().Str("client", "chain").Logger(),
	}
}

// IsConfigured reports whether an RPC endpoint is set.
func (c *Client) IsConfigured() bool {
	return c.rpcURL != ""
}

// Log is one event log entry from a transaction receipt.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber int64
	Logs        []Log
}

// Transaction is a submitted transfer, mined or pending.
type Transaction struct {
	Hash        string
	From        string
	To          string
	Value       decimal.Decimal
	BlockNumber *int64 // nil while pending
}

// BlockNumber returns the current chain head.
func (c *Client) BlockNumber(ctx context.Context) (int64, error) {
	var result string
	if err := c.call(ctx, "eth_blockNumber", []interface{}{}, &result); err != nil {
		return 0, err
	}
	return parseHexInt(result)
}

// TransactionReceipt fetches the receipt for a transaction hash. Returns
// nil without error while the transaction is still pending.
func (c *Client) TransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var raw struct {
		Status      string `json:"status"`
		BlockNumber string `json:"blockNumber"`
		Logs        []Log  `json:"logs"`
	}
	found, err := c.callNullable(ctx, "eth_getTransactionReceipt", []interface{}{hash}, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	block, err := parseHexInt(raw.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to parse receipt block number: %w", err)
	}

	return &Receipt{
		TxHash:      hash,
		Success:     raw.Status == "0x1",
		BlockNumber: block,
		Logs:        raw.Logs,
	}, nil
}

// TransactionByHash fetches a transaction, mined or pending. Returns nil
// without error when the node has never seen the hash.
func (c *Client) TransactionByHash(ctx context.Context, hash string) (*Transaction, error) {
	var raw struct {
		Hash        string  `json:"hash"`
		From        string  `json:"from"`
		To          string  `json:"to"`
		Value       string  `json:"value"`
		BlockNumber *string `json:"blockNumber"`
	}
	found, err := c.callNullable(ctx, "eth_getTransactionByHash", []interface{}{hash}, &raw)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	value, err := parseHexAmount(raw.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction value: %w", err)
	}

	tx := &Transaction{
		Hash:  raw.Hash,
		From:  strings.ToLower(raw.From),
		To:    strings.ToLower(raw.To),
		Value: value,
	}
	if raw.BlockNumber != nil {
		block, err := parseHexInt(*raw.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("failed to parse transaction block number: %w", err)
		}
		tx.BlockNumber = &block
	}

	return tx, nil
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, signedHex string) (string, error) {
	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []interface{}{signedHex}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// Allowance reads an ERC-20 allowance via eth_call.
func (c *Client) Allowance(ctx context.Context, token, owner, spender string) (decimal.Decimal, error) {
	// allowance(address,address)
	data := "0xdd62ed3e" + padAddress(owner) + padAddress(spender)

	var result string
	params := []interface{}{
		map[string]string{"to": token, "data": data},
		"latest",
	}
	if err := c.call(ctx, "eth_call", params, &result); err != nil {
		return decimal.Zero, err
	}

	return parseHexAmount(result)
}

// ApproveCalldata builds the calldata for an ERC-20 approve call.
func ApproveCalldata(spender string, amount decimal.Decimal) string {
	// approve(address,uint256)
	return "0x095ea7b3" + padAddress(spender) + padAmount(amount)
}

// TransferAmountToRecipient extracts the amount of token delivered to
// recipient from a receipt's Transfer logs. The boolean is false when no
// matching log exists.
func TransferAmountToRecipient(r *Receipt, token, recipient string) (decimal.Decimal, bool) {
	token = strings.ToLower(token)
	recipientTopic := "0x" + padAddress(recipient)

	for _, l := range r.Logs {
		if strings.ToLower(l.Address) != token {
			continue
		}
		if len(l.Topics) < 3 || l.Topics[0] != TransferTopic {
			continue
		}
		if strings.ToLower(l.Topics[2]) != recipientTopic {
			continue
		}
		amount, err := parseHexAmount(l.Data)
		if err != nil {
			continue
		}
		return amount, true
	}

	return decimal.Zero, false
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs a JSON-RPC call expecting a non-null result.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	found, err := c.callNullable(ctx, method, params, result)
	if err != nil {
		return err
	}
	if !found {
		return domain.Ef(domain.KindUpstreamUnavailable, "chain rpc returned null for %s", method)
	}
	return nil
}

// callNullable performs a JSON-RPC call; a null result returns (false, nil).
func (c *Client) callNullable(ctx context.Context, method string, params []interface{}, result interface{}) (bool, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return false, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, domain.Wrap(domain.KindUpstreamUnavailable, "chain rpc unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, domain.Ef(domain.KindUpstreamUnavailable, "chain rpc returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return false, domain.Wrap(domain.KindUpstreamUnavailable, "failed to decode rpc response", err)
	}
	if rpcResp.Error != nil {
		return false, fmt.Errorf("rpc error %d on %s: %s", rpcResp.Error.Code, method, rpcResp.Error.Message)
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return false, nil
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return false, fmt.Errorf("failed to unmarshal rpc result for %s: %w", method, err)
	}
	return true, nil
}

func parseHexInt(h string) (int64, error) {
	bi, err := hexToBig(h)
	if err != nil {
		return 0, err
	}
	return bi.Int64(), nil
}

func parseHexAmount(h string) (decimal.Decimal, error) {
	bi, err := hexToBig(h)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(bi, 0), nil
}

func hexToBig(h string) (*big.Int, error) {
	s := strings.TrimPrefix(h, "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	bi, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity: %s", h)
	}
	return bi, nil
}

func padAddress(addr string) string {
	s := strings.ToLower(strings.TrimPrefix(addr, "0x"))
	return strings.Repeat("0", 64-len(s)) + s
}

func padAmount(amount decimal.Decimal) string {
	s := amount.BigInt().Text(16)
	return strings.Repeat("0", 64-len(s)) + s
}
