// Package noderpc wraps the Bitcoin node's JSON-RPC wallet interface. The
// daemon consumes the node, it never builds one: any backend satisfying
// Backend (real node, testnet, fake) is substitutable.
package noderpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcutil"

	"mixerd/observability"
)

// Backend is the capability surface the orchestration core depends on.
type Backend interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
	GetNewAddress(ctx context.Context, label string) (string, error)
	SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error)
	GetReceivedByAddress(ctx context.Context, address string, minConf int64) (btcutil.Amount, error)
	ListReceived(ctx context.Context, address string) (*ReceivedInfo, error)
}

// ReceivedInfo summarises deposit observations for one address.
type ReceivedInfo struct {
	Amount        btcutil.Amount
	Confirmations int64
	TxIDs         []string
}

// RPCError is a structured rejection from the node. Rejections are
// non-retryable; the failing round is aborted.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("noderpc: node rejected call (code %d): %s", e.Code, e.Message)
}

// transientError marks network-level failures worth retrying with backoff.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "noderpc: transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether the failure is a network/timeout class error
// that a bounded retry may resolve.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// IsRejected reports whether the node itself refused the call.
func IsRejected(err error) bool {
	var re *RPCError
	return errors.As(err, &re)
}

// Config represents the client configuration.
type Config struct {
	URL      string
	User     string
	Password string
	Timeout  time.Duration
}

// Client provides a thin JSON-RPC wrapper over the node's wallet methods.
type Client struct {
	url        string
	user       string
	password   string
	httpClient *http.Client
	metrics    *observability.MixerMetrics
	nextID     atomic.Int64
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:      strings.TrimSpace(cfg.URL),
		user:     strings.TrimSpace(cfg.User),
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: observability.Mixer(),
	}
}

// ValidateAddress asks the node whether the address is well formed.
func (c *Client) ValidateAddress(ctx context.Context, address string) (bool, error) {
	var result struct {
		IsValid bool `json:"isvalid"`
	}
	if err := c.call(ctx, "validateaddress", []interface{}{address}, &result); err != nil {
		return false, err
	}
	return result.IsValid, nil
}

// GetNewAddress requests a fresh wallet address under the given label.
func (c *Client) GetNewAddress(ctx context.Context, label string) (string, error) {
	var result string
	if err := c.call(ctx, "getnewaddress", []interface{}{label}, &result); err != nil {
		return "", err
	}
	return strings.TrimSpace(result), nil
}

// SendToAddress submits a transfer and returns the external transaction id.
// It waits for submission acknowledgment only, not confirmation.
func (c *Client) SendToAddress(ctx context.Context, address string, amount btcutil.Amount) (string, error) {
	var txid string
	if err := c.call(ctx, "sendtoaddress", []interface{}{address, amount.ToBTC()}, &txid); err != nil {
		return "", err
	}
	return strings.TrimSpace(txid), nil
}

// GetReceivedByAddress returns the amount received by the address with at
// least minConf confirmations.
func (c *Client) GetReceivedByAddress(ctx context.Context, address string, minConf int64) (btcutil.Amount, error) {
	var btc float64
	if err := c.call(ctx, "getreceivedbyaddress", []interface{}{address, minConf}, &btc); err != nil {
		return 0, err
	}
	amount, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0, fmt.Errorf("noderpc: decode amount: %w", err)
	}
	return amount, nil
}

// ListReceived reports the deposit observations for a single address,
// including the confirmation count of the least-confirmed funding tx.
func (c *Client) ListReceived(ctx context.Context, address string) (*ReceivedInfo, error) {
	var rows []struct {
		Address       string   `json:"address"`
		Amount        float64  `json:"amount"`
		Confirmations int64    `json:"confirmations"`
		TxIDs         []string `json:"txids"`
	}
	params := []interface{}{0, false, true, address}
	if err := c.call(ctx, "listreceivedbyaddress", params, &rows); err != nil {
		return nil, err
	}
	info := &ReceivedInfo{}
	for _, row := range rows {
		if row.Address != address {
			continue
		}
		amount, err := btcutil.NewAmount(row.Amount)
		if err != nil {
			return nil, fmt.Errorf("noderpc: decode amount: %w", err)
		}
		info.Amount = amount
		info.Confirmations = row.Confirmations
		info.TxIDs = append(info.TxIDs, row.TxIDs...)
	}
	return info, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c == nil || c.url == "" {
		return fmt.Errorf("noderpc: client not configured")
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("noderpc: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("noderpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError(method, "transient")
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.recordError(method, "transient")
		return &transientError{err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		c.recordError(method, "transient")
		return &transientError{err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var decoded rpcResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		c.recordError(method, "decode")
		return fmt.Errorf("noderpc: decode response: %w", err)
	}
	if decoded.Error != nil {
		c.recordError(method, "rejected")
		return decoded.Error
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			c.recordError(method, "decode")
			return fmt.Errorf("noderpc: decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) recordError(method, class string) {
	if c.metrics != nil {
		c.metrics.RecordRPCError(method, class)
	}
}
