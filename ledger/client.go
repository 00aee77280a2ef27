package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/mintcache"
	"github.com/wolfeidau/mintcache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for ledger gateway requests.
	DefaultTimeout = 30 * time.Second

	upstreamName = "ledger"
)

// Client talks JSON-RPC 2.0 to a ledger gateway that fronts the token and
// balance actors. It never retries: callers re-issue whole requests.
type Client struct {
	endpoint  string
	token     string
	client    *http.Client
	requestID atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent with every call.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// NewClient creates a ledger gateway client for endpoint.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, upstreamName),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error reported by the gateway or the actor behind it.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

type collectionParams struct {
	Collection mintcache.Collection `json:"collection"`
	Principal  mintcache.Principal  `json:"principal,omitempty"`
	Cursor     *mintcache.TokenID   `json:"cursor,omitempty"`
	Limit      int                  `json:"limit,omitempty"`
	TokenIDs   []mintcache.TokenID  `json:"token_ids,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger gateway returned %d: %s", resp.StatusCode, string(msg))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// TotalSupply implements Ledger.
func (c *Client) TotalSupply(ctx context.Context, col mintcache.Collection) (uint64, error) {
	var n uint64
	err := c.call(ctx, "total_supply", collectionParams{Collection: col}, &n)
	return n, err
}

// BalanceOf implements Ledger.
func (c *Client) BalanceOf(ctx context.Context, col mintcache.Collection, p mintcache.Principal) (uint64, error) {
	var n uint64
	err := c.call(ctx, "balance_of", collectionParams{Collection: col, Principal: p}, &n)
	return n, err
}

// OwnerOf implements Ledger.
func (c *Client) OwnerOf(ctx context.Context, col mintcache.Collection, ids []mintcache.TokenID) ([]*Owner, error) {
	var owners []*Owner
	err := c.call(ctx, "owner_of", collectionParams{Collection: col, TokenIDs: ids}, &owners)
	return owners, err
}

// TokensOf implements Ledger.
func (c *Client) TokensOf(ctx context.Context, col mintcache.Collection, p mintcache.Principal, cursor *mintcache.TokenID, limit int) ([]mintcache.TokenID, error) {
	var ids []mintcache.TokenID
	err := c.call(ctx, "tokens_of", collectionParams{Collection: col, Principal: p, Cursor: cursor, Limit: limit}, &ids)
	return ids, err
}

// Metadata implements Ledger.
func (c *Client) Metadata(ctx context.Context, col mintcache.Collection, ids []mintcache.TokenID) ([]Metadata, error) {
	var meta []Metadata
	err := c.call(ctx, "token_metadata", collectionParams{Collection: col, TokenIDs: ids}, &meta)
	return meta, err
}

// Balances implements BalanceActor.
func (c *Client) Balances(ctx context.Context, subaccount mintcache.Hash) (mintcache.Balances, error) {
	var b mintcache.Balances
	err := c.call(ctx, "balances", map[string]any{"subaccount": subaccount}, &b)
	return b, err
}

var (
	_ Ledger       = (*Client)(nil)
	_ BalanceActor = (*Client)(nil)
)
