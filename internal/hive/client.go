// Package hive is the chain RPC client. The service consumes exactly
// two operations: account authorities and account profiles.
package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	gocache "github.com/patrickmn/go-cache"
)

// ErrNoSuchAccount indicates the account does not exist on chain.
var ErrNoSuchAccount = errors.New("no such account")

// callTimeout bounds a single RPC call.
const callTimeout = 2 * time.Second

// failThreshold quarantines a node after this many consecutive
// failures.
const failThreshold = 2

// cacheTTL is how long account and profile records stay fresh.
const cacheTTL = 30 * time.Second

// Client is a JSON-RPC client with ordered failover across nodes.
type Client struct {
	nodes  []string
	client *retryablehttp.Client
	logger *slog.Logger

	mu       sync.Mutex
	failures map[string]int

	accounts *gocache.Cache
	profiles *gocache.Cache
}

// NewClient creates a Client over the configured node list.
func NewClient(nodes []string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0 // failover handles retries across nodes
	client.HTTPClient.Timeout = callTimeout
	client.Logger = nil

	return &Client{
		nodes:    nodes,
		client:   client,
		logger:   logger,
		failures: make(map[string]int),
		accounts: gocache.New(cacheTTL, 2*cacheTTL),
		profiles: gocache.New(cacheTTL, 2*cacheTTL),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// GetAccount fetches the account authorities, consulting the 30s
// cache first. Returns ErrNoSuchAccount for unknown names.
func (c *Client) GetAccount(ctx context.Context, name string) (*Account, error) {
	if cached, ok := c.accounts.Get(name); ok {
		return cached.(*Account), nil
	}

	var accounts []Account
	if err := c.call(ctx, "condenser_api.get_accounts", []any{[]string{name}}, &accounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoSuchAccount
	}

	account := &accounts[0]
	c.accounts.Set(name, account, gocache.DefaultExpiration)
	return account, nil
}

// GetProfile fetches the bridge profile (normalized reputation and
// profile/cover image URLs), consulting the 30s cache first.
func (c *Client) GetProfile(ctx context.Context, name string) (*Profile, error) {
	if cached, ok := c.profiles.Get(name); ok {
		return cached.(*Profile), nil
	}

	var profile Profile
	if err := c.call(ctx, "bridge.get_profile", map[string]string{"account": name}, &profile); err != nil {
		return nil, err
	}
	if profile.Name == "" {
		return nil, ErrNoSuchAccount
	}

	c.profiles.Set(name, &profile, gocache.DefaultExpiration)
	return &profile, nil
}

// call walks the node list in order, skipping quarantined nodes, and
// decodes the first successful result.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	var lastErr error
	attempted := false
	for _, node := range c.nodes {
		if c.isQuarantined(node) {
			continue
		}
		attempted = true
		if err := c.callNode(ctx, node, payload, result); err != nil {
			lastErr = err
			c.recordFailure(node)
			c.logger.Debug("rpc node failed", "node", node, "method", method, "error", err)
			continue
		}
		c.recordSuccess(node)
		return nil
	}

	// Everything is quarantined: reset and try the full list once more.
	if !attempted && len(c.nodes) > 0 {
		c.resetFailures()
		for _, node := range c.nodes {
			if err := c.callNode(ctx, node, payload, result); err != nil {
				lastErr = err
				c.recordFailure(node)
				continue
			}
			c.recordSuccess(node)
			return nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no rpc nodes configured")
	}
	return fmt.Errorf("rpc %s: %w", method, lastErr)
}

func (c *Client) callNode(ctx context.Context, node string, payload []byte, result any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *Client) isQuarantined(node string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[node] >= failThreshold
}

func (c *Client) recordFailure(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[node]++
}

func (c *Client) recordSuccess(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[node] = 0
}

func (c *Client) resetFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.failures)
}
