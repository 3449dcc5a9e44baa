// Package emily is a thin client for the Emily REST sidecar (spec §6): a
// read-side API surfacing deposit/withdrawal requests and status to
// operators. Endpoints are tried round-robin, the same failover shape as
// internal/bitcoinrpc's multi-endpoint client, just over plain REST instead
// of JSON-RPC since Emily is a bespoke HTTP API rather than a node.
package emily

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Client surfaces request status updates to the Emily sidecar.
type Client struct {
	endpoints []string
	next      atomic.Uint64
	http      *http.Client
}

// New creates a round-robin client over endpoints.
func New(endpoints []string) *Client {
	return &Client{endpoints: endpoints, http: &http.Client{Timeout: 10 * time.Second}}
}

// DepositStatusUpdate is posted whenever a DepositRequest changes status,
// so operators see sweep progress without polling Bitcoin directly.
type DepositStatusUpdate struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Status string `json:"status"`
}

// WithdrawalStatusUpdate is posted whenever a WithdrawalRequest changes
// status.
type WithdrawalStatusUpdate struct {
	RequestID uint64 `json:"request_id"`
	Status    string `json:"status"`
}

// PostDepositStatus tries each configured endpoint round-robin until one
// accepts the update.
func (c *Client) PostDepositStatus(ctx context.Context, update DepositStatusUpdate) error {
	return c.post(ctx, "/deposit/status", update)
}

// PostWithdrawalStatus tries each configured endpoint round-robin until
// one accepts the update.
func (c *Client) PostWithdrawalStatus(ctx context.Context, update WithdrawalStatusUpdate) error {
	return c.post(ctx, "/withdrawal/status", update)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) error {
	if len(c.endpoints) == 0 {
		return fmt.Errorf("emily: no endpoints configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	start := int(c.next.Add(1) - 1)
	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		endpoint := c.endpoints[(start+i)%len(c.endpoints)]
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("emily endpoint %s returned status %d", endpoint, resp.StatusCode)
	}
	return fmt.Errorf("all emily endpoints failed: %w", lastErr)
}
