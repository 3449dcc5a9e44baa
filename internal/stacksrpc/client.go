// Package stacksrpc is a thin JSON-RPC client for Stacks node reads (spec
// §6): tip height, block lookup, and account nonces, plus contract-call
// submission for the Coordinator's complete-deposit/accept-withdrawal/
// reject-withdrawal issuance (spec §4.6 step 9). It is grounded directly
// on internal/bitcoinrpc's multi-endpoint RPCClient rather than building a
// second failover HTTP client from scratch: the teacher's one RPC
// abstraction already tries endpoints in order with a health tracker and
// circuit breaker, and a Stacks node read (tip height, account nonce) maps
// onto the same request/response shape as a Bitcoin Core call.
package stacksrpc

import (
	"context"
	"encoding/json"

	"github.com/stacks-network/sbtc-signer/internal/bitcoinrpc"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// Client talks to a Stacks node for reads and issues signed contract
// calls. Transport is shared with internal/bitcoinrpc's RPCClient
// interface so both chains go through the same failover/health-tracking
// machinery.
type Client struct {
	rpc bitcoinrpc.RPCClient
}

// New wraps an already-constructed RPCClient (typically
// bitcoinrpc.NewHTTPRPCClient over config.StacksConfig.RPCEndpoints).
func New(rpc bitcoinrpc.RPCClient) *Client {
	return &Client{rpc: rpc}
}

// TipHeight returns the current Stacks chain tip's block height.
func (c *Client) TipHeight(ctx context.Context) (uint64, error) {
	result, err := c.rpc.Call(ctx, "get_stacks_tip_height", nil)
	if err != nil {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "get_stacks_tip_height failed", nil, err)
	}
	var height uint64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse tip height", err)
	}
	return height, nil
}

// blockResult mirrors the subset of a Stacks node's block response the
// Chain View needs to materialize a models.StacksBlock.
type blockResult struct {
	ID             string `json:"index_block_hash"`
	ParentID       string `json:"parent_index_block_hash"`
	BurnAnchorHash string `json:"burn_block_hash"`
}

// Block fetches the Stacks block with the given id.
func (c *Client) Block(ctx context.Context, id models.StacksBlockID) (*models.StacksBlock, error) {
	result, err := c.rpc.Call(ctx, "get_block", []interface{}{hexEncode(id[:])})
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "get_block failed", nil, err)
	}
	var br blockResult
	if err := json.Unmarshal(result, &br); err != nil {
		return nil, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse block result", err)
	}
	block := &models.StacksBlock{ID: id}
	if parsed, ok := decodeStacksBlockID(br.ParentID); ok {
		block.ParentID = parsed
	}
	if parsed, ok := decodeBitcoinBlockHash(br.BurnAnchorHash); ok {
		block.BurnAnchorHash = parsed
	}
	return block, nil
}

// TransactionConfirmations returns how many Stacks blocks have confirmed
// txidHex, so a caller can tell a submitted contract call apart from one
// that actually landed (spec §8 scenario 2: "accept confirms" gates a
// withdrawal's terminal status, not submission alone).
func (c *Client) TransactionConfirmations(ctx context.Context, txidHex string) (int64, error) {
	result, err := c.rpc.Call(ctx, "get_transaction", []interface{}{txidHex})
	if err != nil {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "get_transaction failed", nil, err)
	}
	var tx struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &tx); err != nil {
		return 0, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse transaction result", err)
	}
	return tx.Confirmations, nil
}

// AccountNonce returns the next nonce to use for principal, required to
// submit a contract-call transaction that doesn't collide with another
// in-flight one from the same aggregate-key-controlled account.
func (c *Client) AccountNonce(ctx context.Context, principal string) (uint64, error) {
	result, err := c.rpc.Call(ctx, "get_account_nonce", []interface{}{principal})
	if err != nil {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "get_account_nonce failed", nil, err)
	}
	var nonce uint64
	if err := json.Unmarshal(result, &nonce); err != nil {
		return 0, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse account nonce", err)
	}
	return nonce, nil
}
