// Package bitcoinrpc provides a JSON-RPC client with multi-endpoint failover
// for talking to Bitcoin Core, generalized from the teacher's single-chain
// RPC client to the Chain View's Bitcoin observer (spec §4.1, §6).
package bitcoinrpc

import (
	"context"
	"encoding/json"
	"errors"
)

// RPCClient abstracts JSON-RPC communication with a Bitcoin Core node or a
// Stacks node's /v2 JSON-RPC surface. Both internal/chainview's Bitcoin
// observer and internal/stacksrpc share this interface so failover and
// health tracking aren't duplicated per chain.
type RPCClient interface {
	// Call executes a single JSON-RPC method call.
	//
	// Parameters:
	// - ctx: Context for timeout and cancellation
	// - method: JSON-RPC method name (e.g., "getblockcount", "gettxout", "estimatesmartfee")
	// - params: Method parameters (will be JSON-marshaled)
	//
	// Returns:
	// - Raw JSON result
	// - Error if RPC call fails
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// CallBatch executes multiple JSON-RPC calls in a single request.
	//
	// Contract:
	// - MUST preserve order of responses matching request order
	// - MUST return partial results if some calls fail
	//
	// Parameters:
	// - ctx: Context for timeout and cancellation
	// - requests: Batch of RPC requests (e.g. a block of "gettxout" lookups for Chain View's UTXO scan)
	//
	// Returns:
	// - Array of raw JSON results (same length as requests)
	// - Error only if entire batch fails (network error)
	CallBatch(ctx context.Context, requests []RPCRequest) ([]json.RawMessage, error)

	// Close closes the RPC client and releases resources
	Close() error
}

// RPCRequest represents a single JSON-RPC request
type RPCRequest struct {
	Method string      // JSON-RPC method name
	Params interface{} // Method parameters
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error. Bitcoin Core's error codes
// (src/rpc/protocol.h) are stable across the calls Chain View and the
// Coordinator make; Stacks node RPC errors only populate Message.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// Bitcoin Core RPC error codes relevant to the sweep broadcast path
// (src/rpc/protocol.h). Stacks RPC errors don't use this numbering and are
// matched on message text instead.
const (
	BitcoinRPCVerifyAlreadyInChain = -27 // sendrawtransaction: tx already confirmed
	BitcoinRPCTransactionRejected  = -26 // sendrawtransaction: mempool policy rejection
	BitcoinRPCInvalidAddressOrKey  = -5  // getrawtransaction/gettxout: unknown txid
)

// IsAlreadyInChain reports whether err is a Bitcoin Core response
// indicating the transaction this call tried to broadcast is already
// confirmed on-chain, so a retried broadcast must not be treated as a
// failure.
func IsAlreadyInChain(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == BitcoinRPCVerifyAlreadyInChain
}

// RPCHealthTracker tracks RPC endpoint health for failover decisions
type RPCHealthTracker interface {
	// RecordSuccess records a successful RPC call
	RecordSuccess(endpoint string, duration int64)

	// RecordFailure records a failed RPC call
	RecordFailure(endpoint string, err error)

	// IsHealthy checks if an endpoint is healthy (circuit breaker closed)
	IsHealthy(endpoint string) bool

	// GetBestEndpoint returns the healthiest endpoint from a list
	GetBestEndpoint(endpoints []string) string

	// Reset resets health statistics for an endpoint
	Reset(endpoint string)
}

// EndpointHealth represents the health status of an RPC endpoint
type EndpointHealth struct {
	Endpoint        string
	TotalCalls      int64
	SuccessfulCalls int64
	FailedCalls     int64
	AvgLatencyMs    int64
	LastSuccess     int64 // Unix timestamp
	LastFailure     int64 // Unix timestamp
	CircuitOpen     bool  // True if circuit breaker is open (endpoint degraded)
}
