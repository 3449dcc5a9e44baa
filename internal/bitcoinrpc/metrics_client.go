package bitcoinrpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stacks-network/sbtc-signer/internal/metrics"
)

// MetricsRPCClient wraps an RPCClient and records signer_rpc_calls_total /
// signer_rpc_call_duration_seconds for every call, transparently
// implementing RPCClient itself so it drops into any call site expecting
// one.
type MetricsRPCClient struct {
	client RPCClient
	chain  string
	m      *metrics.Signer
}

// NewMetricsRPCClient wraps client, tagging every recorded metric with
// chain ("bitcoin" or "stacks").
func NewMetricsRPCClient(client RPCClient, chain string, m *metrics.Signer) *MetricsRPCClient {
	return &MetricsRPCClient{client: client, chain: chain, m: m}
}

func (m *MetricsRPCClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	start := time.Now()
	result, err := m.client.Call(ctx, method, params)
	m.m.ObserveRPCCall(m.chain, method, time.Since(start), err == nil)
	return result, err
}

func (m *MetricsRPCClient) CallBatch(ctx context.Context, requests []RPCRequest) ([]json.RawMessage, error) {
	start := time.Now()
	results, err := m.client.CallBatch(ctx, requests)
	duration := time.Since(start)

	avg := duration
	if len(requests) > 0 {
		avg = duration / time.Duration(len(requests))
	}
	for _, req := range requests {
		m.m.ObserveRPCCall(m.chain, req.Method, avg, err == nil)
	}

	return results, err
}

func (m *MetricsRPCClient) Close() error {
	return m.client.Close()
}

var _ RPCClient = (*MetricsRPCClient)(nil)
