package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"

	"github.com/stacks-network/sbtc-signer/internal/bitcoinrpc"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// estimateSmartFeeResult mirrors Bitcoin Core's estimatesmartfee response.
type estimateSmartFeeResult struct {
	FeeRate float64  `json:"feerate"` // BTC/kB
	Blocks  int      `json:"blocks"`
	Errors  []string `json:"errors,omitempty"`
}

// RPCHelper wraps bitcoinrpc.RPCClient with the handful of Bitcoin Core
// calls the sweep pipeline needs: fee estimation, tip height, and
// broadcast. Chain View's block/tx ingestion goes through the client
// directly; this helper is scoped to what the Coordinator and
// FeeEstimator call.
type RPCHelper struct {
	client bitcoinrpc.RPCClient
}

// NewRPCHelper returns an RPCHelper backed by client.
func NewRPCHelper(client bitcoinrpc.RPCClient) *RPCHelper {
	return &RPCHelper{client: client}
}

// EstimateSmartFee returns a satoshis-per-byte fee rate for confirmation
// within targetBlocks blocks.
func (r *RPCHelper) EstimateSmartFee(ctx context.Context, targetBlocks int) (int64, error) {
	result, err := r.client.Call(ctx, "estimatesmartfee", []interface{}{targetBlocks})
	if err != nil {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "estimatesmartfee failed", nil, err)
	}

	var fee estimateSmartFeeResult
	if err := json.Unmarshal(result, &fee); err != nil {
		return 0, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse estimatesmartfee result", err)
	}
	if len(fee.Errors) > 0 {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, fmt.Sprintf("estimatesmartfee returned errors: %v", fee.Errors), nil, nil)
	}

	satPerByte := int64(fee.FeeRate * 1e8 / 1000)
	if satPerByte < 1 {
		satPerByte = 1
	}
	return satPerByte, nil
}

// GetBlockCount returns the node's current best-chain height.
func (r *RPCHelper) GetBlockCount(ctx context.Context) (int64, error) {
	result, err := r.client.Call(ctx, "getblockcount", nil)
	if err != nil {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "getblockcount failed", nil, err)
	}
	var height int64
	if err := json.Unmarshal(result, &height); err != nil {
		return 0, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse getblockcount result", err)
	}
	return height, nil
}

// SendRawTransaction broadcasts a finalized, hex-encoded sweep transaction.
// A Bitcoin Core "already in block chain" / "txn-already-known" response is
// treated as success: the Coordinator's broadcast step is retried freely,
// so a duplicate submit must not surface as a failure (spec §4.6 step 7).
func (r *RPCHelper) SendRawTransaction(ctx context.Context, txHex string) (string, error) {
	result, err := r.client.Call(ctx, "sendrawtransaction", []interface{}{txHex})
	if err != nil {
		msg := err.Error()
		if bitcoinrpc.IsAlreadyInChain(err) || strings.Contains(msg, "already in block chain") || strings.Contains(msg, "txn-already-known") {
			// The failed call carries no result, so the txid is taken from
			// the submitted transaction itself.
			var tx wire.MsgTx
			if raw, decErr := hex.DecodeString(txHex); decErr == nil && tx.Deserialize(bytes.NewReader(raw)) == nil {
				return tx.TxHash().String(), nil
			}
		}
		return "", signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "sendrawtransaction failed", nil, err)
	}

	var txHash string
	if err := json.Unmarshal(result, &txHash); err != nil {
		return "", signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse sendrawtransaction result", err)
	}
	return txHash, nil
}

// GetRawTransactionConfirmations returns the confirmation count of a
// previously broadcast sweep, used to detect the Finalized→settled
// transition and to notice a sweep vanishing from the mempool on reorg.
func (r *RPCHelper) GetRawTransactionConfirmations(ctx context.Context, txidHex string) (int64, error) {
	result, err := r.client.Call(ctx, "getrawtransaction", []interface{}{txidHex, true})
	if err != nil {
		return 0, signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "getrawtransaction failed", nil, err)
	}
	var verbose struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &verbose); err != nil {
		return 0, signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse getrawtransaction result", err)
	}
	return verbose.Confirmations, nil
}
