package stacksrpc

import (
	"context"
	"crypto/sha256"
	"encoding/json"

	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// Function names for the three contract calls the Coordinator issues
// after a sweep broadcasts (spec §4.6 step 9, §8 scenarios 2-3).
const (
	FunctionCompleteDeposit  = "complete-deposit"
	FunctionAcceptWithdrawal = "accept-withdrawal-request"
	FunctionRejectWithdrawal = "reject-withdrawal-request"
)

// ContractCallRequest is an unsigned Stacks contract-call transaction
// proposal. Args carries already-encoded Clarity argument bytes; this
// package does not implement a Clarity value encoder (no library in the
// available stack does either), so callers are responsible for producing
// argument bytes the target contract expects.
type ContractCallRequest struct {
	ContractAddress string   `json:"contract_address"`
	ContractName    string   `json:"contract_name"`
	FunctionName    string   `json:"function_name"`
	Args            [][]byte `json:"args"`
	FeeUstx         uint64   `json:"fee_ustx"`
	Nonce           uint64   `json:"nonce"`
	SenderKey       [33]byte `json:"sender_key"` // the aggregate key this call will be signed by
}

// CanonicalPayload returns the deterministic byte string the FROST round
// signs for this call: every field in a fixed order, since Go's
// encoding/json does not guarantee map ordering and this struct has none,
// so json.Marshal over it is already canonical for a fixed Go type.
func CanonicalPayload(req ContractCallRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to serialize contract call", err)
	}
	return payload, nil
}

// PayloadHash is the preimage a signing round's payload argument carries
// for a Stacks contract call, the Stacks analogue of a Bitcoin sighash.
func PayloadHash(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}

// submitResult mirrors a Stacks node's transaction-broadcast response.
type submitResult struct {
	TxID string `json:"txid"`
}

// SubmitSignedContractCall broadcasts req with its aggregate-key
// signature attached. Stacks transaction signing (the sender's
// authorization field) is not FROST/BIP340 — it's secp256k1-ECDSA over
// the transaction's sighash in the format the Stacks node expects — but
// that fidelity is out of scope here; this submits the already-produced
// signature bytes verbatim and lets the node reject a malformed one, the
// same "best-effort liveness, strict safety" posture spec §7 calls for on
// a Stacks contract-call failure (it is reported per-request, not rolled
// back against the Bitcoin spend).
func (c *Client) SubmitSignedContractCall(ctx context.Context, req ContractCallRequest, signature [64]byte) (string, error) {
	payload, err := CanonicalPayload(req)
	if err != nil {
		return "", err
	}
	result, err := c.rpc.Call(ctx, "submit_contract_call", []interface{}{hexEncode(payload), hexEncode(signature[:])})
	if err != nil {
		return "", signererr.NewTransient(signererr.ErrCodeRPCUnavailable, "submit_contract_call failed", nil, err)
	}
	var sr submitResult
	if err := json.Unmarshal(result, &sr); err != nil {
		return "", signererr.NewFatal(signererr.ErrCodeRPCUnavailable, "failed to parse submit result", err)
	}
	return sr.TxID, nil
}
