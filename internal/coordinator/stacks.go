package coordinator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signing"
	"github.com/stacks-network/sbtc-signer/internal/stacksrpc"
)

// driveStacksCalls issues one contract call per swept request (spec §4.6
// step 9): complete-deposit for each deposit input consumed, and
// accept-withdrawal-request for each withdrawal output pkg pays.
// reject-withdrawal-request is issued separately, by RejectWithdrawals,
// for withdrawals that never made it into pkg. Each call is signed by its own signing round over the
// same aggregate key; a failure here is reported per-request and does not
// unwind the already-broadcast Bitcoin spend (spec §7).
func (co *Coordinator) driveStacksCalls(ctx context.Context, set *models.SignerSet, tip *models.BitcoinBlock, pkg *models.SweepPackage) {
	if co.stacks == nil {
		return
	}
	nonce, err := co.stacks.AccountNonce(ctx, co.params.AggregatePrincipal)
	if err != nil {
		co.log.Warn("failed to read aggregate account nonce, skipping stacks calls this tip", zap.Error(err))
		return
	}

	for _, in := range pkg.Inputs {
		if in.Deposit == nil {
			continue
		}
		req := stacksrpc.ContractCallRequest{
			ContractAddress: co.params.SbtcContractAddress,
			ContractName:    co.params.SbtcContractName,
			FunctionName:    stacksrpc.FunctionCompleteDeposit,
			Args:            [][]byte{in.Deposit.Outpoint.TxID[:], uint32Bytes(in.Deposit.Outpoint.Vout)},
			FeeUstx:         co.params.StacksFeesMaxUstx,
			Nonce:           nonce,
			SenderKey:       set.AggregateKey,
		}
		nonce++
		co.submitStacksCall(ctx, set, tip, req)
	}

	for _, out := range pkg.Outputs {
		if out.Withdrawal == nil {
			continue
		}
		req := stacksrpc.ContractCallRequest{
			ContractAddress: co.params.SbtcContractAddress,
			ContractName:    co.params.SbtcContractName,
			FunctionName:    stacksrpc.FunctionAcceptWithdrawal,
			Args:            [][]byte{uint64Bytes(out.Withdrawal.RequestID)},
			FeeUstx:         co.params.StacksFeesMaxUstx,
			Nonce:           nonce,
			SenderKey:       set.AggregateKey,
		}
		nonce++
		if txid, ok := co.submitStacksCall(ctx, set, tip, req); ok {
			co.queuePendingWithdrawalStatus(txid, *out.Withdrawal, models.WithdrawalAccepted)
		}
	}
}

// RejectWithdrawals issues reject-withdrawal-request for every withdrawal
// whose decisions never reached threshold this tip (spec §8 scenario 3).
// Called separately from driveStacksCalls because a rejected withdrawal
// never appears in a SweepPackage's outputs.
func (co *Coordinator) RejectWithdrawals(ctx context.Context, set *models.SignerSet, tip *models.BitcoinBlock, rejected []models.WithdrawalRequest) {
	if co.stacks == nil || len(rejected) == 0 {
		return
	}
	nonce, err := co.stacks.AccountNonce(ctx, co.params.AggregatePrincipal)
	if err != nil {
		co.log.Warn("failed to read aggregate account nonce for rejections", zap.Error(err))
		return
	}
	for _, w := range rejected {
		req := stacksrpc.ContractCallRequest{
			ContractAddress: co.params.SbtcContractAddress,
			ContractName:    co.params.SbtcContractName,
			FunctionName:    stacksrpc.FunctionRejectWithdrawal,
			Args:            [][]byte{uint64Bytes(w.RequestID)},
			FeeUstx:         co.params.StacksFeesMaxUstx,
			Nonce:           nonce,
			SenderKey:       set.AggregateKey,
		}
		nonce++
		if txid, ok := co.submitStacksCall(ctx, set, tip, req); ok {
			co.queuePendingWithdrawalStatus(txid, w, models.WithdrawalRejected)
		}
	}
}

// submitStacksCall signs and submits req, returning its Stacks txid and
// whether submission succeeded. A true ok only means the node accepted
// the transaction for broadcast — callers must still wait for it to
// confirm before treating anything it concerns as terminal.
func (co *Coordinator) submitStacksCall(ctx context.Context, set *models.SignerSet, tip *models.BitcoinBlock, req stacksrpc.ContractCallRequest) (string, bool) {
	payload, err := stacksrpc.CanonicalPayload(req)
	if err != nil {
		co.log.Warn("failed to build contract call payload", zap.Error(err))
		return "", false
	}
	hash := stacksrpc.PayloadHash(payload)

	// Self-approve before publishing: the gossip bus doesn't loop a
	// publish back to its own sender, so the coordinator's own nonce
	// contribution would otherwise race the round-trip its own proposal
	// needs to complete.
	co.approveRound(signing.RoundID(hash[:], set.AggregateKey, tip.Hash))

	proposal, err := json.Marshal(stacksCallProposeMsg{Tip: tip.Hash, Request: req})
	if err != nil {
		co.log.Warn("failed to build stacks call proposal", zap.Error(err))
		return "", false
	}
	if err := co.bus.Publish(gossip.TopicStacksCallPropose, proposal); err != nil {
		co.log.Warn("failed to publish stacks call proposal", zap.Error(err))
	}

	sig, err := co.runSigningRound(ctx, set, tip.Hash, hash[:], co.params.SignerRoundMaxDuration)
	if err != nil {
		co.log.Warn("contract call signing round failed", zap.String("function", req.FunctionName), zap.Error(err))
		return "", false
	}

	txid, err := co.stacks.SubmitSignedContractCall(ctx, req, sig)
	if err != nil {
		co.log.Warn("contract call submission failed", zap.String("function", req.FunctionName), zap.Error(err))
		return "", false
	}
	co.log.Info("submitted stacks contract call", zap.String("function", req.FunctionName), zap.String("txid", txid))
	return txid, true
}

func uint32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func uint64Bytes(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (56 - 8*i))
	}
	return out
}
