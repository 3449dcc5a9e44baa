package coordinator

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/gossip"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
	"github.com/stacks-network/sbtc-signer/internal/signing"
	"github.com/stacks-network/sbtc-signer/internal/stacksrpc"
)

// stacksCallProposeMsg is the Stacks analogue of preSignRequestMsg: the
// elected coordinator broadcasts the exact contract-call request it is
// about to run a signing round over, so a follower can independently
// validate it before contributing a nonce — the same role ComparePackages
// plays for a Bitcoin sweep, minus the fields a follower cannot predict.
type stacksCallProposeMsg struct {
	Tip     models.BitcoinBlockHash        `json:"tip"`
	Request stacksrpc.ContractCallRequest `json:"request"`
}

// handleStacksCallPropose is the follower path for a Stacks contract-call
// round: everything about the proposal is checked against this node's own
// store except Nonce, which a follower can't reconstruct ahead of the
// coordinator's actual call sequence for the tip (accounts serialize
// nonces; two signers racing to read one ahead of time would disagree).
// A proposal that passes gets its round pre-approved the same way
// approveRoundsFor pre-approves a sweep's input rounds.
func (co *Coordinator) handleStacksCallPropose(msg gossip.Message) {
	var prop stacksCallProposeMsg
	if err := json.Unmarshal(msg.Payload, &prop); err != nil {
		return
	}
	if !gossip.Verify(gossip.TopicStacksCallPropose, msg.Payload, msg.Signature, msg.Sender) {
		return
	}

	set, err := co.store.LatestSignerSet()
	if err != nil || set == nil {
		return
	}
	if !IsCoordinator(msg.Sender, prop.Tip, set) {
		co.log.Warn("refusing stacks call proposal from non-coordinator", zap.Any("sender", msg.Sender))
		return
	}
	if prop.Request.SenderKey != set.AggregateKey {
		co.log.Warn("refusing stacks call proposal: sender key is not the current aggregate key")
		return
	}
	if err := co.validateStacksCall(prop.Request); err != nil {
		co.log.Warn("refusing stacks call proposal: validation failed",
			zap.String("function", prop.Request.FunctionName), zap.Error(err))
		return
	}

	payload, err := stacksrpc.CanonicalPayload(prop.Request)
	if err != nil {
		return
	}
	hash := stacksrpc.PayloadHash(payload)
	id := signing.RoundID(hash[:], set.AggregateKey, prop.Tip)
	co.approveRound(id)
}

// validateStacksCall re-derives, from this node's own store, everything
// about req that doesn't depend on call ordering: the target contract,
// the fee ceiling, and — per function — that the deposit or withdrawal it
// names actually cleared its decision threshold.
func (co *Coordinator) validateStacksCall(req stacksrpc.ContractCallRequest) error {
	if req.ContractAddress != co.params.SbtcContractAddress || req.ContractName != co.params.SbtcContractName {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "contract call targets unexpected contract", nil)
	}
	if req.FeeUstx > co.params.StacksFeesMaxUstx {
		return signererr.NewValidationMismatch(signererr.ErrCodeFeeExceedsMax, "contract call fee exceeds configured ceiling", nil)
	}

	threshold, err := co.currentThreshold()
	if err != nil {
		return err
	}

	switch req.FunctionName {
	case stacksrpc.FunctionCompleteDeposit:
		return co.validateCompleteDeposit(req, threshold)
	case stacksrpc.FunctionAcceptWithdrawal:
		return co.validateWithdrawalCall(req, threshold, true)
	case stacksrpc.FunctionRejectWithdrawal:
		return co.validateWithdrawalCall(req, threshold, false)
	default:
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "unrecognized contract call function", nil)
	}
}

func (co *Coordinator) currentThreshold() (int, error) {
	set, err := co.store.LatestSignerSet()
	if err != nil || set == nil {
		return 0, signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "no active signer set", err)
	}
	return set.Threshold, nil
}

// validateCompleteDeposit checks that req.Args actually names a deposit
// this node also believes cleared the decision threshold (spec §4.6 step
// 2), the same test driveStacksCalls' own tip already performed when it
// built the request.
func (co *Coordinator) validateCompleteDeposit(req stacksrpc.ContractCallRequest, threshold int) error {
	out, err := decodeDepositArgs(req.Args)
	if err != nil {
		return err
	}
	d, err := co.store.DepositRequest(out)
	if err != nil || d == nil {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "complete-deposit references unknown deposit", err)
	}
	decisions, err := co.store.DecisionsFor(models.RequestKey{IsWithdrawal: false, DepositOut: out})
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read deposit decisions", nil, err)
	}
	if !models.DepositThresholdMet(derefDecisions(decisions), threshold) {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "complete-deposit's outpoint has not cleared the decision threshold", nil)
	}
	return nil
}

// validateWithdrawalCall checks req.Args names a withdrawal that cleared
// the matching threshold: acceptance for accept-withdrawal-request,
// rejection for reject-withdrawal-request.
func (co *Coordinator) validateWithdrawalCall(req stacksrpc.ContractCallRequest, threshold int, accept bool) error {
	id, err := decodeWithdrawalArgs(req.Args)
	if err != nil {
		return err
	}
	w, err := co.store.WithdrawalRequest(id)
	if err != nil || w == nil {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "withdrawal call references unknown request", err)
	}
	decisions, err := co.store.DecisionsFor(models.RequestKey{
		IsWithdrawal:  true,
		WithdrawalID:  w.RequestID,
		StacksBlockID: w.StacksBlockID,
		StacksTxID:    w.StacksTxID,
	})
	if err != nil {
		return signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read withdrawal decisions", nil, err)
	}
	values := derefDecisions(decisions)
	if accept {
		if !models.WithdrawalThresholdMet(values, threshold) {
			return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "accept-withdrawal-request's id has not cleared the decision threshold", nil)
		}
		return nil
	}
	if !models.WithdrawalRejectionThresholdMet(values, threshold) {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "reject-withdrawal-request's id has not cleared the rejection threshold", nil)
	}
	return nil
}

func derefDecisions(decisions []*models.SignerDecision) []models.SignerDecision {
	out := make([]models.SignerDecision, len(decisions))
	for i, d := range decisions {
		out[i] = *d
	}
	return out
}

// decodeDepositArgs reverses the (txid, vout) encoding driveStacksCalls
// builds for a complete-deposit call.
func decodeDepositArgs(args [][]byte) (models.Outpoint, error) {
	if len(args) != 2 || len(args[0]) != len(models.BitcoinTxID{}) || len(args[1]) != 4 {
		return models.Outpoint{}, signererr.NewValidationMismatch(signererr.ErrCodeMalformedMessage, "malformed complete-deposit args", nil)
	}
	var out models.Outpoint
	copy(out.TxID[:], args[0])
	out.Vout = uint32FromBytes(args[1])
	return out, nil
}

// decodeWithdrawalArgs reverses the request-id encoding driveStacksCalls
// and RejectWithdrawals build for accept/reject-withdrawal-request calls.
func decodeWithdrawalArgs(args [][]byte) (uint64, error) {
	if len(args) != 1 || len(args[0]) != 8 {
		return 0, signererr.NewValidationMismatch(signererr.ErrCodeMalformedMessage, "malformed withdrawal call args", nil)
	}
	return uint64FromBytes(args[0]), nil
}

func uint32FromBytes(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint64FromBytes(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (56 - 8*i)
	}
	return v
}
