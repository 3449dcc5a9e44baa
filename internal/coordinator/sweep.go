package coordinator

import (
	"sort"

	"github.com/stacks-network/sbtc-signer/internal/chainview"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

// PackagingParams bounds the sweep packaging algorithm with the policy
// knobs spec §4.6 names; both the Coordinator and the Validator build a
// SweepPackage from the identical inputs so their outputs are directly
// comparable (spec §4.7 "independently re-derives the expected proposal").
type PackagingParams struct {
	Threshold          int
	MaxDepositsPerTx    int
	FeeRateSatPerVByte  int64
	FeeTolerance        float64
	AggregateKey        models.PubKey
	AggregateKeyScript  []byte
}

// BuildSweepPackage runs spec §4.6 steps 1-5: read pending requests,
// filter to those meeting the decision threshold, select deposits and
// withdrawals in deterministic order, and construct the proposed
// transaction shape. It is a pure function of (view, store, tip, params)
// so two signers at the same tip always produce byte-identical packages
// — the property the Validator's comparison in spec §4.7 depends on.
func BuildSweepPackage(view *chainview.View, store repo.Store, tip *models.BitcoinBlock, params PackagingParams) (*models.SweepPackage, error) {
	state, err := view.SBTCStateAt(tip.Hash)
	if err != nil {
		return nil, err
	}
	if state.CurrentUTXO == nil {
		return nil, signererr.New(signererr.Fatal, signererr.ErrCodeNoVerifiedShares, "no signer UTXO known at this tip", nil)
	}

	deposits, err := eligibleDeposits(store, state.PendingDeposits, params.Threshold, params.MaxDepositsPerTx)
	if err != nil {
		return nil, err
	}
	withdrawals, err := eligibleWithdrawals(store, state.PendingWithdraws, params.Threshold)
	if err != nil {
		return nil, err
	}

	pkg := &models.SweepPackage{AnchorBitcoinTip: tip.Hash, AggregateKey: params.AggregateKey}
	pkg.Inputs = append(pkg.Inputs, models.SweepInput{
		Outpoint:     state.CurrentUTXO.Outpoint,
		Amount:       state.CurrentUTXO.Amount,
		IsSignerUTXO: true,
	})
	for _, d := range deposits {
		d := d
		pkg.Inputs = append(pkg.Inputs, models.SweepInput{
			Outpoint: d.Outpoint,
			Amount:   d.Amount,
			Deposit:  &d,
		})
	}

	var withdrawalTotal int64
	outputs := make([]models.SweepOutput, 0, len(withdrawals)+1)
	for _, w := range withdrawals {
		w := w
		outputs = append(outputs, models.SweepOutput{
			ScriptPubKey: recipientScript(w.Recipient),
			Amount:       w.Amount,
			Withdrawal:   &w,
		})
		withdrawalTotal += w.Amount
	}

	totalIn := pkg.TotalIn()
	vsize := estimateVSize(len(pkg.Inputs), len(outputs)+1)
	fee := txbuilder.FeeForVSize(vsize, params.FeeRateSatPerVByte)
	signerUTXOAmount := totalIn - withdrawalTotal - fee
	if signerUTXOAmount <= 0 {
		return nil, signererr.NewValidationMismatch(signererr.ErrCodeFeeOutOfTolerance, "sweep would leave no signer UTXO value after fees and payouts", nil)
	}

	signerOutput := models.SweepOutput{
		ScriptPubKey: params.AggregateKeyScript,
		Amount:       signerUTXOAmount,
		IsSignerUTXO: true,
	}
	pkg.Outputs = append([]models.SweepOutput{signerOutput}, outputs...)
	pkg.FeeSatoshis = fee
	pkg.CreatedAt = tip.SeenAt

	if err := txbuilder.CheckTolerance(pkg, params.FeeRateSatPerVByte, vsize, params.FeeTolerance); err != nil {
		return nil, err
	}
	return pkg, nil
}

// estimateVSize approximates a sweep's virtual size before signing: one
// taproot key-path input is ~57.5 vbytes, one output ~43 vbytes, plus a
// fixed ~10.5 vbyte overhead. Used only to price the transaction; the
// authoritative size for broadcast comes from txbuilder.VSize on the
// actually-assembled wire.MsgTx.
func estimateVSize(numInputs, numOutputs int) int64 {
	return int64(numInputs)*58 + int64(numOutputs)*43 + 11
}

// eligibleDeposits selects up to maxPerTx pending deposits whose decisions
// satisfy the deposit policy (spec §4.6 steps 2-3), ordered ascending by
// (confirmation_height, txid, vout).
func eligibleDeposits(store repo.Store, pending []models.DepositRequest, threshold, maxPerTx int) ([]models.DepositRequest, error) {
	out := make([]models.DepositRequest, 0, len(pending))
	for _, d := range pending {
		decisions, err := store.DecisionsFor(models.RequestKey{IsWithdrawal: false, DepositOut: d.Outpoint})
		if err != nil {
			return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read deposit decisions", nil, err)
		}
		asValues := make([]models.SignerDecision, len(decisions))
		for i, dec := range decisions {
			asValues[i] = *dec
		}
		if models.DepositThresholdMet(asValues, threshold) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ConfirmationHeight != b.ConfirmationHeight {
			return a.ConfirmationHeight < b.ConfirmationHeight
		}
		if a.Outpoint.TxID != b.Outpoint.TxID {
			return lessTxID(a.Outpoint.TxID, b.Outpoint.TxID)
		}
		return a.Outpoint.Vout < b.Outpoint.Vout
	})
	if len(out) > maxPerTx {
		out = out[:maxPerTx]
	}
	return out, nil
}

// eligibleWithdrawals selects pending withdrawals whose decisions satisfy
// the withdrawal policy, ordered ascending by request id (spec §4.6 step
// 4).
func eligibleWithdrawals(store repo.Store, pending []models.WithdrawalRequest, threshold int) ([]models.WithdrawalRequest, error) {
	out := make([]models.WithdrawalRequest, 0, len(pending))
	for _, w := range pending {
		decisions, err := store.DecisionsFor(models.RequestKey{
			IsWithdrawal:  true,
			WithdrawalID:  w.RequestID,
			StacksBlockID: w.StacksBlockID,
			StacksTxID:    w.StacksTxID,
		})
		if err != nil {
			return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read withdrawal decisions", nil, err)
		}
		asValues := make([]models.SignerDecision, len(decisions))
		for i, dec := range decisions {
			asValues[i] = *dec
		}
		if models.WithdrawalThresholdMet(asValues, threshold) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out, nil
}

// rejectedWithdrawals selects pending withdrawals whose decisions
// explicitly satisfy the rejection policy (spec §8 scenario 3), so the
// Coordinator can issue reject-withdrawal-request even on a tip where
// nothing is otherwise eligible to sweep.
func rejectedWithdrawals(store repo.Store, pending []models.WithdrawalRequest, threshold int) ([]models.WithdrawalRequest, error) {
	out := make([]models.WithdrawalRequest, 0)
	for _, w := range pending {
		decisions, err := store.DecisionsFor(models.RequestKey{
			IsWithdrawal:  true,
			WithdrawalID:  w.RequestID,
			StacksBlockID: w.StacksBlockID,
			StacksTxID:    w.StacksTxID,
		})
		if err != nil {
			return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read withdrawal decisions", nil, err)
		}
		asValues := make([]models.SignerDecision, len(decisions))
		for i, dec := range decisions {
			asValues[i] = *dec
		}
		if models.WithdrawalRejectionThresholdMet(asValues, threshold) {
			out = append(out, w)
		}
	}
	return out, nil
}

func lessTxID(a, b models.BitcoinTxID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// recipientScript builds a withdrawal's destination scriptPubKey from its
// decomposed version/hash-bytes form.
func recipientScript(r models.RecipientScript) []byte {
	switch r.Version {
	case models.ScriptP2PKH:
		return append([]byte{0x76, 0xa9, 0x14}, append(append([]byte{}, r.HashBytes...), 0x88, 0xac)...)
	case models.ScriptP2SH:
		return append([]byte{0xa9, 0x14}, append(append([]byte{}, r.HashBytes...), 0x87)...)
	case models.ScriptP2WPKH, models.ScriptP2WSH:
		return append([]byte{0x00, byte(len(r.HashBytes))}, r.HashBytes...)
	case models.ScriptP2TR:
		return append([]byte{0x51, byte(len(r.HashBytes))}, r.HashBytes...)
	default:
		return nil
	}
}
