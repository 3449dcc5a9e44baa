package coordinator

import (
	"bytes"
	"math"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// ComparePackages implements the follower-side byte-for-byte comparison of
// spec §4.7: same anchor tip, same ordered input/output sets, and fee
// within tolerance. It is the keystone defense against a malicious
// coordinator — a mismatch on any of these must refuse participation, not
// merely log a warning.
func ComparePackages(proposed, expected *models.SweepPackage, feeTolerance float64) error {
	if proposed.AnchorBitcoinTip != expected.AnchorBitcoinTip {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "anchor tip mismatch", nil)
	}
	if len(proposed.Inputs) != len(expected.Inputs) {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "input count mismatch", nil)
	}
	for i := range proposed.Inputs {
		if !sameInput(proposed.Inputs[i], expected.Inputs[i]) {
			return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "input mismatch at index", nil)
		}
	}
	if len(proposed.Outputs) != len(expected.Outputs) {
		return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "output count mismatch", nil)
	}
	for i := range proposed.Outputs {
		if !sameOutput(proposed.Outputs[i], expected.Outputs[i]) {
			return signererr.NewValidationMismatch(signererr.ErrCodeProposalMismatch, "output mismatch at index", nil)
		}
	}

	if expected.FeeSatoshis == 0 {
		return signererr.NewValidationMismatch(signererr.ErrCodeFeeOutOfTolerance, "expected fee is zero", nil)
	}
	deviation := math.Abs(float64(proposed.FeeSatoshis-expected.FeeSatoshis)) / float64(expected.FeeSatoshis)
	if deviation > feeTolerance {
		return signererr.NewValidationMismatch(signererr.ErrCodeFeeOutOfTolerance, "fee outside tolerance of independently computed reference", nil)
	}
	return nil
}

func sameInput(a, b models.SweepInput) bool {
	return a.Outpoint == b.Outpoint && a.Amount == b.Amount && a.IsSignerUTXO == b.IsSignerUTXO
}

func sameOutput(a, b models.SweepOutput) bool {
	return bytes.Equal(a.ScriptPubKey, b.ScriptPubKey) && a.Amount == b.Amount && a.IsSignerUTXO == b.IsSignerUTXO
}
