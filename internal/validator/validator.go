// Package validator runs the independent reconstruction check spec §4.7
// calls for as a standing defense against a compromised or buggy
// coordinator, separate from the presign wire handshake itself (which
// internal/coordinator's handlePreSignRequest already performs inline, per
// round, before a single nonce is contributed). This package exists so the
// same check can also run as a standalone periodic audit: given any
// Bitcoin tip and the currently active signer set, it independently
// rebuilds the sweep package the protocol *should* propose there and
// compares it against whatever was actually broadcast and persisted,
// surfacing drift even outside the narrow window of an active signing
// round.
package validator

import (
	"context"

	"github.com/stacks-network/sbtc-signer/internal/chainview"
	"github.com/stacks-network/sbtc-signer/internal/coordinator"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

// Validator independently reconstructs sweep proposals and compares them
// against what the network actually produced.
type Validator struct {
	store        repo.Store
	view         *chainview.View
	feeEstimator *txbuilder.FeeEstimator
	feeTolerance float64
	maxDeposits  int
}

func New(store repo.Store, view *chainview.View, feeEstimator *txbuilder.FeeEstimator, feeTolerance float64, maxDeposits int) *Validator {
	return &Validator{store: store, view: view, feeEstimator: feeEstimator, feeTolerance: feeTolerance, maxDeposits: maxDeposits}
}

// AuditBroadcast re-derives the sweep package that should have been
// proposed at tip and compares it against broadcast, a package the
// Coordinator actually persisted (spec §4.7: "same anchor tip, same
// ordered inputs/outputs, fee within tolerance"). A non-nil error means
// the network produced a transaction the Validator cannot independently
// justify — grounds to treat the current aggregate key, or the signer
// that coordinated it, as suspect.
func (v *Validator) AuditBroadcast(tip *models.BitcoinBlock, set *models.SignerSet, broadcast *models.SweepPackage) error {
	expected, err := v.reconstruct(tip, set)
	if err != nil {
		return err
	}
	return coordinator.ComparePackages(broadcast, expected, v.feeTolerance)
}

// ValidateProposal is the same check run against a not-yet-broadcast
// proposal, e.g. before a follower acks a BitcoinPreSignRequest. Exposed
// here so a caller that only has a Validator (no Coordinator instance, as
// in an external audit tool) can still run the check.
func (v *Validator) ValidateProposal(tip *models.BitcoinBlock, set *models.SignerSet, proposed *models.SweepPackage) error {
	expected, err := v.reconstruct(tip, set)
	if err != nil {
		return err
	}
	return coordinator.ComparePackages(proposed, expected, v.feeTolerance)
}

func (v *Validator) reconstruct(tip *models.BitcoinBlock, set *models.SignerSet) (*models.SweepPackage, error) {
	script, err := txbuilder.AggregateKeyScript(set.AggregateKey)
	if err != nil {
		return nil, signererr.New(signererr.Fatal, signererr.ErrCodeMalformedMessage, "failed to derive aggregate key script", err)
	}
	rate, err := v.feeEstimator.EstimateFeeRate(context.Background())
	if err != nil {
		return nil, err
	}
	return coordinator.BuildSweepPackage(v.view, v.store, tip, coordinator.PackagingParams{
		Threshold:          set.Threshold,
		MaxDepositsPerTx:   v.maxDeposits,
		FeeRateSatPerVByte: rate,
		FeeTolerance:       v.feeTolerance,
		AggregateKey:       set.AggregateKey,
		AggregateKeyScript: script,
	})
}
