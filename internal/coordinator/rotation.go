package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stacks-network/sbtc-signer/internal/audit"
	"github.com/stacks-network/sbtc-signer/internal/dkg"
	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signing"
	"github.com/stacks-network/sbtc-signer/internal/txbuilder"
)

// rotationState tracks one in-flight "rotate-to" transaction: the sweep of
// the current signer UTXO into the new aggregate key's script, broadcast
// while DKG's candidate key is still Unverified (spec §4.4).
type rotationState struct {
	epoch           uint64
	txidHex         string
	broadcastHeight uint64
	anchorHash      models.BitcoinBlockHash
	newSet          *models.SignerSet
}

// DriveRotation is registered as the dkg.Machine's onProduced callback
// (cmd/signer wires it). It moves control of the signer UTXO to the newly
// produced aggregate key by building and broadcasting a single-input
// rotate-to transaction signed by the outgoing key, then leaves
// confirmation tracking to checkRotation. The prior signer set (membership
// and threshold, not the key itself) always exists by the time a DKG round
// can run: cmd/signer seeds a placeholder SignerSet from the candidate
// signer list at startup, before any round begins, purely so election and
// membership logic has something to operate against pre-genesis.
func (co *Coordinator) DriveRotation(epoch uint64, newAggKey models.PubKey) {
	ctx := context.Background()
	tip, err := co.view.Tip()
	if err != nil {
		co.log.Warn("rotation: failed to read chain tip", zap.Error(err))
		return
	}

	oldSet, err := co.store.LatestSignerSet()
	if err != nil || oldSet == nil {
		co.log.Warn("rotation: no prior signer set to rotate from", zap.Error(err))
		return
	}
	newSet := &models.SignerSet{AggregateKey: newAggKey, Signers: oldSet.Signers, Threshold: oldSet.Threshold, Epoch: epoch}

	if oldSet.AggregateKey == (models.PubKey{}) {
		// Genesis: the placeholder set has no key of its own, so there is
		// no signer UTXO to move. The candidate key is verified outright.
		if err := dkg.MarkVerified(co.store, epoch, time.Now()); err != nil {
			co.log.Warn("rotation: failed to mark genesis key verified", zap.Error(err))
			return
		}
		co.activateSignerSet(newSet)
		return
	}

	if !IsCoordinator(co.identity.PublicKey, tip.Hash, oldSet) {
		return // only the elected coordinator for the outgoing key drives the broadcast
	}

	state, err := co.view.SBTCStateAt(tip.Hash)
	if err != nil || state.CurrentUTXO == nil {
		co.log.Warn("rotation: no signer UTXO to move", zap.Error(err))
		return
	}

	oldScript, err := txbuilder.AggregateKeyScript(oldSet.AggregateKey)
	if err != nil {
		co.log.Warn("rotation: failed to build outgoing key script", zap.Error(err))
		return
	}
	newScript, err := txbuilder.AggregateKeyScript(newAggKey)
	if err != nil {
		co.log.Warn("rotation: failed to build incoming key script", zap.Error(err))
		return
	}

	rate, err := co.feeEstimator.EstimateFeeRate(ctx)
	if err != nil {
		co.log.Warn("rotation: failed to estimate fee rate", zap.Error(err))
		return
	}
	fee := txbuilder.FeeForVSize(estimateVSize(1, 1), rate)
	amount := state.CurrentUTXO.Amount - fee
	if amount <= 0 {
		co.log.Warn("rotation: signer UTXO too small to cover rotation fee")
		return
	}

	pkg := &models.SweepPackage{
		AnchorBitcoinTip: tip.Hash,
		AggregateKey:     newAggKey,
		Inputs: []models.SweepInput{{
			Outpoint:     state.CurrentUTXO.Outpoint,
			Amount:       state.CurrentUTXO.Amount,
			IsSignerUTXO: true,
		}},
		Outputs: []models.SweepOutput{{
			ScriptPubKey: newScript,
			Amount:       amount,
			IsSignerUTXO: true,
		}},
		CreatedAt: tip.SeenAt,
	}

	tx, err := co.builder.Unsigned(pkg)
	if err != nil {
		co.log.Warn("rotation: failed to build unsigned transaction", zap.Error(err))
		return
	}
	fetcher := txbuilder.PrevOutFetcher(pkg, oldScript)
	sighash, err := txbuilder.SignatureHash(tx, 0, fetcher)
	if err != nil {
		co.log.Warn("rotation: failed to compute sighash", zap.Error(err))
		return
	}

	co.approveRound(signing.RoundID(sighash[:], oldSet.AggregateKey, tip.Hash))

	sig, err := co.runSigningRound(ctx, oldSet, tip.Hash, sighash[:], co.params.SignerRoundMaxDuration)
	if err != nil {
		co.log.Warn("rotation: signing round failed", zap.Error(err))
		return
	}

	finalTx, err := txbuilder.Finalize(tx, map[int][64]byte{0: sig})
	if err != nil {
		co.log.Warn("rotation: failed to finalize transaction", zap.Error(err))
		return
	}
	raw, err := txbuilder.Serialize(finalTx)
	if err != nil {
		co.log.Warn("rotation: failed to serialize transaction", zap.Error(err))
		return
	}
	txidHex, err := co.rpc.SendRawTransaction(ctx, hex.EncodeToString(raw))
	if err != nil {
		co.log.Warn("rotation: broadcast failed", zap.Error(err))
		return
	}
	co.log.Info("broadcast rotate-to transaction", zap.Uint64("epoch", epoch), zap.String("txid", txidHex))

	co.rotationMu.Lock()
	co.rotation = &rotationState{epoch: epoch, txidHex: txidHex, broadcastHeight: tip.Height, anchorHash: tip.Hash, newSet: newSet}
	co.rotationMu.Unlock()
}

// checkRotation advances an in-flight rotation's verification gate: a
// confirmation promotes the candidate key to Verified and activates it; a
// tip past dkg_verification_window with no confirmation marks it Failed
// and leaves the prior key in control (spec §4.4).
func (co *Coordinator) checkRotation(ctx context.Context, tip *models.BitcoinBlock) {
	co.rotationMu.Lock()
	r := co.rotation
	co.rotationMu.Unlock()
	if r == nil {
		return
	}

	confs, err := co.rpc.GetRawTransactionConfirmations(ctx, r.txidHex)
	if err == nil && confs >= 1 {
		if err := dkg.MarkVerified(co.store, r.epoch, time.Now()); err != nil {
			co.log.Warn("rotation: failed to mark key verified", zap.Error(err))
			return
		}
		co.activateSignerSet(r.newSet)
		co.rotationMu.Lock()
		co.rotation = nil
		co.rotationMu.Unlock()
		return
	}

	if tip.Height > r.broadcastHeight+co.params.DkgVerificationWindow {
		if err := dkg.MarkFailed(co.store, r.epoch); err != nil {
			co.log.Warn("rotation: failed to mark key failed", zap.Error(err))
		}
		co.rotationMu.Lock()
		co.rotation = nil
		co.rotationMu.Unlock()
	}
}

// CancelReorgedRounds is wired to the Bitcoin observer's reorg callback
// (spec §4.2: a reorg must not leave a round waiting on a sighash anchored
// to a block that's no longer canonical). It fails every open signing
// round anchored on one of the invalidated blocks and unblocks any
// goroutine of this process currently parked in runSigningRound waiting
// for one of them, then, if the in-flight key rotation's rotate-to
// transaction was itself anchored on an invalidated block, drops it
// immediately rather than waiting out dkg_verification_window for a
// broadcast that can no longer confirm.
//
// DKG rounds themselves aren't anchored to a Bitcoin block at all (spec
// §4.4: they're keyed by epoch, driven by gossip handshake deadlines, not
// chain height) so a reorg has nothing to invalidate there directly; the
// rotate-to sweep this function also cancels is the only point where a
// reorg can strand DKG's output.
func (co *Coordinator) CancelReorgedRounds(invalidated []models.BitcoinBlockHash) {
	ids, err := signing.InvalidateRoundsForAnchors(co.store, invalidated)
	if err != nil {
		co.log.Warn("failed to invalidate reorged signing rounds", zap.Error(err))
	}
	for _, id := range ids {
		co.pendingMu.Lock()
		ch, ok := co.pending[id]
		co.pendingMu.Unlock()
		if !ok {
			continue
		}
		round, err := co.store.SigningRound(id)
		if err != nil || round == nil {
			continue
		}
		select {
		case ch <- round:
		default:
		}
	}

	stale := make(map[models.BitcoinBlockHash]bool, len(invalidated))
	for _, h := range invalidated {
		stale[h] = true
	}
	co.rotationMu.Lock()
	if co.rotation != nil && stale[co.rotation.anchorHash] {
		epoch := co.rotation.epoch
		co.rotation = nil
		co.rotationMu.Unlock()
		co.log.Warn("reorg invalidated in-flight rotation anchor, dropping candidate key", zap.Uint64("epoch", epoch))
		if err := dkg.MarkFailed(co.store, epoch); err != nil {
			co.log.Warn("failed to mark reorged rotation's candidate key failed", zap.Error(err))
		}
		return
	}
	co.rotationMu.Unlock()
}

// activateSignerSet persists the newly verified signer set and, if this
// node holds a share of it, rotates the signing Machine's key material.
func (co *Coordinator) activateSignerSet(set *models.SignerSet) {
	if err := co.store.PutSignerSet(set); err != nil {
		co.log.Warn("rotation: failed to persist activated signer set", zap.Error(err))
		co.logAudit(fmt.Sprintf("epoch-%d", set.Epoch), audit.OpDkgRound, "FAILURE", err)
		return
	}
	co.logAudit(fmt.Sprintf("epoch-%d", set.Epoch), audit.OpDkgRound, "SUCCESS", nil)
	share, ok := co.dkgMachine.OwnShare(set.Epoch)
	if !ok {
		return
	}
	index := set.IndexOf(co.identity.PublicKey)
	if index < 0 {
		return
	}
	co.signingMachine.SetKeyMaterial(share, index)
}
