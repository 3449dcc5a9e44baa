// Package chainview implements the Chain View component of spec.md §4.1: a
// materialized, reorg-aware view of the Bitcoin and Stacks canonical
// chains, exposing tip/ancestor/is-canonical queries and a side-computed
// "sBTC state" per tip. It is grounded on the teacher's rpc.HTTPRPCClient
// (internal/bitcoinrpc) for chain ingestion and internal/repo.Store for
// the materialized block/request graph, since the teacher itself has no
// chain-indexing layer of its own — chainadapter only ever reads one
// transaction's state at a time.
package chainview

import (
	"time"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/repo"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

var zeroTime time.Time

// View answers tip/ancestor/sbtc-state queries against the materialized
// chain in store. It holds no mutable state of its own beyond what the
// store already persists, so SBTCStateAt returns the same state for the
// same block hash as long as the store entries it reads are unchanged
// between calls.
type View struct {
	store     repo.Store
	threshold func() int // returns the current signer set's threshold T
}

// New creates a View over store. thresholdFn supplies T for eligibility
// checks that depend on the active signer set (spec §4.6 step 2); it is a
// function rather than a fixed int because the signer set can rotate.
func New(store repo.Store, thresholdFn func() int) *View {
	return &View{store: store, threshold: thresholdFn}
}

// Tip returns the canonical Bitcoin chain's highest known block.
func (v *View) Tip() (*models.BitcoinBlock, error) {
	b, err := v.store.BitcoinTip()
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read bitcoin tip", nil, err)
	}
	return b, nil
}

// Ancestors walks back up to depth blocks from hash via ParentHash links,
// nearest first. It stops early if it reaches a block with no recorded
// parent (the genesis of what this signer has observed).
func (v *View) Ancestors(hash models.BitcoinBlockHash, depth int) ([]*models.BitcoinBlock, error) {
	out := make([]*models.BitcoinBlock, 0, depth)
	cur := hash
	for i := 0; i < depth; i++ {
		b, err := v.store.BitcoinBlock(cur)
		if err != nil {
			return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read bitcoin block", nil, err)
		}
		if b == nil {
			break
		}
		out = append(out, b)
		if b.Height == 0 {
			break
		}
		cur = b.ParentHash
	}
	return out, nil
}

// IsCanonical reports whether hash is on the currently canonical branch.
func (v *View) IsCanonical(hash models.BitcoinBlockHash) (bool, error) {
	b, err := v.store.BitcoinBlock(hash)
	if err != nil {
		return false, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read bitcoin block", nil, err)
	}
	if b == nil {
		return false, nil
	}
	return b.Canonical, nil
}

// SBTCStateAt computes the sBTC state at hash: current aggregate key,
// signer UTXO, and pending deposits/withdrawals. The block's height bounds
// which requests and sweeps are included, but the requests are those whose
// status is Pending in the store at call time and the signer set is the
// latest one at call time; a request that has since left Pending, or a
// signer-set rotation, changes the result for an older hash too.
func (v *View) SBTCStateAt(hash models.BitcoinBlockHash) (*models.SBTCState, error) {
	block, err := v.store.BitcoinBlock(hash)
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read bitcoin block", nil, err)
	}
	if block == nil {
		return nil, signererr.NewReorgInvalidated(signererr.ErrCodeAnchorStale, "block not known to chain view", nil)
	}

	signerSet, err := v.store.LatestSignerSet()
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read signer set", nil, err)
	}

	pendingDeposits, err := v.store.DepositsByStatus(models.DepositPending)
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read pending deposits", nil, err)
	}
	deposits := make([]models.DepositRequest, 0, len(pendingDeposits))
	for _, d := range pendingDeposits {
		if d.ConfirmationHeight <= block.Height {
			deposits = append(deposits, *d)
		}
	}

	pendingWithdrawals, err := v.store.WithdrawalsByStatus(models.WithdrawalPending)
	if err != nil {
		return nil, signererr.NewTransient(signererr.ErrCodeDatabaseUnavail, "failed to read pending withdrawals", nil, err)
	}
	withdrawals := make([]models.WithdrawalRequest, 0, len(pendingWithdrawals))
	for _, w := range pendingWithdrawals {
		if w.CreatedAtHeight <= block.Height {
			withdrawals = append(withdrawals, *w)
		}
	}

	state := &models.SBTCState{
		TipHash:          hash,
		TipHeight:        block.Height,
		AggregateKey:     signerSet,
		PendingDeposits:  deposits,
		PendingWithdraws: withdrawals,
	}
	if signerSet != nil {
		state.CurrentUTXO = signerUTXOFromSweeps(v.store, signerSet.AggregateKey, block.Height)
	}
	return state, nil
}

// signerUTXOFromSweeps finds the most recent sweep, anchored at or before
// height and built under aggKey, whose output 0 is the signer UTXO in
// force at that point (invariant I1: at most one per canonical tip). Both
// parameters matter for purity: a sweep anchored at a later height hasn't
// produced its output yet as of height, and a sweep built under a since-
// rotated key belongs to a different signer UTXO lineage entirely.
func signerUTXOFromSweeps(store repo.Store, aggKey models.PubKey, height uint64) *models.SignerUTXO {
	// SweepPackagesSince returns packages created strictly after its
	// argument; starting one nanosecond before the zero time also covers
	// packages whose CreatedAt was never set.
	sweeps, err := store.SweepPackagesSince(zeroTime.Add(-time.Nanosecond))
	if err != nil || len(sweeps) == 0 {
		return nil
	}
	var latest *models.SweepPackage
	var latestHeight uint64
	for _, s := range sweeps {
		if len(s.Outputs) == 0 || s.AggregateKey != aggKey {
			continue
		}
		anchor, err := store.BitcoinBlock(s.AnchorBitcoinTip)
		if err != nil || anchor == nil || anchor.Height > height {
			continue
		}
		if latest == nil || anchor.Height > latestHeight ||
			(anchor.Height == latestHeight && s.CreatedAt.After(latest.CreatedAt)) {
			latest = s
			latestHeight = anchor.Height
		}
	}
	if latest == nil {
		return nil
	}
	out := latest.Outputs[0]
	return &models.SignerUTXO{
		Outpoint:     models.Outpoint{TxID: latest.TxID, Vout: 0},
		Amount:       out.Amount,
		ScriptPubKey: out.ScriptPubKey,
	}
}
