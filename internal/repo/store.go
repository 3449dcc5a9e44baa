// Package repo persists the Data Model (spec §3) the rest of the signer
// operates on: signer sets, observed chain blocks, deposit/withdrawal
// requests, decisions, DKG shares, signing rounds, and sweep packages.
// It generalizes the teacher's single-entity TransactionStateStore
// (txhash -> TxState, used only for broadcast idempotency) into one
// store trait per entity, all keyed the way the teacher's interface was:
// get/put/list, safe for concurrent use, idempotent writes.
//
// Postgres is the production backing store (spec §6 Database collaborator)
// but is an external collaborator this module does not drive directly; Store
// is implemented here by an in-memory map (Memory) suitable for tests and a
// single-process deployment, with an optional JSON snapshot for process
// restarts (snapshot.go).
package repo

import (
	"time"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

// Store is the full persistence surface every subsystem depends on.
// Implementations MUST be safe for concurrent use.
type Store interface {
	// PutSignerSet records the signer set that became active at epoch.
	PutSignerSet(set *models.SignerSet) error
	// SignerSet returns the signer set active at the given epoch, or the
	// latest one if epoch is 0.
	SignerSet(epoch uint64) (*models.SignerSet, error)
	// LatestSignerSet returns the newest signer set on record.
	LatestSignerSet() (*models.SignerSet, error)

	// PutBitcoinBlock records a Bitcoin block observed by Chain View.
	PutBitcoinBlock(b *models.BitcoinBlock) error
	// BitcoinBlock returns the block with the given hash, or nil.
	BitcoinBlock(hash models.BitcoinBlockHash) (*models.BitcoinBlock, error)
	// BitcoinTip returns the canonical chain's highest known block.
	BitcoinTip() (*models.BitcoinBlock, error)
	// SetCanonical flips a block's canonical flag (reorg handling).
	SetCanonical(hash models.BitcoinBlockHash, canonical bool) error

	// PutStacksBlock records a Stacks block observed by Chain View.
	PutStacksBlock(b *models.StacksBlock) error
	// StacksBlock returns the block with the given id, or nil.
	StacksBlock(id models.StacksBlockID) (*models.StacksBlock, error)
	// StacksTip returns the canonical Stacks chain's highest known block.
	StacksTip() (*models.StacksBlock, error)

	// PutDepositRequest upserts a deposit request keyed by its outpoint.
	PutDepositRequest(d *models.DepositRequest) error
	// DepositRequest returns the deposit at outpoint, or nil.
	DepositRequest(out models.Outpoint) (*models.DepositRequest, error)
	// DepositsByStatus returns every deposit in the given status.
	DepositsByStatus(status models.DepositStatus) ([]*models.DepositRequest, error)

	// PutWithdrawalRequest upserts a withdrawal request keyed by RequestID.
	PutWithdrawalRequest(w *models.WithdrawalRequest) error
	// WithdrawalRequest returns the withdrawal with the given id, or nil.
	WithdrawalRequest(id uint64) (*models.WithdrawalRequest, error)
	// WithdrawalsByStatus returns every withdrawal in the given status.
	WithdrawalsByStatus(status models.WithdrawalStatus) ([]*models.WithdrawalRequest, error)

	// PutDecision upserts one signer's decision for a request.
	PutDecision(d *models.SignerDecision) error
	// DecisionsFor returns every recorded decision for a request key.
	DecisionsFor(key models.RequestKey) ([]*models.SignerDecision, error)

	// PutDkgShares upserts the DKG round state for an aggregate key epoch.
	PutDkgShares(s *models.DkgShares) error
	// DkgShares returns the DKG round for the given epoch, or nil.
	DkgShares(epoch uint64) (*models.DkgShares, error)

	// PutSigningRound upserts a signing round's state.
	PutSigningRound(r *models.SigningRound) error
	// SigningRound returns the round with the given id, or nil.
	SigningRound(id models.RoundID) (*models.SigningRound, error)
	// OpenSigningRounds returns every round not yet in a terminal state.
	OpenSigningRounds() ([]*models.SigningRound, error)

	// PutSweepPackage records a proposed or broadcast sweep package.
	PutSweepPackage(p *models.SweepPackage) error
	// SweepPackagesSince returns sweep packages created after t.
	SweepPackagesSince(t time.Time) ([]*models.SweepPackage, error)
}
