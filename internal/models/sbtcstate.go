package models

// SignerUTXO is the single Bitcoin output representing all peg funds under
// the current aggregate key (invariant I1: cardinality <= 1 per tip).
type SignerUTXO struct {
	Outpoint     Outpoint
	Amount       int64
	ScriptPubKey []byte
}

// SBTCState is the side-computed sBTC state at a given Bitcoin tip, as
// returned by chainview.View.SBTCStateAt. The tip's height bounds which
// requests and sweeps it includes; the request statuses and the signer set
// are those in the store when it is computed, so the same hash can yield a
// different state later.
type SBTCState struct {
	TipHash          BitcoinBlockHash
	TipHeight        uint64
	AggregateKey     *SignerSet // nil before the first successful DKG
	CurrentUTXO      *SignerUTXO
	PendingDeposits  []DepositRequest
	PendingWithdraws []WithdrawalRequest
}
