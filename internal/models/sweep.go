package models

import "time"

// SweepInput is one input of a proposed sweep transaction: either the
// current signer UTXO (index 0) or a selected deposit.
type SweepInput struct {
	Outpoint     Outpoint
	Amount       int64
	IsSignerUTXO bool
	Deposit      *DepositRequest // nil when IsSignerUTXO
}

// SweepOutput is one output of a proposed sweep transaction: either the
// next signer UTXO (index 0) or a withdrawal payout.
type SweepOutput struct {
	ScriptPubKey  []byte
	Amount        int64
	IsSignerUTXO  bool
	Withdrawal    *WithdrawalRequest // nil when IsSignerUTXO
}

// SweepPackage is the coordinator's proposed Bitcoin sweep transaction
// (spec §3, §4.6), ephemeral until broadcast.
type SweepPackage struct {
	AnchorBitcoinTip BitcoinBlockHash
	// AggregateKey is the signer set active when this package was built.
	// Needed to tell two sweep packages anchored before/after a key
	// rotation apart when reconstructing the signer UTXO at a given tip.
	AggregateKey PubKey
	Inputs       []SweepInput
	Outputs      []SweepOutput
	FeeSatoshis  int64
	CreatedAt    time.Time

	// TxID is only meaningful pre-broadcast as a deterministic preview;
	// the authoritative id comes from the assembled wire transaction.
	TxID BitcoinTxID
}

// TotalIn returns the sum of all input amounts.
func (p *SweepPackage) TotalIn() int64 {
	var total int64
	for _, in := range p.Inputs {
		total += in.Amount
	}
	return total
}

// TotalOut returns the sum of all output amounts.
func (p *SweepPackage) TotalOut() int64 {
	var total int64
	for _, out := range p.Outputs {
		total += out.Amount
	}
	return total
}
