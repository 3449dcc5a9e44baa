package models

// DepositStatus is the lifecycle state of a DepositRequest.
type DepositStatus string

const (
	DepositPending DepositStatus = "pending"
	DepositSwept   DepositStatus = "swept"
	DepositExpired DepositStatus = "expired"
)

// DepositRequest is a pending peg-in, keyed by its Bitcoin outpoint.
type DepositRequest struct {
	Outpoint          Outpoint
	Amount            int64  // satoshis
	RecipientPrincipal string // Stacks principal to credit
	MaxFee            int64  // satoshis, this request's share of the sweep fee
	ReclaimScript     []byte
	DepositScript     []byte
	LockTimeWindow    LockTimeWindow
	ConfirmationHeight uint64 // Bitcoin height the deposit was first seen at
	Status            DepositStatus
}

// LockTimeWindow bounds the reclaim path's validity as Bitcoin heights.
type LockTimeWindow struct {
	MinHeight uint64
	MaxHeight uint64
}

// SafeAt reports whether the window still leaves room to sweep before the
// reclaim path opens, given the current tip height.
func (w LockTimeWindow) SafeAt(tipHeight uint64, safetyMargin uint64) bool {
	if w.MaxHeight == 0 {
		return true
	}
	return tipHeight+safetyMargin < w.MaxHeight
}

// WithdrawalStatus is the lifecycle state of a WithdrawalRequest.
type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalAccepted WithdrawalStatus = "accepted"
	WithdrawalRejected WithdrawalStatus = "rejected"
)

// ScriptVersion enumerates the recipient script kinds a withdrawal may pay.
type ScriptVersion int

const (
	ScriptP2PKH ScriptVersion = iota
	ScriptP2SH
	ScriptP2WPKH
	ScriptP2WSH
	ScriptP2TR
)

// RecipientScript is a withdrawal's destination scriptPubKey, decomposed
// into its version and hash/program bytes so the Coordinator and Validator
// can compare them without re-parsing raw script bytes.
type RecipientScript struct {
	Version   ScriptVersion
	HashBytes []byte
}

// WithdrawalRequest is a pending peg-out, created from a Stacks contract
// event and keyed by its on-chain request id.
type WithdrawalRequest struct {
	RequestID       uint64
	Sender          string // Stacks principal
	Recipient       RecipientScript
	Amount          int64 // satoshis
	MaxFee          int64 // satoshis
	CreatedAtHeight uint64 // Stacks block height of creation
	StacksBlockID   StacksBlockID
	StacksTxID      [32]byte
	Status          WithdrawalStatus
}

// RequestKey identifies a DepositRequest or WithdrawalRequest for decision
// gossip keying (spec §4.2, §3 SignerDecision key).
type RequestKey struct {
	IsWithdrawal  bool
	DepositOut    Outpoint      // valid when !IsWithdrawal
	WithdrawalID  uint64        // valid when IsWithdrawal
	StacksBlockID StacksBlockID // valid when IsWithdrawal
	StacksTxID    [32]byte      // valid when IsWithdrawal
}
