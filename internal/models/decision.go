package models

import "time"

// SignerDecision is a signer's gossiped, signed verdict on a single
// deposit or withdrawal request (spec §3, §4.2). The wire artifact MUST be
// byte-identical across retries for the same (request, signer,
// decision-content) triple (invariant I6).
type SignerDecision struct {
	RequestKey RequestKey
	Signer     PubKey

	// Deposit-flavored fields. Zero-valued when RequestKey.IsWithdrawal.
	CanAccept bool
	CanSign   bool

	// Withdrawal-flavored field. Zero-valued when !RequestKey.IsWithdrawal.
	Accepted bool

	ObservedAtTip BitcoinBlockHash // tip the decision was computed against
	Signature     [64]byte         // secp256k1-Schnorr over the canonical payload
	CreatedAt     time.Time
}

// DepositThresholdMet reports whether the given set of decisions satisfies
// the deposit sweep-eligibility policy (spec §4.6 step 2): at least
// threshold signers with CanSign && CanAccept.
func DepositThresholdMet(decisions []SignerDecision, threshold int) bool {
	count := 0
	for _, d := range decisions {
		if d.CanSign && d.CanAccept {
			count++
		}
	}
	return count >= threshold
}

// WithdrawalThresholdMet reports whether the given set of decisions
// satisfies the withdrawal sweep-eligibility policy: at least threshold
// signers with Accepted.
func WithdrawalThresholdMet(decisions []SignerDecision, threshold int) bool {
	count := 0
	for _, d := range decisions {
		if d.Accepted {
			count++
		}
	}
	return count >= threshold
}

// WithdrawalRejectionThresholdMet reports whether at least threshold
// signers explicitly declined a withdrawal (spec §8 scenario 3), as
// distinct from one simply not yet having reached enough accept votes.
func WithdrawalRejectionThresholdMet(decisions []SignerDecision, threshold int) bool {
	count := 0
	for _, d := range decisions {
		if !d.Accepted {
			count++
		}
	}
	return count >= threshold
}
