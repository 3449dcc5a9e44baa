package models

import "time"

// RoundState is the tagged state of a Signing Round state machine
// (spec §4.5).
type RoundState string

const (
	RoundIdle           RoundState = "idle"
	RoundNonceRequest    RoundState = "nonce_request"
	RoundNonceCollected  RoundState = "nonce_collected"
	RoundSigRequest      RoundState = "sig_request"
	RoundAggregated      RoundState = "aggregated"
	RoundBroadcast       RoundState = "broadcast"
	RoundFailed          RoundState = "failed"
	RoundTimedOut        RoundState = "timed_out"
)

// NonceCommitment is one participant's FROST nonce commitment pair.
type NonceCommitment struct {
	SignerIndex int
	D, E        []byte // compressed curve points, hiding/binding nonces
	Signature   [64]byte
}

// SignatureShare is one participant's partial signature over the round's
// aggregated challenge.
type SignatureShare struct {
	SignerIndex int
	Share       []byte // scalar, big-endian
}

// RoundID uniquely identifies a signing round: H(payload || aggregate-key
// || anchor-block-hash), so identical proposals dedupe (spec §4.5).
type RoundID [32]byte

// SigningRound is the ephemeral, task-owned state of one threshold-signing
// round over a single sighash or Stacks transaction hash.
type SigningRound struct {
	ID           RoundID
	Coordinator  PubKey
	AggregateKey PubKey
	AnchorBlock  BitcoinBlockHash
	Payload      []byte // the sighash or tx-hash preimage being signed

	State       RoundState
	SignerBitmap []bool // which signers are invited to participate, by index

	Nonces []NonceCommitment
	Shares []SignatureShare

	FinalSignature []byte

	Deadline time.Time
}

// ContributorIndices returns the distinct signer indices that contributed a
// signature share.
func (r *SigningRound) ContributorIndices() []int {
	seen := make(map[int]bool, len(r.Shares))
	out := make([]int, 0, len(r.Shares))
	for _, s := range r.Shares {
		if !seen[s.SignerIndex] {
			seen[s.SignerIndex] = true
			out = append(out, s.SignerIndex)
		}
	}
	return out
}
