package models

import "time"

// ShareVerificationStatus is the lifecycle state of a DkgShares record.
type ShareVerificationStatus string

const (
	SharesUnverified ShareVerificationStatus = "unverified"
	SharesVerified   ShareVerificationStatus = "verified"
	SharesFailed     ShareVerificationStatus = "failed"
)

// EncryptedShare is one signer's share of the group secret, encrypted to
// that signer's identity key for storage and pairwise transport.
type EncryptedShare struct {
	SignerIndex int
	Ciphertext  []byte
	Nonce       []byte
}

// PolynomialCommitment is a signer's Feldman-VSS commitment to the
// coefficients of its DKG polynomial.
type PolynomialCommitment struct {
	SignerIndex int
	Points      []PubKey // commitment to each coefficient
}

// DkgShares is the result of one DKG round for a candidate aggregate key.
type DkgShares struct {
	AggregateKey PubKey
	Epoch        uint64
	Shares       map[int]EncryptedShare // signer index -> encrypted share
	Commitments  []PolynomialCommitment
	Status       ShareVerificationStatus
	StartedAt    time.Time
	VerifiedAt   *time.Time // set once the rotate-to tx confirms
}
