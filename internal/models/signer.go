// Package models defines the core entities of the signer coordination
// engine's data model (spec §3). Entities are plain structs; cross-entity
// references are keys (hashes, outpoints, ids), never owning pointers, so
// the chain/request/sweep reference graph stays acyclic in representation
// even though it is cyclic in meaning.
package models

// PubKey is a compressed secp256k1 public key (33 bytes).
type PubKey [33]byte

// SignerIdentity is one member of the signer set.
type SignerIdentity struct {
	PublicKey PubKey
	Index     int // ordinal index within the ordered set
	Weight    uint32
}

// SignerSet is the ordered group of signers sharing an aggregate key,
// produced by a successful DKG round.
type SignerSet struct {
	AggregateKey PubKey
	Signers      []SignerIdentity // ordered by public key
	Threshold    int              // T, minimum signers required to sign
	Epoch        uint64           // strictly increasing DKG epoch (I5)
}

// Len returns the number of signers in the set.
func (s *SignerSet) Len() int { return len(s.Signers) }

// IndexOf returns the ordinal index of pk within the set, or -1 if absent.
func (s *SignerSet) IndexOf(pk PubKey) int {
	for _, id := range s.Signers {
		if id.PublicKey == pk {
			return id.Index
		}
	}
	return -1
}

// Contains reports whether pk is a member of the set.
func (s *SignerSet) Contains(pk PubKey) bool {
	return s.IndexOf(pk) >= 0
}
