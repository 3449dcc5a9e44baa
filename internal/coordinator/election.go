// Package coordinator implements the Coordinator component of spec.md
// §4.6: deterministic per-tip election, sweep packaging, the pre-sign
// handshake, and driving one signing round per transaction input. It is
// grounded on internal/dkg and internal/signing for the round machinery
// and internal/txbuilder for transaction assembly; the packaging algorithm
// itself (steps 1-5) has no teacher analogue since chainadapter only ever
// moves one asset at a time, so it follows the ordering rules spec.md §4.6
// states directly.
package coordinator

import (
	"crypto/sha256"
	"math/big"
	"sort"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

// ElectCoordinator picks the signer responsible for driving sweep
// packaging at tipHash: index = H(tip_hash) mod |set| over signers
// ordered by public key (spec §4.6). The hash is a total function of the
// tip, so every signer computes the same index without a vote.
func ElectCoordinator(tipHash models.BitcoinBlockHash, set *models.SignerSet) models.PubKey {
	ordered := orderedByPublicKey(set.Signers)
	if len(ordered) == 0 {
		return models.PubKey{}
	}
	digest := sha256.Sum256(tipHash[:])
	mod := new(big.Int).Mod(new(big.Int).SetBytes(digest[:]), big.NewInt(int64(len(ordered))))
	return ordered[mod.Int64()].PublicKey
}

// IsCoordinator reports whether self is the elected coordinator at tipHash.
func IsCoordinator(self models.PubKey, tipHash models.BitcoinBlockHash, set *models.SignerSet) bool {
	return ElectCoordinator(tipHash, set) == self
}

func orderedByPublicKey(signers []models.SignerIdentity) []models.SignerIdentity {
	out := append([]models.SignerIdentity{}, signers...)
	sort.Slice(out, func(i, j int) bool {
		return lessPubKey(out[i].PublicKey, out[j].PublicKey)
	})
	return out
}

func lessPubKey(a, b models.PubKey) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
