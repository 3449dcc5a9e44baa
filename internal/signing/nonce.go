// Package signing implements the FROST-style Signing Round state machine
// (spec §4.5): two-round threshold Schnorr signing over a single sighash or
// Stacks transaction hash, driven over gossip the same way internal/dkg
// drives its commitment rounds. Grounded on internal/dkg's secp256k1 point
// arithmetic, generalized from Feldman-VSS commitments to FROST nonce
// commitments and signature shares.
package signing

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"sort"

	"github.com/stacks-network/sbtc-signer/internal/dkg"
	"github.com/stacks-network/sbtc-signer/internal/models"
)

var curve = dkg.Curve

// nonceSecret is one participant's private FROST nonce pair for a round:
// d hides, e binds. Both are discarded once the round produces a
// signature share; they must never be reused across rounds.
type nonceSecret struct {
	d, e *big.Int
}

// generateNonce draws a fresh (d, e) pair uniformly from [1, N).
func generateNonce() (*nonceSecret, error) {
	n := curve.Params().N
	d, err := rand.Int(rand.Reader, n)
	if err != nil {
		return nil, err
	}
	e, err := rand.Int(rand.Reader, n)
	if err != nil {
		return nil, err
	}
	if d.Sign() == 0 || e.Sign() == 0 {
		return generateNonce() // vanishingly unlikely; redraw rather than sign with a zero nonce
	}
	return &nonceSecret{d: d, e: e}, nil
}

func (s *nonceSecret) commitment(index int) models.NonceCommitment {
	dx, dy := curve.ScalarBaseMult(s.d.Bytes())
	ex, ey := curve.ScalarBaseMult(s.e.Bytes())
	D := dkg.CompressPoint(dx, dy)
	E := dkg.CompressPoint(ex, ey)
	return models.NonceCommitment{SignerIndex: index, D: D[:], E: E[:]}
}

func toPubKey(b []byte) (models.PubKey, error) {
	var pk models.PubKey
	if len(b) != len(pk) {
		return pk, errors.New("signing: malformed compressed point")
	}
	copy(pk[:], b)
	return pk, nil
}

// bindingFactor computes FROST's per-participant rho_i = H(i || roundID ||
// sorted commitment set), binding every nonce to the exact participant set
// so a share can't be replayed into a different round.
func bindingFactor(roundID models.RoundID, index int, commitments []models.NonceCommitment) *big.Int {
	h := sha256.New()
	h.Write(roundID[:])
	for _, c := range sortedCommitments(commitments) {
		var idx [8]byte
		putUint64(idx[:], uint64(c.SignerIndex))
		h.Write(idx[:])
		h.Write(c.D)
		h.Write(c.E)
	}
	var idx [8]byte
	putUint64(idx[:], uint64(index))
	h.Write(idx[:])
	sum := h.Sum(nil)
	n := curve.Params().N
	return new(big.Int).Mod(new(big.Int).SetBytes(sum), n)
}

func sortedCommitments(commitments []models.NonceCommitment) []models.NonceCommitment {
	out := append([]models.NonceCommitment{}, commitments...)
	sort.Slice(out, func(i, j int) bool { return out[i].SignerIndex < out[j].SignerIndex })
	return out
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// groupCommitment computes R = sum_i (D_i + rho_i * E_i) over the
// participant set, the aggregated FROST nonce point.
func groupCommitment(roundID models.RoundID, commitments []models.NonceCommitment) (x, y *big.Int, err error) {
	for _, c := range commitments {
		dPub, perr := toPubKey(c.D)
		if perr != nil {
			return nil, nil, perr
		}
		ePub, perr := toPubKey(c.E)
		if perr != nil {
			return nil, nil, perr
		}
		dx, dy, ok := dkg.DecompressPoint(dPub)
		if !ok {
			return nil, nil, errors.New("signing: invalid D commitment point")
		}
		ex, ey, ok := dkg.DecompressPoint(ePub)
		if !ok {
			return nil, nil, errors.New("signing: invalid E commitment point")
		}
		rho := bindingFactor(roundID, c.SignerIndex, commitments)
		rx, ry := curve.ScalarMult(ex, ey, rho.Bytes())
		px, py := curve.Add(dx, dy, rx, ry)
		if x == nil {
			x, y = px, py
		} else {
			x, y = curve.Add(x, y, px, py)
		}
	}
	if x == nil {
		return nil, nil, errors.New("signing: empty commitment set")
	}
	return x, y, nil
}

// lagrangeCoefficient computes lambda_i(0) for participant self over the
// given participant index set, the same Shamir reconstruction weight
// internal/dkg's share arithmetic relies on, evaluated at x=0.
func lagrangeCoefficient(participants []int, self int) *big.Int {
	n := curve.Params().N
	num := big.NewInt(1)
	den := big.NewInt(1)
	selfX := big.NewInt(int64(self))
	for _, j := range participants {
		if j == self {
			continue
		}
		jX := big.NewInt(int64(j))
		num.Mul(num, new(big.Int).Neg(jX))
		num.Mod(num, n)
		diff := new(big.Int).Sub(selfX, jX)
		diff.Mod(diff, n)
		den.Mul(den, diff)
		den.Mod(den, n)
	}
	denInv := new(big.Int).ModInverse(den, n)
	out := new(big.Int).Mul(num, denInv)
	return out.Mod(out, n)
}

// taggedHash implements the BIP340 tagged-hash construction so the
// challenge this package computes matches what btcec/schnorr.Verify
// recomputes when internal/txbuilder validates the aggregated signature.
func taggedHash(tag string, parts ...[]byte) [32]byte {
	tagHash := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(tagHash[:])
	h.Write(tagHash[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// challenge computes BIP340's e = H(Rx || Px || m) mod N.
func challenge(rx *big.Int, aggKey models.PubKey, payload []byte) *big.Int {
	rxBytes := leftPad32(rx.Bytes())
	digest := taggedHash("BIP0340/challenge", rxBytes, aggKey[1:], payload)
	n := curve.Params().N
	return new(big.Int).Mod(new(big.Int).SetBytes(digest[:]), n)
}

func leftPad32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
