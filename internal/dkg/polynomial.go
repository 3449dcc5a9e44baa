// Package dkg implements the WSTS-style Distributed Key Generation state
// machine (spec §4.4): polynomial commitments, pairwise encrypted shares,
// share verification, and the on-chain verification gate that promotes a
// produced aggregate key to Verified. Grounded on the teacher's
// btcec/secp256k1 usage in bitcoin/signer.go (there: wrapping one private
// key for ECDSA) generalized to Shamir/Feldman secret-sharing arithmetic
// over the same curve.
package dkg

import (
	"crypto/rand"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

var curve = btcec.S256()

// Curve exposes the secp256k1 curve used throughout this package so sibling
// packages (signing) can share the same point arithmetic instead of
// re-deriving it.
var Curve = curve

// CompressPoint and DecompressPoint expose this package's SEC1 point codec
// to sibling packages that need to work with the same compressed-point
// encoding used for polynomial commitments (signing's nonce commitments).
func CompressPoint(x, y *big.Int) models.PubKey { return compressPoint(x, y) }

func DecompressPoint(pk models.PubKey) (x, y *big.Int, ok bool) { return decompressPoint(pk) }

// Polynomial is a degree-(threshold-1) polynomial over the secp256k1
// scalar field. Coefficients[0] is this participant's secret contribution
// to the group aggregate key.
type Polynomial struct {
	Coefficients []*big.Int
}

// NewPolynomial generates a polynomial of the given degree with uniformly
// random coefficients in [0, N).
func NewPolynomial(degree int) (*Polynomial, error) {
	coeffs := make([]*big.Int, degree+1)
	for i := range coeffs {
		c, err := rand.Int(rand.Reader, curve.Params().N)
		if err != nil {
			return nil, err
		}
		coeffs[i] = c
	}
	return &Polynomial{Coefficients: coeffs}, nil
}

// Evaluate computes f(x) mod N using Horner's method, x being a
// participant's 1-based share index (x=0 would leak the secret itself).
func (p *Polynomial) Evaluate(x int64) *big.Int {
	n := curve.Params().N
	result := new(big.Int)
	for i := len(p.Coefficients) - 1; i >= 0; i-- {
		result.Mul(result, big.NewInt(x))
		result.Add(result, p.Coefficients[i])
		result.Mod(result, n)
	}
	return result
}

// Commit returns the Feldman-VSS commitments to each coefficient:
// compressed-point encodings of g^coefficient_i.
func (p *Polynomial) Commit() []models.PubKey {
	out := make([]models.PubKey, len(p.Coefficients))
	for i, c := range p.Coefficients {
		x, y := curve.ScalarBaseMult(c.Bytes())
		out[i] = compressPoint(x, y)
	}
	return out
}

// compressPoint encodes a curve point in SEC1 compressed form: a 0x02/0x03
// parity prefix followed by the 32-byte X coordinate.
func compressPoint(x, y *big.Int) models.PubKey {
	var out models.PubKey
	if y.Bit(0) == 0 {
		out[0] = 0x02
	} else {
		out[0] = 0x03
	}
	xBytes := x.Bytes()
	copy(out[1+32-len(xBytes):], xBytes)
	return out
}

// decompressPoint recovers (x, y) from a SEC1 compressed point by solving
// the curve equation for y and selecting the root matching the parity bit.
func decompressPoint(pk models.PubKey) (x, y *big.Int, ok bool) {
	p := curve.Params().P
	x = new(big.Int).SetBytes(pk[1:])

	// y^2 = x^3 + b mod p (secp256k1's curve equation has no linear term)
	ySq := new(big.Int).Exp(x, big.NewInt(3), p)
	ySq.Add(ySq, curve.Params().B)
	ySq.Mod(ySq, p)

	y = new(big.Int).ModSqrt(ySq, p)
	if y == nil {
		return nil, nil, false
	}
	wantOdd := pk[0] == 0x03
	if y.Bit(0) == 1 != wantOdd {
		y.Sub(p, y)
	}
	if !curve.IsOnCurve(x, y) {
		return nil, nil, false
	}
	return x, y, true
}

// addCommitments sums a set of curve points, used both to derive the group
// aggregate key from each participant's constant-term commitment and to
// evaluate a commitment polynomial at a share index for verification.
func addCommitments(points []models.PubKey) (models.PubKey, bool) {
	if len(points) == 0 {
		return models.PubKey{}, false
	}
	accX, accY, ok := decompressPoint(points[0])
	if !ok {
		return models.PubKey{}, false
	}
	for _, pt := range points[1:] {
		x, y, ok := decompressPoint(pt)
		if !ok {
			return models.PubKey{}, false
		}
		accX, accY = curve.Add(accX, accY, x, y)
	}
	return compressPoint(accX, accY), true
}

// evaluateCommitments computes sum_i commitments[i]^(index^i), the
// Feldman-VSS check value a recipient compares its decrypted share's
// public point against (VerifyShare).
func evaluateCommitments(commitments []models.PubKey, index int64) (models.PubKey, bool) {
	n := curve.Params().N
	var accX, accY *big.Int
	power := big.NewInt(1)
	for _, c := range commitments {
		x, y, ok := decompressPoint(c)
		if !ok {
			return models.PubKey{}, false
		}
		px, py := curve.ScalarMult(x, y, power.Bytes())
		if accX == nil {
			accX, accY = px, py
		} else {
			accX, accY = curve.Add(accX, accY, px, py)
		}
		power.Mul(power, big.NewInt(index))
		power.Mod(power, n)
	}
	return compressPoint(accX, accY), true
}

// VerifyShare reports whether share is consistent with the sender's
// published commitments for this participant's index: g^share must equal
// the Feldman-VSS check value.
func VerifyShare(share *big.Int, index int64, commitments []models.PubKey) bool {
	expected, ok := evaluateCommitments(commitments, index)
	if !ok {
		return false
	}
	x, y := curve.ScalarBaseMult(share.Bytes())
	return compressPoint(x, y) == expected
}
