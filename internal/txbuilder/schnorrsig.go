package txbuilder

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// VerifyAggregateSignature checks a BIP340 Schnorr signature against the
// signer set's aggregate key and a sweep's taproot key-path sighash. The
// teacher's single-key ECDSA signer verified one party's own signature;
// here the same verify-before-trust discipline applies to the output of
// an entire FROST round before the Coordinator ever broadcasts it (spec
// §7 Validator, §4.6 step 6).
func VerifyAggregateSignature(sighash [32]byte, signature [64]byte, aggKey models.PubKey) (bool, error) {
	pubKey, err := schnorr.ParsePubKey(aggKey[1:])
	if err != nil {
		return false, signererr.NewValidationMismatch(signererr.ErrCodeBadSignature, "invalid aggregate key", err)
	}
	sig, err := schnorr.ParseSignature(signature[:])
	if err != nil {
		return false, signererr.NewValidationMismatch(signererr.ErrCodeBadSignature, "invalid schnorr signature encoding", err)
	}
	return sig.Verify(sighash[:], pubKey), nil
}

// TxHash returns the double-SHA256 transaction id, little-endian hex, the
// same computation the teacher's ComputeTransactionHash performed for its
// single-key transfers.
func TxHash(serializedTx []byte) string {
	first := sha256.Sum256(serializedTx)
	second := sha256.Sum256(first[:])
	reversed := make([]byte, 32)
	for i := range second {
		reversed[i] = second[31-i]
	}
	return hex.EncodeToString(reversed)
}
