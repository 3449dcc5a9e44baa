package gossip

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/stacks-network/sbtc-signer/internal/models"
	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// Identity is this process's own signer keypair, used to sign outbound
// messages and to verify inbound ones against the declared sender.
type Identity struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  models.PubKey
}

// NewIdentity wraps a raw 32-byte secp256k1 scalar, the form the signer's
// keystore-decrypted identity key takes once off disk.
func NewIdentity(scalar []byte) (*Identity, error) {
	if len(scalar) != 32 {
		return nil, signererr.NewFatal(signererr.ErrCodeMissingConfig, "identity key must be 32 bytes", nil)
	}
	priv, pub := btcec.PrivKeyFromBytes(scalar)
	var pk models.PubKey
	copy(pk[:], pub.SerializeCompressed())
	return &Identity{PrivateKey: priv, PublicKey: pk}, nil
}

// digest computes H(topic || payload), the preimage every gossip signature
// covers (spec §6).
func digest(topic Topic, payload []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(topic))
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Sign produces the 64-byte BIP340 signature over digest(topic, payload),
// for callers outside this package that need to sign a gossip message
// before publishing it through a Bus that didn't originate it directly
// (e.g. the Request Decider signing a decision payload).
func (id *Identity) Sign(topic Topic, payload []byte) ([64]byte, error) {
	return id.sign(topic, payload)
}

// sign produces the 64-byte BIP340 signature over digest(topic, payload).
func (id *Identity) sign(topic Topic, payload []byte) ([64]byte, error) {
	var out [64]byte
	d := digest(topic, payload)
	sig, err := schnorr.Sign(id.PrivateKey, d[:])
	if err != nil {
		return out, signererr.New(signererr.Fatal, signererr.ErrCodeBadSignature, "failed to sign gossip message", err)
	}
	copy(out[:], sig.Serialize())
	return out, nil
}

// Verify checks sig against digest(topic, payload) for the given sender's
// compressed public key.
func Verify(topic Topic, payload []byte, signature [64]byte, sender models.PubKey) bool {
	pub, err := schnorr.ParsePubKey(sender[1:])
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(signature[:])
	if err != nil {
		return false
	}
	d := digest(topic, payload)
	return sig.Verify(d[:], pub)
}

// MessageID hashes the canonical payload for consumer-side duplicate
// suppression (spec §4.3).
func MessageID(payload []byte) [32]byte {
	return sha256.Sum256(payload)
}
