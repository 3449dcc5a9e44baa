package dkg

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

// EncryptedPayload is a pairwise-encrypted DKG share as it travels over
// gossip: AES-256-GCM under an ECDH-derived key, the protocol-level sibling
// of internal/keystore's passphrase-derived at-rest encryption (see that
// package's doc comment). The shared secret is the X coordinate of
// (senderPriv * recipientPub), the standard ECDH construction, not
// Argon2id — there is no human passphrase in this path, just two curve
// points.
type EncryptedPayload struct {
	Nonce      []byte
	Ciphertext []byte
}

// ecdhKey derives a 32-byte AES key from a shared curve point.
func ecdhKey(priv *big.Int, pub models.PubKey) ([]byte, error) {
	x, y, ok := decompressPoint(pub)
	if !ok {
		return nil, errors.New("dkg: invalid recipient public key")
	}
	sharedX, _ := curve.ScalarMult(x, y, priv.Bytes())
	key := sha256.Sum256(sharedX.Bytes())
	return key[:], nil
}

// EncryptShare seals share for recipientPub, using senderPriv's side of
// the ECDH exchange.
func EncryptShare(share *big.Int, senderPriv *big.Int, recipientPub models.PubKey) (*EncryptedPayload, error) {
	key, err := ecdhKey(senderPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, nonce, share.Bytes(), nil)
	return &EncryptedPayload{Nonce: nonce, Ciphertext: ciphertext}, nil
}

// DecryptShare recovers the share sealed by EncryptShare, using the
// recipient's own private key and the sender's public key (ECDH is
// symmetric: either side derives the same shared point).
func DecryptShare(payload *EncryptedPayload, recipientPriv *big.Int, senderPub models.PubKey) (*big.Int, error) {
	key, err := ecdhKey(recipientPriv, senderPub)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != gcm.NonceSize() {
		return nil, errors.New("dkg: invalid nonce length")
	}
	plaintext, err := gcm.Open(nil, payload.Nonce, payload.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("dkg: share decryption failed")
	}
	return new(big.Int).SetBytes(plaintext), nil
}
