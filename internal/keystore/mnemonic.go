package keystore

import (
	"crypto/rand"
	"fmt"

	"github.com/tyler-smith/go-bip39"

	"github.com/stacks-network/sbtc-signer/internal/signererr"
)

// GenerateMnemonic produces a fresh BIP39 recovery phrase for a new
// identity key: 24 words, 256 bits of entropy, the stronger of the two
// word counts the standard allows.
func GenerateMnemonic() (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ScalarFromMnemonic deterministically derives this signer's identity
// scalar from a BIP39 mnemonic (and optional passphrase), so the same
// recovery phrase always reproduces the same identity key. The mnemonic's
// 64-byte PBKDF2 seed is truncated to its leading 32 bytes, which are used
// as the secp256k1 scalar; gossip.NewIdentity checks only that length, and
// btcec.PrivKeyFromBytes reduces the value modulo the curve order.
func ScalarFromMnemonic(mnemonic, passphrase string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, signererr.NewFatal(signererr.ErrCodeMissingConfig, "invalid bip39 mnemonic", nil)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	return seed[:32], nil
}
