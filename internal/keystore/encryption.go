// Package keystore encrypts this signer's own long-term secret material
// (its FROST identity key share, and any DKG share awaiting verification)
// at rest, the way the teacher's crypto package encrypted a wallet's BIP39
// mnemonic: Argon2id key derivation over an operator-supplied passphrase,
// then AES-256-GCM. The protocol-level pairwise encryption DKG performs
// when distributing a share to another signer (to that signer's identity
// public key) is a separate, asymmetric scheme handled in the dkg
// package; this package only protects what sits on this node's own disk.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (OWASP-recommended minimums for interactive use).
	Argon2Time    = 4
	Argon2Memory  = 256 * 1024 // KiB
	Argon2Threads = 4
	Argon2KeyLen  = 32
	Argon2SaltLen = 16
	AESNonceLen   = 12
)

// Blob is encrypted secret material plus the parameters needed to
// re-derive its key, serialized to/from disk.
type Blob struct {
	Salt          []byte
	Nonce         []byte
	Ciphertext    []byte
	Argon2Time    uint32
	Argon2Memory  uint32
	Argon2Threads uint8
	Version       uint8
}

// Encrypt seals plaintext (a raw private key or DKG share scalar) under
// passphrase.
func Encrypt(plaintext []byte, passphrase string) (*Blob, error) {
	salt := make([]byte, Argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, Argon2Time, Argon2Memory, Argon2Threads, Argon2KeyLen)
	defer ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, AESNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return &Blob{
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		Argon2Time:    Argon2Time,
		Argon2Memory:  Argon2Memory,
		Argon2Threads: Argon2Threads,
		Version:       1,
	}, nil
}

// Decrypt recovers the plaintext sealed by Encrypt. The caller MUST
// ClearBytes the result once done with it.
func Decrypt(blob *Blob, passphrase string) ([]byte, error) {
	if blob == nil {
		return nil, errors.New("encrypted blob is nil")
	}
	if len(blob.Salt) != Argon2SaltLen {
		return nil, fmt.Errorf("invalid salt length: got %d, want %d", len(blob.Salt), Argon2SaltLen)
	}
	if len(blob.Nonce) != AESNonceLen {
		return nil, fmt.Errorf("invalid nonce length: got %d, want %d", len(blob.Nonce), AESNonceLen)
	}

	key := argon2.IDKey([]byte(passphrase), blob.Salt, blob.Argon2Time, blob.Argon2Memory, blob.Argon2Threads, Argon2KeyLen)
	defer ClearBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, blob.Nonce, blob.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("authentication failed: wrong passphrase or corrupted data")
	}
	return plaintext, nil
}

// Serialize packs a Blob to its on-disk binary form:
// [version:1][time:4][memory:4][threads:1][salt:16][nonce:12][ciphertext:var]
func Serialize(blob *Blob) []byte {
	size := 1 + 4 + 4 + 1 + len(blob.Salt) + len(blob.Nonce) + len(blob.Ciphertext)
	out := make([]byte, size)

	offset := 0
	out[offset] = blob.Version
	offset++
	binary.BigEndian.PutUint32(out[offset:], blob.Argon2Time)
	offset += 4
	binary.BigEndian.PutUint32(out[offset:], blob.Argon2Memory)
	offset += 4
	out[offset] = blob.Argon2Threads
	offset++
	copy(out[offset:], blob.Salt)
	offset += len(blob.Salt)
	copy(out[offset:], blob.Nonce)
	offset += len(blob.Nonce)
	copy(out[offset:], blob.Ciphertext)

	return out
}

// Deserialize unpacks the binary form Serialize produces.
func Deserialize(data []byte) (*Blob, error) {
	minSize := 1 + 4 + 4 + 1 + Argon2SaltLen + AESNonceLen
	if len(data) < minSize {
		return nil, fmt.Errorf("invalid encrypted blob: size %d < minimum %d", len(data), minSize)
	}

	offset := 0
	version := data[offset]
	offset++
	argonTime := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	argonMemory := binary.BigEndian.Uint32(data[offset:])
	offset += 4
	argonThreads := data[offset]
	offset++

	salt := make([]byte, Argon2SaltLen)
	copy(salt, data[offset:offset+Argon2SaltLen])
	offset += Argon2SaltLen

	nonce := make([]byte, AESNonceLen)
	copy(nonce, data[offset:offset+AESNonceLen])
	offset += AESNonceLen

	ciphertext := make([]byte, len(data)-offset)
	copy(ciphertext, data[offset:])

	return &Blob{
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		Argon2Time:    argonTime,
		Argon2Memory:  argonMemory,
		Argon2Threads: argonThreads,
		Version:       version,
	}, nil
}
