package keystore

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("a 32-byte identity scalar, more")
	blob, err := Encrypt(plaintext, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(blob, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("Decrypt = %x, want %x", got, plaintext)
	}
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	blob, err := Encrypt([]byte("secret scalar bytes"), "passphrase-one")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(blob, "passphrase-two"); err == nil {
		t.Fatal("expected Decrypt to reject the wrong passphrase")
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	blob, err := Encrypt([]byte("another secret scalar"), "hunter2")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	data := Serialize(blob)
	got, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if !bytes.Equal(got.Salt, blob.Salt) || !bytes.Equal(got.Nonce, blob.Nonce) || !bytes.Equal(got.Ciphertext, blob.Ciphertext) {
		t.Fatal("Deserialize did not reproduce the original blob")
	}
	plaintext, err := Decrypt(got, "hunter2")
	if err != nil {
		t.Fatalf("Decrypt after round trip: %v", err)
	}
	if string(plaintext) != "another secret scalar" {
		t.Fatalf("Decrypt after round trip = %q", plaintext)
	}
}
