package keystore

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateMnemonicIsTwentyFourWords(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	words := strings.Fields(mnemonic)
	if len(words) != 24 {
		t.Fatalf("expected a 24-word mnemonic, got %d words", len(words))
	}
}

func TestScalarFromMnemonicIsDeterministic(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	a, err := ScalarFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("ScalarFromMnemonic: %v", err)
	}
	b, err := ScalarFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("ScalarFromMnemonic: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("expected the same mnemonic to always derive the same scalar")
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-byte scalar, got %d bytes", len(a))
	}
}

func TestScalarFromMnemonicVariesByPassphrase(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	a, err := ScalarFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("ScalarFromMnemonic: %v", err)
	}
	b, err := ScalarFromMnemonic(mnemonic, "extra-passphrase")
	if err != nil {
		t.Fatalf("ScalarFromMnemonic: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected different passphrases to derive different scalars")
	}
}

func TestScalarFromMnemonicRejectsInvalidMnemonic(t *testing.T) {
	if _, err := ScalarFromMnemonic("not a valid mnemonic phrase at all", ""); err == nil {
		t.Fatal("expected an invalid mnemonic to be rejected")
	}
}
