package stacksrpc

import (
	"encoding/hex"

	"github.com/stacks-network/sbtc-signer/internal/models"
)

func hexEncode(b []byte) string { return "0x" + hex.EncodeToString(b) }

func decodeStacksBlockID(s string) (models.StacksBlockID, bool) {
	var out models.StacksBlockID
	b, ok := decodeHexField(s)
	if !ok {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

func decodeBitcoinBlockHash(s string) (models.BitcoinBlockHash, bool) {
	var out models.BitcoinBlockHash
	b, ok := decodeHexField(s)
	if !ok {
		return out, false
	}
	copy(out[:], b)
	return out, true
}

func decodeHexField(s string) ([]byte, bool) {
	if len(s) >= 2 && s[0:2] == "0x" {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return nil, false
	}
	return b, true
}
