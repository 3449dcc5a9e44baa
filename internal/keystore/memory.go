package keystore

import "runtime"

// ClearBytes zeros b in place so a decrypted key or share does not
// linger in memory past its use. runtime.KeepAlive stops the compiler
// from eliminating the zeroing as a dead store.
func ClearBytes(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
