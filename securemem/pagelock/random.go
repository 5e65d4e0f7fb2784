package pagelock

import (
	"crypto/rand"
	"runtime"
)

// fillRandomBytes overwrites buf in place with cryptographically secure
// random data. Panics (recovered by the caller) on RNG failure, which is
// unrecoverable for key generation anyway.
func fillRandomBytes(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	runtime.KeepAlive(buf)
}
