// Package internal holds the building blocks shared by the envelope engine
// that aren't part of the library's public surface: the in-memory
// representation of a decrypted key (CryptoKey) and a couple of
// constant-effort byte helpers used when handling key material.
package internal

import (
	"crypto/rand"
	"runtime"
)

// Zero overwrites buf with zero bytes. It exists as a named call site (rather
// than an inline clear(buf)) so every place that's supposed to wipe key
// material is easy to find.
func Zero(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically secure random bytes,
// panicking if the system RNG fails (a condition callers cannot recover
// from sanely).
func FillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	// runtime.KeepAlive prevents the compiler from treating the fill as a
	// dead store when the caller discards buf's contents immediately after,
	// e.g. when buf backs a secret that's about to be wiped again.
	runtime.KeepAlive(buf)
}

// RandomBytes returns a new slice of n cryptographically secure random bytes.
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
