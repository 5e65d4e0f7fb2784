// Package aead implements the envelope.AEAD contract with AES-256-GCM,
// nonce-misuse-resistant by construction: every call generates a fresh
// 96-bit random nonce. The output is the ciphertext, then the 128-bit GCM
// tag, then the nonce: the nonce is appended at the end, not prepended.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/sentrykey/envelope"
	"github.com/sentrykey/envelope/internal"
)

const (
	nonceSize = 12
	tagSize   = 16

	// maxPlaintextSize bounds a single Encrypt call well under NIST's
	// 2^39-256 bit GCM plaintext limit; large enough for any payload this
	// library is meant to carry (a data row key or a reasonably sized
	// record), small enough to catch a caller accidentally handing GCM a
	// multi-gigabyte blob.
	maxPlaintextSize = 64 << 20
)

// cipherFactory builds a cipher.AEAD from key bytes. NewAES256GCM and tests
// both go through this single adapter so Encrypt/Decrypt only need to be
// written once.
type cipherFactory func(key []byte) (cipher.AEAD, error)

// Encrypt implements envelope.AEAD.
func (c cipherFactory) Encrypt(data, key []byte) ([]byte, error) {
	gcm, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) > maxPlaintextSize {
		return nil, errors.New("aead: plaintext too large")
	}

	if gcm.Overhead() != tagSize {
		return nil, errors.New("aead: unexpected cipher tag size")
	}

	if gcm.NonceSize() != nonceSize {
		return nil, errors.New("aead: unexpected cipher nonce size")
	}

	out := make([]byte, len(data)+tagSize+nonceSize)
	noncePos := len(out) - nonceSize

	internal.FillRandom(out[noncePos:])

	gcm.Seal(out[:0], out[noncePos:], data, nil)

	return out, nil
}

// Decrypt implements envelope.AEAD.
func (c cipherFactory) Decrypt(data, key []byte) ([]byte, error) {
	gcm, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("aead: ciphertext shorter than nonce")
	}

	noncePos := len(data) - gcm.NonceSize()

	plaintext, err := gcm.Open(nil, data[noncePos:], data[:noncePos], nil)
	if err != nil {
		return nil, errors.Wrapf(envelope.ErrDecryptionFailed, "aead: authentication failed: %s", err)
	}

	return plaintext, nil
}
