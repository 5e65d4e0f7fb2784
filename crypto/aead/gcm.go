package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/sentrykey/envelope"
)

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns an envelope.AEAD implementation backed by AES-256 in
// GCM mode. Keys passed to Encrypt/Decrypt must be 32 bytes.
func NewAES256GCM() envelope.AEAD {
	return cipherFactory(newAESGCM)
}
