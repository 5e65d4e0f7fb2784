package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/sentrykey/envelope"
	"github.com/sentrykey/envelope/internal"
	"github.com/sentrykey/envelope/securemem/pagelock"
)

const staticKeySize = 32

// Static is an in-memory, fixed-key KeyManagementService. It never talks
// to a real KMS and the same master key encrypts every system key, so it
// must never be used outside tests and local demos.
type Static struct {
	aead envelope.AEAD
	key  *internal.CryptoKey
}

var _ envelope.KeyManagementService = (*Static)(nil)

// NewStatic builds a Static KMS from a fixed 32-byte master key.
func NewStatic(key string, aead envelope.AEAD) (*Static, error) {
	if len(key) != staticKeySize {
		return nil, errors.Errorf("kms: static key must be %d bytes, got %d", staticKeySize, len(key))
	}

	ck, err := internal.NewCryptoKey(pagelock.NewFactory(), time.Now().Unix(), false, []byte(key))
	if err != nil {
		return nil, err
	}

	return &Static{aead: aead, key: ck}, nil
}

// EncryptKey wraps keyBytes under the fixed master key.
func (s *Static) EncryptKey(_ context.Context, keyBytes []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterKey []byte) ([]byte, error) {
		return s.aead.Encrypt(keyBytes, masterKey)
	})
}

// DecryptKey reverses EncryptKey.
func (s *Static) DecryptKey(_ context.Context, encKeyBytes []byte) ([]byte, error) {
	return internal.WithKeyFunc(s.key, func(masterKey []byte) ([]byte, error) {
		return s.aead.Decrypt(encKeyBytes, masterKey)
	})
}

// Close releases the fixed master key's backing memory.
func (s *Static) Close() error {
	s.key.Close()
	return nil
}
