package internal

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrykey/envelope/securemem"
)

// CryptoKey is a decrypted key living in protected memory, tagged with its
// creation time and a sticky revoked flag. It's the unit of currency cached
// by the system- and intermediate-key caches (C3) and produced fresh for
// every data row key.
type CryptoKey struct {
	created int64
	secret  securemem.Secret
	revoked uint32 // atomic bool; see Revoked/SetRevoked
	once    sync.Once
}

// NewCryptoKey wraps key in protected memory tagged with created/revoked.
// key is wiped by factory.New as part of the copy.
func NewCryptoKey(factory securemem.Factory, created int64, revoked bool, key []byte) (*CryptoKey, error) {
	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{
		created: created,
		revoked: boolToUint32(revoked),
		secret:  sec,
	}, nil
}

// GenerateKey returns a new CryptoKey of size random bytes.
func GenerateKey(factory securemem.Factory, created int64, size int) (*CryptoKey, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &CryptoKey{created: created, secret: sec}, nil
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

// Created returns the key's creation time as Unix seconds.
func (k *CryptoKey) Created() int64 { return k.created }

// Revoked reports whether the key has been marked revoked. Revocation is
// sticky: once true it never becomes false again on this instance.
func (k *CryptoKey) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically marks the key revoked when revoked is true. A false
// argument leaves the flag as it is, since revocation is sticky.
func (k *CryptoKey) SetRevoked(revoked bool) {
	if revoked {
		atomic.StoreUint32(&k.revoked, 1)
	}
}

// IsClosed reports whether Close has completed.
func (k *CryptoKey) IsClosed() bool {
	return k.secret.IsClosed()
}

// Close releases the underlying secure-memory secret. Safe to call more
// than once; only the first call does the work.
func (k *CryptoKey) Close() {
	k.once.Do(func() {
		k.secret.Close()
	})
}

// WithBytes implements BytesAccessor.
func (k *CryptoKey) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *CryptoKey) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

func (k *CryptoKey) String() string {
	return fmt.Sprintf("CryptoKey{created=%d, revoked=%t}", k.created, k.Revoked())
}

// BytesAccessor is implemented by anything that can grant scoped read access
// to underlying key bytes (CryptoKey, securemem.Secret).
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey grants scoped access to key's bytes via action.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor is implemented by anything that can grant scoped read
// access to underlying key bytes and return a derived byte slice.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc grants scoped access to key's bytes via action, returning
// action's result.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable is the subset of CryptoKey that the crypto policy inspects.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsExpired reports whether created is older than expireAfter.
func IsExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}

// IsInvalid reports whether key is revoked or expired per expireAfter.
func IsInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsExpired(key.Created(), expireAfter)
}
