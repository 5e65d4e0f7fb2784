// Package envelope implements application-layer envelope encryption: a
// four-tier key hierarchy (master key in a remote KMS, system key and
// intermediate key persisted encrypted in a metastore, data row key
// accompanying each encrypted payload) that lets a caller encrypt/decrypt
// per-record payloads without ever persisting a cleartext key.
//
// The typical caller creates one long-lived SessionFactory at startup,
// pulls a Session per logical partition (tenant, customer, shard — whatever
// scopes your intermediate key), and closes each Session as soon as it's
// done with it. A Session is small and meant to be short-lived; the
// SessionFactory is what amortizes the cost of key material across many
// Sessions via its system-key cache and, optionally, a session cache.
package envelope

import "context"

// Encryption performs encryption/decryption on behalf of a single partition.
type Encryption interface {
	// EncryptPayload encrypts data and returns a DataRowRecord carrying
	// everything needed to decrypt it later.
	EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error)

	// DecryptDataRowRecord reverses EncryptPayload.
	DecryptDataRowRecord(ctx context.Context, d DataRowRecord) ([]byte, error)

	// Close releases any resources (cached keys) held on this partition's
	// behalf.
	Close() error
}

// KeyManagementService wraps/unwraps a system key using a master key held
// in a remote KMS. See package kms for concrete implementations.
type KeyManagementService interface {
	// EncryptKey wraps keyBytes under the master key and returns an opaque
	// envelope ready for Metastore.Store.
	EncryptKey(ctx context.Context, keyBytes []byte) ([]byte, error)

	// DecryptKey reverses EncryptKey.
	DecryptKey(ctx context.Context, envelope []byte) ([]byte, error)
}

// Metastore persists EnvelopeKeyRecords keyed by (id, created). See package
// metastore for concrete implementations.
type Metastore interface {
	// Load returns the record matching id and created exactly, or nil if
	// none exists.
	Load(ctx context.Context, id string, created int64) (*EnvelopeKeyRecord, error)

	// LoadLatest returns the record with the greatest created for id, or
	// nil if none exists.
	LoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error)

	// Store inserts envelope under (id, created) and returns true, or
	// returns false without error if a record already exists there.
	Store(ctx context.Context, id string, created int64, envelope *EnvelopeKeyRecord) (bool, error)
}

// AEAD performs authenticated encryption with 256-bit keys.
type AEAD interface {
	// Encrypt encrypts data under key.
	Encrypt(data, key []byte) ([]byte, error)

	// Decrypt decrypts data under key, returning ErrDecryptionFailed (wrapped)
	// on authentication failure.
	Decrypt(data, key []byte) ([]byte, error)
}

// Loader retrieves a DataRowRecord from an external persistence store given
// an application-defined key.
type Loader interface {
	Load(ctx context.Context, key interface{}) (*DataRowRecord, error)
}

// Storer persists a DataRowRecord to an external store and returns the key
// under which it was stored.
type Storer interface {
	Store(ctx context.Context, d DataRowRecord) (interface{}, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(ctx context.Context, key interface{}) (*DataRowRecord, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc adapts a plain function to Storer.
type StorerFunc func(ctx context.Context, d DataRowRecord) (interface{}, error)

// Store calls f.
func (f StorerFunc) Store(ctx context.Context, d DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}

// KeySize is the size, in bytes, of every key in the hierarchy below the
// master key (system, intermediate, and data row keys all use AES-256).
const KeySize = 32

// MetricsPrefix namespaces the rcrowley/go-metrics metrics registered by
// this package and by the kms and metastore packages. The securemem
// packages register theirs under a "securemem." prefix instead.
const MetricsPrefix = "envl"
