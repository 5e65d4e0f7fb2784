package envelope

import "github.com/pkg/errors"

// The sentinel errors below are the taxonomy surfaced across the public
// API. Callers should use errors.Is (or errors.Cause from
// github.com/pkg/errors, since every surfaced error is wrapped with
// call-site context via errors.Wrap/errors.WithMessage) to branch on kind.
var (
	// ErrKeyNotFound is returned when a key a caller expects to exist (by
	// exact id+created, or as the parent of a record being decrypted) is
	// missing from the metastore.
	ErrKeyNotFound = errors.New("envelope: key not found")

	// ErrDecryptionFailed is returned when an AEAD.Decrypt/Open call fails
	// authentication. It never carries partial plaintext.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")

	// ErrKmsException is returned when every configured KMS region failed
	// to encrypt or decrypt a key.
	ErrKmsException = errors.New("envelope: kms operation failed in all regions")

	// ErrMetastoreException wraps a non-duplicate failure from a Metastore
	// call.
	ErrMetastoreException = errors.New("envelope: metastore operation failed")

	// ErrMalformedRecord is returned when a persisted or wire record fails
	// to parse, or parses but violates a structural invariant (e.g. a data
	// row record missing its parent key metadata).
	ErrMalformedRecord = errors.New("envelope: malformed record")

	// ErrPolicyException is returned when a CryptoPolicy or builder is
	// missing required configuration.
	ErrPolicyException = errors.New("envelope: invalid policy configuration")

	// ErrSecretClosed is returned when an operation is attempted against a
	// secret (or a session/factory) that has already been closed.
	ErrSecretClosed = errors.New("envelope: secret already closed")

	// ErrAllocationFailed is returned when secure-memory allocation fails.
	ErrAllocationFailed = errors.New("envelope: secure memory allocation failed")
)
