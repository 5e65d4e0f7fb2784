package envelope

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sentrykey/envelope/internal"
	"github.com/sentrykey/envelope/securemem"
)

// Verify engine implements the Encryption interface.
var _ Encryption = (*engine)(nil)

// engine is the per-partition implementation of Encryption: it runs the
// four-tier key hierarchy (KMS -> system key -> intermediate key -> data
// row key) described in the package doc, on top of a shared Metastore,
// KeyManagementService, and AEAD.
type engine struct {
	partition     partition
	metastore     Metastore
	kms           KeyManagementService
	policy        *CryptoPolicy
	aead          AEAD
	secretFactory securemem.Factory

	systemKeys       keyCacher
	intermediateKeys keyCacher
}

// loadSystemKey loads the system key record matching meta exactly and
// decrypts it via KMS.
func (e *engine) loadSystemKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreException, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "system key %s", meta)
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

func (e *engine) systemKeyFromEKR(ctx context.Context, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	keyBytes, err := e.kms.DecryptKey(ctx, ekr.EncryptedKey)
	if err != nil {
		return nil, errors.Wrap(ErrKmsException, err.Error())
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, keyBytes)
}

// intermediateKeyFromEKR decrypts ekr using sk. If ekr was wrapped under a
// different system key version than sk (the system key rotated between
// ekr's creation and this load), the correct parent is loaded instead.
func (e *engine) intermediateKeyFromEKR(ctx context.Context, sk *internal.CryptoKey, ekr *EnvelopeKeyRecord) (*internal.CryptoKey, error) {
	if ekr.ParentKeyMeta != nil && sk.Created() != ekr.ParentKeyMeta.Created {
		reloaded, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
		if err != nil {
			return nil, err
		}

		defer reloaded.Close()

		sk = reloaded.CryptoKey
	}

	ikBuffer, err := internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
		return e.aead.Decrypt(ekr.EncryptedKey, skBytes)
	})
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}

	return internal.NewCryptoKey(e.secretFactory, ekr.Created, ekr.Revoked, ikBuffer)
}

func (e *engine) generateKey() (*internal.CryptoKey, error) {
	created := e.policy.newKeyTimestamp(time.Now())
	return internal.GenerateKey(e.secretFactory, created, KeySize)
}

// tryStore persists ekr, swallowing every metastore error: a failed store
// is ambiguous between "genuine failure" and "someone beat us to it" and
// the caller's fallback (load the winner) handles both.
func (e *engine) tryStore(ctx context.Context, ekr *EnvelopeKeyRecord) bool {
	success, _ := e.metastore.Store(ctx, ekr.ID, ekr.Created, ekr)
	return success
}

func (e *engine) mustLoadLatest(ctx context.Context, id string) (*EnvelopeKeyRecord, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreException, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "no key found for %s after retry", id)
	}

	return ekr, nil
}

func (e *engine) isKeyInvalid(key *internal.CryptoKey) bool {
	return internal.IsInvalid(key, e.policy.ExpireAfter)
}

func (e *engine) isEnvelopeInvalid(ekr *EnvelopeKeyRecord) bool {
	return ekr.Revoked || e.policy.isExpired(ekr.Created, time.Now())
}

// reloader adapts a load-latest-or-create function to keyLoader and
// records every CryptoKey it returns, so that close can release the ones
// no keyCache took ownership of. A key that loses a race to be stored is
// closed by the loader itself.
type reloader struct {
	mu     sync.Mutex
	keys   []*internal.CryptoKey
	fn     func(ctx context.Context) (*internal.CryptoKey, error)
	cached bool
}

func (r *reloader) load(KeyMeta) (*internal.CryptoKey, error) {
	k, err := r.fn(context.Background())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.keys = append(r.keys, k)
	r.mu.Unlock()

	return k, nil
}

// close closes every key this reloader produced, unless they were loaded
// through a keyCache (cached is true): a keyCache owns the keys it stores
// and closes each one through its reference count once it has been
// evicted and released. Without a keyCache the caller's own Close already
// closes the key, and this second close is a no-op.
func (r *reloader) close() {
	if r.cached {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, k := range r.keys {
		k.Close()
	}
}

func (e *engine) newSystemKeyReloader(ctx context.Context, id string) *reloader {
	_, cached := e.systemKeys.(*keyCache)

	return &reloader{
		cached: cached,
		fn: func(ctx context.Context) (*internal.CryptoKey, error) {
			return e.loadLatestOrCreateSystemKey(ctx, id)
		},
	}
}

func (e *engine) newIntermediateKeyReloader(ctx context.Context, id string) *reloader {
	_, cached := e.intermediateKeys.(*keyCache)

	return &reloader{
		cached: cached,
		fn: func(ctx context.Context) (*internal.CryptoKey, error) {
			return e.loadLatestOrCreateIntermediateKey(ctx, id)
		},
	}
}

// loadLatestOrCreateSystemKey returns the most recent valid system key for
// id, creating and persisting a new one if none exists or the latest has
// expired/been revoked.
func (e *engine) loadLatestOrCreateSystemKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreException, err.Error())
	}

	if ekr != nil && !e.isEnvelopeInvalid(ekr) {
		return e.systemKeyFromEKR(ctx, ekr)
	}

	sk, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	encKey, err := internal.WithKeyFunc(sk, func(keyBytes []byte) ([]byte, error) {
		return e.kms.EncryptKey(ctx, keyBytes)
	})
	if err != nil {
		sk.Close()
		return nil, errors.Wrap(ErrKmsException, err.Error())
	}

	if e.tryStore(ctx, &EnvelopeKeyRecord{ID: id, Created: sk.Created(), EncryptedKey: encKey}) {
		return sk, nil
	}

	sk.Close()

	ekr, err = e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.systemKeyFromEKR(ctx, ekr)
}

// createIntermediateKey generates a new intermediate key under the latest
// system key and persists it, falling back to loading whoever won the
// race if the store fails.
func (e *engine) createIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	skReloader := e.newSystemKeyReloader(ctx, e.partition.SystemKeyID())
	defer skReloader.close()

	sk, err := e.systemKeys.GetOrLoadLatest(e.partition.SystemKeyID(), skReloader.load)
	if err != nil {
		return nil, err
	}
	defer sk.Close()

	ik, err := e.generateKey()
	if err != nil {
		return nil, err
	}

	encBytes, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(sk, func(skBytes []byte) ([]byte, error) {
			return e.aead.Encrypt(ikBytes, skBytes)
		})
	})
	if err != nil {
		ik.Close()
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}

	ekr := &EnvelopeKeyRecord{
		ID:            id,
		Created:       ik.Created(),
		EncryptedKey:  encBytes,
		ParentKeyMeta: &KeyMeta{ID: e.partition.SystemKeyID(), Created: sk.Created()},
	}

	if e.tryStore(ctx, ekr) {
		return ik, nil
	}

	ik.Close()

	newEkr, err := e.mustLoadLatest(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.intermediateKeyFromEKR(ctx, sk.CryptoKey, newEkr)
}

// loadLatestOrCreateIntermediateKey returns the most recent valid
// intermediate key for id, falling back to createIntermediateKey if none
// exists, the latest (or its parent system key) is no longer valid, or it
// otherwise fails to load.
func (e *engine) loadLatestOrCreateIntermediateKey(ctx context.Context, id string) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.LoadLatest(ctx, id)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreException, err.Error())
	}

	if ekr == nil || e.isEnvelopeInvalid(ekr) {
		return e.createIntermediateKey(ctx, id)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return e.createIntermediateKey(ctx, id)
	}
	defer sk.Close()

	if e.isKeyInvalid(sk.CryptoKey) {
		return e.createIntermediateKey(ctx, id)
	}

	ik, err := e.intermediateKeyFromEKR(ctx, sk.CryptoKey, ekr)
	if err != nil {
		return e.createIntermediateKey(ctx, id)
	}

	return ik, nil
}

// getOrLoadSystemKey returns the system key matching meta exactly, via
// cache if present.
func (e *engine) getOrLoadSystemKey(ctx context.Context, meta KeyMeta) (*cachedCryptoKey, error) {
	return e.systemKeys.GetOrLoad(meta, func(KeyMeta) (*internal.CryptoKey, error) {
		return e.loadSystemKey(ctx, meta)
	})
}

// loadIntermediateKey loads the intermediate key record matching meta
// exactly and decrypts it via its parent system key.
func (e *engine) loadIntermediateKey(ctx context.Context, meta KeyMeta) (*internal.CryptoKey, error) {
	ekr, err := e.metastore.Load(ctx, meta.ID, meta.Created)
	if err != nil {
		return nil, errors.Wrap(ErrMetastoreException, err.Error())
	}

	if ekr == nil {
		return nil, errors.Wrapf(ErrKeyNotFound, "intermediate key %s", meta)
	}

	if ekr.ParentKeyMeta == nil {
		return nil, errors.Wrapf(ErrMalformedRecord, "intermediate key %s missing parent", meta)
	}

	sk, err := e.getOrLoadSystemKey(ctx, *ekr.ParentKeyMeta)
	if err != nil {
		return nil, err
	}
	defer sk.Close()

	return e.intermediateKeyFromEKR(ctx, sk.CryptoKey, ekr)
}

func decryptRow(ik *internal.CryptoKey, drr DataRowRecord, aead AEAD) ([]byte, error) {
	return internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		rawDRK, err := aead.Decrypt(drr.Key.EncryptedKey, ikBytes)
		if err != nil {
			return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
		}
		defer internal.Zero(rawDRK)

		plaintext, err := aead.Decrypt(drr.Data, rawDRK)
		if err != nil {
			return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
		}

		return plaintext, nil
	})
}

// EncryptPayload implements Encryption.
func (e *engine) EncryptPayload(ctx context.Context, data []byte) (*DataRowRecord, error) {
	defer encryptTimer.UpdateSince(time.Now())

	ikID := e.partition.IntermediateKeyID()

	r := e.newIntermediateKeyReloader(ctx, ikID)
	defer r.close()

	ik, err := e.intermediateKeys.GetOrLoadLatest(ikID, r.load)
	if err != nil {
		return nil, err
	}
	defer ik.Close()

	drk, err := internal.GenerateKey(e.secretFactory, time.Now().Unix(), KeySize)
	if err != nil {
		return nil, err
	}
	defer drk.Close()

	encData, err := internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
		return e.aead.Encrypt(data, drkBytes)
	})
	if err != nil {
		return nil, err
	}

	encDRK, err := internal.WithKeyFunc(ik, func(ikBytes []byte) ([]byte, error) {
		return internal.WithKeyFunc(drk, func(drkBytes []byte) ([]byte, error) {
			return e.aead.Encrypt(drkBytes, ikBytes)
		})
	})
	if err != nil {
		return nil, err
	}

	return &DataRowRecord{
		Key: &EnvelopeKeyRecord{
			Created:      drk.Created(),
			EncryptedKey: encDRK,
			ParentKeyMeta: &KeyMeta{
				ID:      ikID,
				Created: ik.Created(),
			},
		},
		Data: encData,
	}, nil
}

// DecryptDataRowRecord implements Encryption.
func (e *engine) DecryptDataRowRecord(ctx context.Context, drr DataRowRecord) ([]byte, error) {
	defer decryptTimer.UpdateSince(time.Now())

	if drr.Key == nil {
		return nil, errors.Wrap(ErrMalformedRecord, "data row record missing key")
	}

	if drr.Key.ParentKeyMeta == nil {
		return nil, errors.Wrap(ErrMalformedRecord, "data row key missing parent key meta")
	}

	if !e.partition.IsValidIntermediateKeyID(drr.Key.ParentKeyMeta.ID) {
		return nil, errors.Wrapf(ErrMalformedRecord, "intermediate key id %s does not belong to this partition", drr.Key.ParentKeyMeta.ID)
	}

	meta := *drr.Key.ParentKeyMeta

	ik, err := e.intermediateKeys.GetOrLoad(meta, func(KeyMeta) (*internal.CryptoKey, error) {
		return e.loadIntermediateKey(ctx, meta)
	})
	if err != nil {
		return nil, err
	}
	defer ik.Close()

	return decryptRow(ik.CryptoKey, drr, e.aead)
}

// Close releases this engine's cached keys, including the ones held
// exclusively (the partition's own intermediate key cache, if it has
// one). It does not close a system key cache shared across partitions.
func (e *engine) Close() error {
	return e.intermediateKeys.Close()
}
