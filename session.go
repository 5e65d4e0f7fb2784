package envelope

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/sentrykey/envelope/internal"
	"github.com/sentrykey/envelope/pkg/log"
	"github.com/sentrykey/envelope/securemem"
	"github.com/sentrykey/envelope/securemem/pagelock"
)

// SessionFactory creates Sessions scoped to a partition ID and owns the
// resources shared across every Session it creates: the system key cache,
// and, if enabled, a shared intermediate key cache and the session cache
// itself. Create one per process (per Service/Product) and Close it at
// shutdown.
type SessionFactory struct {
	config        *Config
	policy        *CryptoPolicy
	metastore     Metastore
	kms           KeyManagementService
	aead          AEAD
	secretFactory securemem.Factory

	systemKeys    keyCacher
	sharedIKCache keyCacher // non-nil only if policy.SharedIntermediateKeyCache

	sessions *sessionCache // nil if policy.SessionCacheEnabled is false

	touched      sync.Map // partition id -> time.Time of last GetSession/newSession
	rotationStop chan struct{}
	rotationDone chan struct{}
}

// FactoryOption configures a SessionFactory beyond its CryptoPolicy.
type FactoryOption func(*SessionFactory)

// WithSecretFactory overrides the securemem.Factory used to allocate
// every key's backing memory. The default is pagelock.NewFactory(), which
// mmaps/mlocks/mprotects; tests that construct many short-lived keys may
// prefer a cheaper factory.
func WithSecretFactory(f securemem.Factory) FactoryOption {
	return func(sf *SessionFactory) { sf.secretFactory = f }
}

// WithMetrics enables or disables rcrowley/go-metrics collection process
// wide. Disabled registries still accept registrations (they're simply
// never reported); this clears the default registry so nothing
// accumulates.
func WithMetrics(enabled bool) FactoryOption {
	return func(*SessionFactory) {
		if !enabled {
			metricsDefaultRegistryUnregisterAll()
		}
	}
}

// NewSessionFactory builds a SessionFactory. policy defaults to
// NewCryptoPolicy() if nil.
func NewSessionFactory(config *Config, policy *CryptoPolicy, store Metastore, kms KeyManagementService, aead AEAD, opts ...FactoryOption) *SessionFactory {
	if policy == nil {
		policy = NewCryptoPolicy()
	}

	f := &SessionFactory{
		config:        config,
		policy:        policy,
		metastore:     store,
		kms:           kms,
		aead:          aead,
		secretFactory: pagelock.NewFactory(),
	}

	for _, opt := range opts {
		opt(f)
	}

	f.systemKeys = f.newKeyCache()

	if policy.SharedIntermediateKeyCache {
		f.sharedIKCache = f.newIntermediateKeyCache()
	}

	if policy.SessionCacheEnabled {
		f.sessions = newSessionCache(f.newSession, policy)
	}

	if policy.KeyRotationStrategy == KeyRotationQueued {
		f.startRotationWorker()
	}

	return f
}

// startRotationWorker launches the background goroutine backing
// KeyRotationQueued. It ticks every RevokeCheckInterval and eagerly
// refreshes the system and intermediate keys of every partition touched
// since the previous tick.
func (f *SessionFactory) startRotationWorker() {
	f.rotationStop = make(chan struct{})
	f.rotationDone = make(chan struct{})

	interval := f.policy.RevokeCheckInterval
	if interval <= 0 {
		interval = DefaultRevokeCheckInterval
	}

	go func() {
		defer close(f.rotationDone)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-f.rotationStop:
				return
			case <-ticker.C:
				f.rotateTouchedPartitions(interval)
			}
		}
	}()
}

// rotateTouchedPartitions refreshes every partition id touched within the
// last tick, and drops bookkeeping for partitions that have gone idle.
func (f *SessionFactory) rotateTouchedPartitions(interval time.Duration) {
	cutoff := time.Now().Add(-interval)

	f.touched.Range(func(k, v interface{}) bool {
		id := k.(string)
		lastTouch := v.(time.Time)

		if lastTouch.Before(cutoff) {
			f.touched.Delete(id)
			return true
		}

		f.rotatePartitionKeys(id)

		return true
	})
}

// rotatePartitionKeys eagerly reloads id's system key through the
// factory's system key cache and its intermediate key through the shared
// intermediate key cache, creating new keys in the metastore where the
// latest ones are expired or revoked. Without a shared intermediate key
// cache the intermediate key is loaded into a temporary cache that is
// closed on return, so later Sessions load it from the metastore rather
// than finding it cached. Errors are logged and
// swallowed: this is a best-effort optimization, not a correctness
// requirement (a partition that fails to rotate here still rotates inline
// on next use).
func (f *SessionFactory) rotatePartitionKeys(id string) {
	ctx := context.Background()

	p := f.newPartition(id)

	ikCache := f.sharedIKCache
	ownedIKCache := ikCache == nil

	if ownedIKCache {
		ikCache = f.newIntermediateKeyCache()
	}

	if ownedIKCache {
		defer ikCache.Close()
	}

	e := &engine{
		partition:        p,
		metastore:        f.metastore,
		kms:              f.kms,
		policy:           f.policy,
		aead:             f.aead,
		secretFactory:    f.secretFactory,
		systemKeys:       f.systemKeys,
		intermediateKeys: ikCache,
	}

	sk, err := e.systemKeys.GetOrLoadLatest(p.SystemKeyID(), func(KeyMeta) (*internal.CryptoKey, error) {
		return e.loadLatestOrCreateSystemKey(ctx, p.SystemKeyID())
	})
	if err != nil {
		log.Debugf("session factory: background rotation: system key for partition %s: %v", id, err)
		return
	}
	sk.Close()

	ik, err := e.intermediateKeys.GetOrLoadLatest(p.IntermediateKeyID(), func(KeyMeta) (*internal.CryptoKey, error) {
		return e.loadLatestOrCreateIntermediateKey(ctx, p.IntermediateKeyID())
	})
	if err != nil {
		log.Debugf("session factory: background rotation: intermediate key for partition %s: %v", id, err)
		return
	}
	ik.Close()
}

func (f *SessionFactory) newKeyCache() keyCacher {
	if !f.policy.CacheSystemKeys {
		return noCache{}
	}

	return newKeyCache("shared", f.policy)
}

// Close releases every resource this factory owns: the session cache (if
// enabled), the shared intermediate key cache (if enabled), and the
// system key cache.
func (f *SessionFactory) Close() error {
	if f.rotationStop != nil {
		close(f.rotationStop)
		<-f.rotationDone
	}

	if f.sessions != nil {
		if err := f.sessions.Close(); err != nil {
			log.Debugf("session factory: error closing session cache: %v", err)
		}
	}

	if f.sharedIKCache != nil {
		if err := f.sharedIKCache.Close(); err != nil {
			log.Debugf("session factory: error closing shared intermediate key cache: %v", err)
		}
	}

	return f.systemKeys.Close()
}

// GetSession returns a Session scoped to partition id. If the session
// cache is enabled, a cached Session is reused (and pinned for the
// duration of use — see Session.Close); otherwise a fresh Session is
// built on every call.
func (f *SessionFactory) GetSession(id string) (*Session, error) {
	if id == "" {
		return nil, errors.Wrap(ErrPolicyException, "partition id cannot be empty")
	}

	if f.policy.KeyRotationStrategy == KeyRotationQueued {
		f.touched.Store(id, time.Now())
	}

	if f.sessions != nil {
		return f.sessions.Get(id)
	}

	return f.newSession(id)
}

func (f *SessionFactory) newSession(id string) (*Session, error) {
	ikCache := f.sharedIKCache
	if ikCache == nil {
		ikCache = f.newIntermediateKeyCache()
	}

	s := &Session{
		id: id,
		encryption: &engine{
			partition:        f.newPartition(id),
			metastore:        f.metastore,
			kms:              f.kms,
			policy:           f.policy,
			aead:             f.aead,
			secretFactory:    f.secretFactory,
			systemKeys:       f.systemKeys,
			intermediateKeys: ikCache,
		},
	}

	log.Debugf("session factory: new session for partition %s", id)

	return s, nil
}

func (f *SessionFactory) newIntermediateKeyCache() keyCacher {
	if !f.policy.CacheIntermediateKeys {
		return noCache{}
	}

	return newKeyCache("intermediate", f.policy)
}

func (f *SessionFactory) newPartition(id string) partition {
	if rs, ok := f.metastore.(regionSuffixer); ok && rs.GetRegionSuffix() != "" {
		return newSuffixedPartition(id, f.config.Service, f.config.Product, rs.GetRegionSuffix())
	}

	return newPartition(id, f.config.Service, f.config.Product)
}

// Session performs encryption/decryption scoped to a single partition ID.
// A Session obtained directly from GetSession (session cache disabled) is
// cheap but not free — Close it as soon as you're done. A Session backed
// by the session cache is shared; Close merely unpins it.
type Session struct {
	id         string
	encryption Encryption
}

// Encrypt implements the Encryption-like convenience surface of Session.
func (s *Session) Encrypt(ctx context.Context, data []byte) (*DataRowRecord, error) {
	return s.encryption.EncryptPayload(ctx, data)
}

// Decrypt reverses Encrypt.
func (s *Session) Decrypt(ctx context.Context, d DataRowRecord) ([]byte, error) {
	return s.encryption.DecryptDataRowRecord(ctx, d)
}

// Load fetches a DataRowRecord from store by key and decrypts it.
func (s *Session) Load(ctx context.Context, key interface{}, store Loader) ([]byte, error) {
	drr, err := store.Load(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.Decrypt(ctx, *drr)
}

// Store encrypts payload and persists the resulting DataRowRecord to
// store, returning whatever key store.Store assigns it.
func (s *Session) Store(ctx context.Context, payload []byte, store Storer) (interface{}, error) {
	drr, err := s.Encrypt(ctx, payload)
	if err != nil {
		return nil, err
	}

	return store.Store(ctx, *drr)
}

// Close releases this session's own resources. If the session came from a
// session cache, this only unpins it (see pinnedEncryption); otherwise it
// closes the session's intermediate key cache outright.
func (s *Session) Close() error {
	return s.encryption.Close()
}
