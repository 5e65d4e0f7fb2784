package envelope

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrykey/envelope/internal"
	"github.com/sentrykey/envelope/internal/cache"
	"github.com/sentrykey/envelope/pkg/log"
)

// keyLoader retrieves a CryptoKey matching meta from its backing store
// (KMS for system keys, a system key for intermediate keys), creating it
// if necessary. It never reads the cache.
type keyLoader func(meta KeyMeta) (*internal.CryptoKey, error)

// cachedCryptoKey wraps a CryptoKey with a reference count so that an
// in-flight holder's key is never closed out from under it by a
// concurrent cache eviction. The cache itself holds reference 1; a caller
// retrieving the key through GetOrLoad(Latest) gets an additional
// reference, released by calling Close on the returned cachedCryptoKey.
type cachedCryptoKey struct {
	*internal.CryptoKey

	refs *atomic.Int64
}

func newCachedCryptoKey(k *internal.CryptoKey) *cachedCryptoKey {
	refs := &atomic.Int64{}
	refs.Add(1)

	return &cachedCryptoKey{CryptoKey: k, refs: refs}
}

// Close decrements the reference count, closing the underlying key (and
// wiping its secret memory) only once the count reaches zero. It returns
// true if the key was actually closed.
func (c *cachedCryptoKey) Close() bool {
	if c.refs.Add(-1) > 0 {
		return false
	}

	log.Debugf("keycache: closing %s, last reference released", c.CryptoKey)
	c.CryptoKey.Close()

	return true
}

func (c *cachedCryptoKey) retain() *cachedCryptoKey {
	c.refs.Add(1)
	return c
}

type keyCacheEntry struct {
	loadedAt time.Time
	key      *cachedCryptoKey
}

func newKeyCacheEntry(k *internal.CryptoKey) keyCacheEntry {
	return keyCacheEntry{loadedAt: time.Now(), key: newCachedCryptoKey(k)}
}

func cacheKey(id string, created int64) string {
	return id + "|" + strconv.FormatInt(created, 10)
}

// keyCacher caches CryptoKeys by KeyMeta, loading through keyLoader on a
// miss or when the cached entry is stale/invalid. Implementations must be
// safe for concurrent use.
type keyCacher interface {
	GetOrLoad(meta KeyMeta, load keyLoader) (*cachedCryptoKey, error)
	GetOrLoadLatest(id string, load keyLoader) (*cachedCryptoKey, error)
	Close() error
}

// keyCache is the default keyCacher: a size-bounded LRU of keyCacheEntry
// guarded by an RWMutex, with single-flight loading on miss (the first
// caller to find a miss takes the write lock and loads; concurrent
// callers block on that same lock rather than each issuing their own
// load).
//
// Eviction can race with an in-flight holder of the evicted key; that's
// what cachedCryptoKey's reference count is for. A key evicted while
// still referenced is simply not closed yet — its last Close() call,
// whenever that comes, finishes the job.
type keyCache struct {
	policy *CryptoPolicy

	entries cache.Interface[string, keyCacheEntry]
	rw      sync.RWMutex

	latest map[string]KeyMeta

	kind string
}

var _ keyCacher = (*keyCache)(nil)

func newKeyCache(kind string, policy *CryptoPolicy) *keyCache {
	c := &keyCache{
		policy: policy,
		latest: make(map[string]KeyMeta),
		kind:   kind,
	}

	onEvict := func(key string, entry keyCacheEntry) {
		if !entry.key.Close() {
			log.Debugf("keycache(%s): evicted key %s still referenced, deferring close", kind, key)
		}
	}

	builder := cache.New[string, keyCacheEntry](policy.KeyCacheMaxSize).WithEvictFunc(onEvict)
	if policy.KeyCacheMaxSize < 100 {
		builder = builder.Synchronous()
	}

	c.entries = builder.Build()

	return c
}

func isStale(entry keyCacheEntry, checkInterval time.Duration) bool {
	if entry.key.Revoked() {
		return false
	}

	return entry.loadedAt.Add(checkInterval).Before(time.Now())
}

// GetOrLoad returns the cached key for meta, loading it via load on a
// cache miss. The returned key carries an extra reference the caller must
// release with Close.
func (c *keyCache) GetOrLoad(meta KeyMeta, load keyLoader) (*cachedCryptoKey, error) {
	c.rw.RLock()
	k, fresh := c.getFresh(meta)
	c.rw.RUnlock()

	if fresh {
		return k.retain(), nil
	}

	c.rw.Lock()
	defer c.rw.Unlock()

	if k, fresh := c.getFresh(meta); fresh {
		return k.retain(), nil
	}

	k, err := c.load(meta, load)
	if err != nil {
		return nil, err
	}

	return k.retain(), nil
}

// GetOrLoadLatest returns the cached latest key for id, loading it on a
// miss. If the cached (or freshly loaded) key has expired per policy, it
// is reloaded and the cache updated before returning.
func (c *keyCache) GetOrLoadLatest(id string, load keyLoader) (*cachedCryptoKey, error) {
	c.rw.Lock()
	defer c.rw.Unlock()

	meta := KeyMeta{ID: id}

	k, fresh := c.getFresh(meta)
	if !fresh {
		var err error

		k, err = c.load(meta, load)
		if err != nil {
			return nil, err
		}
	}

	if internal.IsInvalid(k.CryptoKey, c.policy.ExpireAfter) {
		reloaded, err := load(meta)
		if err != nil {
			return nil, err
		}

		entry := newKeyCacheEntry(reloaded)
		c.write(KeyMeta{ID: id, Created: reloaded.Created()}, entry)

		return entry.key.retain(), nil
	}

	return k.retain(), nil
}

func (c *keyCache) getFresh(meta KeyMeta) (*cachedCryptoKey, bool) {
	entry, ok := c.read(meta)
	if !ok {
		return nil, false
	}

	if isStale(entry, c.policy.RevokeCheckInterval) {
		return entry.key, false
	}

	return entry.key, true
}

func (c *keyCache) load(meta KeyMeta, load keyLoader) (*cachedCryptoKey, error) {
	k, err := load(meta)
	if err != nil {
		return nil, err
	}

	entry, ok := c.read(meta)
	if ok {
		entry.key.SetRevoked(k.Revoked())
		entry.loadedAt = time.Now()

		k.Close()
	} else {
		entry = newKeyCacheEntry(k)
	}

	c.write(meta, entry)

	return entry.key, nil
}

func (c *keyCache) read(meta KeyMeta) (keyCacheEntry, bool) {
	key := cacheKey(meta.ID, meta.Created)

	if meta.IsLatest() {
		if latest, ok := c.latest[cacheKey(meta.ID, 0)]; ok {
			key = cacheKey(latest.ID, latest.Created)
		}
	}

	return c.entries.Get(key)
}

func (c *keyCache) write(meta KeyMeta, entry keyCacheEntry) {
	if meta.IsLatest() {
		meta = KeyMeta{ID: meta.ID, Created: entry.key.Created()}
		c.latest[cacheKey(meta.ID, 0)] = meta
	} else if latest, ok := c.latest[cacheKey(meta.ID, 0)]; !ok || latest.Created < entry.key.Created() {
		c.latest[cacheKey(meta.ID, 0)] = meta
	}

	c.entries.Set(cacheKey(meta.ID, meta.Created), entry)
}

// Close closes every key still held only by the cache (refcount 1). Keys
// still referenced by an in-flight caller are left for that caller's
// Close to finish.
func (c *keyCache) Close() error {
	return c.entries.Close()
}

func (c *keyCache) String() string {
	return fmt.Sprintf("keyCache(%s){size=%d,cap=%d}", c.kind, c.entries.Len(), c.entries.Capacity())
}

// noCache is a keyCacher that never caches: every call loads fresh and
// returns a key with no cache-held reference, so the caller's Close is
// the only reference. Used when CryptoPolicy disables caching.
type noCache struct{}

var _ keyCacher = noCache{}

func (noCache) GetOrLoad(meta KeyMeta, load keyLoader) (*cachedCryptoKey, error) {
	k, err := load(meta)
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (noCache) GetOrLoadLatest(id string, load keyLoader) (*cachedCryptoKey, error) {
	k, err := load(KeyMeta{ID: id})
	if err != nil {
		return nil, err
	}

	return newCachedCryptoKey(k), nil
}

func (noCache) Close() error { return nil }
