package envelope

import "time"

// Default values for CryptoPolicy, chosen to match the values this module's
// dependent services have run in production for years.
const (
	DefaultExpireAfter           = 90 * 24 * time.Hour
	DefaultRevokeCheckInterval   = 60 * time.Minute
	DefaultCreateDatePrecision   = time.Minute
	DefaultKeyCacheMaxSize       = 1000
	DefaultSessionCacheMaxSize   = 1000
	DefaultSessionCacheDuration  = 2 * time.Hour
	DefaultSessionCacheEvictOnly = false
)

// CryptoPolicy controls key lifetime, caching, and session-cache behavior
// for a SessionFactory. Build one with NewCryptoPolicy and PolicyOptions;
// the zero value is not valid (use NewCryptoPolicy instead).
type CryptoPolicy struct {
	// ExpireAfter is how long a system or intermediate key remains valid
	// after its creation time before it is treated as expired and a new
	// one is created on next use.
	ExpireAfter time.Duration

	// RevokeCheckInterval bounds how often a cached key's revoked status
	// is re-checked against the metastore once the cache has decided the
	// key is otherwise still valid.
	RevokeCheckInterval time.Duration

	// CreateDatePrecision truncates key creation timestamps, so that
	// concurrent callers racing to create the "same" new key are more
	// likely to collide on Store (and therefore fall back to loading
	// the winner) instead of each creating their own.
	CreateDatePrecision time.Duration

	// CacheSystemKeys and CacheIntermediateKeys control whether loaded
	// system/intermediate keys are cached at all. Disabling a cache
	// trades latency for a smaller in-memory secret footprint.
	CacheSystemKeys       bool
	CacheIntermediateKeys bool

	// SharedIntermediateKeyCache, when true, shares a single intermediate
	// key cache across all partitions opened from the same
	// SessionFactory rather than giving each partition its own. Useful
	// when the number of distinct partitions is large and partitions
	// share few intermediate keys, to bound total cached key count.
	SharedIntermediateKeyCache bool

	// KeyCacheMaxSize bounds the number of distinct (id, created) entries
	// held by a single key cache.
	KeyCacheMaxSize int

	// SessionCacheEnabled turns on the session cache (C9). Disabled by
	// default: most callers get a Session per request and closing it
	// promptly is both correct and cheap, since the expensive part
	// (system/intermediate key material) is already cached at the key
	// cache layer.
	SessionCacheEnabled bool

	// SessionCacheMaxSize bounds the number of distinct sessions held by
	// the session cache, not counting sessions pinned by active use.
	SessionCacheMaxSize int

	// SessionCacheDuration is the TTL an idle (unpinned) cached session
	// survives before being evicted.
	SessionCacheDuration time.Duration

	// KeyRotationStrategy controls whether expired system/intermediate
	// keys are refreshed inline (the default) or by a background
	// goroutine. See KeyRotationInline and KeyRotationQueued.
	KeyRotationStrategy KeyRotationStrategy
}

// KeyRotationStrategy controls how a SessionFactory refreshes a system or
// intermediate key once it's expired or its RevokeCheckInterval elapses.
type KeyRotationStrategy int

const (
	// KeyRotationInline refreshes a key synchronously, as part of
	// whichever EncryptPayload/DecryptDataRowRecord call first notices
	// the cached key is stale or invalid. This is the default.
	KeyRotationInline KeyRotationStrategy = iota

	// KeyRotationQueued refreshes keys out of band instead: the
	// SessionFactory runs a background goroutine that, every
	// RevokeCheckInterval, re-checks every partition touched since the
	// previous tick and eagerly reloads its system and intermediate
	// keys, so an inline caller usually finds them already warm. It is
	// best-effort — a partition untouched since the last tick is not
	// proactively rotated until it's touched again.
	KeyRotationQueued
)

// PolicyOption configures a CryptoPolicy.
type PolicyOption func(*CryptoPolicy)

// WithExpireAfterDuration overrides DefaultExpireAfter.
func WithExpireAfterDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.ExpireAfter = d }
}

// WithRevokeCheckInterval overrides DefaultRevokeCheckInterval.
func WithRevokeCheckInterval(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.RevokeCheckInterval = d }
}

// WithCreateDatePrecision overrides DefaultCreateDatePrecision.
func WithCreateDatePrecision(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) { p.CreateDatePrecision = d }
}

// WithNoCache disables both the system key and intermediate key caches.
// Every EncryptPayload/DecryptDataRowRecord call will hit the metastore
// and KMS directly. Intended for tests and for callers with their own
// caching layer above this one.
func WithNoCache() PolicyOption {
	return func(p *CryptoPolicy) {
		p.CacheSystemKeys = false
		p.CacheIntermediateKeys = false
	}
}

// WithSharedIntermediateKeyCache enables CryptoPolicy.SharedIntermediateKeyCache.
func WithSharedIntermediateKeyCache() PolicyOption {
	return func(p *CryptoPolicy) { p.SharedIntermediateKeyCache = true }
}

// WithKeyCacheMaxSize overrides DefaultKeyCacheMaxSize.
func WithKeyCacheMaxSize(n int) PolicyOption {
	return func(p *CryptoPolicy) { p.KeyCacheMaxSize = n }
}

// WithSessionCache enables the session cache with its default size and
// duration.
func WithSessionCache() PolicyOption {
	return func(p *CryptoPolicy) { p.SessionCacheEnabled = true }
}

// WithSessionCacheMaxSize implies WithSessionCache and overrides
// DefaultSessionCacheMaxSize.
func WithSessionCacheMaxSize(n int) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SessionCacheEnabled = true
		p.SessionCacheMaxSize = n
	}
}

// WithSessionCacheDuration implies WithSessionCache and overrides
// DefaultSessionCacheDuration.
func WithSessionCacheDuration(d time.Duration) PolicyOption {
	return func(p *CryptoPolicy) {
		p.SessionCacheEnabled = true
		p.SessionCacheDuration = d
	}
}

// WithKeyRotationStrategy overrides the default KeyRotationInline.
func WithKeyRotationStrategy(s KeyRotationStrategy) PolicyOption {
	return func(p *CryptoPolicy) { p.KeyRotationStrategy = s }
}

// NewCryptoPolicy builds a CryptoPolicy from the defaults plus opts.
func NewCryptoPolicy(opts ...PolicyOption) *CryptoPolicy {
	p := &CryptoPolicy{
		ExpireAfter:           DefaultExpireAfter,
		RevokeCheckInterval:   DefaultRevokeCheckInterval,
		CreateDatePrecision:   DefaultCreateDatePrecision,
		CacheSystemKeys:       true,
		CacheIntermediateKeys: true,
		KeyCacheMaxSize:       DefaultKeyCacheMaxSize,
		SessionCacheMaxSize:   DefaultSessionCacheMaxSize,
		SessionCacheDuration:  DefaultSessionCacheDuration,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// newKeyTimestamp truncates now to the policy's CreateDatePrecision.
func (p *CryptoPolicy) newKeyTimestamp(now time.Time) int64 {
	return now.Truncate(p.CreateDatePrecision).Unix()
}

// isExpired reports whether a key created at createdUnix has outlived
// p.ExpireAfter as of now.
func (p *CryptoPolicy) isExpired(createdUnix int64, now time.Time) bool {
	created := time.Unix(createdUnix, 0)
	return now.After(created.Add(p.ExpireAfter))
}

// Config bundles the identifiers that scope every key a SessionFactory
// creates: Service and Product name the application and compose into the
// system key id shared by every partition the factory opens.
type Config struct {
	Service string
	Product string
}
