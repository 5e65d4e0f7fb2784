package envelope

import (
	"container/list"
	"sync"
	"time"

	"github.com/sentrykey/envelope/pkg/log"
)

// pinnedEncryption wraps a Session's real Encryption so that the session
// cache can track how many callers currently hold the Session. The
// cache's own reference counts as one pin; GetSession adds one more per
// caller. Close only releases the underlying engine once every pin,
// including the cache's, has been released — so a Session still in use
// when its cache entry is evicted (LRU or TTL) survives until its last
// caller is done with it.
type pinnedEncryption struct {
	Encryption

	mu   sync.Mutex
	cond *sync.Cond
	pins int
	done bool
}

func newPinnedEncryption(inner Encryption) *pinnedEncryption {
	p := &pinnedEncryption{Encryption: inner, pins: 1}
	p.cond = sync.NewCond(&p.mu)

	return p
}

func (p *pinnedEncryption) retain() {
	p.mu.Lock()
	p.pins++
	p.mu.Unlock()
}

// Close implements Encryption.Close for a pinned session: it releases one
// pin and only actually closes the wrapped engine once no pins remain. The
// done flag guards against a race with evict: whichever of the two sees
// pins reach zero first performs the close, not both.
func (p *pinnedEncryption) Close() error {
	p.mu.Lock()
	p.pins--
	shouldClose := p.pins == 0 && !p.done
	if shouldClose {
		p.done = true
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	if shouldClose {
		return p.Encryption.Close()
	}

	return nil
}

// evict releases the cache's own pin (called once, when the entry leaves
// the cache) and blocks until every other caller has released theirs,
// then closes the underlying engine. Runs on its own goroutine so cache
// eviction never blocks on a still-in-use session.
func (p *pinnedEncryption) evict() {
	p.mu.Lock()
	p.pins--

	for p.pins > 0 {
		p.cond.Wait()
	}

	shouldClose := !p.done
	if shouldClose {
		p.done = true
	}
	p.mu.Unlock()

	if shouldClose {
		_ = p.Encryption.Close()
	}
}

func (p *pinnedEncryption) pinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.pins
}

type sessionEntry struct {
	id       string
	session  *Session
	loadedAt time.Time
	elem     *list.Element
}

// sessionCache is a bounded, TTL-expiring cache of Sessions keyed by
// partition ID, with use-count pinning: a Session still pinned by an
// active caller when it would otherwise be evicted is kept past its
// normal bound rather than being torn down out from under that caller.
// Construction is single-flight per id (the whole-cache lock is held
// across a miss's construction) since building a Session is cheap next to
// the I/O a caller will do with it.
type sessionCache struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	order   *list.List // front = most recently used

	capacity int
	ttl      time.Duration
	loader   func(id string) (*Session, error)

	closed bool

	// overflow counts how many times enforceCapacityLocked has kept a
	// still-pinned LRU victim past capacity ("grow-with-warn"). It is never
	// decremented. Read by tests, not by external callers.
	overflow int
}

func newSessionCache(loader func(id string) (*Session, error), policy *CryptoPolicy) *sessionCache {
	return &sessionCache{
		entries:  make(map[string]*sessionEntry),
		order:    list.New(),
		capacity: policy.SessionCacheMaxSize,
		ttl:      policy.SessionCacheDuration,
		loader:   loader,
	}
}

func (c *sessionCache) expired(e *sessionEntry) bool {
	return c.ttl > 0 && time.Now().After(e.loadedAt.Add(c.ttl))
}

// Get returns the cached Session for id, constructing and caching one via
// the factory's loader on a miss or on TTL expiry. The returned Session
// carries a pin that must be released by calling its Close.
func (c *sessionCache) Get(id string) (*Session, error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrSecretClosed
	}

	if e, ok := c.entries[id]; ok && !c.expired(e) {
		c.order.MoveToFront(e.elem)
		e.session.encryption.(*pinnedEncryption).retain()
		sessionCacheHits.Inc(1)
		c.mu.Unlock()

		return e.session, nil
	} else if ok {
		c.evictLocked(id, e)
	}

	sessionCacheMisses.Inc(1)

	s, err := c.loader(id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	s.encryption = newPinnedEncryption(s.encryption)

	// Pin for the caller before the capacity sweep: otherwise a brand new
	// entry is indistinguishable from an idle evictable one (both show
	// pinCount 1) and enforceCapacityLocked could evict it out from under
	// the caller that's about to receive it.
	s.encryption.(*pinnedEncryption).retain()

	e := &sessionEntry{id: id, session: s, loadedAt: time.Now()}
	e.elem = c.order.PushFront(e)
	c.entries[id] = e

	c.enforceCapacityLocked()

	c.mu.Unlock()

	return s, nil
}

// enforceCapacityLocked evicts least-recently-used entries down to
// capacity. An entry whose Session is still pinned by a caller (pin count
// above the cache's own 1) is left in place and counted in c.overflow
// rather than blocking Get on it — a pinned session that is also the LRU
// victim almost always means it's about to be unpinned anyway, and
// blocking new callers on that is worse than a transient overflow.
func (c *sessionCache) enforceCapacityLocked() {
	for c.order.Len() > c.capacity {
		back := c.order.Back()
		e := back.Value.(*sessionEntry)

		if e.session.encryption.(*pinnedEncryption).pinCount() > 1 {
			log.Debugf("sessioncache: capacity exceeded, LRU entry %s still pinned, growing past %d", e.id, c.capacity)
			c.overflow++

			// Move it out of immediate eviction contention so we don't spin
			// on the same pinned entry; the next least-recently-used one
			// gets a chance to evict instead.
			c.order.MoveToFront(back)

			if c.allPinned() {
				return
			}

			continue
		}

		c.evictLocked(e.id, e)
	}
}

func (c *sessionCache) allPinned() bool {
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*sessionEntry)
		if e.session.encryption.(*pinnedEncryption).pinCount() <= 1 {
			return false
		}
	}

	return true
}

func (c *sessionCache) evictLocked(id string, e *sessionEntry) {
	delete(c.entries, id)
	c.order.Remove(e.elem)

	go e.session.encryption.(*pinnedEncryption).evict()
}

// Len reports the number of entries currently cached, including any kept
// past capacity by the grow-with-warn overflow path.
func (c *sessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.order.Len()
}

// Close evicts every cached entry, waiting for any still-pinned session
// to be released by its last caller before its engine is closed.
func (c *sessionCache) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true

	var wg sync.WaitGroup

	for id, e := range c.entries {
		wg.Add(1)

		pe := e.session.encryption.(*pinnedEncryption)

		go func() {
			defer wg.Done()
			pe.evict()
		}()

		delete(c.entries, id)
	}

	c.order.Init()

	c.mu.Unlock()

	wg.Wait()

	return nil
}
