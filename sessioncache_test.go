package envelope

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEncryption is a minimal Encryption test double.
type testEncryption struct {
	closeFunc func() error
	closed    int
	mu        sync.Mutex
}

func (e *testEncryption) EncryptPayload(context.Context, []byte) (*DataRowRecord, error) {
	return nil, nil
}

func (e *testEncryption) DecryptDataRowRecord(context.Context, DataRowRecord) ([]byte, error) {
	return nil, nil
}

func (e *testEncryption) Close() error {
	e.mu.Lock()
	e.closed++
	e.mu.Unlock()

	if e.closeFunc != nil {
		return e.closeFunc()
	}

	return nil
}

func (e *testEncryption) closeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func TestPinnedEncryption_CloseDoesNotCloseUnderlyingWhilePinned(t *testing.T) {
	inner := &testEncryption{}
	p := newPinnedEncryption(inner)
	p.retain()

	assert.NoError(t, p.Close())
	assert.Equal(t, 0, inner.closeCount(), "one pin remains, underlying must stay open")

	assert.NoError(t, p.Close())
	assert.Equal(t, 1, inner.closeCount())
}

func TestPinnedEncryption_DoubleCloseProtection(t *testing.T) {
	inner := &testEncryption{}
	p := newPinnedEncryption(inner)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())

	assert.Equal(t, 1, inner.closeCount(), "Close should only close the underlying encryption once pins reach zero")
}

func TestPinnedEncryption_ConcurrentClose(t *testing.T) {
	inner := &testEncryption{}
	p := newPinnedEncryption(inner)

	const extraPins = 10
	for i := 0; i < extraPins; i++ {
		p.retain()
	}

	var wg sync.WaitGroup
	wg.Add(extraPins + 1)

	for i := 0; i < extraPins+1; i++ {
		go func() {
			defer wg.Done()
			p.Close()
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, inner.closeCount())
}

func TestPinnedEncryption_Evict_BlocksUntilUnpinned(t *testing.T) {
	inner := &testEncryption{}
	p := newPinnedEncryption(inner)
	p.retain() // simulate one caller still holding the session

	done := make(chan struct{})

	go func() {
		p.evict()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("evict returned while a pin was still outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	p.Close() // the outstanding caller releases its pin

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("evict did not return after the last pin was released")
	}

	assert.Equal(t, 1, inner.closeCount())
}

func newTestSessionCache(t *testing.T, capacity int, ttl time.Duration) (*sessionCache, func() int) {
	t.Helper()

	var built int32

	loader := func(id string) (*Session, error) {
		built++
		return &Session{id: id, encryption: &testEncryption{}}, nil
	}

	policy := NewCryptoPolicy(WithSessionCache(), WithSessionCacheMaxSize(capacity), WithSessionCacheDuration(ttl))

	return newSessionCache(loader, policy), func() int { return int(built) }
}

func TestSessionCache_Get_CachesByID(t *testing.T) {
	c, builds := newTestSessionCache(t, 10, time.Hour)
	defer c.Close()

	s1, err := c.Get("a")
	require.NoError(t, err)
	defer s1.Close()

	s2, err := c.Get("a")
	require.NoError(t, err)
	defer s2.Close()

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, builds())
}

func TestSessionCache_Get_DifferentIDsDoNotShare(t *testing.T) {
	c, builds := newTestSessionCache(t, 10, time.Hour)
	defer c.Close()

	s1, err := c.Get("a")
	require.NoError(t, err)
	defer s1.Close()

	s2, err := c.Get("b")
	require.NoError(t, err)
	defer s2.Close()

	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, builds())
}

func TestSessionCache_Get_ExpiredEntryReloaded(t *testing.T) {
	c, builds := newTestSessionCache(t, 10, time.Millisecond)
	defer c.Close()

	s1, err := c.Get("a")
	require.NoError(t, err)
	s1.Close()

	time.Sleep(5 * time.Millisecond)

	s2, err := c.Get("a")
	require.NoError(t, err)
	defer s2.Close()

	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, builds())
}

func TestSessionCache_Len(t *testing.T) {
	c, _ := newTestSessionCache(t, 10, time.Hour)
	defer c.Close()

	assert.Equal(t, 0, c.Len())

	s, err := c.Get("a")
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, c.Len())
}

func TestSessionCache_EnforcesCapacity(t *testing.T) {
	c, _ := newTestSessionCache(t, 1, time.Hour)
	defer c.Close()

	s1, err := c.Get("a")
	require.NoError(t, err)
	s1.Close() // unpin so eviction can actually close it

	s2, err := c.Get("b")
	require.NoError(t, err)
	defer s2.Close()

	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, time.Millisecond)
}

func TestSessionCache_OverCapacityWhilePinnedGrowsWithWarning(t *testing.T) {
	c, _ := newTestSessionCache(t, 1, time.Hour)
	defer c.Close()

	s1, err := c.Get("a")
	require.NoError(t, err) // s1 stays pinned (not Closed), so it can't be evicted

	s2, err := c.Get("b")
	require.NoError(t, err)
	defer s2.Close()
	defer s1.Close()

	assert.Equal(t, 2, c.Len(), "a still-pinned LRU victim must not be evicted out from under its caller")
	assert.Equal(t, 1, c.overflow)
}

func TestSessionCache_Close_WaitsForPinnedSessions(t *testing.T) {
	c, _ := newTestSessionCache(t, 10, time.Hour)

	s, err := c.Get("a")
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() {
		done <- c.Close()
	}()

	select {
	case <-done:
		t.Fatal("Close returned before the outstanding session was released")
	case <-time.After(20 * time.Millisecond):
	}

	s.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the last pin was released")
	}
}

func TestSessionCache_Close_Idempotent(t *testing.T) {
	c, _ := newTestSessionCache(t, 10, time.Hour)

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestSessionCache_Get_AfterCloseReturnsError(t *testing.T) {
	c, _ := newTestSessionCache(t, 10, time.Hour)
	require.NoError(t, c.Close())

	_, err := c.Get("a")
	assert.ErrorIs(t, err, ErrSecretClosed)
}
