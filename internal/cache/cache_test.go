package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/sentrykey/envelope/internal/cache"
)

type CacheSuite struct {
	suite.Suite
	cache  cache.Interface[int, string]
	clock  *fakeClock
	expiry time.Duration
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheSuite))
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) SetNow(now time.Time) { c.now = now }

func (suite *CacheSuite) SetupTest() {
	suite.clock = &fakeClock{now: time.Now()}
	suite.expiry = time.Hour

	suite.cache = cache.New[int, string](2).WithClock(suite.clock).WithExpiry(suite.expiry).Build()
}

func (suite *CacheSuite) TearDownTest() {
	suite.cache.Close()
}

func (suite *CacheSuite) TestNew() {
	suite.Assert().Equal(0, suite.cache.Len())
	suite.Assert().Equal(2, suite.cache.Capacity())
}

func (suite *CacheSuite) TestSetGet() {
	suite.cache.Set(1, "one")

	v, ok := suite.cache.Get(1)
	suite.Assert().True(ok)
	suite.Assert().Equal("one", v)
}

func (suite *CacheSuite) TestGet_Missing() {
	v, ok := suite.cache.Get(99)
	suite.Assert().False(ok)
	suite.Assert().Empty(v)
}

func (suite *CacheSuite) TestSet_UpdatesExisting() {
	suite.cache.Set(1, "one")
	suite.cache.Set(1, "uno")

	v, ok := suite.cache.Get(1)
	suite.Assert().True(ok)
	suite.Assert().Equal("uno", v)
	suite.Assert().Equal(1, suite.cache.Len())
}

func (suite *CacheSuite) TestDelete() {
	suite.cache.Set(1, "one")

	suite.Assert().True(suite.cache.Delete(1))
	suite.Assert().False(suite.cache.Delete(1))

	_, ok := suite.cache.Get(1)
	suite.Assert().False(ok)
}

func (suite *CacheSuite) TestClosing() {
	suite.Assert().NoError(suite.cache.Close())

	suite.cache.Set(1, "one")
	suite.Assert().Equal(0, suite.cache.Len())

	_, ok := suite.cache.Get(1)
	suite.Assert().False(ok)

	suite.Assert().False(suite.cache.Delete(1))

	suite.Assert().NoError(suite.cache.Close())
}

func (suite *CacheSuite) TestExpiry() {
	suite.cache.Set(1, "one")
	suite.cache.Set(2, "two")

	one, ok := suite.cache.Get(1)
	suite.Assert().Equal("one", one)
	suite.Assert().True(ok)

	two, ok := suite.cache.Get(2)
	suite.Assert().Equal("two", two)
	suite.Assert().True(ok)

	suite.clock.SetNow(suite.clock.Now().Add(suite.expiry + time.Second))

	_, ok = suite.cache.Get(1)
	suite.Assert().False(ok)

	_, ok = suite.cache.Get(2)
	suite.Assert().False(ok)
}

func (suite *CacheSuite) TestNoExpiry() {
	c := cache.New[int, string](2).Build()
	defer c.Close()

	c.Set(1, "one")

	// without WithExpiry, entries never expire regardless of elapsed time
	v, ok := c.Get(1)
	suite.Assert().True(ok)
	suite.Assert().Equal("one", v)
}

func (suite *CacheSuite) TestLRUEviction() {
	c := cache.New[int, string](2).Build()
	defer c.Close()

	c.Set(1, "one")
	c.Set(2, "two")

	// touch 1 so it's most recently used, leaving 2 as the eviction target
	c.Get(1)

	c.Set(3, "three")

	suite.Assert().Equal(2, c.Len())

	_, ok := c.Get(2)
	suite.Assert().False(ok, "least recently used entry should have been evicted")

	_, ok = c.Get(1)
	suite.Assert().True(ok)

	_, ok = c.Get(3)
	suite.Assert().True(ok)
}

func (suite *CacheSuite) TestEvictFunc_CalledOnEviction() {
	type evictedPair struct {
		key   int
		value string
	}

	evicted := make(chan evictedPair, 1)

	c := cache.New[int, string](1).
		Synchronous().
		WithEvictFunc(func(key int, value string) {
			evicted <- evictedPair{key, value}
		}).
		Build()
	defer c.Close()

	c.Set(1, "one")
	c.Set(2, "two")

	select {
	case p := <-evicted:
		suite.Assert().Equal(1, p.key)
		suite.Assert().Equal("one", p.value)
	case <-time.After(time.Second):
		suite.Fail("evict func was not invoked")
	}
}

func (suite *CacheSuite) TestEvictFunc_CalledOnClose() {
	evicted := make(map[int]string)

	c := cache.New[int, string](2).
		Synchronous().
		WithEvictFunc(func(key int, value string) {
			evicted[key] = value
		}).
		Build()

	c.Set(1, "one")
	c.Set(2, "two")

	suite.Assert().NoError(c.Close())

	suite.Assert().Equal(map[int]string{1: "one", 2: "two"}, evicted)
}

func (suite *CacheSuite) TestDelete_InvokesEvictFunc() {
	evicted := make(chan int, 1)

	c := cache.New[int, string](2).
		Synchronous().
		WithEvictFunc(func(key int, value string) {
			evicted <- key
		}).
		Build()
	defer c.Close()

	c.Set(1, "one")
	suite.Assert().True(c.Delete(1))

	select {
	case k := <-evicted:
		suite.Assert().Equal(1, k)
	case <-time.After(time.Second):
		suite.Fail("evict func was not invoked on delete")
	}
}
