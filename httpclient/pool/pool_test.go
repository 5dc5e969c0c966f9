package pool

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	dead   atomic.Bool
	closed atomic.Int32
}

func (c *fakeConn) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeConn) Alive() bool { return !c.dead.Load() }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var (
	keyA = Key{Scheme: "http", Host: "a.test", Port: "80"}
	keyB = Key{Scheme: "https", Host: "b.test", Port: "443"}
)

func TestKey_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://a.test:80", keyA.String())
	proxied := keyA
	proxied.Proxy = "http://proxy:3128"
	assert.Equal(t, "http://a.test:80 via http://proxy:3128", proxied.String())
	assert.NotEqual(t, keyA, proxied)
}

func TestPool_CheckoutRelease(t *testing.T) {
	t.Parallel()

	t.Run("given empty pool, then checkout misses", func(t *testing.T) {
		t.Parallel()

		p := New(Config{})
		_, ok := p.Checkout(keyA)
		assert.False(t, ok)
		assert.Equal(t, int64(1), p.Stats().Misses)
	})

	t.Run("given released entry, then checkout returns it once", func(t *testing.T) {
		t.Parallel()

		p := New(Config{})
		e := NewEntry(&fakeConn{}, "http/1.1")
		p.Release(keyA, e, true)
		assert.Equal(t, 1, p.Len())

		got, ok := p.Checkout(keyA)
		require.True(t, ok)
		assert.Same(t, e, got)
		assert.Equal(t, 1, got.Reuses())

		_, ok = p.Checkout(keyA)
		assert.False(t, ok)
	})

	t.Run("given entry for another key, then it is not shared", func(t *testing.T) {
		t.Parallel()

		p := New(Config{})
		p.Release(keyA, NewEntry(&fakeConn{}, "http/1.1"), true)

		_, ok := p.Checkout(keyB)
		assert.False(t, ok)
		assert.Equal(t, 1, p.Len())
	})

	t.Run("given non reusable release, then connection is closed", func(t *testing.T) {
		t.Parallel()

		p := New(Config{})
		conn := &fakeConn{}
		assert.False(t, p.Release(keyA, NewEntry(conn, "http/1.1"), false))

		assert.Equal(t, int32(1), conn.closed.Load())
		assert.Equal(t, 0, p.Len())
	})

	t.Run("given double release, then entry is stored once", func(t *testing.T) {
		t.Parallel()

		p := New(Config{MaxIdlePerHost: 5})
		e := NewEntry(&fakeConn{}, "http/1.1")
		assert.True(t, p.Release(keyA, e, true))
		assert.False(t, p.Release(keyA, e, true))

		assert.Equal(t, 1, p.Len())
	})

	t.Run("given pooling disabled, then every release closes", func(t *testing.T) {
		t.Parallel()

		p := New(Config{MaxIdlePerHost: -1})
		conn := &fakeConn{}
		p.Release(keyA, NewEntry(conn, "http/1.1"), true)

		assert.Equal(t, int32(1), conn.closed.Load())
		assert.Equal(t, 0, p.Len())
	})
}

func TestPool_MostRecentlyUsedFirst(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxIdlePerHost: 3})
	first := NewEntry(&fakeConn{}, "http/1.1")
	second := NewEntry(&fakeConn{}, "http/1.1")
	p.Release(keyA, first, true)
	p.Release(keyA, second, true)

	got, ok := p.Checkout(keyA)
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestPool_Capacity(t *testing.T) {
	t.Parallel()

	var reasons []EvictReason
	var mu sync.Mutex
	p := New(Config{
		MaxIdlePerHost: 2,
		OnEvict: func(_ Key, r EvictReason) {
			mu.Lock()
			reasons = append(reasons, r)
			mu.Unlock()
		},
	})

	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		p.Release(keyA, NewEntry(c, "http/1.1"), true)
	}

	assert.Equal(t, 2, p.Len())
	assert.Equal(t, int32(1), conns[0].closed.Load(), "least recently used is evicted")
	assert.Equal(t, int32(0), conns[2].closed.Load())
	assert.Equal(t, []EvictReason{EvictCapacity}, reasons)
}

func TestPool_IdleTimeout(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := New(Config{IdleTimeout: time.Minute, Now: clock.Now})

	conn := &fakeConn{}
	p.Release(keyA, NewEntry(conn, "http/1.1"), true)
	clock.Advance(2 * time.Minute)

	_, ok := p.Checkout(keyA)
	assert.False(t, ok)
	assert.Equal(t, int32(1), conn.closed.Load())
	assert.Equal(t, int64(1), p.Stats().Evictions)
}

func TestPool_DeadConnectionSkipped(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxIdlePerHost: 4})
	live := NewEntry(&fakeConn{}, "http/1.1")
	deadConn := &fakeConn{}
	deadConn.dead.Store(true)
	dead := NewEntry(deadConn, "http/1.1")

	p.Release(keyA, live, true)
	p.Release(keyA, dead, true)

	got, ok := p.Checkout(keyA)
	require.True(t, ok)
	assert.Same(t, live, got)
	assert.Equal(t, int32(1), deadConn.closed.Load())
}

func TestPool_CloseIdle(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	a, b := &fakeConn{}, &fakeConn{}
	p.Release(keyA, NewEntry(a, "http/1.1"), true)
	p.Release(keyB, NewEntry(b, "http/1.1"), true)

	p.CloseIdle()

	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int32(1), a.closed.Load())
	assert.Equal(t, int32(1), b.closed.Load())
}

func TestPool_ConcurrentExclusiveCheckout(t *testing.T) {
	t.Parallel()

	p := New(Config{MaxIdlePerHost: 64})
	for range 32 {
		p.Release(keyA, NewEntry(&fakeConn{}, "http/1.1"), true)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e, ok := p.Checkout(keyA); ok {
				mu.Lock()
				seen[e.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 32)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %s checked out more than once", id)
	}
}

func TestPool_Stats(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p := New(Config{Now: clock.Now})
	p.Release(keyA, NewEntry(&fakeConn{}, "http/1.1"), true)
	clock.Advance(5 * time.Second)

	_, _ = p.Checkout(keyB)

	s := p.Stats()
	assert.Equal(t, 1, s.Idle)
	assert.Equal(t, int64(1), s.Misses)
	require.Len(t, s.Hosts, 1)
	assert.Equal(t, keyA, s.Hosts[0].Key)
	assert.Equal(t, 5*time.Second, s.Hosts[0].OldestIdle)
}

func TestCollector(t *testing.T) {
	t.Parallel()

	p := New(Config{})
	p.Release(keyA, NewEntry(&fakeConn{}, "http/1.1"), true)
	_, _ = p.Checkout(keyB)

	c := NewCollector(p, "courier")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	assert.Equal(t, 6, testutil.CollectAndCount(c))

	expected := `
# HELP courier_pool_checkout_misses_total Checkouts that found no idle connection.
# TYPE courier_pool_checkout_misses_total counter
courier_pool_checkout_misses_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "courier_pool_checkout_misses_total"))
}
