// Package pool implements the idle-connection cache keyed by destination.
//
// The pool never dials. Callers check out an idle Entry for a Key, use it
// exclusively, and hand it back with Release. While checked out an Entry is
// owned by the caller and is invisible to every other caller.
//
// Example:
//
//	p := pool.New(pool.Config{MaxIdlePerHost: 4, IdleTimeout: 90 * time.Second})
//	key := pool.Key{Scheme: "https", Host: "api.example.com", Port: "443"}
//
//	e, ok := p.Checkout(key)
//	if !ok {
//	    e = pool.NewEntry(dial(), "http/1.1")
//	}
//	// ... use e.Conn ...
//	p.Release(key, e, true)
package pool

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Default configuration values.
const (
	DefaultMaxIdlePerHost = 2
	DefaultIdleTimeout    = 90 * time.Second
)

// EvictReason explains why a connection left the pool without being reused.
type EvictReason string

const (
	// EvictExpired is used when a connection sat idle longer than IdleTimeout.
	EvictExpired EvictReason = "expired"
	// EvictCapacity is used when a host bucket exceeded MaxIdlePerHost.
	EvictCapacity EvictReason = "capacity"
	// EvictDead is used when the liveness probe failed at checkout.
	EvictDead EvictReason = "dead"
	// EvictClosed is used by CloseIdle.
	EvictClosed EvictReason = "closed"
)

// Key identifies the destination a connection was established for.
//
// Two requests may share a connection only when their keys are equal, so a
// proxied and a direct connection to the same origin never mix.
type Key struct {
	Scheme string
	Host   string
	Port   string
	// Proxy identifies the proxy the connection tunnels through, or is empty
	// for direct connections. It must not carry credentials.
	Proxy string
}

// String returns a compact textual form used in logs and metric labels.
func (k Key) String() string {
	s := k.Scheme + "://" + k.Host + ":" + k.Port
	if k.Proxy != "" {
		s += " via " + k.Proxy
	}
	return s
}

// Conn is the minimal behavior the pool needs from a transport connection.
type Conn interface {
	io.Closer
	// Alive performs a cheap non-blocking probe. It returns false when the
	// peer has closed the connection or sent unsolicited data.
	Alive() bool
}

// Entry is a pooled connection plus its bookkeeping.
type Entry struct {
	ID       string
	Conn     Conn
	Protocol string
	Created  time.Time

	lastUsed time.Time
	reuses   int
	idle     bool
}

// NewEntry wraps a freshly established connection.
func NewEntry(conn Conn, protocol string) *Entry {
	now := time.Now()
	return &Entry{
		ID:       uuid.NewString(),
		Conn:     conn,
		Protocol: protocol,
		Created:  now,
		lastUsed: now,
	}
}

// LastUsed returns when the entry was last released to the pool.
func (e *Entry) LastUsed() time.Time { return e.lastUsed }

// Reuses returns how many times the entry was handed out from the pool.
func (e *Entry) Reuses() int { return e.reuses }

// Config configures a Pool.
type Config struct {
	// MaxIdlePerHost bounds idle connections per Key. Zero selects
	// DefaultMaxIdlePerHost; a negative value disables pooling.
	MaxIdlePerHost int

	// IdleTimeout is how long an idle connection may be kept. Zero selects
	// DefaultIdleTimeout; a negative value disables expiry.
	IdleTimeout time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// OnEvict is called, outside any lock, for every connection the pool
	// closes on its own initiative.
	OnEvict func(key Key, reason EvictReason)
}

func (c Config) withDefaults() Config {
	if c.MaxIdlePerHost == 0 {
		c.MaxIdlePerHost = DefaultMaxIdlePerHost
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type bucket struct {
	mu   sync.Mutex
	idle []*Entry // oldest first; most recently released at the tail
}

// Pool is a concurrency-safe cache of idle connections.
type Pool struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[Key]*bucket

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:     cfg.withDefaults(),
		buckets: make(map[Key]*bucket),
	}
}

func (p *Pool) bucket(key Key, create bool) *bucket {
	p.mu.RLock()
	b := p.buckets[key]
	p.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b = p.buckets[key]; b == nil {
		b = &bucket{}
		p.buckets[key] = b
	}
	return b
}

type evicted struct {
	entry  *Entry
	reason EvictReason
}

func (p *Pool) expired(e *Entry, now time.Time) bool {
	return p.cfg.IdleTimeout > 0 && now.Sub(e.lastUsed) > p.cfg.IdleTimeout
}

// Checkout removes and returns the most recently used live idle connection
// for key. Expired or dead connections found on the way are closed.
func (p *Pool) Checkout(key Key) (*Entry, bool) {
	b := p.bucket(key, false)
	if b == nil {
		p.misses.Add(1)
		return nil, false
	}

	for {
		now := p.cfg.Now()
		var stale []evicted

		b.mu.Lock()
		var candidate *Entry
		for len(b.idle) > 0 {
			last := len(b.idle) - 1
			e := b.idle[last]
			b.idle[last] = nil
			b.idle = b.idle[:last]
			e.idle = false
			if p.expired(e, now) {
				stale = append(stale, evicted{e, EvictExpired})
				continue
			}
			candidate = e
			break
		}
		b.mu.Unlock()

		p.evict(key, stale)

		if candidate == nil {
			p.misses.Add(1)
			return nil, false
		}
		// Probe outside the lock; a slow probe must not stall other hosts or
		// other callers of this bucket.
		if !candidate.Conn.Alive() {
			p.evict(key, []evicted{{candidate, EvictDead}})
			continue
		}

		candidate.reuses++
		p.hits.Add(1)
		return candidate, true
	}
}

// Release returns a connection to the pool and reports whether it was kept.
// Connections that are not reusable are closed. When the bucket exceeds
// MaxIdlePerHost the least recently used entry is closed instead. Releasing
// an entry that is already idle is a no-op returning false.
func (p *Pool) Release(key Key, e *Entry, reusable bool) bool {
	if e == nil {
		return false
	}
	if !reusable || p.cfg.MaxIdlePerHost < 0 {
		_ = e.Conn.Close()
		return false
	}

	now := p.cfg.Now()
	b := p.bucket(key, true)
	var stale []evicted

	b.mu.Lock()
	if e.idle {
		b.mu.Unlock()
		return false
	}
	e.idle = true
	e.lastUsed = now

	live := b.idle[:0]
	for _, old := range b.idle {
		if p.expired(old, now) {
			old.idle = false
			stale = append(stale, evicted{old, EvictExpired})
			continue
		}
		live = append(live, old)
	}
	clear(b.idle[len(live):])
	b.idle = append(live, e)

	for len(b.idle) > p.cfg.MaxIdlePerHost {
		lru := b.idle[0]
		lru.idle = false
		stale = append(stale, evicted{lru, EvictCapacity})
		b.idle[0] = nil
		b.idle = b.idle[1:]
	}
	kept := e.idle
	b.mu.Unlock()

	p.evict(key, stale)
	return kept
}

func (p *Pool) evict(key Key, list []evicted) {
	for _, ev := range list {
		_ = ev.entry.Conn.Close()
		p.evictions.Add(1)
		if p.cfg.OnEvict != nil {
			p.cfg.OnEvict(key, ev.reason)
		}
	}
}

// CloseIdle closes every idle connection. Checked-out connections are not
// affected and may still be released afterwards.
func (p *Pool) CloseIdle() {
	p.mu.RLock()
	keys := make([]Key, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.RUnlock()

	for _, k := range keys {
		b := p.bucket(k, false)
		if b == nil {
			continue
		}
		b.mu.Lock()
		list := make([]evicted, 0, len(b.idle))
		for _, e := range b.idle {
			e.idle = false
			list = append(list, evicted{e, EvictClosed})
		}
		b.idle = nil
		b.mu.Unlock()
		p.evict(k, list)
	}
}

// Len returns the number of idle connections across all hosts.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := 0
	for _, b := range p.buckets {
		b.mu.Lock()
		n += len(b.idle)
		b.mu.Unlock()
	}
	return n
}

// HostStats describes the idle connections of one Key.
type HostStats struct {
	Key        Key
	Idle       int
	OldestIdle time.Duration
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Idle      int
	Hits      int64
	Misses    int64
	Evictions int64
	Hosts     []HostStats
}

// Stats returns a snapshot of the pool counters and idle connections.
func (p *Pool) Stats() Stats {
	now := p.cfg.Now()
	s := Stats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Evictions: p.evictions.Load(),
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for k, b := range p.buckets {
		b.mu.Lock()
		hs := HostStats{Key: k, Idle: len(b.idle)}
		if len(b.idle) > 0 {
			hs.OldestIdle = now.Sub(b.idle[0].lastUsed)
		}
		b.mu.Unlock()
		if hs.Idle == 0 {
			continue
		}
		s.Idle += hs.Idle
		s.Hosts = append(s.Hosts, hs)
	}
	return s
}
