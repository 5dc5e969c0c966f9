// Package connector acquires transport connections for the client core.
//
// A Connector first asks the pool for an idle connection to the request's
// destination. On a miss it resolves the host, dials it, optionally tunnels
// through a proxy, and performs the TLS handshake for https destinations.
// The result is a Lease: exclusive ownership of one connection until it is
// released back to the pool or discarded.
//
// Each step is delegated to a pluggable collaborator (Resolver, Dialer,
// TLSProvider) and reported through net/http/httptrace hooks found on the
// context, so the client's tracing code observes the same events it would
// observe with net/http.
//
// Example:
//
//	c := connector.New(pool.New(pool.Config{}), connector.Options{})
//	lease, err := c.Acquire(ctx, u)
//	if err != nil {
//	    return err
//	}
//	resp, err := connector.HTTP1{}.RoundTrip(ctx, lease.Conn(), req)
//	// ... read resp.Body ...
//	lease.Release(!resp.Close)
package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http/httptrace"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/courier-go/httpclient/pool"
)

// Protocol negotiated by the default engine.
const ProtocolHTTP11 = "http/1.1"

// Default values applied by New.
const (
	DefaultConnectTimeout      = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultBufferSize          = 4 << 10
)

// Resolver maps a host name to addresses.
//
// *net.Resolver satisfies this interface.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, host string) ([]string, error)

// LookupHost calls f.
func (f ResolverFunc) LookupHost(ctx context.Context, host string) ([]string, error) {
	return f(ctx, host)
}

// Dialer establishes transport connections.
//
// *net.Dialer satisfies this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f.
func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// TLSProvider performs the client side of a TLS handshake over conn.
//
// It returns the secured connection and the negotiated application protocol
// (empty when none was negotiated).
type TLSProvider interface {
	Handshake(ctx context.Context, conn net.Conn, serverName string) (net.Conn, string, error)
}

// ProxyFunc selects the proxy for a destination. A nil URL means direct.
type ProxyFunc func(*url.URL) (*url.URL, error)

// Observer receives connection lifecycle measurements.
//
// Implementations must be safe for concurrent use. Embed NopObserver to
// implement a subset.
type Observer interface {
	PoolHit(key pool.Key)
	PoolMiss(key pool.Key)
	Resolved(host string, d time.Duration, err error)
	Dialed(addr string, d time.Duration, err error)
	Handshake(serverName string, d time.Duration, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) PoolHit(pool.Key)                       {}
func (NopObserver) PoolMiss(pool.Key)                      {}
func (NopObserver) Resolved(string, time.Duration, error)  {}
func (NopObserver) Dialed(string, time.Duration, error)    {}
func (NopObserver) Handshake(string, time.Duration, error) {}

// Options configures a Connector. Zero values select defaults.
type Options struct {
	Resolver Resolver
	Dialer   Dialer
	TLS      TLSProvider
	Proxy    ProxyFunc

	ConnectTimeout      time.Duration
	TLSHandshakeTimeout time.Duration
	ReadBufferSize      int
	WriteBufferSize     int

	Observer Observer
	Logger   *zerolog.Logger
}

// Connector acquires connections, reusing pooled ones when possible.
type Connector struct {
	pool *pool.Pool
	opts Options
	log  zerolog.Logger
}

// New creates a Connector backed by p.
func New(p *pool.Pool, opts Options) *Connector {
	if opts.Resolver == nil {
		opts.Resolver = &CoalescingResolver{Resolver: net.DefaultResolver}
	}
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if opts.TLS == nil {
		opts.TLS = &StdTLS{}
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.TLSHandshakeTimeout == 0 {
		opts.TLSHandshakeTimeout = DefaultTLSHandshakeTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = DefaultBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = DefaultBufferSize
	}
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "connector").Logger()
	}
	return &Connector{pool: p, opts: opts, log: log}
}

// Pool returns the pool backing the connector.
func (c *Connector) Pool() *pool.Pool {
	return c.pool
}

// KeyFor returns the pool key for destination u reached through proxy,
// which may be nil.
func KeyFor(u *url.URL, proxy *url.URL) pool.Key {
	scheme := strings.ToLower(u.Scheme)
	k := pool.Key{
		Scheme: scheme,
		Host:   strings.ToLower(u.Hostname()),
		Port:   u.Port(),
	}
	if k.Port == "" {
		k.Port = defaultPort(scheme)
	}
	if proxy != nil {
		id := strings.ToLower(proxy.Scheme) + "://"
		if proxy.User != nil {
			id += proxy.User.Username() + "@"
		}
		k.Proxy = id + strings.ToLower(proxy.Host)
	}
	return k
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

// Acquire returns a connection to the origin of u.
//
// The returned Lease must be released exactly once. Errors are
// *ConnectError or *TLSError; Acquire never retries.
func (c *Connector) Acquire(ctx context.Context, u *url.URL) (*Lease, error) {
	var proxy *url.URL
	if c.opts.Proxy != nil {
		p, err := c.opts.Proxy(u)
		if err != nil {
			return nil, &ConnectError{Phase: PhaseProxy, Addr: u.Host, Err: err}
		}
		proxy = p
	}

	key := KeyFor(u, proxy)
	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.GetConn != nil {
		trace.GetConn(net.JoinHostPort(key.Host, key.Port))
	}

	if e, ok := c.pool.Checkout(key); ok {
		if conn, ok := e.Conn.(*Conn); ok {
			c.opts.Observer.PoolHit(key)
			if trace != nil && trace.GotConn != nil {
				trace.GotConn(httptrace.GotConnInfo{
					Conn:     conn.raw,
					Reused:   true,
					WasIdle:  true,
					IdleTime: time.Since(e.LastUsed()),
				})
			}
			c.log.Debug().Str("key", key.String()).Str("conn_id", e.ID).Int("reuses", e.Reuses()).Msg("reusing pooled connection")
			return &Lease{pool: c.pool, key: key, entry: e, conn: conn, reused: true}, nil
		}
		// Foreign connection types cannot be driven by the engine.
		c.pool.Release(key, e, false)
	}
	c.opts.Observer.PoolMiss(key)

	conn, err := c.connect(ctx, u, key, proxy)
	if err != nil {
		return nil, err
	}
	e := pool.NewEntry(conn, conn.protocol)
	if trace != nil && trace.GotConn != nil {
		trace.GotConn(httptrace.GotConnInfo{Conn: conn.raw})
	}
	c.log.Debug().Str("key", key.String()).Str("conn_id", e.ID).Msg("established connection")
	return &Lease{pool: c.pool, key: key, entry: e, conn: conn}, nil
}

func (c *Connector) connect(ctx context.Context, u *url.URL, key pool.Key, proxy *url.URL) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	host, port := key.Host, key.Port
	if proxy != nil {
		host = strings.ToLower(proxy.Hostname())
		port = proxy.Port()
		if port == "" {
			port = defaultPort(strings.ToLower(proxy.Scheme))
		}
	}

	raw, err := c.dial(dialCtx, host, port)
	if err != nil {
		return nil, err
	}

	var forward bool
	if proxy != nil {
		if strings.EqualFold(proxy.Scheme, "https") {
			if raw, _, err = c.handshake(dialCtx, raw, proxy.Hostname()); err != nil {
				return nil, err
			}
		}
		if key.Scheme == "https" {
			target := net.JoinHostPort(key.Host, key.Port)
			if err = tunnel(dialCtx, raw, target, proxy); err != nil {
				_ = raw.Close()
				return nil, &ConnectError{Phase: PhaseProxy, Addr: proxy.Host, Err: err}
			}
		} else {
			forward = true
		}
	}

	protocol := ProtocolHTTP11
	if key.Scheme == "https" {
		var negotiated string
		if raw, negotiated, err = c.handshake(dialCtx, raw, u.Hostname()); err != nil {
			return nil, err
		}
		if negotiated != "" {
			protocol = negotiated
		}
	}

	conn := newConn(raw, c.opts.ReadBufferSize, c.opts.WriteBufferSize)
	conn.protocol = protocol
	if forward {
		conn.forward = true
		conn.proxyAuth = proxyAuthorization(proxy)
	}
	return conn, nil
}

func (c *Connector) dial(ctx context.Context, host, port string) (net.Conn, error) {
	trace := httptrace.ContextClientTrace(ctx)

	addrs := []string{host}
	if net.ParseIP(host) == nil {
		if trace != nil && trace.DNSStart != nil {
			trace.DNSStart(httptrace.DNSStartInfo{Host: host})
		}
		start := time.Now()
		resolved, err := c.opts.Resolver.LookupHost(ctx, host)
		c.opts.Observer.Resolved(host, time.Since(start), err)
		if trace != nil && trace.DNSDone != nil {
			trace.DNSDone(httptrace.DNSDoneInfo{Addrs: ipAddrs(resolved), Err: err})
		}
		if err == nil && len(resolved) == 0 {
			err = errors.New("no addresses")
		}
		if err != nil {
			return nil, &ConnectError{Phase: PhaseResolve, Addr: host, Err: err}
		}
		addrs = resolved
	}

	var errs []error
	for _, a := range addrs {
		addr := net.JoinHostPort(a, port)
		if trace != nil && trace.ConnectStart != nil {
			trace.ConnectStart("tcp", addr)
		}
		start := time.Now()
		conn, err := c.opts.Dialer.DialContext(ctx, "tcp", addr)
		c.opts.Observer.Dialed(addr, time.Since(start), err)
		if trace != nil && trace.ConnectDone != nil {
			trace.ConnectDone("tcp", addr, err)
		}
		if err == nil {
			return conn, nil
		}
		c.log.Debug().Err(err).Str("addr", addr).Msg("dial failed")
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &ConnectError{Phase: PhaseDial, Addr: net.JoinHostPort(host, port), Err: errors.Join(errs...)}
}

func (c *Connector) handshake(ctx context.Context, raw net.Conn, serverName string) (net.Conn, string, error) {
	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.opts.TLSHandshakeTimeout)
	defer cancel()

	start := time.Now()
	conn, proto, err := c.opts.TLS.Handshake(hsCtx, raw, serverName)
	c.opts.Observer.Handshake(serverName, time.Since(start), err)

	if trace != nil && trace.TLSHandshakeDone != nil {
		var state tls.ConnectionState
		if tc, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok && err == nil {
			state = tc.ConnectionState()
		}
		trace.TLSHandshakeDone(state, err)
	}
	if err != nil {
		_ = raw.Close()
		return nil, "", &TLSError{ServerName: serverName, Err: err}
	}
	return conn, proto, nil
}

func ipAddrs(addrs []string) []net.IPAddr {
	out := make([]net.IPAddr, 0, len(addrs))
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			out = append(out, net.IPAddr{IP: ip})
		}
	}
	return out
}
