package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/courier-go/httpclient/connector"
	"github.com/kroma-labs/courier-go/httpclient/cookiejar"
	"github.com/kroma-labs/courier-go/httpclient/pool"
)

// Client executes logical requests: one call from the caller, any number of
// physical attempts across redirects and retries.
//
// A Client owns a connection pool and, unless cookies are disabled, a
// cookie jar. It is safe for concurrent use and should be reused.
//
// Create a Client using New():
//
//	client := httpclient.New(
//	    httpclient.WithBaseURL("https://api.example.com"),
//	    httpclient.WithServiceName("payment-service"),
//	)
//
//	resp, err := client.Request("CreatePayment").
//	    Path("/payments").
//	    Body(payment).
//	    Post(ctx)
type Client struct {
	config    *internalConfig
	pool      *pool.Pool
	connector *connector.Connector
	jar       *cookiejar.Jar

	// transport runs one attempt through the resilience and
	// instrumentation layers.
	transport http.RoundTripper
	limiter   *rateLimitTransport
}

// New creates a Client.
//
// The attempt pipeline, outermost first:
//   - otel: client span and metrics per hop, retries recorded as events
//   - retry (WithRetryConfig)
//   - circuit breaker (WithCircuitBreaker)
//   - rate limit (WithRateLimit)
//   - connector and engine, or the MockTransport
//
// Redirects, cookies and the logical span are handled above the pipeline,
// once per hop.
//
// Example - Basic usage:
//
//	client := httpclient.New(
//	    httpclient.WithBaseURL("https://api.example.com"),
//	    httpclient.WithServiceName("my-service"),
//	)
//
//	resp, err := client.Request("GetUsers").Get(ctx, "/users")
//
// Example - With retry configuration:
//
//	client := httpclient.New(
//	    httpclient.WithBaseURL("https://api.example.com"),
//	    httpclient.WithRetryConfig(httpclient.AggressiveRetryConfig()),
//	)
func New(opts ...Option) *Client {
	cfg := newConfig(opts...)
	hc := cfg.httpConfig

	if cfg.Debug && cfg.Logger.GetLevel() == zerolog.Disabled {
		cfg.Logger = newDebugLogger()
	}
	if cfg.RequestIDHeader != "" {
		cfg.Interceptors.request = append(
			[]RequestInterceptor{RequestIDInterceptor(cfg.RequestIDHeader)},
			cfg.Interceptors.request...,
		)
	}

	logger := cfg.Logger
	p := pool.New(pool.Config{
		MaxIdlePerHost: hc.MaxIdleConnsPerHost,
		IdleTimeout:    hc.IdleConnTimeout,
		OnEvict: func(key pool.Key, reason pool.EvictReason) {
			logger.Trace().Str("key", key.String()).Str("reason", string(reason)).Msg("pooled connection evicted")
		},
	})

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{KeepAlive: hc.KeepAlive}
	}
	tlsProvider := cfg.TLSProvider
	if tlsProvider == nil {
		tlsProvider = &connector.StdTLS{Config: cfg.tlsConfig()}
	}
	conn := connector.New(p, connector.Options{
		Resolver:            cfg.Resolver,
		Dialer:              dialer,
		TLS:                 tlsProvider,
		Proxy:               cfg.proxyFunc(),
		ConnectTimeout:      hc.ConnectTimeout,
		TLSHandshakeTimeout: hc.TLSHandshakeTimeout,
		ReadBufferSize:      hc.ReadBufferSize,
		WriteBufferSize:     hc.WriteBufferSize,
		Observer:            connObserver{m: cfg.Metrics, attrs: cfg.baseAttributes()},
		Logger:              &logger,
	})

	jar := cfg.Jar
	if jar == nil && !hc.DisableCookies {
		jar = cookiejar.New(cookiejar.Options{})
	}

	var base http.RoundTripper
	if cfg.MockTransport != nil {
		base = cfg.MockTransport
	} else {
		engine := cfg.Engine
		if engine == nil {
			engine = connector.HTTP1{}
		}
		base = &connectorTransport{
			connector:      conn,
			engine:         engine,
			attemptTimeout: hc.AttemptTimeout,
			log:            logger,
		}
	}

	c := &Client{config: cfg, pool: p, connector: conn, jar: jar}

	limited := newRateLimitTransport(base, cfg.RateLimit)
	if rl, ok := limited.(*rateLimitTransport); ok {
		c.limiter = rl
	}
	withBreaker := newCircuitBreakerTransport(limited, cfg)
	withRetry := newRetryTransport(withBreaker, cfg)
	c.transport = newOtelTransport(withRetry, cfg)

	return c
}

// Request creates a RequestBuilder for the given operation name.
//
// The operation name is used for:
//   - the logical span name (e.g., "HTTP POST CreatePayment")
//   - debug logging
//   - the Op of returned errors
//
// Example:
//
//	resp, err := client.Request("CreateUser").
//	    Path("/users").
//	    Body(user).
//	    Post(ctx)
func (c *Client) Request(operationName string) *RequestBuilder {
	return &RequestBuilder{
		client:        c,
		operationName: operationName,
		method:        http.MethodGet,
		headers:       make(http.Header),
		pathParams:    make(map[string]string),
	}
}

// Jar returns the cookie jar, nil when cookies are disabled.
func (c *Client) Jar() *cookiejar.Jar {
	return c.jar
}

// Timeout returns the default total timeout of a logical request.
func (c *Client) Timeout() time.Duration {
	return c.config.httpConfig.Timeout
}

// CloseIdleConnections closes every pooled connection. Connections in use
// are unaffected.
func (c *Client) CloseIdleConnections() {
	c.pool.CloseIdle()
}

// RateLimiterStats returns the limiter state used for host, false when rate
// limiting is disabled.
func (c *Client) RateLimiterStats(host string) (RateLimiterStats, bool) {
	if c.limiter == nil {
		return RateLimiterStats{}, false
	}
	return c.limiter.stats(host), true
}

// Pending is a logical request running on its own goroutine.
type Pending struct {
	done   chan struct{}
	cancel context.CancelFunc
	resp   *Response
	err    error
}

// Go starts req on a new goroutine and returns immediately.
//
// Example:
//
//	p := client.Go(ctx, req)
//	select {
//	case <-p.Done():
//	    resp, err := p.Wait()
//	    // ...
//	case <-other:
//	    p.Cancel()
//	}
func (c *Client) Go(ctx context.Context, req *Request) *Pending {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pending{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(p.done)
		p.resp, p.err = c.Execute(ctx, req)
		if p.err != nil {
			cancel()
		}
	}()
	return p
}

// Done is closed when the response headers arrived or the request failed.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until Done and returns the outcome.
func (p *Pending) Wait() (*Response, error) {
	<-p.done
	return p.resp, p.err
}

// Cancel aborts the request, including a body still being read. Calling it
// once the response is no longer needed releases the request context.
func (p *Pending) Cancel() {
	p.cancel()
}
