// Package httpclient is the orchestration core of courier: a client that
// turns one call into a logical request, runs it over pooled connections,
// follows redirects, keeps cookies and streams bodies in both directions.
//
// # Features
//
//   - Connection reuse per destination (scheme, host, port, proxy)
//   - Redirect following with credential stripping across origins
//   - RFC 6265 cookie jar, optionally persisted to SQL or Redis
//   - Streamed request and response bodies with consume-once semantics
//   - Transparent gzip response decoding
//   - OpenTelemetry spans and metrics for logical requests and attempts
//   - Opt-in retries, circuit breaking and rate limiting per attempt
//
// # Quick Start
//
//	client := httpclient.New(
//	    httpclient.WithBaseURL("https://api.example.com"),
//	    httpclient.WithServiceName("my-service"),
//	)
//
//	// Simple GET request
//	resp, err := client.Request("GetUsers").Get(ctx, "/users")
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
//
//	// POST with JSON body and response decoding
//	var user User
//	resp, err = client.Request("CreateUser").
//	    Body(newUser).
//	    Decode(&user).
//	    Post(ctx, "/users")
//
// # Logical requests and attempts
//
// A logical request is what the caller asked for. Each hop of its redirect
// chain is one physical attempt, retried on its own when retries are
// enabled. The redirect engine decides between hops; the transport pipeline
// below it never sees a redirect.
//
//	client.Request("Start").
//	    URL("https://a.test/start").   // 302 -> https://b.test/next
//	    Get(ctx)                       // resp.URL() is https://b.test/next
//
// The total timeout bounds the whole logical request, including the body:
//
//	resp, err := client.Request("Export").
//	    Timeout(2 * time.Minute).
//	    Get(ctx, "/export")
//	if errors.Is(err, httpclient.ErrTimeout) {
//	    var e *httpclient.Error
//	    errors.As(err, &e)
//	    log.Printf("timed out at %s after %d redirects", e.URL, len(e.Redirects))
//	}
//
// # Bodies
//
// Buffered bodies (BodyBytes, BodyJSON, Body with a value) are replayable:
// they survive 307/308 redirects and retries. Streamed bodies (BodyReader,
// File) are sent at most once; a 307/308 redirect that would resend one
// fails with ErrRedirectRequiresReplayableBody, and retries are skipped.
//
// Response bodies stay on their connection until read. Reading to EOF
// returns the connection to the pool; closing early discards it.
//
// # Configuration Presets
//
//	client := httpclient.New(
//	    httpclient.WithConfig(httpclient.HighThroughputConfig()),
//	)
//
// Config can also come from the environment:
//
//	cfg, err := httpclient.ConfigFromEnv("PAYMENTS_HTTP")
//	if err != nil {
//	    return err
//	}
//	client := httpclient.New(httpclient.WithConfig(cfg))
//
// # Resilience
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.DefaultRetryConfig()),
//	    httpclient.WithCircuitBreaker(httpclient.DefaultBreakerConfig()),
//	    httpclient.WithRateLimit(httpclient.DefaultRateLimitConfig()),
//	)
//
// # Testing
//
// MockTransport replaces the network while keeping redirects, cookies and
// decoding:
//
//	mock := httpclient.NewMockTransport().
//	    StubRedirect("/old", http.StatusMovedPermanently, "/new").
//	    StubPath("/new", http.StatusOK, `{"ok":true}`)
//	client := httpclient.New(
//	    httpclient.WithBaseURL("https://api.test"),
//	    httpclient.WithMockTransport(mock),
//	)
//
// For synchronous callers without a context of their own, see the blocking
// subpackage.
package httpclient
