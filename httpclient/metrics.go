package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kroma-labs/courier-go/httpclient/connector"
	"github.com/kroma-labs/courier-go/httpclient/pool"
)

var (
	latencyBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10}
	networkBuckets  = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets = []float64{0, 100, 1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024}
	retryBuckets    = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// metrics holds the metric instruments of a client. All record methods are
// safe on a nil receiver.
type metrics struct {
	// === Logical Requests ===

	// logicalDuration measures a logical request from Execute until the
	// final response headers, across retries and redirects.
	logicalDuration metric.Float64Histogram

	// redirects counts followed redirect hops.
	redirects metric.Int64Counter

	// === Attempts ===

	// requestDuration measures one attempt in seconds.
	requestDuration  metric.Float64Histogram
	requestBodySize  metric.Int64Histogram
	responseBodySize metric.Int64Histogram

	// ttfb measures the time from the request being written until the first
	// response byte.
	ttfb metric.Float64Histogram

	// contentTransferDuration measures reading the final response body.
	contentTransferDuration metric.Float64Histogram

	activeRequests metric.Int64UpDownCounter
	requestErrors  metric.Int64Counter

	// === Connections ===

	// poolLookups counts connection acquisitions by result (hit or miss).
	poolLookups        metric.Int64Counter
	dnsDuration        metric.Float64Histogram
	connectionDuration metric.Float64Histogram
	tlsDuration        metric.Float64Histogram

	// === Resilience ===

	retryAttempts  metric.Int64Counter
	retryExhausted metric.Int64Counter
	retryDuration  metric.Float64Histogram

	// breakerRequests counts attempts passing through a circuit breaker by
	// outcome (success, failure, rejected).
	breakerRequests metric.Int64Counter

	// breakerTransitions counts state changes by destination state.
	breakerTransitions metric.Int64Counter
}

type instruments struct {
	meter metric.Meter
	err   error
}

func (in *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	if in.err != nil {
		return nil
	}
	h, err := in.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	in.err = err
	return h
}

func (in *instruments) sizeHistogram(name, desc string) metric.Int64Histogram {
	if in.err != nil {
		return nil
	}
	h, err := in.meter.Int64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(bodySizeBuckets...),
	)
	in.err = err
	return h
}

func (in *instruments) counter(name, desc, unit string) metric.Int64Counter {
	if in.err != nil {
		return nil
	}
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	in.err = err
	return c
}

// newMetrics creates the client instruments on meter.
func newMetrics(meter metric.Meter) (*metrics, error) {
	in := &instruments{meter: meter}
	m := &metrics{
		logicalDuration: in.histogram("http.client.logical_request.duration",
			"Duration of logical HTTP requests including retries and redirects in seconds", "s", latencyBuckets),
		redirects: in.counter("http.client.redirects",
			"Number of redirect hops followed", "{redirect}"),

		requestDuration: in.histogram("http.client.request.duration",
			"Duration of HTTP client requests in seconds", "s", latencyBuckets),
		requestBodySize: in.sizeHistogram("http.client.request.body.size",
			"Size of HTTP client request bodies in bytes"),
		responseBodySize: in.sizeHistogram("http.client.response.body.size",
			"Size of HTTP client response bodies in bytes"),
		ttfb: in.histogram("http.client.ttfb",
			"Time to first response byte in seconds", "s", latencyBuckets),
		contentTransferDuration: in.histogram("http.client.content_transfer.duration",
			"Response body download duration in seconds", "s", latencyBuckets),
		requestErrors: in.counter("http.client.request.error",
			"Number of HTTP client request errors", "{error}"),

		poolLookups: in.counter("http.client.connection.pool.lookups",
			"Connection acquisitions by pool result", "{lookup}"),
		dnsDuration: in.histogram("http.client.dns.duration",
			"DNS lookup duration in seconds", "s", networkBuckets),
		connectionDuration: in.histogram("http.client.connection.duration",
			"Time to establish HTTP connection in seconds", "s", networkBuckets),
		tlsDuration: in.histogram("http.client.tls.duration",
			"TLS handshake duration in seconds", "s", networkBuckets),

		retryAttempts: in.counter("http.client.retry.attempts",
			"Number of HTTP client retry attempts", "{attempt}"),
		retryExhausted: in.counter("http.client.retry.exhausted",
			"Number of requests that exhausted all retries", "{request}"),
		retryDuration: in.histogram("http.client.retry.duration",
			"Total time spent in retry loop in seconds", "s", retryBuckets),

		breakerRequests: in.counter("http.client.circuit_breaker.requests",
			"Requests through the circuit breaker by outcome", "{request}"),
		breakerTransitions: in.counter("http.client.circuit_breaker.transitions",
			"Circuit breaker state transitions", "{transition}"),
	}
	if in.err != nil {
		return nil, in.err
	}

	var err error
	m.activeRequests, err = meter.Int64UpDownCounter(
		"http.client.active_requests",
		metric.WithDescription("Number of active HTTP client requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func withAttr(attrs []attribute.KeyValue, extra ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(attrs)+len(extra))
	all = append(all, attrs...)
	all = append(all, extra...)
	return metric.WithAttributes(all...)
}

func (m *metrics) recordLogicalDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.logicalDuration == nil {
		return
	}
	m.logicalDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordRedirect(ctx context.Context, status int, attrs []attribute.KeyValue) {
	if m == nil || m.redirects == nil {
		return
	}
	m.redirects.Add(ctx, 1, withAttr(attrs, attribute.Int("http.response.status_code", status)))
}

// recordRequestDuration records the duration of one attempt.
func (m *metrics) recordRequestDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordRequestBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil || m.requestBodySize == nil {
		return
	}
	m.requestBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

func (m *metrics) recordResponseBodySize(ctx context.Context, size int64, attrs []attribute.KeyValue) {
	if m == nil || m.responseBodySize == nil {
		return
	}
	m.responseBodySize.Record(ctx, size, metric.WithAttributes(attrs...))
}

func (m *metrics) recordTTFB(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.ttfb == nil {
		return
	}
	m.ttfb.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordContentTransferDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.contentTransferDuration == nil {
		return
	}
	m.contentTransferDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveRequestStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeRequests == nil {
		return
	}
	m.activeRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordActiveRequestEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.activeRequests == nil {
		return
	}
	m.activeRequests.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// recordError records a failed attempt or logical request.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m == nil || m.requestErrors == nil {
		return
	}
	m.requestErrors.Add(ctx, 1, withAttr(attrs, attribute.String("error.type", errorType)))
}

func (m *metrics) recordPoolLookup(ctx context.Context, key pool.Key, hit bool) {
	if m == nil || m.poolLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.poolLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server.address", key.Host),
		attribute.String("pool.result", result),
	))
}

func (m *metrics) recordDNSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.dnsDuration == nil {
		return
	}
	m.dnsDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordConnectionDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.connectionDuration == nil {
		return
	}
	m.connectionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

func (m *metrics) recordTLSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m == nil || m.tlsDuration == nil {
		return
	}
	m.tlsDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// recordRetryAttempt records a retry attempt.
func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	m.retryAttempts.Add(ctx, 1, withAttr(attrs, attribute.Int("retry.attempt", attempt)))
}

// recordRetryExhausted records when all retries have been exhausted.
func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *metrics) recordRetryDuration(ctx context.Context, attrs []attribute.KeyValue, d time.Duration) {
	if m == nil || m.retryDuration == nil {
		return
	}
	m.retryDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
}

// recordBreakerRequest records an attempt outcome as seen by a breaker:
// "success", "failure" or "rejected".
func (m *metrics) recordBreakerRequest(ctx context.Context, name, outcome string) {
	if m == nil || m.breakerRequests == nil {
		return
	}
	m.breakerRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker.name", name),
		attribute.String("circuit_breaker.outcome", outcome),
	))
}

func (m *metrics) recordBreakerState(ctx context.Context, name, from, to string) {
	if m == nil || m.breakerTransitions == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("circuit_breaker.name", name),
		attribute.String("circuit_breaker.from", from),
		attribute.String("circuit_breaker.to", to),
	))
}

// =============================================================================
// Connector Observer
// =============================================================================

// connObserver records connector events. The connector reports them
// outside any request scope, so measurements use a background context.
type connObserver struct {
	m     *metrics
	attrs []attribute.KeyValue
}

var _ connector.Observer = connObserver{}

func (o connObserver) PoolHit(key pool.Key) {
	o.m.recordPoolLookup(context.Background(), key, true)
}

func (o connObserver) PoolMiss(key pool.Key) {
	o.m.recordPoolLookup(context.Background(), key, false)
}

func (o connObserver) Resolved(host string, d time.Duration, err error) {
	o.m.recordDNSDuration(context.Background(), d, o.with(attribute.String("server.address", host), err))
}

func (o connObserver) Dialed(addr string, d time.Duration, err error) {
	o.m.recordConnectionDuration(context.Background(), d, o.with(attribute.String("network.peer.address", addr), err))
}

func (o connObserver) Handshake(serverName string, d time.Duration, err error) {
	o.m.recordTLSDuration(context.Background(), d, o.with(attribute.String("server.address", serverName), err))
}

func (o connObserver) with(kv attribute.KeyValue, err error) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(o.attrs)+2)
	attrs = append(attrs, o.attrs...)
	attrs = append(attrs, kv)
	if err != nil {
		attrs = append(attrs, attribute.String("error.type", classifyError(err)))
	}
	return attrs
}
