package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kroma-labs/courier-go/httpclient/pool"
)

func newManualMeterProvider(t *testing.T) (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return mp, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func histogramCount(t *testing.T, m metricdata.Metrics) uint64 {
	t.Helper()

	h, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "%s is not a float histogram", m.Name)
	var n uint64
	for _, dp := range h.DataPoints {
		n += dp.Count
	}
	return n
}

func counterSum(t *testing.T, m metricdata.Metrics, match ...attribute.KeyValue) int64 {
	t.Helper()

	s, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int sum", m.Name)
	var n int64
	for _, dp := range s.DataPoints {
		matches := true
		for _, kv := range match {
			v, found := dp.Attributes.Value(kv.Key)
			if !found || v != kv.Value {
				matches = false
				break
			}
		}
		if matches {
			n += dp.Value
		}
	}
	return n
}

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	mp, _ := newManualMeterProvider(t)
	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)

	assert.NotNil(t, m.logicalDuration)
	assert.NotNil(t, m.redirects)
	assert.NotNil(t, m.requestDuration)
	assert.NotNil(t, m.requestBodySize)
	assert.NotNil(t, m.responseBodySize)
	assert.NotNil(t, m.ttfb)
	assert.NotNil(t, m.contentTransferDuration)
	assert.NotNil(t, m.activeRequests)
	assert.NotNil(t, m.requestErrors)
	assert.NotNil(t, m.poolLookups)
	assert.NotNil(t, m.retryAttempts)
	assert.NotNil(t, m.breakerRequests)
	assert.NotNil(t, m.breakerTransitions)
}

func TestMetrics_NilReceiver(t *testing.T) {
	t.Parallel()

	var m *metrics
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.recordLogicalDuration(ctx, time.Second, nil)
		m.recordRedirect(ctx, http.StatusFound, nil)
		m.recordRequestDuration(ctx, time.Second, nil)
		m.recordRequestBodySize(ctx, 10, nil)
		m.recordResponseBodySize(ctx, 10, nil)
		m.recordTTFB(ctx, time.Millisecond, nil)
		m.recordContentTransferDuration(ctx, time.Millisecond, nil)
		m.recordActiveRequestStart(ctx, nil)
		m.recordActiveRequestEnd(ctx, nil)
		m.recordError(ctx, ErrorTypeTimeout, nil)
		m.recordPoolLookup(ctx, pool.Key{Host: "a.test"}, true)
		m.recordRetryAttempt(ctx, nil, 1)
		m.recordRetryExhausted(ctx, nil)
		m.recordRetryDuration(ctx, nil, time.Second)
		m.recordBreakerRequest(ctx, "svc:a.test", "success")
		m.recordBreakerState(ctx, "svc:a.test", "closed", "open")
	})
}

func TestMetrics_LogicalAndAttempts(t *testing.T) {
	t.Parallel()

	mp, reader := newManualMeterProvider(t)
	mt := NewMockTransport().
		StubRedirect("/start", http.StatusFound, "/final").
		StubPath("/final", http.StatusOK, "done")
	client := newMockClient(mt, WithMeterProvider(mp), WithServiceName("orders"))

	resp, err := client.Request("Fetch").Get(context.Background(), "/start")
	require.NoError(t, err)
	_, err = resp.Text()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	got := collect(t, reader)

	assert.Equal(t, uint64(1), histogramCount(t, got["http.client.logical_request.duration"]))
	assert.Equal(t, uint64(1), histogramCount(t, got["http.client.content_transfer.duration"]))
	assert.Equal(t, uint64(2), histogramCount(t, got["http.client.request.duration"]))
	assert.Equal(t, int64(1), counterSum(t, got["http.client.redirects"],
		attribute.Int("http.response.status_code", http.StatusFound),
		attribute.String("http.client.name", "orders"),
	))
	assert.Equal(t, int64(0), counterSum(t, got["http.client.active_requests"]))
}

func TestMetrics_FailedLogicalRequest(t *testing.T) {
	t.Parallel()

	mp, reader := newManualMeterProvider(t)
	mt := NewMockTransport().StubError(context.DeadlineExceeded)
	client := newMockClient(mt, WithMeterProvider(mp))

	_, err := client.Request("Fetch").Get(context.Background(), "/")
	require.Error(t, err)

	got := collect(t, reader)
	assert.Equal(t, uint64(1), histogramCount(t, got["http.client.logical_request.duration"]))
	assert.Equal(t, int64(1), counterSum(t, got["http.client.request.error"],
		attribute.String("error.type", ErrorTypeTimeout),
	))
}

func TestMetrics_Retries(t *testing.T) {
	t.Parallel()

	mp, reader := newManualMeterProvider(t)
	mt := NewMockTransport().StubResponse(http.StatusServiceUnavailable, "")
	client := newMockClient(mt, append(fastRetry(2), WithMeterProvider(mp))...)

	resp, err := client.Request("Fetch").Get(context.Background(), "/")
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	got := collect(t, reader)
	assert.Equal(t, int64(2), counterSum(t, got["http.client.retry.attempts"]))
	assert.Equal(t, int64(1), counterSum(t, got["http.client.retry.exhausted"]))
	assert.Equal(t, uint64(1), histogramCount(t, got["http.client.retry.duration"]))
	// Retries happen inside a single hop.
	assert.Equal(t, uint64(1), histogramCount(t, got["http.client.request.duration"]))
}

func TestMetrics_CircuitBreaker(t *testing.T) {
	t.Parallel()

	mp, reader := newManualMeterProvider(t)
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1

	mt := NewMockTransport().StubResponse(http.StatusInternalServerError, "")
	client := newMockClient(mt, WithMeterProvider(mp), WithCircuitBreaker(cfg), WithServiceName("orders"))
	ctx := context.Background()

	resp, err := client.Request("Fetch").Get(ctx, "/")
	require.NoError(t, err)
	require.NoError(t, resp.Close())
	_, err = client.Request("Fetch").Get(ctx, "/")
	require.ErrorIs(t, err, ErrCircuitOpen)

	got := collect(t, reader)
	requests := got["http.client.circuit_breaker.requests"]
	name := attribute.String("circuit_breaker.name", "orders:a.test")
	assert.Equal(t, int64(1), counterSum(t, requests, name, attribute.String("circuit_breaker.outcome", "failure")))
	assert.Equal(t, int64(1), counterSum(t, requests, name, attribute.String("circuit_breaker.outcome", "rejected")))
	assert.Equal(t, int64(1), counterSum(t, got["http.client.circuit_breaker.transitions"],
		attribute.String("circuit_breaker.to", "open"),
	))
}

func TestMetrics_PoolLookups(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	mp, reader := newManualMeterProvider(t)
	client := New(WithBaseURL(srv.URL), WithProxyFromEnvironment(false), WithMeterProvider(mp))
	t.Cleanup(client.CloseIdleConnections)

	for range 2 {
		resp, err := client.Request("Ping").Get(context.Background(), "/")
		require.NoError(t, err)
		_, err = resp.Bytes()
		require.NoError(t, err)
		require.NoError(t, resp.Close())
	}

	got := collect(t, reader)
	lookups := got["http.client.connection.pool.lookups"]
	assert.Equal(t, int64(1), counterSum(t, lookups, attribute.String("pool.result", "miss")))
	assert.Equal(t, int64(1), counterSum(t, lookups, attribute.String("pool.result", "hit")))
	assert.Equal(t, uint64(1), histogramCount(t, got["http.client.connection.duration"]))
}

func TestClient_PoolCollector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	client := New(WithBaseURL(srv.URL), WithProxyFromEnvironment(false))
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Request("Ping").Get(context.Background(), "/")
	require.NoError(t, err)
	_, err = resp.Bytes()
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	c := client.PoolCollector("courier")
	expected := `
# HELP courier_pool_idle_connections Idle connections across all hosts.
# TYPE courier_pool_idle_connections gauge
courier_pool_idle_connections 1
# HELP courier_pool_checkout_misses_total Checkouts that found no idle connection.
# TYPE courier_pool_checkout_misses_total counter
courier_pool_checkout_misses_total 1
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"courier_pool_idle_connections", "courier_pool_checkout_misses_total"))
}
