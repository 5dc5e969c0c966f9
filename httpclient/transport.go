package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/courier-go/httpclient/connector"
)

// =============================================================================
// Connector Transport
// =============================================================================

var _ http.RoundTripper = (*connectorTransport)(nil)

// connectorTransport performs one physical attempt: it leases a connection,
// hands it to the engine and ties the lease to the response body.
type connectorTransport struct {
	connector      *connector.Connector
	engine         connector.Engine
	attemptTimeout time.Duration
	log            zerolog.Logger
}

// RoundTrip implements http.RoundTripper.
//
// The attempt timeout covers acquisition and the wait for the response
// headers. The response body is bound to the request context only.
func (t *connectorTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if t.attemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeoutCause(ctx, t.attemptTimeout, errAttemptTimeout)
	}
	defer cancel()

	resp, err := t.roundTrip(attemptCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(context.Cause(attemptCtx), errAttemptTimeout) {
			err = fmt.Errorf("%w: %w", errAttemptTimeout, err)
		}
		return nil, err
	}
	return resp, nil
}

func (t *connectorTransport) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	for retried := false; ; retried = true {
		lease, err := t.connector.Acquire(ctx, req.URL)
		if err != nil {
			// The engine never took the body, so it is still ours to close.
			closeRequestBody(req)
			return nil, err
		}

		resp, err := t.engine.RoundTrip(ctx, lease.Conn(), req)
		if err == nil {
			keepAlive := !resp.Close && !req.Close
			resp.Request = req
			resp.Body = newLeaseBody(req.Context(), resp.Body, lease, keepAlive)
			return resp, nil
		}
		lease.Abort()

		// A pooled connection the server closed while idle fails before any
		// response byte. Replay once on a fresh connection.
		if retried || !lease.Reused() || !errors.Is(err, connector.ErrNoResponse) || ctx.Err() != nil {
			return nil, err
		}
		next, ok := rewindBody(req)
		if !ok {
			return nil, err
		}
		t.log.Debug().
			Err(err).
			Str("conn_id", lease.ID()).
			Str("url", req.URL.Redacted()).
			Msg("stale pooled connection, retrying on a new connection")
		req = next
	}
}

func closeRequestBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

// rewindBody returns a request whose body can be sent again, or false when
// the body was streamed.
func rewindBody(req *http.Request) (*http.Request, bool) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, true
	}
	if req.GetBody == nil {
		return nil, false
	}
	b, err := req.GetBody()
	if err != nil {
		return nil, false
	}
	r := *req
	r.Body = b
	return &r, true
}

// leaseBody holds the lease of the connection its response body is read
// from. Reading to EOF returns the connection to the pool; a read error,
// an early Close or cancellation of the request context discards it.
type leaseBody struct {
	ctx       context.Context
	rc        io.ReadCloser
	lease     *connector.Lease
	keepAlive bool
	stop      func() bool
	done      atomic.Bool
}

func newLeaseBody(ctx context.Context, rc io.ReadCloser, lease *connector.Lease, keepAlive bool) io.ReadCloser {
	if rc == nil || rc == http.NoBody {
		lease.Release(keepAlive)
		return http.NoBody
	}
	b := &leaseBody{ctx: ctx, rc: rc, lease: lease, keepAlive: keepAlive}
	b.stop = context.AfterFunc(ctx, b.abort)
	return b
}

func (b *leaseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		b.finish(b.keepAlive)
	default:
		b.finish(false)
		if ctxErr := b.ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
	}
	return n, err
}

// Close discards the connection unless the body was read to EOF.
func (b *leaseBody) Close() error {
	early := b.finish(false)
	err := b.rc.Close()
	if early {
		// The connection is closed, so the drain in rc.Close fails.
		return nil
	}
	return err
}

func (b *leaseBody) finish(reusable bool) bool {
	if !b.done.CompareAndSwap(false, true) {
		return false
	}
	b.stop()
	b.lease.Release(reusable)
	return true
}

func (b *leaseBody) abort() {
	if b.done.CompareAndSwap(false, true) {
		b.lease.Abort()
	}
}

// =============================================================================
// OpenTelemetry Transport
// =============================================================================

var _ http.RoundTripper = (*otelTransport)(nil)

// otelTransport creates a client span and records metrics for each attempt.
type otelTransport struct {
	base       http.RoundTripper
	cfg        *internalConfig
	propagator propagation.TextMapPropagator
}

func newOtelTransport(base http.RoundTripper, cfg *internalConfig) *otelTransport {
	return &otelTransport{base: base, cfg: cfg, propagator: cfg.Propagators}
}

// RoundTrip implements http.RoundTripper.
func (t *otelTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	for _, f := range t.cfg.Filters {
		if !f(req) {
			return t.base.RoundTrip(req)
		}
	}

	start := time.Now()
	ctx, span := t.cfg.Tracer.Start(req.Context(), "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(t.requestAttributes(req)...),
	)
	defer span.End()

	baseAttrs := t.cfg.baseAttributes()
	t.cfg.Metrics.recordActiveRequestStart(ctx, baseAttrs)
	defer t.cfg.Metrics.recordActiveRequestEnd(ctx, baseAttrs)

	if req.ContentLength > 0 {
		t.cfg.Metrics.recordRequestBodySize(ctx, req.ContentLength, baseAttrs)
	}

	var nt *networkTrace
	if t.cfg.EnableNetworkTrace {
		nt = &networkTrace{}
		ctx = httptrace.WithClientTrace(ctx, nt.clientTrace())
	}

	req = req.Clone(ctx)
	t.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := t.base.RoundTrip(req)
	duration := time.Since(start)

	if nt != nil {
		nt.addTraceEvents(span)
		if d := nt.ttfb(); d > 0 {
			t.cfg.Metrics.recordTTFB(ctx, d, baseAttrs)
		}
	}

	if err != nil {
		errorType := classifyError(err)
		setSpanError(span, err, errorType)
		t.cfg.Metrics.recordError(ctx, errorType, baseAttrs)
		t.cfg.Metrics.recordRequestDuration(ctx, duration, t.metricsAttributes(req, nil, errorType))
		return nil, err
	}

	span.SetAttributes(responseAttributes(resp)...)
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, "HTTP "+strconv.Itoa(resp.StatusCode))
		span.SetAttributes(attribute.String("error.type", errorTypeFromStatusCode(resp.StatusCode)))
	}
	if resp.ContentLength > 0 {
		t.cfg.Metrics.recordResponseBodySize(ctx, resp.ContentLength, baseAttrs)
	}
	t.cfg.Metrics.recordRequestDuration(ctx, duration, t.metricsAttributes(req, resp, ""))

	return resp, nil
}

// baseAttributes returns the attributes shared by every measurement.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	if cfg.ServiceName == "" {
		return nil
	}
	return []attribute.KeyValue{attribute.String("http.client.name", cfg.ServiceName)}
}

func serverAttributes(req *http.Request) []attribute.KeyValue {
	if req.URL == nil {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, 2)
	if host := req.URL.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}
	port := req.URL.Port()
	if port == "" {
		port = map[string]string{"http": "80", "https": "443"}[req.URL.Scheme]
	}
	if p, err := strconv.Atoi(port); err == nil {
		attrs = append(attrs, attribute.Int("server.port", p))
	}
	return attrs
}

func (t *otelTransport) requestAttributes(req *http.Request) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 8)
	attrs = append(attrs, t.cfg.baseAttributes()...)
	attrs = append(attrs,
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.Redacted()),
		attribute.String("url.scheme", req.URL.Scheme),
	)
	attrs = append(attrs, serverAttributes(req)...)
	if req.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.request.body.size", req.ContentLength))
	}
	if ua := req.UserAgent(); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

func responseAttributes(resp *http.Response) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int("http.response.status_code", resp.StatusCode)}
	if resp.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.response.body.size", resp.ContentLength))
	}
	if resp.ProtoMajor > 0 {
		attrs = append(attrs, attribute.String("network.protocol.version",
			fmt.Sprintf("%d.%d", resp.ProtoMajor, resp.ProtoMinor)))
	}
	return attrs
}

// metricsAttributes returns the low-cardinality attributes of an attempt.
// resp is nil for failed attempts, errorType empty for completed ones.
func (t *otelTransport) metricsAttributes(req *http.Request, resp *http.Response, errorType string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, t.cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", req.Method))
	attrs = append(attrs, serverAttributes(req)...)
	if resp != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", resp.StatusCode))
		errorType = errorTypeFromStatusCode(resp.StatusCode)
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	return attrs
}
