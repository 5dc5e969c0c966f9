package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/courier-go/httpclient/body"
	"github.com/kroma-labs/courier-go/httpclient/redirect"
)

// Execute runs a logical request: it sends the first attempt, records
// cookies, follows redirects within the policy and returns the final
// response with its body still on the connection.
//
// The total timeout (the request's, else the client's) covers every hop and
// the response body. Failures are *Error values; a timeout carries the
// redirects followed and the last URL.
//
// Example:
//
//	req, err := httpclient.NewRequest(http.MethodGet, "https://a.test/start")
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Execute(ctx, req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Close()
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, builderError("", errors.New("nil request"))
	}
	cfg := c.config
	start := time.Now()

	timeout := req.timeout
	if timeout <= 0 {
		timeout = cfg.httpConfig.Timeout
	}
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errRequestTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	ctx, span := cfg.Tracer.Start(ctx, c.spanName(req),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(c.logicalAttributes(req)...),
	)

	var tracer *requestTracer
	if req.trace || cfg.EnableTrace {
		tracer = newRequestTracer()
		ctx = httptrace.WithClientTrace(ctx, tracer.clientTrace())
	}

	l := &logical{
		client: c,
		req:    req,
		ctx:    ctx,
		span:   span,
		tracer: tracer,
		start:  start,
		cancel: cancel,
	}
	resp, err := l.run()
	if err != nil {
		errorType := classifyError(err)
		var e *Error
		if errors.As(err, &e) && e.Kind != KindRequest {
			errorType = e.Kind.String()
		}
		setSpanError(span, err, errorType)
		span.End()
		cancel()
		cfg.Metrics.recordLogicalDuration(ctx, time.Since(start),
			append(cfg.baseAttributes(), attribute.String("error.type", errorType)))
		return nil, err
	}
	return resp, nil
}

// logical is the execution state of one logical request.
type logical struct {
	client *Client
	req    *Request
	ctx    context.Context
	span   trace.Span
	tracer *requestTracer
	start  time.Time
	cancel context.CancelFunc

	state *redirect.State
	// decode is set when the client advertised gzip itself.
	decode bool
}

func (l *logical) run() (*Response, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}

	cfg := l.client.config
	for {
		attempt, err := l.newAttempt()
		if err != nil {
			return nil, l.fail(classify(l.ctx, err), err)
		}
		if cfg.Debug {
			logAttempt(cfg.Logger, l.req.operation, attempt, l.state.Followed())
		}

		hopStart := time.Now()
		resp, err := l.client.transport.RoundTrip(attempt)
		if err != nil {
			closeRequestBody(attempt)
			return nil, l.fail(classify(l.ctx, err), err)
		}
		if cfg.Debug {
			logResponse(cfg.Logger, l.req.operation, resp, time.Since(hopStart))
		}
		if jar := l.client.jar; jar != nil {
			jar.Record(l.state.URL, resp.Header)
		}

		d := redirect.Next(l.state, redirect.Response{StatusCode: resp.StatusCode, Header: resp.Header})
		switch d.Action {
		case redirect.Follow:
			discard(resp)
			l.followed(resp.StatusCode, d)
			l.state = d.Next
		case redirect.Fail:
			discard(resp)
			return nil, l.fail(redirectKind(d.Err), d.Err)
		default:
			return l.finish(attempt, resp)
		}
	}
}

// prepare builds the header template, runs the request interceptors and
// creates the redirect state.
func (l *logical) prepare() error {
	cfg := l.client.config

	header := make(http.Header, len(cfg.DefaultHeaders)+len(l.req.header)+3)
	for k, v := range cfg.DefaultHeaders {
		header[k] = append([]string(nil), v...)
	}
	for k, v := range l.req.header {
		header[k] = append([]string(nil), v...)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", cfg.httpConfig.UserAgent)
	}
	if !cfg.httpConfig.DisableCompression && header.Get("Accept-Encoding") == "" && l.req.method != http.MethodHead {
		header.Set("Accept-Encoding", "gzip")
		l.decode = true
	}

	u := *l.req.url
	template, err := http.NewRequestWithContext(l.ctx, l.req.method, u.String(), nil)
	if err != nil {
		return builderError(l.req.operation, err)
	}
	template.Header = header
	if err := cfg.Interceptors.ApplyRequestInterceptors(template); err != nil {
		var e *Error
		if errors.As(err, &e) {
			return err
		}
		return builderError(l.req.operation, err)
	}
	if template.URL.Scheme != "http" && template.URL.Scheme != "https" {
		return builderError(l.req.operation, fmt.Errorf("%w %q after interceptors", errInvalidURL, template.URL))
	}

	l.state = redirect.NewState(template.Method, template.URL, template.Header, l.req.body, cfg.redirectPolicy()).
		WithReferer(!cfg.httpConfig.DisableReferer)
	return nil
}

// newAttempt derives the working request of the current hop.
func (l *logical) newAttempt() (*http.Request, error) {
	s := l.state
	r, err := http.NewRequestWithContext(l.ctx, s.Method, s.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	r.Header = s.Header.Clone()

	if err := setAttemptBody(r, s.Body); err != nil {
		return nil, err
	}
	if l.req.version == HTTP10 {
		r.Proto, r.ProtoMajor, r.ProtoMinor = HTTP10, 1, 0
		r.Close = true
	}
	if jar := l.client.jar; jar != nil {
		if cookies := jar.Attach(s.URL); cookies != "" {
			if own := r.Header.Get("Cookie"); own != "" {
				cookies = own + "; " + cookies
			}
			r.Header.Set("Cookie", cookies)
		}
	}
	return r, nil
}

// setAttemptBody opens b for r. Replayable bodies get a GetBody so the
// retry layer and stale-connection replay can resend them.
func setAttemptBody(r *http.Request, b *body.Body) error {
	if b.Kind() == body.KindEmpty {
		r.Body, r.ContentLength = http.NoBody, 0
		return nil
	}
	rc, err := b.Open()
	if err != nil {
		return err
	}
	r.ContentLength = b.Len()
	if b.Replayable() {
		r.Body = rc
		r.GetBody = b.Open
		return nil
	}
	r.Body = &onceCloser{ReadCloser: rc}
	return nil
}

// onceCloser closes a streamed body at most once. Both the wire writer and
// the failure paths of a round trip may close it.
type onceCloser struct {
	io.ReadCloser
	once sync.Once
	err  error
}

func (c *onceCloser) Close() error {
	c.once.Do(func() { c.err = c.ReadCloser.Close() })
	return c.err
}

func (l *logical) followed(status int, d redirect.Decision) {
	cfg := l.client.config
	from, to := l.state.URL.Redacted(), d.Location.Redacted()

	cfg.Metrics.recordRedirect(l.ctx, status, cfg.baseAttributes())
	l.span.AddEvent("http.redirect", trace.WithAttributes(
		attribute.Int("http.response.status_code", status),
		attribute.String("url.from", from),
		attribute.String("url.to", to),
		attribute.String("http.request.method", d.Next.Method),
	))
	if cfg.Debug {
		logRedirect(cfg.Logger, l.req.operation, status, from, to)
	}
}

// finish hands the final response to the caller. From here on the logical
// request ends with its body.
func (l *logical) finish(attempt *http.Request, resp *http.Response) (*Response, error) {
	cfg := l.client.config
	seen := resp.Request
	if seen == nil {
		seen = attempt
	}

	if err := cfg.Interceptors.ApplyResponseInterceptors(resp, seen); err != nil {
		_ = resp.Body.Close()
		var e *Error
		if errors.As(err, &e) {
			e.Op = l.req.operation
			e.Redirects = urlStrings(l.state.Chain())
			return nil, e
		}
		return nil, l.fail(KindRequest, err)
	}

	if l.decode {
		decodeContentEncoding(resp)
	}
	if l.tracer != nil {
		l.tracer.done()
	}

	l.span.SetAttributes(
		attribute.Int("http.response.status_code", resp.StatusCode),
		attribute.Int("http.redirect_count", l.state.Followed()),
		attribute.String("url.final", l.state.URL.Redacted()),
	)
	l.wrapBody(resp)

	out := newResponse(resp, l.req.operation, l.state.URL, l.state.Chain(), cfg.Codec)
	if cfg.GenerateCurl {
		out.curlCommand = generateCurlCommand(attempt, l.state.Body)
	}
	if l.tracer != nil {
		out.traceInfo = l.tracer.info(l.state.Followed())
	}

	if l.req.result != nil || l.req.errorResult != nil {
		if err := out.decodeTargets(l.req.result, l.req.errorResult); err != nil {
			_ = out.Close()
			return nil, err
		}
	}
	return out, nil
}

// wrapBody ties the end of the logical request to the response body. A
// response without a body ends it right away.
func (l *logical) wrapBody(resp *http.Response) {
	cfg := l.client.config
	attrs := cfg.baseAttributes()
	end := func(_ int64, transfer time.Duration) {
		cfg.Metrics.recordContentTransferDuration(l.ctx, transfer, attrs)
		cfg.Metrics.recordLogicalDuration(l.ctx, time.Since(l.start), attrs)
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		resp.Body = http.NoBody
		end(0, 0)
		l.span.End()
		l.cancel()
		return
	}
	resp.Body = newWrappedBody(l.span, resp.Body, l.cancel, end)
}

// fail builds the *Error of a logical request that did not produce a
// response.
func (l *logical) fail(kind Kind, err error) *Error {
	if kind == KindTimeout && errors.Is(context.Cause(l.ctx), errRequestTimeout) && !errors.Is(err, errRequestTimeout) {
		err = fmt.Errorf("%w: %w", errRequestTimeout, err)
	}
	e := &Error{
		Kind:   kind,
		Op:     l.req.operation,
		Method: l.req.method,
		URL:    l.req.url.String(),
		Err:    err,
	}
	if l.state != nil {
		e.Method = l.state.Method
		e.URL = l.state.URL.String()
		e.Redirects = urlStrings(l.state.Chain())
	}
	l.client.config.Logger.Debug().
		Err(err).
		Str("operation", l.req.operation).
		Str("kind", kind.String()).
		Int("redirects", len(e.Redirects)).
		Msg("logical request failed")
	return e
}

func (c *Client) spanName(req *Request) string {
	if f := c.config.SpanNameFormatter; f != nil {
		return f(req.operation, req.method)
	}
	if req.operation == "" {
		return "HTTP " + req.method
	}
	return "HTTP " + req.method + " " + req.operation
}

func (c *Client) logicalAttributes(req *Request) []attribute.KeyValue {
	attrs := append(c.config.baseAttributes(),
		attribute.String("http.request.method", req.method),
		attribute.String("url.full", req.url.Redacted()),
	)
	if req.operation != "" {
		attrs = append(attrs, attribute.String("courier.operation", req.operation))
	}
	if b := req.body; b.Kind() != body.KindEmpty {
		attrs = append(attrs, attribute.String("courier.body.kind", b.Kind().String()))
	}
	return attrs
}
