package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig controls the retry of physical attempts.
//
// Retries happen below the redirect state machine: each hop of a logical
// request is retried on its own, and a redirect response is never retried.
// Attempts whose body was streamed are never retried, since the body cannot
// be sent twice.
//
// Example:
//
//	cfg := httpclient.DefaultRetryConfig()
//	cfg.MaxRetries = 5
//	client := httpclient.New(httpclient.WithRetryConfig(cfg))
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	// Zero disables retries.
	// Default: 3
	MaxRetries uint

	// InitialInterval is the first backoff interval.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps a single backoff interval.
	// Default: 30s
	MaxInterval time.Duration

	// MaxElapsedTime bounds the whole retry sequence of one attempt. Zero
	// leaves only MaxRetries and the request timeout.
	// Default: 2m
	MaxElapsedTime time.Duration

	// Multiplier grows the interval after each retry.
	// Default: 2.0
	Multiplier float64

	// JitterFactor randomizes each interval by ±factor.
	// Default: 0.5
	JitterFactor float64

	// RespectRetryAfter waits for the Retry-After delay of 429 and 503
	// responses instead of the backoff interval.
	// Default: true
	RespectRetryAfter bool
}

// Default values for RetryConfig.
const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second
	DefaultMaxElapsedTime  = 2 * time.Minute
	DefaultMultiplier      = 2.0
	DefaultJitterFactor    = 0.5
)

// maxRetryDrain bounds the bytes read from a retried response before its
// connection is discarded.
const maxRetryDrain = 64 << 10

// DefaultRetryConfig returns 3 retries with exponential backoff
// (500ms, 1s, 2s ± 50%) within 2 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        DefaultMaxRetries,
		InitialInterval:   DefaultInitialInterval,
		MaxInterval:       DefaultMaxInterval,
		MaxElapsedTime:    DefaultMaxElapsedTime,
		Multiplier:        DefaultMultiplier,
		JitterFactor:      DefaultJitterFactor,
		RespectRetryAfter: true,
	}
}

// AggressiveRetryConfig returns 5 retries starting at 200ms within 5 minutes,
// for idempotent calls that must succeed.
func AggressiveRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 5
	cfg.InitialInterval = 200 * time.Millisecond
	cfg.MaxInterval = 60 * time.Second
	cfg.MaxElapsedTime = 5 * time.Minute
	return cfg
}

// ConservativeRetryConfig returns 2 retries starting at 1s within 30s, for
// expensive or rate-limited upstreams.
func ConservativeRetryConfig() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = 2
	cfg.InitialInterval = time.Second
	cfg.MaxInterval = 10 * time.Second
	cfg.MaxElapsedTime = 30 * time.Second
	return cfg
}

// NoRetryConfig disables retries.
func NoRetryConfig() RetryConfig {
	return RetryConfig{}
}

// IsEnabled reports whether retries are enabled.
func (c RetryConfig) IsEnabled() bool {
	return c.MaxRetries > 0
}

// WithRetryConfig enables retries of physical attempts.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.AggressiveRetryConfig()),
//	)
func WithRetryConfig(c RetryConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RetryConfig = c
	}
}

// WithRetryClassifier replaces DefaultClassifier.
func WithRetryClassifier(c RetryClassifier) Option {
	return func(cfg *internalConfig) {
		cfg.RetryClassifier = c
	}
}

// WithRetryBackOff replaces the exponential backoff derived from
// RetryConfig. The strategy is shared by the client, so it must be safe
// for concurrent use or used by one goroutine at a time.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.DefaultRetryConfig()),
//	    httpclient.WithRetryBackOff(httpclient.NewLinearBackOff()),
//	)
func WithRetryBackOff(b backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		cfg.RetryBackOff = b
	}
}

// =============================================================================
// Retry Transport
// =============================================================================

// retryableStatus marks a response the classifier asked to retry.
type retryableStatus struct{ code int }

func (e *retryableStatus) Error() string {
	return "retryable status " + strconv.Itoa(e.code)
}

// retryTransport retries failed attempts with cenkalti/backoff.
type retryTransport struct {
	base       http.RoundTripper
	cfg        *internalConfig
	classifier RetryClassifier
}

func newRetryTransport(base http.RoundTripper, cfg *internalConfig) http.RoundTripper {
	if !cfg.RetryConfig.IsEnabled() {
		return base
	}
	classifier := cfg.RetryClassifier
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &retryTransport{base: base, cfg: cfg, classifier: classifier}
}

// RoundTrip implements http.RoundTripper.
func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	span := trace.SpanFromContext(ctx)
	attrs := t.cfg.baseAttributes()
	rc := t.cfg.RetryConfig

	var (
		prev    *http.Response
		retries int
		start   = time.Now()
	)

	opts := []backoff.RetryOption{
		backoff.WithBackOff(t.backOff()),
		backoff.WithMaxTries(rc.MaxRetries + 1),
		backoff.WithNotify(func(err error, next time.Duration) {
			retries++
			recordRetryEvent(span, retries, err, next)
			t.cfg.Metrics.recordRetryAttempt(ctx, attrs, retries)
			t.cfg.Logger.Debug().
				Err(err).
				Int("retry", retries).
				Dur("delay", next).
				Str("url", req.URL.Redacted()).
				Msg("retrying attempt")
		}),
	}
	if rc.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(rc.MaxElapsedTime))
	}

	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		if prev != nil {
			discard(prev)
			prev = nil
		}
		attempt, err := replay(req)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := t.base.RoundTrip(attempt)
		if !t.classifier(resp, err) {
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			return resp, nil
		}
		if err != nil {
			return nil, err
		}

		prev = resp
		var statusErr error = &retryableStatus{code: resp.StatusCode}
		if d, ok := retryAfter(resp); ok && rc.RespectRetryAfter {
			statusErr = fmt.Errorf("%w: %w", statusErr, backoff.RetryAfter(int(d.Seconds())))
		}
		return resp, statusErr
	}, opts...)

	var statusErr *retryableStatus
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && prev != nil:
		// Retries are exhausted; the last response goes to the caller.
		resp, err = prev, nil
	default:
		if prev != nil {
			discard(prev)
		}
		resp = nil
	}

	if retries > 0 {
		span.SetAttributes(
			attribute.Int("http.retry_count", retries),
			attribute.Bool("http.retry_success", err == nil && statusErr == nil),
		)
		if err != nil || statusErr != nil {
			t.cfg.Metrics.recordRetryExhausted(ctx, attrs)
		}
	}
	t.cfg.Metrics.recordRetryDuration(ctx, attrs, time.Since(start))

	return resp, err
}

func (t *retryTransport) backOff() backoff.BackOff {
	if t.cfg.RetryBackOff != nil {
		t.cfg.RetryBackOff.Reset()
		return t.cfg.RetryBackOff
	}
	return ExponentialBackOffFromConfig(t.cfg.RetryConfig)
}

// replay returns a copy of req with a fresh body.
func replay(req *http.Request) (*http.Request, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil {
		b, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = b
	}
	return r, nil
}

// discard drains a bounded amount of resp's body so small bodies leave their
// connection reusable, then closes it.
func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, maxRetryDrain)
	_ = resp.Body.Close()
}

// retryAfter parses a Retry-After header of a 429 or 503 response, given in
// seconds or as an HTTP date.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0, false
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := time.Until(at).Round(time.Second)
		return max(d, 0), true
	}
	return 0, false
}

func recordRetryEvent(span trace.Span, attempt int, err error, next time.Duration) {
	if !span.IsRecording() {
		return
	}
	reason := "error"
	var statusErr *retryableStatus
	switch {
	case errors.As(err, &statusErr):
		reason = "status_" + strconv.Itoa(statusErr.code)
	case err != nil:
		reason = classifyError(err)
	}
	span.AddEvent("http.retry", trace.WithAttributes(
		attribute.Int("retry.attempt", attempt),
		attribute.Int64("retry.delay_ms", next.Milliseconds()),
		attribute.String("retry.reason", reason),
	))
}
