package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig limits the rate of physical attempts.
//
// Every attempt takes a token, including retries and redirect hops.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained attempt rate. Zero disables
	// limiting.
	RequestsPerSecond float64

	// Burst is the number of attempts allowed at once.
	Burst int

	// WaitOnLimit waits for a token within the request deadline. When
	// false an attempt without a token fails with ErrRateLimited.
	WaitOnLimit bool

	// PerHost keeps one limiter per destination host instead of one for
	// the whole client.
	PerHost bool
}

// DefaultRateLimitConfig returns 100 attempts per second with a burst of 10,
// waiting for tokens.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// WithRateLimit enables client-side rate limiting.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRateLimit(httpclient.RateLimitConfig{
//	        RequestsPerSecond: 5,
//	        Burst:             1,
//	        PerHost:           true,
//	    }),
//	)
func WithRateLimit(c RateLimitConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RateLimit = &c
	}
}

// RateLimiterStats is a snapshot of a limiter.
type RateLimiterStats struct {
	Limit           float64
	Burst           int
	TokensAvailable float64
}

type rateLimitTransport struct {
	next http.RoundTripper
	cfg  RateLimitConfig

	global *rate.Limiter

	mu    sync.RWMutex
	hosts map[string]*rate.Limiter
}

func newRateLimitTransport(next http.RoundTripper, cfg *RateLimitConfig) http.RoundTripper {
	if cfg == nil || cfg.RequestsPerSecond <= 0 {
		return next
	}
	c := *cfg
	if c.Burst <= 0 {
		c.Burst = 1
	}
	t := &rateLimitTransport{next: next, cfg: c}
	if c.PerHost {
		t.hosts = make(map[string]*rate.Limiter)
	} else {
		t.global = rate.NewLimiter(rate.Limit(c.RequestsPerSecond), c.Burst)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *rateLimitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.acquire(req.Context(), t.limiter(req.URL.Host)); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

func (t *rateLimitTransport) acquire(ctx context.Context, l *rate.Limiter) error {
	if !t.cfg.WaitOnLimit {
		if !l.Allow() {
			return ErrRateLimited
		}
		return nil
	}
	if err := l.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// The wait would outlive the deadline.
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return nil
}

func (t *rateLimitTransport) limiter(host string) *rate.Limiter {
	if t.global != nil {
		return t.global
	}

	t.mu.RLock()
	l, ok := t.hosts[host]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.hosts[host]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(t.cfg.RequestsPerSecond), t.cfg.Burst)
	t.hosts[host] = l
	return l
}

// stats returns the limiter state for host, or the client limiter.
func (t *rateLimitTransport) stats(host string) RateLimiterStats {
	l := t.limiter(host)
	return RateLimiterStats{
		Limit:           float64(l.Limit()),
		Burst:           l.Burst(),
		TokensAvailable: l.Tokens(),
	}
}
