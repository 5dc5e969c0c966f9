package httpclient

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sony/gobreaker/v2"
)

// circuitBreaker is satisfied by gobreaker's local and distributed breakers.
type circuitBreaker interface {
	Execute(req func() (*http.Response, error)) (*http.Response, error)
}

// errSyntheticFailure tells the breaker that a response counts as a failure.
// The transport strips it before returning.
var errSyntheticFailure = errors.New("synthetic failure")

// circuitBreakerTransport routes each attempt through the breaker of its
// destination host.
type circuitBreakerTransport struct {
	next       http.RoundTripper
	cfg        *internalConfig
	classifier BreakerClassifier
	service    string

	mu       sync.RWMutex
	breakers map[string]circuitBreaker
}

func newCircuitBreakerTransport(next http.RoundTripper, cfg *internalConfig) http.RoundTripper {
	if cfg.BreakerConfig == nil {
		return next
	}
	classifier := cfg.BreakerConfig.Classifier
	if classifier == nil {
		classifier = DefaultBreakerClassifier
	}
	service := cfg.ServiceName
	if service == "" {
		service = "courier"
	}
	return &circuitBreakerTransport{
		next:       next,
		cfg:        cfg,
		classifier: classifier,
		service:    service,
		breakers:   make(map[string]circuitBreaker),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *circuitBreakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	name := t.service + ":" + req.URL.Host
	cb := t.breaker(name)

	resp, err := cb.Execute(func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req) //nolint:bodyclose // returned to the caller
		if t.classifier(resp, err) && err == nil {
			return resp, errSyntheticFailure
		}
		return resp, err
	})

	switch {
	case err == nil:
		t.cfg.Metrics.recordBreakerRequest(ctx, name, "success")
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		t.cfg.Metrics.recordBreakerRequest(ctx, name, "rejected")
		t.cfg.Logger.Debug().Str("breaker", name).Err(err).Msg("attempt rejected by circuit breaker")
		return nil, err
	case errors.Is(err, errSyntheticFailure):
		t.cfg.Metrics.recordBreakerRequest(ctx, name, "failure")
		return resp, nil
	default:
		t.cfg.Metrics.recordBreakerRequest(ctx, name, "failure")
		return nil, err
	}
}

// breaker returns the breaker of name, creating it on first use.
func (t *circuitBreakerTransport) breaker(name string) circuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[name]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok := t.breakers[name]; ok {
		return cb
	}
	cb = t.newBreaker(name)
	t.breakers[name] = cb
	return cb
}

func (t *circuitBreakerTransport) newBreaker(name string) circuitBreaker {
	bc := t.cfg.BreakerConfig
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: bc.MaxRequests,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if bc.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= bc.ConsecutiveFailures {
				return true
			}
			if bc.FailureThreshold > 0 && counts.Requests < bc.FailureThreshold {
				return false
			}
			if bc.FailureRatio > 0 && counts.Requests > 0 {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.cfg.Metrics.recordBreakerState(context.Background(), name, from.String(), to.String())
			t.cfg.Logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if bc.OnStateChange != nil {
				bc.OnStateChange(name, from, to)
			}
		},
	}

	if bc.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[*http.Response](bc.Store, st)
		if err == nil {
			return dcb
		}
		// The process still gets local protection.
		t.cfg.Logger.Warn().Err(err).Str("breaker", name).Msg("distributed circuit breaker unavailable, using local state")
	}
	return gobreaker.NewCircuitBreaker[*http.Response](st)
}
