package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"

	"github.com/kroma-labs/courier-go/httpclient/connector"
)

// NewRedisStore returns a SharedDataStore that lets client instances share
// breaker state through Redis.
//
// Example:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	client := httpclient.New(
//	    httpclient.WithCircuitBreaker(httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))),
//	)
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// BreakerClassifier reports whether an attempt outcome counts as a failure
// of the destination.
type BreakerClassifier func(resp *http.Response, err error) bool

// BreakerConfig configures the circuit breakers of a client.
//
// One breaker exists per destination host. It sits below the retry layer, so
// each retried attempt is counted, and a rejected attempt surfaces as
// KindCircuitOpen.
//
// States:
//   - Closed: attempts pass and outcomes are counted.
//   - Open: attempts are rejected without touching the network.
//   - Half-Open: MaxRequests probes decide whether to close again.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	// Zero allows one.
	MaxRequests uint32

	// Interval clears the counts periodically while closed.
	// Zero never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// Zero selects 60s.
	Timeout time.Duration

	// FailureThreshold is the number of attempts needed before the
	// failure ratio can trip the breaker.
	// Default: 20
	FailureThreshold uint32

	// FailureRatio trips the breaker once reached.
	// Default: 0.5
	FailureRatio float64

	// ConsecutiveFailures trips the breaker on a run of failures.
	// Zero disables the rule.
	// Default: 5
	ConsecutiveFailures uint32

	// Store shares breaker state between processes. Nil keeps it in memory.
	Store gobreaker.SharedDataStore

	// Classifier decides which outcomes are failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange observes transitions. name is "<service>:<host>".
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns an in-memory breaker that trips after 5
// consecutive failures, or on a 50% failure ratio over at least 20 attempts,
// and probes again after 10s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig backed by store.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DisabledBreakerConfig returns a breaker that never trips.
func DisabledBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: ^uint32(0),
		FailureRatio:     1.0,
		Classifier:       func(*http.Response, error) bool { return false },
	}
}

// WithCircuitBreaker enables per-host circuit breaking.
//
// Example:
//
//	cfg := httpclient.DefaultBreakerConfig()
//	cfg.ConsecutiveFailures = 3
//	client := httpclient.New(httpclient.WithCircuitBreaker(cfg))
func WithCircuitBreaker(c BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerConfig = &c
	}
}

// DefaultBreakerClassifier counts 5xx responses, connect failures and
// network errors. 429 is left to the retry layer, and cancellation by the
// caller is not the destination's fault.
func DefaultBreakerClassifier(resp *http.Response, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}
	return resp != nil && resp.StatusCode >= http.StatusInternalServerError
}

func isNetworkError(err error) bool {
	if errors.Is(err, errAttemptTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var (
		connErr *connector.ConnectError
		tlsErr  *connector.TLSError
		netErr  net.Error
	)
	if errors.As(err, &connErr) || errors.As(err, &tlsErr) || errors.Is(err, connector.ErrNoResponse) {
		return true
	}
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
