package httpclient

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	_ backoff.BackOff = (*LinearBackOff)(nil)
	_ backoff.BackOff = (*DecorrelatedJitterBackOff)(nil)
	_ backoff.BackOff = (*ConstantBackOffWithJitter)(nil)
	_ backoff.BackOff = (*TieredRetryBackOff)(nil)
)

// ExponentialBackOffFromConfig builds the default retry strategy. Jitter is
// always applied; a non-positive JitterFactor selects DefaultJitterFactor.
func ExponentialBackOffFromConfig(cfg RetryConfig) *backoff.ExponentialBackOff {
	jitter := cfg.JitterFactor
	if jitter <= 0 {
		jitter = DefaultJitterFactor
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.RandomizationFactor = jitter
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultInitialInterval
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultMaxInterval
	}
	b.Reset()
	return b
}

// LinearBackOff grows the interval by a fixed Increment per retry, capped at
// MaxInterval, with ±JitterFactor randomization.
//
// Example with InitialInterval=1s, Increment=500ms:
//
//	retry 1: ~1s, retry 2: ~1.5s, retry 3: ~2s
type LinearBackOff struct {
	InitialInterval time.Duration
	Increment       time.Duration
	MaxInterval     time.Duration
	JitterFactor    float64

	mu      sync.Mutex
	attempt int
}

// NewLinearBackOff returns a LinearBackOff starting at 500ms, growing by
// 500ms up to 30s, with 50% jitter.
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		InitialInterval: 500 * time.Millisecond,
		Increment:       500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		JitterFactor:    0.5,
	}
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	interval := b.InitialInterval + time.Duration(b.attempt)*b.Increment
	b.attempt++
	b.mu.Unlock()

	if b.MaxInterval > 0 && interval > b.MaxInterval {
		interval = b.MaxInterval
	}
	return applyJitter(interval, b.JitterFactor)
}

// DecorrelatedJitterBackOff draws each interval between Base and three
// times the previous one, capped at Cap.
//
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterBackOff struct {
	Base time.Duration
	Cap  time.Duration

	mu    sync.Mutex
	sleep time.Duration
}

// NewDecorrelatedJitterBackOff returns a strategy with Base 500ms and Cap 30s.
func NewDecorrelatedJitterBackOff() *DecorrelatedJitterBackOff {
	return &DecorrelatedJitterBackOff{Base: 500 * time.Millisecond, Cap: 30 * time.Second}
}

// Reset implements backoff.BackOff.
func (b *DecorrelatedJitterBackOff) Reset() {
	b.mu.Lock()
	b.sleep = b.Base
	b.mu.Unlock()
}

// NextBackOff implements backoff.BackOff.
func (b *DecorrelatedJitterBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sleep == 0 {
		b.sleep = b.Base
	}
	b.sleep = randomBetween(b.Base, min(b.Cap, b.sleep*3))
	return b.sleep
}

// ConstantBackOffWithJitter waits Interval ± JitterFactor between retries.
type ConstantBackOffWithJitter struct {
	Interval     time.Duration
	JitterFactor float64
}

// NewConstantBackOffWithJitter returns a strategy waiting 1s ± 50%.
func NewConstantBackOffWithJitter() *ConstantBackOffWithJitter {
	return &ConstantBackOffWithJitter{Interval: time.Second, JitterFactor: 0.5}
}

// Reset implements backoff.BackOff.
func (b *ConstantBackOffWithJitter) Reset() {}

// NextBackOff implements backoff.BackOff.
func (b *ConstantBackOffWithJitter) NextBackOff() time.Duration {
	return applyJitter(b.Interval, b.JitterFactor)
}

// RetryTier is a run of retries sharing one fixed delay.
type RetryTier struct {
	MaxRetries int
	Delay      time.Duration
}

// TieredRetryBackOff walks through fixed-delay tiers, then doubles from one
// minute up to MaxDelay.
//
// Example:
//
//	b := httpclient.NewTieredRetryBackOff([]httpclient.RetryTier{
//	    {MaxRetries: 3, Delay: 5 * time.Second},
//	    {MaxRetries: 3, Delay: 30 * time.Second},
//	}, 10*time.Minute, 0.5)
type TieredRetryBackOff struct {
	Tiers        []RetryTier
	MaxDelay     time.Duration
	JitterFactor float64

	mu      sync.Mutex
	attempt int
}

// NewTieredRetryBackOff creates a TieredRetryBackOff. A non-positive
// jitterFactor selects DefaultJitterFactor.
func NewTieredRetryBackOff(tiers []RetryTier, maxDelay time.Duration, jitterFactor float64) *TieredRetryBackOff {
	if jitterFactor <= 0 {
		jitterFactor = DefaultJitterFactor
	}
	return &TieredRetryBackOff{Tiers: tiers, MaxDelay: maxDelay, JitterFactor: jitterFactor}
}

// Reset implements backoff.BackOff.
func (b *TieredRetryBackOff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// NextBackOff implements backoff.BackOff.
func (b *TieredRetryBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	b.attempt++
	n := b.attempt
	b.mu.Unlock()
	return applyJitter(b.delay(n), b.JitterFactor)
}

// CurrentTier returns the 1-based tier of the last interval, len(Tiers)+1
// once the exponential phase is reached.
func (b *TieredRetryBackOff) CurrentTier() int {
	b.mu.Lock()
	n := b.attempt
	b.mu.Unlock()
	for i, tier := range b.Tiers {
		if n <= tier.MaxRetries {
			return i + 1
		}
		n -= tier.MaxRetries
	}
	return len(b.Tiers) + 1
}

func (b *TieredRetryBackOff) delay(n int) time.Duration {
	for _, tier := range b.Tiers {
		if n <= tier.MaxRetries {
			return tier.Delay
		}
		n -= tier.MaxRetries
	}
	d := time.Minute << min(n-1, 30)
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}

// applyJitter returns interval ± interval*factor. The factor is clamped to
// [0, 1].
func applyJitter(interval time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return interval
	}
	factor = min(factor, 1)
	delta := float64(interval) * factor
	//nolint:gosec // jitter does not need a cryptographic source
	return time.Duration(float64(interval) - delta + rand.Float64()*2*delta)
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if lo >= hi {
		return lo
	}
	//nolint:gosec // jitter does not need a cryptographic source
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}
