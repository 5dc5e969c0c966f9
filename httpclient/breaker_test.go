package httpclient

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/courier-go/httpclient/connector"
)

// mockRoundTripper is a testify mock of http.RoundTripper.
type mockRoundTripper struct {
	mock.Mock
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	args := m.Called(req)
	resp, _ := args.Get(0).(*http.Response)
	return resp, args.Error(1)
}

type stateRecorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *stateRecorder) record(_ string, from, to gobreaker.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
}

func (r *stateRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

func TestBreakerConfigPresets(t *testing.T) {
	t.Parallel()

	t.Run("given default config, then breaker is local", func(t *testing.T) {
		t.Parallel()

		cfg := DefaultBreakerConfig()
		assert.Equal(t, uint32(1), cfg.MaxRequests)
		assert.Equal(t, 10*time.Second, cfg.Interval)
		assert.Equal(t, 10*time.Second, cfg.Timeout)
		assert.Equal(t, uint32(20), cfg.FailureThreshold)
		assert.InEpsilon(t, 0.5, cfg.FailureRatio, 0.001)
		assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
		assert.NotNil(t, cfg.Classifier)
		assert.Nil(t, cfg.Store)
	})

	t.Run("given redis store, then distributed config uses it", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })

		store := NewRedisStore(rdb)
		cfg := DistributedBreakerConfig(store)
		assert.Equal(t, store, cfg.Store)
		assert.Equal(t, uint32(5), cfg.ConsecutiveFailures)
	})

	t.Run("given disabled config, then nothing counts as failure", func(t *testing.T) {
		t.Parallel()

		cfg := DisabledBreakerConfig()
		assert.False(t, cfg.Classifier(&http.Response{StatusCode: http.StatusInternalServerError}, nil))
		assert.False(t, cfg.Classifier(nil, syscall.ECONNREFUSED))
	})
}

func TestDefaultBreakerClassifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *http.Response
		err  error
		want bool
	}{
		{name: "given 200, then success", resp: &http.Response{StatusCode: http.StatusOK}, want: false},
		{name: "given 429, then success", resp: &http.Response{StatusCode: http.StatusTooManyRequests}, want: false},
		{name: "given 500, then failure", resp: &http.Response{StatusCode: http.StatusInternalServerError}, want: true},
		{name: "given connect error, then failure", err: &connector.ConnectError{Phase: connector.PhaseDial, Err: syscall.ECONNREFUSED}, want: true},
		{name: "given tls error, then failure", err: &connector.TLSError{Err: errors.New("handshake")}, want: true},
		{name: "given attempt timeout, then failure", err: errAttemptTimeout, want: true},
		{name: "given caller cancellation, then success", err: context.Canceled, want: false},
		{name: "given reset, then failure", err: syscall.ECONNRESET, want: true},
		{name: "given unrelated error, then success", err: errors.New("bad request line"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, DefaultBreakerClassifier(tt.resp, tt.err))
		})
	}
}

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	t.Parallel()

	states := &stateRecorder{}
	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = 50 * time.Millisecond
	cfg.OnStateChange = states.record

	mt := NewMockTransport().
		StubTimes(pathMatcher("/api"), 2, MockResponse{StatusCode: http.StatusInternalServerError}).
		StubPath("/api", http.StatusOK, "ok")
	client := newMockClient(mt, WithCircuitBreaker(cfg), WithServiceName("orders"))
	ctx := context.Background()

	for range 2 {
		resp, err := client.Request("Call").Get(ctx, "/api")
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		require.NoError(t, resp.Close())
	}

	_, err := client.Request("Call").Get(ctx, "/api")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, mt.RequestCount())

	time.Sleep(80 * time.Millisecond)

	resp, err := client.Request("Call").Get(ctx, "/api")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Close())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, states.get())
}

func TestCircuitBreaker_PerHost(t *testing.T) {
	t.Parallel()

	cfg := DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 1

	mt := NewMockTransport().
		StubHost("a.test", http.StatusBadGateway, "").
		StubHost("b.test", http.StatusOK, "ok")
	client := newMockClient(mt, WithCircuitBreaker(cfg))
	ctx := context.Background()

	resp, err := client.Request("A").Get(ctx, "/")
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	_, err = client.Request("A").Get(ctx, "/")
	assert.ErrorIs(t, err, ErrCircuitOpen)

	resp, err = client.Request("B").URL("https://b.test/").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Close())
}

func TestCircuitBreakerTransport_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		resp       *http.Response
		err        error
		wantStatus int
		wantErr    error
	}{
		{
			name:       "given success, then response is returned",
			resp:       &http.Response{StatusCode: http.StatusOK},
			wantStatus: http.StatusOK,
		},
		{
			name:       "given 500, then response is returned despite counting as failure",
			resp:       &http.Response{StatusCode: http.StatusInternalServerError},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:    "given network error, then error is returned",
			err:     syscall.ECONNRESET,
			wantErr: syscall.ECONNRESET,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			next := &mockRoundTripper{}
			next.On("RoundTrip", mock.Anything).Return(tt.resp, tt.err).Once()

			bc := DefaultBreakerConfig()
			cfg := newConfig(WithCircuitBreaker(bc))
			tr := newCircuitBreakerTransport(next, cfg)

			req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "https://a.test/x", nil)
			require.NoError(t, err)

			resp, err := tr.RoundTrip(req)
			next.AssertExpectations(t)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestCircuitBreaker_Distributed(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := DistributedBreakerConfig(NewRedisStore(rdb))
	cfg.ConsecutiveFailures = 1

	mt := NewMockTransport().StubResponse(http.StatusServiceUnavailable, "")
	first := newMockClient(mt, WithCircuitBreaker(cfg), WithServiceName("shared"))
	second := newMockClient(mt, WithCircuitBreaker(cfg), WithServiceName("shared"))
	ctx := context.Background()

	resp, err := first.Request("Call").Get(ctx, "/")
	require.NoError(t, err)
	require.NoError(t, resp.Close())

	_, err = second.Request("Call").Get(ctx, "/")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, mt.RequestCount())
}
