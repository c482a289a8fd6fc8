package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalops/signalops/internal/strategy"
)

func newTestProvider(t *testing.T, url string) *HTTPProvider {
	t.Helper()
	p, err := NewHTTPProvider(HTTPConfig{
		Name:               "test",
		BaseURL:            url,
		RateLimitPerSecond: 1000,
		Burst:              10,
		MaxRetries:         2,
		BackoffBase:        time.Millisecond,
	})
	require.NoError(t, err)
	return p
}

func TestHTTPProvider_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/AAPL/rsi_14", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"value": 28.5}`))
	}))
	defer srv.Close()

	v, err := newTestProvider(t, srv.URL).Resolve(context.Background(), "AAPL", "rsi_14")
	require.NoError(t, err)
	assert.Equal(t, 28.5, v)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_ExhaustedRetriesAreUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Resolve(context.Background(), "AAPL", "rsi_14")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestHTTPProvider_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Resolve(context.Background(), "AAPL", "pe_ratio")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_NullValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": null}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(t, srv.URL).Resolve(context.Background(), "AAPL", "pe_ratio")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestHTTPProvider_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestProvider(t, srv.URL).Resolve(ctx, "AAPL", "rsi_14")
	assert.Error(t, err)
}

func TestNewHTTPProvider_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPProvider(HTTPConfig{Name: "x"})
	assert.Error(t, err)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("bad request")
	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		return perm
	})
	assert.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
}

func TestRouter_UnboundSourceIsUnavailable(t *testing.T) {
	r := NewRouter()
	static := NewStaticProvider()
	static.Set("aapl", "rsi_14", 28)
	require.NoError(t, r.Register(strategy.SourceTechnical, static))
	assert.Error(t, r.Register("astrology", static))

	v, err := r.For(strategy.SourceTechnical).Resolve(context.Background(), "AAPL", "rsi_14")
	require.NoError(t, err)
	assert.Equal(t, 28.0, v)

	_, err = r.For(strategy.SourceNews).Resolve(context.Background(), "AAPL", "sentiment")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []strategy.Source{strategy.SourceTechnical}, r.Bound())
}

func TestStaticProvider_Errors(t *testing.T) {
	p := NewStaticProvider()
	p.Set("BTC", "price", 50000)
	p.SetError("BTC", "price", ErrTransient)

	_, err := p.Resolve(context.Background(), "BTC", "price")
	assert.ErrorIs(t, err, ErrTransient)

	p.Set("BTC", "price", 51000)
	v, err := p.Resolve(context.Background(), "BTC", "price")
	require.NoError(t, err)
	assert.Equal(t, 51000.0, v)

	_, err = p.Resolve(context.Background(), "ETH", "price")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisCache_Live(t *testing.T) {
	addr := os.Getenv("SIGNALOPS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SIGNALOPS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, RedisOptions{Addr: addr})
	require.NoError(t, err)
	defer client.Close()

	var calls atomic.Int32
	upstream := ProviderFunc(func(context.Context, string, string) (float64, error) {
		calls.Add(1)
		return 42, nil
	})
	prefix := "test-" + time.Now().Format("150405.000000")
	cache := NewRedisCache(upstream, client, prefix, time.Minute)

	for i := 0; i < 3; i++ {
		v, err := cache.Resolve(ctx, "AAPL", "rsi_14")
		require.NoError(t, err)
		assert.Equal(t, 42.0, v)
	}
	assert.Equal(t, int32(1), calls.Load())
	client.Del(ctx, cache.key("AAPL", "rsi_14"))
}

func TestRedisCache_KeyNamespace(t *testing.T) {
	cache := NewRedisCache(NewStaticProvider(), nil, string(strategy.SourceTechnical), 0)
	assert.Equal(t, "signalops:metric:technical:BTC:price", cache.key("btc", "price"))
}
