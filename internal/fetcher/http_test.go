package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/usage-ledger/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestFetcher(url string) *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		URL:         url,
		UserAgent:   "test-agent",
		Headers:     map[string]string{"Cookie": "session=abc"},
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		RateLimit:   rate.Inf,
	})
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "session=abc", r.Header.Get("Cookie"))
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("X-Export-Id", "42")
		w.Write([]byte("Date,Model\n2025-02-03,gpt\n")) //nolint:errcheck
	}))
	defer srv.Close()

	exp, err := newTestFetcher(srv.URL + "/export.csv").Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Date,Model\n2025-02-03,gpt\n", string(exp.Body))
	assert.Equal(t, srv.URL+"/export.csv", exp.SourceURL)
	assert.Equal(t, "text/csv", exp.ContentType)
	assert.Equal(t, "42", exp.Headers["x-export-id"])
	assert.Equal(t, "http", exp.Method)
}

func TestFetch_RetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	exp, err := newTestFetcher(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(exp.Body))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetch_RetryExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.KindFetch, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "all retries exhausted")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestFetch_NoBackoffAfterFinalAttempt(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{
		URL:         srv.URL,
		Timeout:     5 * time.Second,
		MaxRetries:  1,
		BaseBackoff: 10 * time.Second,
		RateLimit:   rate.Inf,
	})

	start := time.Now()
	_, err := f.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all retries exhausted")
	assert.Equal(t, int32(1), attempts.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.KindFetch, resilience.KindOf(err))
	assert.Contains(t, err.Error(), "unexpected status 401")
	assert.Equal(t, int32(1), attempts.Load())
}

func TestFetch_429SlowsLimiter(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{URL: srv.URL, BaseBackoff: time.Millisecond, RateLimit: 100, Burst: 10})
	_, err := f.Fetch(context.Background())
	require.NoError(t, err)
	// Halved to 50, then raised 20% on success.
	assert.InDelta(t, 60.0, float64(f.limiter.Limit()), 0.001)
}

func TestFetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hj, ok := w.(http.Hijacker)
		if ok {
			conn, _, _ := hj.Hijack()
			conn.Close() //nolint:errcheck
		}
	}))
	defer srv.Close()

	_, err := newTestFetcher(srv.URL).Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.KindFetch, resilience.KindOf(err))
	assert.True(t, resilience.Retryable(err))
}

func TestFetch_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestFetcher(srv.URL).Fetch(ctx)
	require.Error(t, err)
	assert.Equal(t, resilience.KindFetch, resilience.KindOf(err))
}

func TestFetch_NoURL(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPOptions{}).Fetch(context.Background())
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}

func TestNewHTTPFetcher_Defaults(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{})
	assert.Equal(t, 60*time.Second, f.opts.Timeout)
	assert.Equal(t, 3, f.opts.MaxRetries)
	assert.Equal(t, "usage-ledger/1.0", f.opts.UserAgent)
	assert.Equal(t, rate.Limit(1), f.limiter.Limit())
}

func TestAdaptiveLimiter_OnSuccess_CapsAt2x(t *testing.T) {
	al := NewAdaptiveLimiter(10, 10)
	for range 20 {
		al.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), al.Limit())
}

func TestAdaptiveLimiter_OnRateLimit_FloorAtQuarter(t *testing.T) {
	al := NewAdaptiveLimiter(10, 10)
	for range 20 {
		al.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), al.Limit())
}

func TestAdaptiveLimiter_Wait_ContextCancelled(t *testing.T) {
	al := NewAdaptiveLimiter(0.001, 1)
	require.NoError(t, al.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, al.Wait(ctx))
}
