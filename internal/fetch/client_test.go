package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps per-host intervals and backoffs in the millisecond range.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.DefaultRate = 60000 // 1ms interval
	cfg.HostRates = nil
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}

type payload struct {
	Value string `json:"value"`
}

func hostOf(t *testing.T, raw string) string {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func TestClient_GetJSONCachesByNormalizedURL(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil)
	ctx := context.Background()

	var first, second payload
	require.True(t, c.GetJSON(ctx, srv.URL+"/x", url.Values{"b": {"2"}, "a": {"1"}}, &first))
	require.True(t, c.GetJSON(ctx, srv.URL+"/x", url.Values{"a": {"1"}, "b": {"2"}}, &second))

	assert.Equal(t, "ok", first.Value)
	assert.Equal(t, "ok", second.Value)
	assert.Equal(t, int64(1), hits.Load())
	assert.Equal(t, int64(1), c.Stats().CacheHits)
}

func TestClient_RetriesAfter429ThenSucceeds(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"value":"late"}`))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil)
	var out payload
	require.True(t, c.GetJSON(context.Background(), srv.URL, nil, &out))

	assert.Equal(t, "late", out.Value)
	assert.Equal(t, int64(3), hits.Load())
	assert.Equal(t, int64(2), c.Stats().RateLimited)
}

func TestClient_429StreakRaisesSharedIntervalUntilSuccess(t *testing.T) {
	var limited atomic.Bool
	limited.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limited.Load() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"value":"ok"}`))
	}))
	defer srv.Close()

	registry := NewRegistry(nil, 60000)
	a := New(fastConfig(), registry)
	b := New(fastConfig(), registry)
	host := hostOf(t, srv.URL)
	base := registry.Interval(host)

	var out payload
	assert.False(t, a.GetJSON(context.Background(), srv.URL+"/a", nil, &out))

	raised := registry.Interval(host)
	assert.Greater(t, raised, base)
	assert.LessOrEqual(t, raised, 4*base)

	// A second client on the same registry sees the same record and its
	// success restores the baseline.
	limited.Store(false)
	require.True(t, b.GetJSON(context.Background(), srv.URL+"/b", nil, &out))
	assert.Equal(t, base, registry.Interval(host))
}

func TestClient_ServerErrorsExhaustRetries(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 1
	c := New(cfg, nil)

	var out payload
	assert.False(t, c.GetJSON(context.Background(), srv.URL, nil, &out))
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, int64(2), c.Stats().ServerErrors)
}

func TestClient_ClientErrorIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(fastConfig(), nil)
	var out payload
	assert.False(t, c.GetJSON(context.Background(), srv.URL, nil, &out))
	assert.Equal(t, int64(1), hits.Load())
}

func TestClient_NetworkErrorReturnsNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	cfg := fastConfig()
	cfg.MaxRetries = 0
	c := New(cfg, nil)

	var out payload
	assert.False(t, c.GetJSON(context.Background(), addr, nil, &out))
	assert.Equal(t, int64(1), c.Stats().Failures)
}

func TestClient_PostJSONIsNotCached(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"value":"posted"}`))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil)
	var out payload
	require.True(t, c.PostJSON(context.Background(), srv.URL, map[string]string{"k": "v"}, &out))
	require.True(t, c.PostJSON(context.Background(), srv.URL, map[string]string{"k": "v"}, &out))

	assert.Equal(t, "posted", out.Value)
	assert.Equal(t, int64(2), hits.Load())
}

func TestRateLimitBackoff(t *testing.T) {
	base := time.Second

	assert.Equal(t, time.Second, RateLimitBackoff(base, 0, time.Minute, 0))
	assert.Equal(t, 4*time.Second, RateLimitBackoff(base, 2, time.Minute, 0))
	assert.Equal(t, 1300*time.Millisecond, RateLimitBackoff(base, 0, time.Minute, 1))
	assert.Equal(t, time.Minute, RateLimitBackoff(base, 10, time.Minute, 0.5))
}

func TestRegistry_HostRateLongestMatch(t *testing.T) {
	r := NewRegistry(map[string]int{"helius": 600, "api.helius": 60}, 30)

	assert.Equal(t, time.Second, r.Interval("api.helius.xyz"))
	assert.Equal(t, 100*time.Millisecond, r.Interval("mainnet.helius-rpc.com"))
	assert.Equal(t, 2*time.Second, r.Interval("example.com"))
}

func TestCacheKey_SortsParams(t *testing.T) {
	a := cacheKey("https://x/y", url.Values{"b": {"2"}, "a": {"1"}})
	b := cacheKey("https://x/y", url.Values{"a": {"1"}, "b": {"2"}})

	assert.Equal(t, a, b)
	assert.Equal(t, "https://x/y?a=1&b=2", a)
	assert.Equal(t, "https://x/y", cacheKey("https://x/y", nil))
}

func TestResponseCache_ExpiresLazily(t *testing.T) {
	now := time.Now()
	c := newResponseCache(time.Minute)
	c.now = func() time.Time { return now }

	c.put("k", []byte("v"))
	_, ok := c.get("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.get("k")
	assert.False(t, ok)

	c.put("k2", []byte("v"))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, c.purge())
}

func TestClient_GetFreshBypassesCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"value":"fresh"}`))
	}))
	defer srv.Close()

	c := New(fastConfig(), nil)
	ctx := context.Background()

	var out payload
	require.True(t, c.GetFresh(ctx, srv.URL, nil, &out))
	require.True(t, c.GetFresh(ctx, srv.URL, nil, &out))
	assert.Equal(t, "fresh", out.Value)
	assert.Equal(t, int64(2), hits.Load())
	assert.Equal(t, 0, c.Stats().CacheEntries)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://api.helius.xyz/v0/addresses/W/transactions",
		redact("https://api.helius.xyz/v0/addresses/W/transactions?api-key=secret"))
	assert.Equal(t, "https://api.telegram.org/bot-redacted/sendMessage",
		redact("https://api.telegram.org/bot123:ABC/sendMessage"))
}

func TestRegistry_ThrottledReportsStreaks(t *testing.T) {
	r := NewRegistry(nil, 60)
	assert.Empty(t, r.Throttled())

	hot := r.lookup("api.dexscreener.com")
	for i := 0; i < streakThreshold; i++ {
		hot.record429("api.dexscreener.com")
	}
	r.lookup("api.rugcheck.xyz").record429("api.rugcheck.xyz")
	assert.Equal(t, []string{"api.dexscreener.com"}, r.Throttled())

	hot.recordSuccess()
	assert.Empty(t, r.Throttled())
}
