package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Rate-limited fetch client — shared per-host throttle, 429 backoff, TTL cache
// ---------------------------------------------------------------------------

// Config configures a Client.
type Config struct {
	Timeout       time.Duration  `yaml:"timeout"`
	MaxRetries    int            `yaml:"max_retries"`     // 5xx / transport retries
	Max429Retries int            `yaml:"max_429_retries"` // rate-limit retries
	MaxBackoff    time.Duration  `yaml:"max_backoff"`
	CacheTTL      time.Duration  `yaml:"cache_ttl"`
	DefaultRate   int            `yaml:"default_rate"` // requests per minute
	HostRates     map[string]int `yaml:"host_rates"`   // host substring -> requests per minute
	UserAgent     string         `yaml:"user_agent"`
}

// DefaultConfig returns the budgets the public APIs tolerate.
func DefaultConfig() Config {
	return Config{
		Timeout:       10 * time.Second,
		MaxRetries:    3,
		Max429Retries: 3,
		MaxBackoff:    60 * time.Second,
		CacheTTL:      5 * time.Minute,
		DefaultRate:   60,
		HostRates: map[string]int{
			"geckoterminal": 30,
			"dexscreener":   300,
			"coingecko":     30,
			"rugcheck":      30,
			"helius":        600,
			"solana.com":    120,
			"etherscan":     300,
			"basescan":      300,
			"bscscan":       300,
			"telegram":      1200,
		},
		UserAgent: "alphawatch/1.0",
	}
}

// Client issues outbound HTTP calls. Failures never surface as errors: the
// request methods return false and the caller treats it as "no data".
type Client struct {
	config     Config
	httpClient *http.Client
	registry   *Registry
	cache      *responseCache
	jitter     func() float64

	requests  atomic.Int64
	cacheHits atomic.Int64
	limited   atomic.Int64
	serverErr atomic.Int64
	failures  atomic.Int64
}

// New creates a Client that throttles through the given registry. Clients
// sharing a registry share per-host budgets.
func New(config Config, registry *Registry) *Client {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 60 * time.Second
	}
	if registry == nil {
		registry = NewRegistry(config.HostRates, config.DefaultRate)
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		registry:   registry,
		cache:      newResponseCache(config.CacheTTL),
		jitter:     rand.Float64,
	}
}

// Registry returns the throttle registry backing this client.
func (c *Client) Registry() *Registry { return c.registry }

// GetJSON fetches endpoint with query params and decodes the JSON body into
// out. Successful responses are cached for CacheTTL.
func (c *Client) GetJSON(ctx context.Context, endpoint string, params url.Values, out any) bool {
	return c.get(ctx, endpoint, params, out, true)
}

// GetFresh is GetJSON without the response cache, for listings that must
// reflect activity newer than CacheTTL.
func (c *Client) GetFresh(ctx context.Context, endpoint string, params url.Values, out any) bool {
	return c.get(ctx, endpoint, params, out, false)
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any, cached bool) bool {
	key := cacheKey(endpoint, params)
	if cached {
		if body, ok := c.cache.get(key); ok {
			if err := json.Unmarshal(body, out); err == nil {
				c.cacheHits.Add(1)
				return true
			}
		}
	}

	full := endpoint
	if len(params) > 0 {
		full = endpoint + "?" + params.Encode()
	}
	body, ok := c.do(ctx, http.MethodGet, full, nil)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.failures.Add(1)
		log.Warn().Err(err).Str("url", redact(endpoint)).Msg("fetch: decode response")
		return false
	}
	if cached {
		c.cache.put(key, body)
	}
	return true
}

// PostJSON sends payload as a JSON body and decodes the response into out.
// POST responses are never cached. out may be nil.
func (c *Client) PostJSON(ctx context.Context, endpoint string, payload, out any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("url", redact(endpoint)).Msg("fetch: marshal request")
		return false
	}
	body, ok := c.do(ctx, http.MethodPost, endpoint, raw)
	if !ok {
		return false
	}
	if out == nil {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		c.failures.Add(1)
		log.Warn().Err(err).Str("url", redact(endpoint)).Msg("fetch: decode response")
		return false
	}
	return true
}

// do runs the throttled retry loop and returns the 2xx body.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		log.Error().Err(err).Msg("fetch: parse URL")
		return nil, false
	}
	host := u.Host
	t := c.registry.lookup(host)

	retries, limitedRetries := 0, 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, false
		}

		c.requests.Add(1)
		status, body, err := c.send(ctx, method, rawURL, payload)

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, false
			}
			if retries >= c.config.MaxRetries {
				c.failures.Add(1)
				log.Warn().Err(err).Str("host", host).Int("attempts", retries+1).Msg("fetch: request failed, giving up")
				return nil, false
			}
			if !sleep(ctx, retryBackoff(retries)) {
				return nil, false
			}
			retries++

		case status == http.StatusTooManyRequests:
			c.limited.Add(1)
			interval := t.record429(host)
			if limitedRetries >= c.config.Max429Retries {
				c.failures.Add(1)
				log.Warn().Str("host", host).Int("retries", limitedRetries).Msg("fetch: rate limited, giving up")
				return nil, false
			}
			wait := RateLimitBackoff(interval, limitedRetries, c.config.MaxBackoff, c.jitter())
			log.Debug().Str("host", host).Dur("wait", wait).Int("attempt", limitedRetries+1).Msg("fetch: 429, backing off")
			if !sleep(ctx, wait) {
				return nil, false
			}
			limitedRetries++

		case status >= 500:
			c.serverErr.Add(1)
			if retries >= c.config.MaxRetries {
				c.failures.Add(1)
				log.Warn().Int("status", status).Str("host", host).Int("attempts", retries+1).Msg("fetch: server error, giving up")
				return nil, false
			}
			if !sleep(ctx, retryBackoff(retries)) {
				return nil, false
			}
			retries++

		case status >= 400:
			c.failures.Add(1)
			log.Warn().Int("status", status).Str("url", redact(rawURL)).Str("body", truncate(string(body), 200)).Msg("fetch: client error")
			return nil, false

		default:
			t.recordSuccess()
			return body, true
		}
	}
}

func (c *Client) send(ctx context.Context, method, rawURL string, payload []byte) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, nil
}

// RateLimitBackoff computes the wait after a 429: interval*2^attempt plus a
// jitter of up to 30% of that wait (jitter in [0,1)), capped at ceiling.
func RateLimitBackoff(interval time.Duration, attempt int, ceiling time.Duration, jitter float64) time.Duration {
	wait := float64(interval) * math.Pow(2, float64(attempt))
	wait += wait * 0.3 * jitter
	if ceiling > 0 && wait > float64(ceiling) {
		return ceiling
	}
	return time.Duration(wait)
}

// retryBackoff is the wait before retry n of a transient failure: 500ms, 1s, 2s...
func retryBackoff(n int) time.Duration {
	return time.Duration(1<<uint(n)) * 500 * time.Millisecond
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// Purge drops expired cache entries.
func (c *Client) Purge() int {
	return c.cache.purge()
}

// Stats are cumulative client counters.
type Stats struct {
	Requests     int64 `json:"requests"`
	CacheHits    int64 `json:"cache_hits"`
	RateLimited  int64 `json:"rate_limited"`
	ServerErrors int64 `json:"server_errors"`
	Failures     int64 `json:"failures"`
	CacheEntries int   `json:"cache_entries"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Requests:     c.requests.Load(),
		CacheHits:    c.cacheHits.Load(),
		RateLimited:  c.limited.Load(),
		ServerErrors: c.serverErr.Load(),
		Failures:     c.failures.Load(),
		CacheEntries: c.cache.len(),
	}
}

// redact strips query strings, which often carry API keys, and Telegram bot
// tokens embedded in the path from URLs in logs.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	u.RawQuery = ""
	segs := strings.Split(u.Path, "/")
	for i, seg := range segs {
		if strings.HasPrefix(seg, "bot") && strings.Contains(seg, ":") {
			segs[i] = "bot-redacted"
		}
	}
	u.Path = strings.Join(segs, "/")
	u.RawPath = ""
	return u.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
