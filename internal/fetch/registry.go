package fetch

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Per-destination throttling shared by every Client built on the same Registry.

const (
	// streakThreshold is the number of consecutive 429s after which the shared
	// interval for a host is raised.
	streakThreshold = 3
	raiseFactor     = 1.5
	maxRaise        = 4
)

// throttle is the shared record for one destination host.
type throttle struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	baseInterval time.Duration
	interval     time.Duration
	consecutive  int
}

// Registry holds one throttle per destination host.
type Registry struct {
	mu          sync.Mutex
	hosts       map[string]*throttle
	hostRates   map[string]int // host substring -> requests per minute
	defaultRate int
}

// NewRegistry creates a throttle registry. hostRates maps a host substring
// (e.g. "dexscreener") to its request budget per minute.
func NewRegistry(hostRates map[string]int, defaultRate int) *Registry {
	if defaultRate <= 0 {
		defaultRate = 60
	}
	rates := make(map[string]int, len(hostRates))
	for k, v := range hostRates {
		rates[strings.ToLower(k)] = v
	}
	return &Registry{
		hosts:       make(map[string]*throttle),
		hostRates:   rates,
		defaultRate: defaultRate,
	}
}

// lookup returns the throttle for host, creating it on first use.
func (r *Registry) lookup(host string) *throttle {
	host = strings.ToLower(host)

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.hosts[host]; ok {
		return t
	}

	// Longest matching key wins so "api.helius" can override "helius".
	perMin, matched := r.defaultRate, ""
	for key, v := range r.hostRates {
		if v > 0 && strings.Contains(host, key) && len(key) > len(matched) {
			perMin, matched = v, key
		}
	}
	base := time.Minute / time.Duration(perMin)
	t := &throttle{
		limiter:      rate.NewLimiter(rate.Every(base), 1),
		baseInterval: base,
		interval:     base,
	}
	r.hosts[host] = t
	return t
}

// Interval returns the current minimum inter-request interval for host.
func (r *Registry) Interval(host string) time.Duration {
	t := r.lookup(host)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

// record429 counts a rate-limit response and returns the interval to use as
// the backoff base. After streakThreshold consecutive 429s the shared interval
// is raised by raiseFactor, capped at maxRaise times the baseline.
func (t *throttle) record429(host string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive++
	if t.consecutive >= streakThreshold {
		raised := time.Duration(float64(t.interval) * raiseFactor)
		ceiling := t.baseInterval * maxRaise
		if raised > ceiling {
			raised = ceiling
		}
		if raised != t.interval {
			t.interval = raised
			t.limiter.SetLimit(rate.Every(raised))
			log.Warn().
				Str("host", host).
				Int("streak", t.consecutive).
				Dur("interval", raised).
				Msg("fetch: raised host interval after repeated 429s")
		}
	}
	return t.interval
}

// recordSuccess resets the streak and restores the baseline interval.
func (t *throttle) recordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.consecutive = 0
	if t.interval != t.baseInterval {
		t.interval = t.baseInterval
		t.limiter.SetLimit(rate.Every(t.baseInterval))
	}
}

// Throttled returns the hosts currently in a 429 streak, sorted.
func (r *Registry) Throttled() []string {
	r.mu.Lock()
	hosts := make(map[string]*throttle, len(r.hosts))
	for h, t := range r.hosts {
		hosts[h] = t
	}
	r.mu.Unlock()

	var out []string
	for h, t := range hosts {
		t.mu.Lock()
		if t.consecutive >= streakThreshold {
			out = append(out, h)
		}
		t.mu.Unlock()
	}
	sort.Strings(out)
	return out
}
