package scanner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// ---------------------------------------------------------------------------
// Pull Scanner — polls watched wallets and re-derives the buy stream
// ---------------------------------------------------------------------------

// Source lists and parses activity for one chain. ListActivity is the cheap
// call; FetchBuys is only called with identifiers the scanner has not seen
// for that target. Both report failure as no data.
type Source interface {
	Chain() string
	ListActivity(ctx context.Context, target copytrade.WatchTarget) ([]string, bool)
	FetchBuys(ctx context.Context, target copytrade.WatchTarget, newIDs []string) []copytrade.BuyEvent
}

// Sink receives the events of one poll.
type Sink func(events []copytrade.BuyEvent)

// StateFunc reports whether the push channel is currently subscribed.
type StateFunc func() bool

// Config configures the scanner.
type Config struct {
	MaxWorkers     int           `yaml:"max_workers"`
	FastInterval   time.Duration `yaml:"fast_interval"`   // push channel down
	SafetyInterval time.Duration `yaml:"safety_interval"` // push channel subscribed
	TargetCacheTTL time.Duration `yaml:"target_cache_ttl"`
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:     5,
		FastInterval:   90 * time.Second,
		SafetyInterval: 600 * time.Second,
		TargetCacheTTL: 5 * time.Minute,
	}
}

type cachedResult struct {
	events []copytrade.BuyEvent
	at     time.Time
}

// Scanner polls every registered target through the source for its chain.
type Scanner struct {
	config   Config
	registry *copytrade.Registry
	sources  map[string]Source
	sink     Sink
	streamUp StateFunc
	now      func() time.Time

	mu       sync.Mutex
	lastSeen map[string]map[string]struct{} // target key -> ids from its previous poll
	cache    map[string]cachedResult

	running  atomic.Bool
	lastPoll atomic.Int64 // unix nano

	polls       atomic.Int64
	targetsDone atomic.Int64
	cacheHits   atomic.Int64
	failures    atomic.Int64
	newIDs      atomic.Int64
	emitted     atomic.Int64
}

// New creates a scanner. sink and streamUp may be nil.
func New(config Config, registry *copytrade.Registry, sink Sink, streamUp StateFunc, sources ...Source) *Scanner {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 5
	}
	if config.FastInterval <= 0 {
		config.FastInterval = 90 * time.Second
	}
	if config.SafetyInterval <= 0 {
		config.SafetyInterval = 600 * time.Second
	}

	bySource := make(map[string]Source, len(sources))
	for _, src := range sources {
		if src == nil {
			continue
		}
		bySource[src.Chain()] = src
	}

	return &Scanner{
		config:   config,
		registry: registry,
		sources:  bySource,
		sink:     sink,
		streamUp: streamUp,
		now:      time.Now,
		lastSeen: make(map[string]map[string]struct{}),
		cache:    make(map[string]cachedResult),
	}
}

// SetClock replaces the time source.
func (s *Scanner) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Scanner) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Interval is the wait before the next poll given the push channel state.
func (s *Scanner) Interval() time.Duration {
	if s.streamUp != nil && s.streamUp() {
		return s.config.SafetyInterval
	}
	return s.config.FastInterval
}

// Run polls until ctx is cancelled. The first poll runs immediately.
func (s *Scanner) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scanner already running")
	}
	defer s.running.Store(false)

	log.Info().
		Int("workers", s.config.MaxWorkers).
		Dur("fast_interval", s.config.FastInterval).
		Dur("safety_interval", s.config.SafetyInterval).
		Int("sources", len(s.sources)).
		Msg("scanner: starting")

	for {
		events := s.Poll(ctx)
		if s.sink != nil && len(events) > 0 && ctx.Err() == nil {
			s.sink(events)
		}

		timer := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("scanner: stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Poll runs one pass over every target with a source and returns the
// combined events. A failing target contributes nothing.
func (s *Scanner) Poll(ctx context.Context) []copytrade.BuyEvent {
	s.polls.Add(1)
	start := time.Now()

	var targets []copytrade.WatchTarget
	for _, t := range s.registry.All() {
		if _, ok := s.sources[t.Chain]; ok {
			targets = append(targets, t)
		}
	}

	var (
		mu  sync.Mutex
		out []copytrade.BuyEvent
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxWorkers)
	for _, target := range targets {
		target := target
		g.Go(func() error {
			events := s.pollTarget(gctx, target)
			if len(events) > 0 {
				mu.Lock()
				out = append(out, events...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	s.lastPoll.Store(time.Now().UnixNano())
	s.emitted.Add(int64(len(out)))

	log.Debug().
		Int("targets", len(targets)).
		Int("events", len(out)).
		Dur("took", time.Since(start)).
		Msg("scanner: poll complete")
	return out
}

// pollTarget never panics out of the worker pool.
func (s *Scanner) pollTarget(ctx context.Context, target copytrade.WatchTarget) (events []copytrade.BuyEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			log.Error().Interface("panic", r).
				Str("wallet", copytrade.ShortAddr(target.Address)).
				Msg("scanner: target poll panic recovered")
			events = nil
		}
	}()

	key := target.Chain + ":" + copytrade.NormalizeAddress(target.Address)
	now := s.clock()

	s.mu.Lock()
	cached, ok := s.cache[key]
	if ok && now.Sub(cached.at) < s.config.TargetCacheTTL {
		s.mu.Unlock()
		s.cacheHits.Add(1)
		return cached.events
	}
	s.mu.Unlock()

	src := s.sources[target.Chain]
	ids, ok := src.ListActivity(ctx, target)
	if !ok {
		s.failures.Add(1)
		log.Debug().Str("chain", target.Chain).Str("wallet", copytrade.ShortAddr(target.Address)).
			Msg("scanner: activity listing returned no data")
		return nil
	}

	s.mu.Lock()
	prev, warm := s.lastSeen[key]
	fresh := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
		if _, old := prev[id]; !old {
			fresh = append(fresh, id)
		}
	}
	s.lastSeen[key] = seen
	s.mu.Unlock()

	if !warm && len(fresh) > 0 {
		log.Info().Str("wallet", copytrade.ShortAddr(target.Address)).Int("ids", len(fresh)).
			Msg("scanner: first poll for target, fetching full history window")
	}

	if len(fresh) > 0 {
		s.newIDs.Add(int64(len(fresh)))
		events = src.FetchBuys(ctx, target, fresh)
	}
	s.targetsDone.Add(1)

	s.mu.Lock()
	s.cache[key] = cachedResult{events: events, at: now}
	s.mu.Unlock()
	return events
}

// Forget drops per-target state for an address no longer watched.
func (s *Scanner) Forget(target copytrade.WatchTarget) {
	key := target.Chain + ":" + copytrade.NormalizeAddress(target.Address)
	s.mu.Lock()
	delete(s.lastSeen, key)
	delete(s.cache, key)
	s.mu.Unlock()
}

// LastPoll is the completion time of the latest poll, zero before the first.
func (s *Scanner) LastPoll() time.Time {
	ns := s.lastPoll.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats are cumulative scanner counters.
type Stats struct {
	Running     bool          `json:"running"`
	Polls       int64         `json:"polls"`
	TargetsDone int64         `json:"targets_done"`
	CacheHits   int64         `json:"cache_hits"`
	Failures    int64         `json:"failures"`
	NewIDs      int64         `json:"new_ids"`
	Emitted     int64         `json:"emitted"`
	Interval    time.Duration `json:"interval_ns"`
	LastPoll    time.Time     `json:"last_poll"`
}

func (s *Scanner) Stats() Stats {
	return Stats{
		Running:     s.running.Load(),
		Polls:       s.polls.Load(),
		TargetsDone: s.targetsDone.Load(),
		CacheHits:   s.cacheHits.Load(),
		Failures:    s.failures.Load(),
		NewIDs:      s.newIDs.Load(),
		Emitted:     s.emitted.Load(),
		Interval:    s.Interval(),
		LastPoll:    s.LastPoll(),
	}
}
