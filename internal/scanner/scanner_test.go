package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// ---------------------------------------------------------------------------
// Scanner Tests
// ---------------------------------------------------------------------------

// fakeSource serves scripted listings per wallet and records calls.
type fakeSource struct {
	chain string

	mu       sync.Mutex
	listings map[string][]string
	failing  map[string]bool
	panics   map[string]bool
	fetched  map[string][][]string

	listCalls  atomic.Int64
	fetchCalls atomic.Int64
	inFlight   atomic.Int64
	maxFlight  atomic.Int64
	delay      time.Duration
}

func newFakeSource(chain string) *fakeSource {
	return &fakeSource{
		chain:    chain,
		listings: make(map[string][]string),
		failing:  make(map[string]bool),
		panics:   make(map[string]bool),
		fetched:  make(map[string][][]string),
	}
}

func (f *fakeSource) Chain() string { return f.chain }

func (f *fakeSource) setListing(addr string, ids ...string) {
	f.mu.Lock()
	f.listings[addr] = ids
	f.mu.Unlock()
}

func (f *fakeSource) ListActivity(ctx context.Context, target copytrade.WatchTarget) ([]string, bool) {
	f.listCalls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxFlight.Load()
		if n <= m || f.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[target.Address] {
		panic("boom")
	}
	if f.failing[target.Address] {
		return nil, false
	}
	return f.listings[target.Address], true
}

func (f *fakeSource) FetchBuys(ctx context.Context, target copytrade.WatchTarget, newIDs []string) []copytrade.BuyEvent {
	f.fetchCalls.Add(1)
	f.mu.Lock()
	f.fetched[target.Address] = append(f.fetched[target.Address], newIDs)
	f.mu.Unlock()

	out := make([]copytrade.BuyEvent, 0, len(newIDs))
	for _, id := range newIDs {
		out = append(out, copytrade.BuyEvent{
			Wallet:    target.Address,
			Chain:     target.Chain,
			Token:     "tok-" + id,
			Signature: id,
			Source:    copytrade.SourcePoll,
		})
	}
	return out
}

func registryWith(addrs ...string) *copytrade.Registry {
	r := copytrade.NewRegistry(0)
	for _, a := range addrs {
		r.Add(copytrade.WatchTarget{Address: a, Chain: "solana"})
	}
	return r
}

func noCacheConfig() Config {
	cfg := DefaultConfig()
	cfg.TargetCacheTTL = 0
	return cfg
}

func TestScanner_OnlyNewIDsReachExpensiveTier(t *testing.T) {
	src := newFakeSource("solana")
	src.setListing("w1", "a", "b")
	s := New(noCacheConfig(), registryWith("w1"), nil, nil, src)
	ctx := context.Background()

	events := s.Poll(ctx)
	assert.Len(t, events, 2)

	// Same listing: no expensive call.
	events = s.Poll(ctx)
	assert.Empty(t, events)
	assert.Equal(t, int64(1), src.fetchCalls.Load())

	src.setListing("w1", "c", "a", "b")
	events = s.Poll(ctx)
	require.Len(t, events, 1)
	assert.Equal(t, "tok-c", events[0].Token)

	src.mu.Lock()
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, src.fetched["w1"])
	src.mu.Unlock()
	assert.Equal(t, int64(3), s.Stats().NewIDs)
}

func TestScanner_FailingTargetDoesNotAbortBatch(t *testing.T) {
	src := newFakeSource("solana")
	src.setListing("good", "x")
	src.failing["bad"] = true
	src.panics["boom"] = true

	s := New(noCacheConfig(), registryWith("good", "bad", "boom"), nil, nil, src)
	events := s.Poll(context.Background())

	require.Len(t, events, 1)
	assert.Equal(t, "good", events[0].Wallet)
	assert.Equal(t, int64(2), s.Stats().Failures)
}

func TestScanner_TargetCacheShortCircuits(t *testing.T) {
	src := newFakeSource("solana")
	src.setListing("w1", "a")

	now := time.Now()
	s := New(DefaultConfig(), registryWith("w1"), nil, nil, src)
	s.SetClock(func() time.Time { return now })

	first := s.Poll(context.Background())
	second := s.Poll(context.Background())
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), src.listCalls.Load())
	assert.Equal(t, int64(1), s.Stats().CacheHits)

	now = now.Add(6 * time.Minute)
	s.Poll(context.Background())
	assert.Equal(t, int64(2), src.listCalls.Load())
}

func TestScanner_WorkerCeiling(t *testing.T) {
	src := newFakeSource("solana")
	src.delay = 20 * time.Millisecond

	addrs := make([]string, 12)
	for i := range addrs {
		addrs[i] = string(rune('a' + i))
		src.setListing(addrs[i])
	}

	cfg := noCacheConfig()
	cfg.MaxWorkers = 3
	s := New(cfg, registryWith(addrs...), nil, nil, src)
	s.Poll(context.Background())

	assert.Equal(t, int64(12), src.listCalls.Load())
	assert.LessOrEqual(t, src.maxFlight.Load(), int64(3))
}

func TestScanner_SkipsChainsWithoutSource(t *testing.T) {
	src := newFakeSource("solana")
	src.setListing("w1", "a")

	r := registryWith("w1")
	r.Add(copytrade.WatchTarget{Address: "0xevm", Chain: "base"})

	s := New(noCacheConfig(), r, nil, nil, src)
	assert.Len(t, s.Poll(context.Background()), 1)
	assert.Equal(t, int64(1), src.listCalls.Load())
}

func TestScanner_IntervalFollowsStreamState(t *testing.T) {
	var up atomic.Bool
	s := New(DefaultConfig(), registryWith(), nil, up.Load)

	assert.Equal(t, 90*time.Second, s.Interval())
	up.Store(true)
	assert.Equal(t, 600*time.Second, s.Interval())

	assert.Equal(t, 90*time.Second, New(DefaultConfig(), registryWith(), nil, nil).Interval())
}

func TestScanner_RunDeliversToSink(t *testing.T) {
	src := newFakeSource("solana")
	src.setListing("w1", "a")

	got := make(chan []copytrade.BuyEvent, 4)
	cfg := noCacheConfig()
	cfg.FastInterval = 10 * time.Millisecond
	s := New(cfg, registryWith("w1"), func(ev []copytrade.BuyEvent) { got <- ev }, nil, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case ev := <-got:
		require.Len(t, ev, 1)
		assert.Equal(t, "tok-a", ev[0].Token)
	case <-time.After(5 * time.Second):
		t.Fatal("sink not called")
	}
	require.Eventually(t, func() bool { return s.Stats().Polls >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Error(t, s.Run(ctx), "second Run must be rejected")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scanner did not stop")
	}
	assert.False(t, s.LastPoll().IsZero())
}

func TestScanner_ForgetResetsWarmup(t *testing.T) {
	src := newFakeSource("solana")
	src.setListing("w1", "a")
	s := New(noCacheConfig(), registryWith("w1"), nil, nil, src)

	s.Poll(context.Background())
	s.Forget(copytrade.WatchTarget{Address: "W1", Chain: "solana"})
	assert.Len(t, s.Poll(context.Background()), 1)
}
