package copytrade

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DefaultAccumulatorTTL is how long a buy stays visible after ingestion.
const DefaultAccumulatorTTL = 30 * time.Minute

// Entry is a BuyEvent plus the time it was ingested.
type Entry struct {
	BuyEvent
	IngestedAt time.Time `json:"ingested_at"`
}

// Accumulator is the deduplicating, time-windowed buffer that merges events
// from the stream and the poller. One mutex guards it; expiry is evaluated on
// every Update and Snapshot rather than by a sweeper.
type Accumulator struct {
	mu      sync.Mutex
	entries []Entry
	keys    map[string]struct{}
	ttl     time.Duration
	now     func() time.Time

	inserted   atomic.Int64
	duplicates atomic.Int64
	expired    atomic.Int64
}

// NewAccumulator creates an accumulator with the given TTL.
func NewAccumulator(ttl time.Duration) *Accumulator {
	if ttl <= 0 {
		ttl = DefaultAccumulatorTTL
	}
	return &Accumulator{
		keys: make(map[string]struct{}),
		ttl:  ttl,
		now:  time.Now,
	}
}

// SetClock replaces the time source.
func (a *Accumulator) SetClock(now func() time.Time) {
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// Update inserts events whose identity key is not already present and returns
// how many were inserted. The first event seen for a key wins.
func (a *Accumulator) Update(events []BuyEvent) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.expireLocked(now)

	added := 0
	for _, ev := range events {
		if ev.Wallet == "" || ev.Token == "" {
			continue
		}
		key := ev.Key()
		if _, dup := a.keys[key]; dup {
			a.duplicates.Add(1)
			continue
		}
		a.keys[key] = struct{}{}
		a.entries = append(a.entries, Entry{BuyEvent: ev, IngestedAt: now})
		added++

		log.Debug().
			Str("wallet", ShortAddr(ev.Wallet)).
			Str("token", ShortAddr(ev.Token)).
			Str("chain", ev.Chain).
			Str("source", ev.Source).
			Msg("copytrade: buy accumulated")
	}
	a.inserted.Add(int64(added))
	return added
}

// Snapshot returns a point-in-time copy of the live entries.
func (a *Accumulator) Snapshot() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expireLocked(a.now())
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len returns the number of live entries.
func (a *Accumulator) Len() int {
	return len(a.Snapshot())
}

// expireLocked drops entries older than the TTL. Entries are appended in
// ingestion order so the expired ones form a prefix.
func (a *Accumulator) expireLocked(now time.Time) {
	cut := 0
	for cut < len(a.entries) && now.Sub(a.entries[cut].IngestedAt) > a.ttl {
		delete(a.keys, a.entries[cut].Key())
		cut++
	}
	if cut == 0 {
		return
	}
	a.entries = append(a.entries[:0:0], a.entries[cut:]...)
	a.expired.Add(int64(cut))
}

// TokenSignal aggregates live buys of one token across watched wallets.
type TokenSignal struct {
	Token        string          `json:"token"`
	Chain        string          `json:"chain"`
	Symbol       string          `json:"symbol,omitempty"`
	Wallets      []string        `json:"wallets"`
	WalletCount  int             `json:"wallet_count"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	BestTier     WalletTier      `json:"best_tier,omitempty"`
	Confidence   float64         `json:"confidence"`
	FirstSeen    time.Time       `json:"first_seen"`
	LastSeen     time.Time       `json:"last_seen"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
}

// GroupByToken folds entries into per-token signals, strongest first.
func GroupByToken(entries []Entry) []TokenSignal {
	byToken := make(map[string]*TokenSignal)
	order := make([]string, 0)

	for _, e := range entries {
		key := NormalizeAddress(e.Token)
		sig, ok := byToken[key]
		if !ok {
			sig = &TokenSignal{
				Token:     e.Token,
				Chain:     e.Chain,
				FirstSeen: e.ObservedAt,
			}
			byToken[key] = sig
			order = append(order, key)
		}
		sig.Wallets = append(sig.Wallets, e.Wallet)
		sig.WalletCount++
		sig.TotalSpent = sig.TotalSpent.Add(e.SpentNative)
		if tierRank(e.WalletTier) > tierRank(sig.BestTier) {
			sig.BestTier = e.WalletTier
		}
		if sig.Symbol == "" {
			sig.Symbol = e.Symbol
		}
		if e.ObservedAt.Before(sig.FirstSeen) {
			sig.FirstSeen = e.ObservedAt
		}
		if !e.ObservedAt.Before(sig.LastSeen) {
			sig.LastSeen = e.ObservedAt
			if e.PriceUSD.IsPositive() {
				sig.PriceUSD = e.PriceUSD
			}
			if e.LiquidityUSD.IsPositive() {
				sig.LiquidityUSD = e.LiquidityUSD
			}
		}
	}

	out := make([]TokenSignal, 0, len(order))
	for _, key := range order {
		sig := byToken[key]
		sig.Confidence = confidence(sig)
		out = append(out, *sig)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].WalletCount != out[j].WalletCount {
			return out[i].WalletCount > out[j].WalletCount
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

// confidence scores a token signal from the best wallet tier and the number
// of distinct wallets buying.
func confidence(sig *TokenSignal) float64 {
	base := 0.3

	switch sig.BestTier {
	case TierSmartMoney:
		base += 0.3
	case TierWhale:
		base += 0.2
	case TierKOL:
		base += 0.15
	case TierInsider:
		base += 0.1
	}

	if sig.WalletCount >= 3 {
		base += 0.3
	} else if sig.WalletCount >= 2 {
		base += 0.15
	}

	if base > 1.0 {
		base = 1.0
	}
	return base
}

// AccumulatorStats are cumulative accumulator counters.
type AccumulatorStats struct {
	Live       int   `json:"live"`
	Inserted   int64 `json:"inserted"`
	Duplicates int64 `json:"duplicates"`
	Expired    int64 `json:"expired"`
}

func (a *Accumulator) Stats() AccumulatorStats {
	return AccumulatorStats{
		Live:       a.Len(),
		Inserted:   a.inserted.Load(),
		Duplicates: a.duplicates.Load(),
		Expired:    a.expired.Load(),
	}
}
