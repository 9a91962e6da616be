package copytrade

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAccumulator(ttl time.Duration) (*Accumulator, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := NewAccumulator(ttl)
	a.SetClock(func() time.Time { return now })
	return a, &now
}

func buy(wallet, token string) BuyEvent {
	return BuyEvent{
		Wallet:      wallet,
		Chain:       "solana",
		Token:       token,
		Amount:      decimal.NewFromInt(1000),
		SpentNative: decimal.NewFromFloat(1.5),
		ObservedAt:  time.Date(2026, 1, 1, 11, 59, 0, 0, time.UTC),
		Source:      SourcePoll,
	}
}

func TestAccumulator_DedupWithinWindow(t *testing.T) {
	a, _ := newTestAccumulator(30 * time.Minute)

	assert.Equal(t, 1, a.Update([]BuyEvent{buy("WalletA", "TokenX")}))
	assert.Equal(t, 0, a.Update([]BuyEvent{buy("WalletA", "TokenX")}))

	snap := a.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), a.Stats().Duplicates)
}

func TestAccumulator_KeyIsCaseNormalized(t *testing.T) {
	a, _ := newTestAccumulator(30 * time.Minute)

	added := a.Update([]BuyEvent{
		buy("0xABCDEF", "0xTOKEN"),
		buy("0xabcdef", "0xtoken"),
	})
	assert.Equal(t, 1, added)
	assert.Len(t, a.Snapshot(), 1)
}

func TestAccumulator_FirstSeenWins(t *testing.T) {
	a, _ := newTestAccumulator(30 * time.Minute)

	first := buy("WalletA", "TokenX")
	first.Source = SourceStream
	second := buy("WalletA", "TokenX")
	second.Source = SourcePoll

	a.Update([]BuyEvent{first})
	a.Update([]BuyEvent{second})

	snap := a.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, SourceStream, snap[0].Source)
}

func TestAccumulator_Expiry(t *testing.T) {
	ttl := 30 * time.Minute
	a, now := newTestAccumulator(ttl)
	start := *now

	a.Update([]BuyEvent{buy("WalletA", "TokenX")})

	*now = start.Add(ttl - time.Second)
	assert.Len(t, a.Snapshot(), 1)

	*now = start.Add(ttl + time.Second)
	assert.Empty(t, a.Snapshot())
	assert.Equal(t, int64(1), a.Stats().Expired)
}

func TestAccumulator_ExpiredKeyCanBeReinserted(t *testing.T) {
	ttl := time.Minute
	a, now := newTestAccumulator(ttl)

	a.Update([]BuyEvent{buy("WalletA", "TokenX")})
	*now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, a.Update([]BuyEvent{buy("WalletA", "TokenX")}))
	assert.Len(t, a.Snapshot(), 1)
}

func TestAccumulator_SnapshotIsACopy(t *testing.T) {
	a, _ := newTestAccumulator(30 * time.Minute)
	a.Update([]BuyEvent{buy("WalletA", "TokenX")})

	snap := a.Snapshot()
	snap[0].Token = "mutated"

	assert.Equal(t, "TokenX", a.Snapshot()[0].Token)
}

func TestAccumulator_SkipsIncompleteEvents(t *testing.T) {
	a, _ := newTestAccumulator(30 * time.Minute)
	assert.Equal(t, 0, a.Update([]BuyEvent{{Wallet: "w"}, {Token: "t"}}))
}

func TestAccumulator_ConcurrentProducers(t *testing.T) {
	a := NewAccumulator(30 * time.Minute)

	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ev := buy("WalletA", "Token"+string(rune('A'+i%26)))
				ev.Source = source
				a.Update([]BuyEvent{ev})
			}
		}([]string{SourceStream, SourcePoll}[p])
	}
	wg.Wait()

	assert.Len(t, a.Snapshot(), 26)
}

func TestGroupByToken(t *testing.T) {
	a, _ := newTestAccumulator(30 * time.Minute)

	w1 := buy("W1", "TokenX")
	w1.WalletTier = TierKOL
	w2 := buy("W2", "TokenX")
	w2.WalletTier = TierSmartMoney
	w2.PriceUSD = decimal.RequireFromString("0.0001")
	w2.ObservedAt = w2.ObservedAt.Add(time.Second)
	a.Update([]BuyEvent{w1, w2, buy("W1", "TokenY")})

	signals := GroupByToken(a.Snapshot())
	require.Len(t, signals, 2)

	x := signals[0]
	assert.Equal(t, "TokenX", x.Token)
	assert.Equal(t, 2, x.WalletCount)
	assert.Equal(t, TierSmartMoney, x.BestTier)
	assert.True(t, x.TotalSpent.Equal(decimal.NewFromInt(3)))
	assert.True(t, x.PriceUSD.Equal(decimal.RequireFromString("0.0001")))
	assert.InDelta(t, 0.75, x.Confidence, 1e-9)

	assert.Equal(t, "TokenY", signals[1].Token)
	assert.Equal(t, 1, signals[1].WalletCount)
}
