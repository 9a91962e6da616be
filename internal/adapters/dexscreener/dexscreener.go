package dexscreener

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/fetch"
)

// ---------------------------------------------------------------------------
// DexScreener — batched token prices and pair enrichment
// https://docs.dexscreener.com/api/reference
// ---------------------------------------------------------------------------

// Config configures the DexScreener client.
type Config struct {
	BaseURL   string `yaml:"base_url"`
	BatchSize int    `yaml:"batch_size"` // addresses per request, API maximum is 30
}

func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://api.dexscreener.com",
		BatchSize: 30,
	}
}

// Pair is one DEX pair as returned by /tokens/v1.
type Pair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	PriceUSD  decimal.Decimal `json:"priceUsd"`
	Liquidity struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
	Volume struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"volume"`
	FDV           decimal.Decimal `json:"fdv"`
	PairCreatedAt int64           `json:"pairCreatedAt"` // unix ms
}

// TokenInfo is the best pair for a token, reduced to what the pipeline uses.
type TokenInfo struct {
	Address       string          `json:"address"`
	Chain         string          `json:"chain"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	PairAddress   string          `json:"pair_address"`
	DEX           string          `json:"dex"`
	PriceUSD      decimal.Decimal `json:"price_usd"`
	LiquidityUSD  decimal.Decimal `json:"liquidity_usd"`
	Volume24hUSD  decimal.Decimal `json:"volume_24h_usd"`
	FDV           decimal.Decimal `json:"fdv"`
	PoolCreatedAt time.Time       `json:"pool_created_at"`
}

// PoolAgeHours is zero when the pool creation time is unknown.
func (t TokenInfo) PoolAgeHours(now time.Time) float64 {
	if t.PoolCreatedAt.IsZero() {
		return 0
	}
	return now.Sub(t.PoolCreatedAt).Hours()
}

// Client queries DexScreener through the shared fetch client.
type Client struct {
	config Config
	fetch  *fetch.Client

	batches atomic.Int64
	misses  atomic.Int64
}

func New(config Config, client *fetch.Client) *Client {
	if config.BatchSize <= 0 || config.BatchSize > 30 {
		config.BatchSize = 30
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	return &Client{config: config, fetch: client}
}

// Tokens returns the most liquid pair for each address, keyed by the address
// as passed in. Addresses the API does not know are absent. Responses are
// served from the fetch cache.
func (c *Client) Tokens(ctx context.Context, chain string, addrs []string) map[string]TokenInfo {
	return c.tokens(ctx, chain, addrs, false)
}

func (c *Client) tokens(ctx context.Context, chain string, addrs []string, fresh bool) map[string]TokenInfo {
	out := make(map[string]TokenInfo, len(addrs))
	if len(addrs) == 0 {
		return out
	}

	requested := make(map[string]string, len(addrs))
	for _, a := range addrs {
		k := copytrade.NormalizeAddress(a)
		if _, ok := requested[k]; !ok {
			requested[k] = a
		}
	}

	for _, batch := range chunk(uniq(addrs), c.config.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		c.batches.Add(1)

		endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/tokens/v1/" + chain + "/" + strings.Join(batch, ",")
		var pairs []Pair
		get := c.fetch.GetJSON
		if fresh {
			get = c.fetch.GetFresh
		}
		if !get(ctx, endpoint, nil, &pairs) {
			c.misses.Add(int64(len(batch)))
			log.Debug().Str("chain", chain).Int("tokens", len(batch)).Msg("dexscreener: batch returned no data")
			continue
		}

		for _, p := range pairs {
			orig, ok := requested[copytrade.NormalizeAddress(p.BaseToken.Address)]
			if !ok {
				continue
			}
			cur, seen := out[orig]
			if seen && !p.Liquidity.USD.GreaterThan(cur.LiquidityUSD) {
				continue
			}
			out[orig] = toTokenInfo(orig, chain, p)
		}
	}
	return out
}

// GetPrices returns current USD prices for addrs on chain, bypassing the
// response cache. Tokens without a positive price are omitted.
func (c *Client) GetPrices(ctx context.Context, chain string, addrs []string) map[string]decimal.Decimal {
	infos := c.tokens(ctx, chain, addrs, true)
	prices := make(map[string]decimal.Decimal, len(infos))
	for addr, info := range infos {
		if info.PriceUSD.IsPositive() {
			prices[addr] = info.PriceUSD
		}
	}
	return prices
}

// TokensByChain runs Tokens for every chain concurrently and merges the
// results.
func (c *Client) TokensByChain(ctx context.Context, byChain map[string][]string) map[string]TokenInfo {
	var (
		mu  sync.Mutex
		out = make(map[string]TokenInfo)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for chain, addrs := range byChain {
		chain, addrs := chain, addrs
		g.Go(func() error {
			infos := c.Tokens(gctx, chain, addrs)
			mu.Lock()
			for k, v := range infos {
				out[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func toTokenInfo(addr, chain string, p Pair) TokenInfo {
	info := TokenInfo{
		Address:      addr,
		Chain:        chain,
		Symbol:       p.BaseToken.Symbol,
		Name:         p.BaseToken.Name,
		PairAddress:  p.PairAddress,
		DEX:          p.DexID,
		PriceUSD:     p.PriceUSD,
		LiquidityUSD: p.Liquidity.USD,
		Volume24hUSD: p.Volume.H24,
		FDV:          p.FDV,
	}
	if p.PairCreatedAt > 0 {
		info.PoolCreatedAt = time.UnixMilli(p.PairCreatedAt)
	}
	return info
}

func uniq(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		k := copytrade.NormalizeAddress(a)
		if a == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

func chunk(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// Stats counts batches sent and tokens that came back empty.
type Stats struct {
	Batches int64 `json:"batches"`
	Misses  int64 `json:"misses"`
}

func (c *Client) Stats() Stats {
	return Stats{Batches: c.batches.Load(), Misses: c.misses.Load()}
}
