package solana

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/alphawatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/fetch"
)

// HeliusConfig configures the Helius pull source and its public RPC fallback.
type HeliusConfig struct {
	APIKey         string        `yaml:"api_key"`
	RPCURL         string        `yaml:"rpc_url"`
	APIURL         string        `yaml:"api_url"`
	SignatureLimit int           `yaml:"signature_limit"`
	Lookback       time.Duration `yaml:"lookback"`

	// Fallback tier: holdings via getTokenAccountsByOwner on a public RPC,
	// kept only when the token's pool is fresh. Empty URL disables it.
	FallbackRPCURL       string        `yaml:"fallback_rpc_url"`
	FreshMaxAge          time.Duration `yaml:"fresh_max_age"`
	FreshMinLiquidityUSD float64       `yaml:"fresh_min_liquidity_usd"`
}

func DefaultHeliusConfig() HeliusConfig {
	return HeliusConfig{
		RPCURL:               "https://mainnet.helius-rpc.com",
		APIURL:               "https://api.helius.xyz",
		SignatureLimit:       10,
		Lookback:             2 * time.Hour,
		FallbackRPCURL:       "https://api.mainnet-beta.solana.com",
		FreshMaxAge:          24 * time.Hour,
		FreshMinLiquidityUSD: 30_000,
	}
}

// TokenLookup resolves pool data for the fallback freshness check.
type TokenLookup interface {
	Tokens(ctx context.Context, chain string, addrs []string) map[string]dexscreener.TokenInfo
}

// HeliusSource polls watched Solana wallets. ListActivity is the cheap
// signature listing; FetchBuys pulls parsed swaps and is only called for
// signatures the scanner has not seen. When Helius has no key or fails, the
// public RPC fallback lists held mints instead.
type HeliusSource struct {
	config HeliusConfig
	client *fetch.Client
	tokens TokenLookup
	now    func() time.Time

	rpcCalls      atomic.Int64
	parsedCalls   atomic.Int64
	fallbackCalls atomic.Int64
	freshBuys     atomic.Int64
}

// NewHeliusSource creates the source. tokens may be nil, which disables the
// fallback tier.
func NewHeliusSource(config HeliusConfig, client *fetch.Client, tokens TokenLookup) *HeliusSource {
	if config.SignatureLimit <= 0 {
		config.SignatureLimit = 10
	}
	if config.FreshMaxAge <= 0 {
		config.FreshMaxAge = 24 * time.Hour
	}
	return &HeliusSource{config: config, client: client, tokens: tokens, now: time.Now}
}

// Chain implements the scanner source contract.
func (s *HeliusSource) Chain() string { return "solana" }

func (s *HeliusSource) rpcEndpoint() string {
	base := strings.TrimRight(s.config.RPCURL, "/")
	if s.config.APIKey == "" {
		return base
	}
	return base + "/?api-key=" + url.QueryEscape(s.config.APIKey)
}

// ListActivity returns the most recent signatures for the target, or the
// fallback's held-mint ids when Helius is unavailable. The bool is false
// when neither tier produced data.
func (s *HeliusSource) ListActivity(ctx context.Context, target copytrade.WatchTarget) ([]string, bool) {
	if s.config.APIKey != "" {
		if sigs, ok := s.listSignatures(ctx, target); ok {
			return sigs, true
		}
	}
	if !s.fallbackEnabled() {
		return nil, false
	}
	return s.listHeldMints(ctx, target)
}

func (s *HeliusSource) listSignatures(ctx context.Context, target copytrade.WatchTarget) ([]string, bool) {
	s.rpcCalls.Add(1)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignaturesForAddress",
		Params:  []any{target.Address, map[string]any{"limit": s.config.SignatureLimit}},
	}
	var resp struct {
		Result []signatureInfo `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if !s.client.PostJSON(ctx, s.rpcEndpoint(), req, &resp) {
		return nil, false
	}
	if resp.Error != nil {
		log.Warn().Int("code", resp.Error.Code).Str("message", resp.Error.Message).
			Str("wallet", copytrade.ShortAddr(target.Address)).Msg("helius: getSignaturesForAddress error")
		return nil, false
	}

	sigs := make([]string, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Signature != "" {
			sigs = append(sigs, r.Signature)
		}
	}
	return sigs, true
}

// FetchBuys fetches parsed swaps for new signatures and runs the freshness
// check for new fallback mint ids.
func (s *HeliusSource) FetchBuys(ctx context.Context, target copytrade.WatchTarget, newIDs []string) []copytrade.BuyEvent {
	var sigs, mints []string
	for _, id := range newIDs {
		if mint, ok := strings.CutPrefix(id, mintIDPrefix); ok {
			mints = append(mints, mint)
		} else {
			sigs = append(sigs, id)
		}
	}

	var buys []copytrade.BuyEvent
	if len(mints) > 0 && s.fallbackEnabled() {
		buys = append(buys, s.freshBuysFor(ctx, target, mints)...)
	}
	if len(sigs) > 0 && s.config.APIKey != "" {
		buys = append(buys, s.parsedBuys(ctx, target, sigs)...)
	}
	return buys
}

func (s *HeliusSource) parsedBuys(ctx context.Context, target copytrade.WatchTarget, newIDs []string) []copytrade.BuyEvent {
	s.parsedCalls.Add(1)

	wanted := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		wanted[id] = true
	}

	endpoint := strings.TrimRight(s.config.APIURL, "/") + "/v0/addresses/" + target.Address + "/transactions"
	params := url.Values{
		"api-key": {s.config.APIKey},
		"type":    {"SWAP"},
	}
	var txs []enhancedTx
	if !s.client.GetFresh(ctx, endpoint, params, &txs) {
		return nil
	}

	now := s.now()
	var buys []copytrade.BuyEvent
	for _, tx := range txs {
		if !wanted[tx.Signature] {
			continue
		}
		if buy, ok := parseEnhancedSwap(tx, target, now, s.config.Lookback); ok {
			buys = append(buys, buy)
		}
	}
	return buys
}

// HeliusStats counts calls per tier.
type HeliusStats struct {
	SignatureCalls int64 `json:"signature_calls"`
	ParsedCalls    int64 `json:"parsed_calls"`
	FallbackCalls  int64 `json:"fallback_calls"`
	FreshBuys      int64 `json:"fresh_buys"`
}

func (s *HeliusSource) Stats() HeliusStats {
	return HeliusStats{
		SignatureCalls: s.rpcCalls.Load(),
		ParsedCalls:    s.parsedCalls.Load(),
		FallbackCalls:  s.fallbackCalls.Load(),
		FreshBuys:      s.freshBuys.Load(),
	}
}
