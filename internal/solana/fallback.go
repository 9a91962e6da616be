package solana

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// ---------------------------------------------------------------------------
// Public RPC fallback — held mints filtered by pool freshness
// ---------------------------------------------------------------------------

// SPLTokenProgram owns classic SPL token accounts.
const SPLTokenProgram = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// mintIDPrefix marks fallback activity ids so they never collide with
// transaction signatures in the scanner's last-seen set.
const mintIDPrefix = "mint:"

func (s *HeliusSource) fallbackEnabled() bool {
	return s.config.FallbackRPCURL != "" && s.tokens != nil
}

// listHeldMints returns one id per mint the wallet holds a positive balance
// of. A newly acquired mint shows up as a new id on the next poll.
func (s *HeliusSource) listHeldMints(ctx context.Context, target copytrade.WatchTarget) ([]string, bool) {
	s.fallbackCalls.Add(1)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []any{
			target.Address,
			map[string]any{"programId": SPLTokenProgram},
			map[string]any{"encoding": "jsonParsed"},
		},
	}
	var resp struct {
		Result *struct {
			Value []tokenAccount `json:"value"`
		} `json:"result"`
		Error *rpcError `json:"error"`
	}
	if !s.client.PostJSON(ctx, s.config.FallbackRPCURL, req, &resp) {
		return nil, false
	}
	if resp.Error != nil || resp.Result == nil {
		if resp.Error != nil {
			log.Warn().Int("code", resp.Error.Code).Str("message", resp.Error.Message).
				Str("wallet", copytrade.ShortAddr(target.Address)).Msg("helius: fallback getTokenAccountsByOwner error")
		}
		return nil, false
	}

	seen := make(map[string]bool, len(resp.Result.Value))
	ids := make([]string, 0, len(resp.Result.Value))
	for _, acct := range resp.Result.Value {
		info := acct.Account.Data.Parsed.Info
		if info.Mint == "" || IsSkippedMint(info.Mint) || seen[info.Mint] {
			continue
		}
		if !info.TokenAmount.value().IsPositive() {
			continue
		}
		seen[info.Mint] = true
		ids = append(ids, mintIDPrefix+info.Mint)
	}
	sort.Strings(ids)
	return ids, true
}

// freshBuysFor turns newly held mints into buys when the token's pool is
// younger than FreshMaxAge and meets the liquidity floor.
func (s *HeliusSource) freshBuysFor(ctx context.Context, target copytrade.WatchTarget, mints []string) []copytrade.BuyEvent {
	infos := s.tokens.Tokens(ctx, "solana", mints)
	now := s.now()
	minLiq := decimal.NewFromFloat(s.config.FreshMinLiquidityUSD)
	maxAge := s.config.FreshMaxAge.Hours()

	var buys []copytrade.BuyEvent
	for _, mint := range mints {
		info, ok := infos[mint]
		if !ok || info.PoolCreatedAt.IsZero() {
			continue
		}
		age := info.PoolAgeHours(now)
		if age > maxAge || info.LiquidityUSD.LessThan(minLiq) {
			continue
		}
		buys = append(buys, copytrade.BuyEvent{
			Wallet:       target.Address,
			WalletLabel:  target.Label,
			WalletTier:   target.Tier,
			Chain:        "solana",
			Token:        mint,
			Symbol:       info.Symbol,
			Signature:    "rpc_" + mint,
			ObservedAt:   now,
			Source:       copytrade.SourcePoll,
			PriceUSD:     info.PriceUSD,
			LiquidityUSD: info.LiquidityUSD,
			PoolAgeHours: age,
		})
	}
	if len(buys) > 0 {
		s.freshBuys.Add(int64(len(buys)))
		log.Info().Str("wallet", copytrade.ShortAddr(target.Address)).Int("buys", len(buys)).
			Msg("helius: fallback found fresh holdings")
	}
	return buys
}
