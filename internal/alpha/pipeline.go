package alpha

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/alphawatch/internal/adapters/rugcheck"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// Candidate is a token the pipeline puts forward for entry.
type Candidate struct {
	Token        string          `json:"token"`
	Chain        string          `json:"chain"`
	Symbol       string          `json:"symbol,omitempty"`
	Price        decimal.Decimal `json:"price"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
	PoolAgeHours float64         `json:"pool_age_hours"`
	Wallets      []string        `json:"wallets"`
	BestTier     string          `json:"best_tier,omitempty"`
	Confidence   float64         `json:"confidence"`
	SafetyKnown  bool            `json:"safety_known"`
	SafetyScore  int             `json:"safety_score"`
	Critical     bool            `json:"critical"`
	Flags        []string        `json:"flags,omitempty"`
}

// CandidateSource produces entry candidates for one cycle.
type CandidateSource interface {
	Candidates(ctx context.Context) []Candidate
}

// TokenOracle enriches tokens with price and pool data.
type TokenOracle interface {
	TokensByChain(ctx context.Context, byChain map[string][]string) map[string]dexscreener.TokenInfo
}

// SecurityOracle returns a risk report; ok is false when there is no verdict.
type SecurityOracle interface {
	GetRiskReport(ctx context.Context, mint string) (rugcheck.RiskReport, bool)
}

// SignalPipeline turns the accumulator snapshot into candidates: buys are
// grouped by token, tokens bought by enough wallets are enriched and the
// security oracle is consulted on the chains it covers.
type SignalPipeline struct {
	acc            *copytrade.Accumulator
	tokens         TokenOracle
	security       SecurityOracle
	securityChains map[string]bool
	minWallets     int

	lastSignals atomic.Pointer[[]copytrade.TokenSignal]
	enriched    atomic.Int64
	checked     atomic.Int64
}

// NewSignalPipeline creates the default candidate source. security may be nil.
func NewSignalPipeline(acc *copytrade.Accumulator, tokens TokenOracle, security SecurityOracle, securityChains []string, minWallets int) *SignalPipeline {
	chains := make(map[string]bool, len(securityChains))
	for _, c := range securityChains {
		chains[c] = true
	}
	if minWallets < 1 {
		minWallets = 1
	}
	return &SignalPipeline{
		acc:            acc,
		tokens:         tokens,
		security:       security,
		securityChains: chains,
		minWallets:     minWallets,
	}
}

// Signals returns the token groups seen by the latest Candidates call.
func (p *SignalPipeline) Signals() []copytrade.TokenSignal {
	if s := p.lastSignals.Load(); s != nil {
		return *s
	}
	return nil
}

func (p *SignalPipeline) Candidates(ctx context.Context) []Candidate {
	signals := copytrade.GroupByToken(p.acc.Snapshot())
	p.lastSignals.Store(&signals)

	var strong []copytrade.TokenSignal
	byChain := make(map[string][]string)
	for _, s := range signals {
		if s.WalletCount < p.minWallets {
			continue
		}
		strong = append(strong, s)
		byChain[s.Chain] = append(byChain[s.Chain], s.Token)
	}
	if len(strong) == 0 {
		return nil
	}

	infos := p.tokens.TokensByChain(ctx, byChain)
	p.enriched.Add(int64(len(infos)))

	out := make([]Candidate, 0, len(strong))
	for _, s := range strong {
		c := Candidate{
			Token:        s.Token,
			Chain:        s.Chain,
			Symbol:       s.Symbol,
			Price:        s.PriceUSD,
			LiquidityUSD: s.LiquidityUSD,
			Wallets:      s.Wallets,
			BestTier:     s.BestTier.String(),
			Confidence:   s.Confidence,
		}
		if info, ok := infos[s.Token]; ok {
			c.Price = info.PriceUSD
			c.LiquidityUSD = info.LiquidityUSD
			c.PoolAgeHours = info.PoolAgeHours(time.Now())
			if c.Symbol == "" {
				c.Symbol = info.Symbol
			}
		}

		if p.security != nil && p.securityChains[s.Chain] && c.Price.IsPositive() {
			p.checked.Add(1)
			if report, ok := p.security.GetRiskReport(ctx, s.Token); ok {
				c.SafetyKnown = true
				c.SafetyScore = report.Score
				c.Critical = report.Critical()
				c.Flags = report.CriticalRisks()
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].Wallets) != len(out[j].Wallets) {
			return len(out[i].Wallets) > len(out[j].Wallets)
		}
		return out[i].Confidence > out[j].Confidence
	})

	log.Debug().
		Int("signals", len(signals)).
		Int("candidates", len(out)).
		Int("enriched", len(infos)).
		Msg("alpha: pipeline produced candidates")
	return out
}

// PipelineStats counts oracle usage.
type PipelineStats struct {
	Enriched       int64 `json:"enriched"`
	SecurityChecks int64 `json:"security_checks"`
}

func (p *SignalPipeline) Stats() PipelineStats {
	return PipelineStats{Enriched: p.enriched.Load(), SecurityChecks: p.checked.Load()}
}
