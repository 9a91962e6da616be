package copytrade

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WalletTier classifies watched wallets.
type WalletTier string

const (
	TierWhale      WalletTier = "WHALE"       // large capital
	TierSmartMoney WalletTier = "SMART_MONEY" // historically profitable
	TierKOL        WalletTier = "KOL"         // Key Opinion Leader
	TierInsider    WalletTier = "INSIDER"     // known early buyer
	TierUnknown    WalletTier = ""
)

func (t WalletTier) String() string { return string(t) }

// tierRank returns numeric rank for tier comparison.
func tierRank(t WalletTier) int {
	switch t {
	case TierSmartMoney:
		return 4
	case TierWhale:
		return 3
	case TierKOL:
		return 2
	case TierInsider:
		return 1
	default:
		return 0
	}
}

// Event sources.
const (
	SourceStream = "stream"
	SourcePoll   = "poll"
)

// WatchTarget is an address under observation. Immutable once registered.
type WatchTarget struct {
	Address string     `json:"address"`
	Chain   string     `json:"chain"`
	Label   string     `json:"label"`
	Tier    WalletTier `json:"tier,omitempty"`
	AddedAt time.Time  `json:"added_at"`
}

// BuyEvent is a normalized purchase by a watched address. Both the stream and
// the poller produce this shape.
type BuyEvent struct {
	Wallet      string          `json:"wallet"`
	WalletLabel string          `json:"wallet_label,omitempty"`
	WalletTier  WalletTier      `json:"wallet_tier,omitempty"`
	Chain       string          `json:"chain"`
	Token       string          `json:"token"`
	Symbol      string          `json:"symbol,omitempty"`
	Amount      decimal.Decimal `json:"amount"`       // tokens received
	SpentNative decimal.Decimal `json:"spent_native"` // SOL/ETH spent, zero when unknown
	Signature   string          `json:"signature,omitempty"`
	ObservedAt  time.Time       `json:"observed_at"`
	Source      string          `json:"source"`

	// Optional enrichment.
	PriceUSD     decimal.Decimal `json:"price_usd,omitempty"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd,omitempty"`
	PoolAgeHours float64         `json:"pool_age_hours,omitempty"`
}

// Key is the identity of an event: watched address and purchased token,
// case-normalized.
func (e BuyEvent) Key() string {
	return NormalizeAddress(e.Wallet) + "|" + NormalizeAddress(e.Token)
}

// NormalizeAddress lowercases and trims an address for comparisons.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ShortAddr shortens an address for logging.
func ShortAddr(addr string) string {
	if len(addr) > 8 {
		return addr[:8]
	}
	return addr
}
