package etherscan

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/fetch"
)

// ---------------------------------------------------------------------------
// Etherscan-compatible explorers — ERC-20 transfer polling for EVM wallets
// ---------------------------------------------------------------------------

// Explorer is one etherscan-compatible API endpoint.
type Explorer struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Config configures the EVM sources. Explorers is keyed by chain name.
type Config struct {
	Explorers map[string]Explorer `yaml:"explorers"`
	PageSize  int                 `yaml:"page_size"`
	Lookback  time.Duration       `yaml:"lookback"`
}

func DefaultConfig() Config {
	return Config{
		Explorers: map[string]Explorer{
			"ethereum": {BaseURL: "https://api.etherscan.io/api"},
			"base":     {BaseURL: "https://api.basescan.org/api"},
			"bsc":      {BaseURL: "https://api.bscscan.com/api"},
		},
		PageSize: 20,
		Lookback: 2 * time.Hour,
	}
}

// skipSymbols are quote and wrapped-native tokens; receiving them is not a buy.
var skipSymbols = map[string]bool{
	"USDC": true,
	"USDT": true,
	"DAI":  true,
	"WETH": true,
	"WBNB": true,
}

// transfer is one row of action=tokentx.
type transfer struct {
	Hash            string `json:"hash"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	Value           string `json:"value"`
}

func (t transfer) amount() decimal.Decimal {
	v, err := decimal.NewFromString(t.Value)
	if err != nil {
		return decimal.Zero
	}
	dec, err := strconv.Atoi(t.TokenDecimal)
	if err != nil || dec < 0 {
		return v
	}
	return v.Shift(int32(-dec))
}

func (t transfer) blockTime() time.Time {
	ts, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Source polls one chain's explorer. ListActivity fetches the transfer list
// and remembers it per address; FetchBuys filters the remembered list, so a
// poll costs one request per wallet.
type Source struct {
	chain    string
	explorer Explorer
	config   Config
	client   *fetch.Client
	now      func() time.Time

	mu      sync.Mutex
	listing map[string][]transfer

	calls  atomic.Int64
	errors atomic.Int64
}

// NewSource creates the source for chain. It returns nil when the chain has
// no explorer configured.
func NewSource(chain string, config Config, client *fetch.Client) *Source {
	ex, ok := config.Explorers[chain]
	if !ok || ex.BaseURL == "" {
		return nil
	}
	if config.PageSize <= 0 {
		config.PageSize = 20
	}
	if config.Lookback <= 0 {
		config.Lookback = 2 * time.Hour
	}
	return &Source{
		chain:    chain,
		explorer: ex,
		config:   config,
		client:   client,
		now:      time.Now,
		listing:  make(map[string][]transfer),
	}
}

// Sources builds a Source for every configured explorer that has an API key,
// ordered by chain name.
func Sources(config Config, client *fetch.Client) []*Source {
	chains := make([]string, 0, len(config.Explorers))
	for chain, ex := range config.Explorers {
		if ex.APIKey == "" {
			log.Info().Str("chain", chain).Msg("etherscan: no API key, chain not polled")
			continue
		}
		chains = append(chains, chain)
	}
	sort.Strings(chains)

	out := make([]*Source, 0, len(chains))
	for _, chain := range chains {
		if s := NewSource(chain, config, client); s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (s *Source) Chain() string { return s.chain }

// ListActivity returns transaction hashes of the latest transfers touching
// the target, newest first.
func (s *Source) ListActivity(ctx context.Context, target copytrade.WatchTarget) ([]string, bool) {
	s.calls.Add(1)

	params := url.Values{
		"module":  {"account"},
		"action":  {"tokentx"},
		"address": {target.Address},
		"page":    {"1"},
		"offset":  {strconv.Itoa(s.config.PageSize)},
		"sort":    {"desc"},
	}
	if s.explorer.APIKey != "" {
		params.Set("apikey", s.explorer.APIKey)
	}

	var resp struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if !s.client.GetFresh(ctx, s.explorer.BaseURL, params, &resp) {
		s.errors.Add(1)
		return nil, false
	}

	var transfers []transfer
	if resp.Status == "1" {
		if err := json.Unmarshal(resp.Result, &transfers); err != nil {
			s.errors.Add(1)
			log.Warn().Err(err).Str("chain", s.chain).Msg("etherscan: decode tokentx result")
			return nil, false
		}
	} else if !strings.EqualFold(resp.Message, "No transactions found") {
		// Errors come back with status "0" and a string in result.
		s.errors.Add(1)
		log.Warn().Str("chain", s.chain).Str("message", resp.Message).
			Str("result", string(resp.Result)).
			Str("wallet", copytrade.ShortAddr(target.Address)).Msg("etherscan: tokentx failed")
		return nil, false
	}

	s.mu.Lock()
	s.listing[copytrade.NormalizeAddress(target.Address)] = transfers
	s.mu.Unlock()

	hashes := make([]string, 0, len(transfers))
	seen := make(map[string]bool, len(transfers))
	for _, t := range transfers {
		if t.Hash == "" || seen[t.Hash] {
			continue
		}
		seen[t.Hash] = true
		hashes = append(hashes, t.Hash)
	}
	return hashes, true
}

// FetchBuys returns incoming non-stable transfers from the last listing whose
// hash is in newIDs and that fall within the lookback window.
func (s *Source) FetchBuys(ctx context.Context, target copytrade.WatchTarget, newIDs []string) []copytrade.BuyEvent {
	if len(newIDs) == 0 {
		return nil
	}
	wanted := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		wanted[id] = true
	}

	wallet := copytrade.NormalizeAddress(target.Address)
	s.mu.Lock()
	transfers := s.listing[wallet]
	s.mu.Unlock()

	now := s.now()
	var buys []copytrade.BuyEvent
	seen := make(map[string]bool)
	for _, t := range transfers {
		if !wanted[t.Hash] || copytrade.NormalizeAddress(t.To) != wallet {
			continue
		}
		if skipSymbols[strings.ToUpper(t.TokenSymbol)] || t.ContractAddress == "" {
			continue
		}
		at := t.blockTime()
		if at.IsZero() || now.Sub(at) > s.config.Lookback {
			continue
		}
		token := copytrade.NormalizeAddress(t.ContractAddress)
		if seen[token] {
			continue
		}
		seen[token] = true

		buys = append(buys, copytrade.BuyEvent{
			Wallet:      target.Address,
			WalletLabel: target.Label,
			WalletTier:  target.Tier,
			Chain:       s.chain,
			Token:       token,
			Symbol:      t.TokenSymbol,
			Amount:      t.amount(),
			Signature:   t.Hash,
			ObservedAt:  at,
			Source:      copytrade.SourcePoll,
		})
	}
	return buys
}

// Stats counts explorer calls and failed listings.
type Stats struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

func (s *Source) Stats() Stats {
	return Stats{Calls: s.calls.Load(), Errors: s.errors.Load()}
}
