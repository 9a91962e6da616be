package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nexus-trading/alphawatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/alphawatch/internal/adapters/etherscan"
	"github.com/nexus-trading/alphawatch/internal/adapters/rugcheck"
	"github.com/nexus-trading/alphawatch/internal/alpha"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/fetch"
	"github.com/nexus-trading/alphawatch/internal/monitor"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/paper"
	"github.com/nexus-trading/alphawatch/internal/scanner"
	"github.com/nexus-trading/alphawatch/internal/solana"
)

// Config is the root configuration structure for alphawatch.
type Config struct {
	General     GeneralConfig        `yaml:"general"`
	HTTP        HTTPConfig           `yaml:"http"`
	Storage     StorageConfig        `yaml:"storage"`
	Fetch       fetch.Config         `yaml:"fetch"`
	Stream      solana.WatcherConfig `yaml:"stream"`
	Helius      solana.HeliusConfig  `yaml:"helius"`
	Etherscan   etherscan.Config     `yaml:"etherscan"`
	DexScreener dexscreener.Config   `yaml:"dexscreener"`
	Rugcheck    rugcheck.Config      `yaml:"rugcheck"`
	Scanner     scanner.Config       `yaml:"scanner"`
	Accumulator AccumulatorConfig    `yaml:"accumulator"`
	Paper       paper.Config         `yaml:"paper"`
	Exits       monitor.Config       `yaml:"exits"`
	Alpha       alpha.Config         `yaml:"alpha"`
	Notify      notify.Config        `yaml:"notify"`
	Watch       []WatchEntry         `yaml:"watch"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type HTTPConfig struct {
	Addr     string `yaml:"addr"`
	Disabled bool   `yaml:"disabled"`
}

type StorageConfig struct {
	PositionsFile string `yaml:"positions_file"`
	JournalDSN    string `yaml:"journal_dsn"` // sqlite path, empty disables the journal
}

type AccumulatorConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// WatchEntry is a watch target as written in the config file.
type WatchEntry struct {
	Address string `yaml:"address"`
	Chain   string `yaml:"chain"`
	Label   string `yaml:"label"`
	Tier    string `yaml:"tier"`
}

// Targets converts the configured watch list into registry targets.
func (c *Config) Targets() []copytrade.WatchTarget {
	out := make([]copytrade.WatchTarget, 0, len(c.Watch))
	for _, w := range c.Watch {
		out = append(out, copytrade.WatchTarget{
			Address: w.Address,
			Chain:   w.Chain,
			Label:   w.Label,
			Tier:    copytrade.WalletTier(w.Tier),
		})
	}
	return out
}

// Load reads and parses a YAML configuration file. A .env file in the working
// directory is loaded first so that ${VAR} references in the YAML resolve.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Sections where zero is a valid setting start from their defaults so
	// that only keys present in the file override them.
	cfg := &Config{
		Paper:  paper.DefaultConfig(),
		Helius: solana.DefaultHeliusConfig(),
	}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "alphawatch-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":9092"
	}
	if cfg.Storage.PositionsFile == "" {
		cfg.Storage.PositionsFile = "data/paper_trades.json"
	}
	if cfg.Accumulator.TTL == 0 {
		cfg.Accumulator.TTL = copytrade.DefaultAccumulatorTTL
	}

	fillFetch(&cfg.Fetch, fetch.DefaultConfig())
	fillWatcher(&cfg.Stream, solana.DefaultWatcherConfig())
	fillEtherscan(&cfg.Etherscan, etherscan.DefaultConfig())
	if cfg.DexScreener.BaseURL == "" {
		cfg.DexScreener.BaseURL = dexscreener.DefaultConfig().BaseURL
	}
	if cfg.DexScreener.BatchSize == 0 {
		cfg.DexScreener.BatchSize = dexscreener.DefaultConfig().BatchSize
	}
	if cfg.Rugcheck.BaseURL == "" {
		cfg.Rugcheck.BaseURL = rugcheck.DefaultConfig().BaseURL
	}
	fillScanner(&cfg.Scanner, scanner.DefaultConfig())
	fillExits(&cfg.Exits, monitor.DefaultConfig())
	fillAlpha(&cfg.Alpha, alpha.DefaultConfig())
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = notify.DefaultConfig().Timeout
	}
	if cfg.Notify.TelegramAPI == "" {
		cfg.Notify.TelegramAPI = notify.DefaultConfig().TelegramAPI
	}
}

func fillFetch(c *fetch.Config, d fetch.Config) {
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.Max429Retries == 0 {
		c.Max429Retries = d.Max429Retries
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = d.CacheTTL
	}
	if c.DefaultRate == 0 {
		c.DefaultRate = d.DefaultRate
	}
	if c.HostRates == nil {
		c.HostRates = d.HostRates
	}
}

func fillWatcher(c *solana.WatcherConfig, d solana.WatcherConfig) {
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax == 0 {
		c.ReconnectMax = d.ReconnectMax
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.ReceiveGrace == 0 {
		c.ReceiveGrace = d.ReceiveGrace
	}
	if c.BufferSize == 0 {
		c.BufferSize = d.BufferSize
	}
}

func fillEtherscan(c *etherscan.Config, d etherscan.Config) {
	if c.Explorers == nil {
		c.Explorers = d.Explorers
	}
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.Lookback == 0 {
		c.Lookback = d.Lookback
	}
}

func fillScanner(c *scanner.Config, d scanner.Config) {
	if c.MaxWorkers == 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.FastInterval == 0 {
		c.FastInterval = d.FastInterval
	}
	if c.SafetyInterval == 0 {
		c.SafetyInterval = d.SafetyInterval
	}
	if c.TargetCacheTTL == 0 {
		c.TargetCacheTTL = d.TargetCacheTTL
	}
}

func fillExits(c *monitor.Config, d monitor.Config) {
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
	if c.SecurityEvery == 0 {
		c.SecurityEvery = d.SecurityEvery
	}
	if c.SecurityChains == nil {
		c.SecurityChains = d.SecurityChains
	}
}

func fillAlpha(c *alpha.Config, d alpha.Config) {
	if c.CycleInterval == 0 {
		c.CycleInterval = d.CycleInterval
	}
	if c.MinWallets == 0 {
		c.MinWallets = d.MinWallets
	}
	if c.MinLiquidityUSD == 0 {
		c.MinLiquidityUSD = d.MinLiquidityUSD
	}
	if c.MaxPoolAgeHours == 0 {
		c.MaxPoolAgeHours = d.MaxPoolAgeHours
	}
	if c.ReentryCooldown == 0 {
		c.ReentryCooldown = d.ReentryCooldown
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
}

// Validate checks value ranges that defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Paper.StopLossPct >= 0 {
		errs = append(errs, fmt.Errorf("paper.stop_loss_pct must be negative, got %v", c.Paper.StopLossPct))
	}
	if c.Paper.TP1Pct <= 0 {
		errs = append(errs, fmt.Errorf("paper.tp1_pct must be positive, got %v", c.Paper.TP1Pct))
	}
	if c.Paper.TP1SellFraction <= 0 || c.Paper.TP1SellFraction > 1 {
		errs = append(errs, fmt.Errorf("paper.tp1_sell_fraction must be in (0,1], got %v", c.Paper.TP1SellFraction))
	}
	if c.Paper.TrailingPct <= 0 || c.Paper.TrailingPct >= 100 {
		errs = append(errs, fmt.Errorf("paper.trailing_pct must be in (0,100), got %v", c.Paper.TrailingPct))
	}
	if c.Paper.MaxOpen < 1 {
		errs = append(errs, fmt.Errorf("paper.max_open must be >= 1, got %d", c.Paper.MaxOpen))
	}
	if c.Paper.NotionalSOL <= 0 {
		errs = append(errs, fmt.Errorf("paper.notional_sol must be positive, got %v", c.Paper.NotionalSOL))
	}
	if c.Paper.FeeSOL < 0 {
		errs = append(errs, fmt.Errorf("paper.fee_sol must not be negative, got %v", c.Paper.FeeSOL))
	}
	if c.Paper.SlippagePct < 0 {
		errs = append(errs, fmt.Errorf("paper.slippage_pct must not be negative, got %v", c.Paper.SlippagePct))
	}
	if c.Scanner.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("scanner.max_workers must be >= 1, got %d", c.Scanner.MaxWorkers))
	}
	if c.Stream.ReconnectMax < c.Stream.ReconnectBase {
		errs = append(errs, fmt.Errorf("stream.reconnect_max (%s) below reconnect_base (%s)", c.Stream.ReconnectMax, c.Stream.ReconnectBase))
	}
	for i, w := range c.Watch {
		if w.Address == "" || w.Chain == "" {
			errs = append(errs, fmt.Errorf("watch[%d]: address and chain are required", i))
		}
	}
	return errors.Join(errs...)
}
