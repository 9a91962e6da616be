package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	tmpFile, err := os.CreateTemp(t.TempDir(), "alphawatch-config-*.yaml")
	require.NoError(t, err)
	_, err = tmpFile.WriteString(yaml)
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
general:
  instance_id: "test-node"
  environment: "development"
  log_level: "debug"

storage:
  positions_file: "/tmp/positions.json"
  journal_dsn: "/tmp/journal.db"

paper:
  max_open: 5
  notional_sol: 0.5
  stop_loss_pct: -10
  tp1_pct: 50

alpha:
  min_wallets: 3
  max_pool_age_hours: -1

exits:
  interval: 30s
  security_chains: ["solana", "base"]

watch:
  - address: "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"
    chain: solana
    label: whale-1
    tier: whale
  - address: "0xAbC0000000000000000000000000000000000001"
    chain: base
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "test-node", cfg.General.InstanceID)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, "/tmp/journal.db", cfg.Storage.JournalDSN)
	assert.Equal(t, 5, cfg.Paper.MaxOpen)
	assert.Equal(t, -10.0, cfg.Paper.StopLossPct)
	assert.Equal(t, 0.6, cfg.Paper.TP1SellFraction)
	assert.Equal(t, 3, cfg.Alpha.MinWallets)
	assert.Equal(t, -1.0, cfg.Alpha.MaxPoolAgeHours)
	assert.Equal(t, 30*time.Second, cfg.Exits.Interval)
	assert.Equal(t, []string{"solana", "base"}, cfg.Exits.SecurityChains)

	targets := cfg.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, copytrade.WalletTier("whale"), targets[0].Tier)
	assert.Equal(t, "base", targets[1].Chain)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "general:\n  log_format: text\n"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "alphawatch-1", cfg.General.InstanceID)
	assert.Equal(t, "info", cfg.General.LogLevel)
	assert.Equal(t, "text", cfg.General.LogFormat)
	assert.Equal(t, ":9092", cfg.HTTP.Addr)
	assert.Equal(t, "data/paper_trades.json", cfg.Storage.PositionsFile)
	assert.Empty(t, cfg.Storage.JournalDSN)
	assert.Equal(t, copytrade.DefaultAccumulatorTTL, cfg.Accumulator.TTL)

	assert.Equal(t, 20, cfg.Paper.MaxOpen)
	assert.Equal(t, -12.0, cfg.Paper.StopLossPct)
	assert.Equal(t, 40.0, cfg.Paper.TP1Pct)
	assert.Equal(t, 15.0, cfg.Paper.TrailingPct)
	assert.Equal(t, 1.0, cfg.Paper.SlippagePct)
	assert.Equal(t, 0.006, cfg.Paper.FeeSOL)
	assert.Equal(t, 40*time.Second, cfg.Stream.PingInterval+cfg.Stream.ReceiveGrace)

	assert.Equal(t, 5, cfg.Scanner.MaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.Scanner.FastInterval)
	assert.Equal(t, 600*time.Second, cfg.Scanner.SafetyInterval)
	assert.Equal(t, 45*time.Second, cfg.Exits.Interval)
	assert.Equal(t, 120*time.Second, cfg.Alpha.CycleInterval)
	assert.Equal(t, 24.0, cfg.Alpha.MaxPoolAgeHours)
	assert.Equal(t, 24*time.Hour, cfg.Alpha.ReentryCooldown)

	assert.Equal(t, "https://api.dexscreener.com", cfg.DexScreener.BaseURL)
	assert.Equal(t, "https://api.rugcheck.xyz", cfg.Rugcheck.BaseURL)
	assert.Contains(t, cfg.Etherscan.Explorers, "ethereum")
	assert.Empty(t, cfg.Stream.Endpoint)
	assert.Equal(t, "https://api.mainnet-beta.solana.com", cfg.Helius.FallbackRPCURL)
	assert.Equal(t, 10, cfg.Helius.SignatureLimit)
}

func TestLoadConfigExplicitZeroPaperCosts(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
paper:
  fee_sol: 0
  slippage_pct: 0
  max_open: 3
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Zero(t, cfg.Paper.FeeSOL)
	assert.Zero(t, cfg.Paper.SlippagePct)
	assert.Equal(t, 3, cfg.Paper.MaxOpen)
	assert.Equal(t, -12.0, cfg.Paper.StopLossPct, "keys absent from the file keep their defaults")
	assert.Equal(t, 0.6, cfg.Paper.TP1SellFraction)
}

func TestLoadConfigFallbackRPCCanBeDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, `helius:
  fallback_rpc_url: ""
`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Helius.FallbackRPCURL)
	assert.Equal(t, 2*time.Hour, cfg.Helius.Lookback)
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_ALPHAWATCH_BOT_TOKEN", "123:abc")
	t.Setenv("TEST_ALPHAWATCH_HELIUS_KEY", "hk")

	cfg, err := Load(writeConfig(t, `
notify:
  bot_token: "${TEST_ALPHAWATCH_BOT_TOKEN}"
  chat_id: "42"
helius:
  api_key: "${TEST_ALPHAWATCH_HELIUS_KEY}"
stream:
  endpoint: "wss://atlas-mainnet.helius-rpc.com?api-key=${TEST_ALPHAWATCH_HELIUS_KEY}"
`))
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Notify.BotToken)
	assert.Equal(t, "42", cfg.Notify.ChatID)
	assert.Equal(t, "hk", cfg.Helius.APIKey)
	assert.Equal(t, "wss://atlas-mainnet.helius-rpc.com?api-key=hk", cfg.Stream.Endpoint)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/alphawatch.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
paper:
  stop_loss_pct: 5
  tp1_sell_fraction: 1.5
  trailing_pct: 100
  fee_sol: -1
stream:
  reconnect_base: 10m
  reconnect_max: 1m
watch:
  - address: ""
    chain: solana
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "paper.stop_loss_pct")
	assert.Contains(t, msg, "paper.tp1_sell_fraction")
	assert.Contains(t, msg, "paper.trailing_pct")
	assert.Contains(t, msg, "paper.fee_sol")
	assert.Contains(t, msg, "stream.reconnect_max")
	assert.Contains(t, msg, "watch[0]")
}
