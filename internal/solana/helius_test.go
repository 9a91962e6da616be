package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/alphawatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/fetch"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var walletA = copytrade.WatchTarget{Address: "WalletA", Chain: "solana", Label: "alpha"}

func testFetchClient() *fetch.Client {
	cfg := fetch.DefaultConfig()
	cfg.DefaultRate = 60000
	cfg.HostRates = nil
	return fetch.New(cfg, nil)
}

func TestParseNotification(t *testing.T) {
	var env rpcEnvelope
	require.NoError(t, json.Unmarshal([]byte(notificationFrame), &env))
	require.NotNil(t, env.Params)

	watched := map[string]copytrade.WatchTarget{"walleta": walletA}
	now := time.Now()

	buys, err := parseNotification(env.Params.Result, watched, now)
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.Equal(t, "MintX", buys[0].Token)
	assert.Equal(t, now, buys[0].ObservedAt)

	buys, err = parseNotification(env.Params.Result, map[string]copytrade.WatchTarget{}, now)
	require.NoError(t, err)
	assert.Empty(t, buys)
}

func TestParseNotification_IgnoresFailedAndSells(t *testing.T) {
	watched := map[string]copytrade.WatchTarget{"walleta": walletA}

	failed := `{"signature":"s","transaction":{"transaction":{"message":{"accountKeys":["WalletA"]}},
		"meta":{"err":{"InstructionError":[0,"Custom"]},"postTokenBalances":[
			{"accountIndex":1,"mint":"MintX","owner":"WalletA","uiTokenAmount":{"amount":"5","decimals":0}}]}}}`
	buys, err := parseNotification(json.RawMessage(failed), watched, time.Now())
	require.NoError(t, err)
	assert.Empty(t, buys)

	sell := `{"signature":"s","transaction":{"transaction":{"message":{"accountKeys":["WalletA"]}},
		"meta":{"err":null,
			"preTokenBalances":[{"accountIndex":1,"mint":"MintX","owner":"WalletA","uiTokenAmount":{"amount":"9","decimals":0}}],
			"postTokenBalances":[{"accountIndex":1,"mint":"MintX","owner":"WalletA","uiTokenAmount":{"amount":"5","decimals":0}}]}}}`
	buys, err = parseNotification(json.RawMessage(sell), watched, time.Now())
	require.NoError(t, err)
	assert.Empty(t, buys)

	raw := `{"signature":"s","transaction":{"transaction":{"message":{"accountKeys":["WalletA"]}},
		"meta":{"err":null,"postTokenBalances":[{"accountIndex":1,"mint":"MintY","owner":"WalletA","uiTokenAmount":{"amount":"2500","decimals":3}}]}}}`
	buys, err = parseNotification(json.RawMessage(raw), watched, time.Now())
	require.NoError(t, err)
	require.Len(t, buys, 1)
	assert.True(t, buys[0].Amount.Equal(dec("2.5")))
	assert.True(t, buys[0].SpentNative.IsZero())

	_, err = parseNotification(json.RawMessage(`[1,2`), watched, time.Now())
	assert.Error(t, err)
}

func TestParseEnhancedSwap(t *testing.T) {
	now := time.Now()
	tx := enhancedTx{
		Signature: "sig",
		Timestamp: now.Add(-30 * time.Minute).Unix(),
		TokenTransfers: []tokenTransfer{
			{FromUserAccount: "pool", ToUserAccount: "WalletA", Mint: "MintX", TokenAmount: dec("1000")},
		},
		NativeTransfers: []nativeTransfer{
			{FromUserAccount: "WalletA", ToUserAccount: "pool", Amount: 250_000_000},
			{FromUserAccount: "WalletA", ToUserAccount: "fee", Amount: 5_000_000},
		},
	}

	buy, ok := parseEnhancedSwap(tx, walletA, now, 2*time.Hour)
	require.True(t, ok)
	assert.Equal(t, "MintX", buy.Token)
	assert.True(t, buy.SpentNative.Equal(dec("0.255")))
	assert.Equal(t, copytrade.SourcePoll, buy.Source)

	old := tx
	old.Timestamp = now.Add(-3 * time.Hour).Unix()
	_, ok = parseEnhancedSwap(old, walletA, now, 2*time.Hour)
	assert.False(t, ok)

	stable := tx
	stable.TokenTransfers = []tokenTransfer{{ToUserAccount: "WalletA", Mint: USDCMint, TokenAmount: dec("10")}}
	_, ok = parseEnhancedSwap(stable, walletA, now, 2*time.Hour)
	assert.False(t, ok)

	sold := tx
	sold.TokenTransfers = []tokenTransfer{{FromUserAccount: "WalletA", ToUserAccount: "pool", Mint: "MintX", TokenAmount: dec("10")}}
	_, ok = parseEnhancedSwap(sold, walletA, now, 2*time.Hour)
	assert.False(t, ok)
}

func TestIsEntitlementError(t *testing.T) {
	assert.True(t, isEntitlementError(&rpcError{Code: 403}))
	assert.True(t, isEntitlementError(&rpcError{Code: -32000, Message: "Forbidden"}))
	assert.True(t, isEntitlementError(&rpcError{Code: -32000, Message: "method not available on free tier"}))
	assert.False(t, isEntitlementError(&rpcError{Code: -32602, Message: "invalid params"}))
	assert.False(t, isEntitlementError(nil))
}

func TestHeliusSource_SignaturesThenParsedSwaps(t *testing.T) {
	var rpcCalls, apiCalls atomic.Int64
	now := time.Now()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			rpcCalls.Add(1)
			body, _ := io.ReadAll(r.Body)
			var req rpcRequest
			json.Unmarshal(body, &req)
			assert.Equal(t, "getSignaturesForAddress", req.Method)
			assert.Equal(t, "k", r.URL.Query().Get("api-key"))
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":[{"signature":"new1"},{"signature":"old1"}]}`))
			return
		}
		apiCalls.Add(1)
		assert.Equal(t, "/v0/addresses/WalletA/transactions", r.URL.Path)
		assert.Equal(t, "SWAP", r.URL.Query().Get("type"))
		fmt.Fprintf(w, `[
			{"signature":"new1","timestamp":%d,"tokenTransfers":[{"toUserAccount":"WalletA","mint":"MintX","tokenAmount":12.5}],
			 "nativeTransfers":[{"fromUserAccount":"WalletA","toUserAccount":"pool","amount":100000000}]},
			{"signature":"old1","timestamp":%d,"tokenTransfers":[{"toUserAccount":"WalletA","mint":"MintY","tokenAmount":1}]}
		]`, now.Unix(), now.Unix())
	}))
	defer srv.Close()

	src := NewHeliusSource(HeliusConfig{APIKey: "k", RPCURL: srv.URL, APIURL: srv.URL, SignatureLimit: 10, Lookback: 2 * time.Hour}, testFetchClient(), nil)
	ctx := context.Background()

	sigs, ok := src.ListActivity(ctx, walletA)
	require.True(t, ok)
	assert.Equal(t, []string{"new1", "old1"}, sigs)

	buys := src.FetchBuys(ctx, walletA, []string{"new1"})
	require.Len(t, buys, 1)
	assert.Equal(t, "MintX", buys[0].Token)
	assert.True(t, buys[0].Amount.Equal(dec("12.5")))
	assert.True(t, buys[0].SpentNative.Equal(dec("0.1")))

	// The parsed listing is never served from cache.
	src.FetchBuys(ctx, walletA, []string{"new1"})
	assert.Equal(t, int64(2), apiCalls.Load())

	assert.Nil(t, src.FetchBuys(ctx, walletA, nil))
	assert.Equal(t, int64(2), apiCalls.Load())
	assert.Equal(t, HeliusStats{SignatureCalls: 1, ParsedCalls: 2}, src.Stats())
}

func TestHeliusSource_NoKeyMeansNoData(t *testing.T) {
	src := NewHeliusSource(DefaultHeliusConfig(), testFetchClient(), nil)
	sigs, ok := src.ListActivity(context.Background(), walletA)
	assert.False(t, ok)
	assert.Nil(t, sigs)
	assert.Nil(t, src.FetchBuys(context.Background(), walletA, []string{"x"}))
}

func TestHeliusSource_RPCErrorMeansNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid param"}}`))
	}))
	defer srv.Close()

	src := NewHeliusSource(HeliusConfig{APIKey: "k", RPCURL: srv.URL, APIURL: srv.URL}, testFetchClient(), nil)
	_, ok := src.ListActivity(context.Background(), walletA)
	assert.False(t, ok)
}

type staticTokens map[string]dexscreener.TokenInfo

func (s staticTokens) Tokens(_ context.Context, _ string, addrs []string) map[string]dexscreener.TokenInfo {
	out := make(map[string]dexscreener.TokenInfo)
	for _, a := range addrs {
		if info, ok := s[a]; ok {
			out[a] = info
		}
	}
	return out
}

const tokenAccountsResult = `{"jsonrpc":"2.0","id":1,"result":{"context":{"slot":1},"value":[
	{"pubkey":"acct1","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"FreshMint","owner":"WalletA","tokenAmount":{"amount":"5000000","decimals":6,"uiAmountString":"5"}}}}}},
	{"pubkey":"acct2","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"OldMint","owner":"WalletA","tokenAmount":{"amount":"1","decimals":0,"uiAmountString":"1"}}}}}},
	{"pubkey":"acct3","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"EmptyMint","owner":"WalletA","tokenAmount":{"amount":"0","decimals":0,"uiAmountString":"0"}}}}}},
	{"pubkey":"acct4","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v","owner":"WalletA","tokenAmount":{"amount":"9","decimals":0,"uiAmountString":"9"}}}}}},
	{"pubkey":"acct5","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"ThinMint","owner":"WalletA","tokenAmount":{"amount":"3","decimals":0,"uiAmountString":"3"}}}}}}
]}}`

func fallbackTokens(now time.Time) staticTokens {
	return staticTokens{
		"FreshMint": {Address: "FreshMint", Symbol: "FRSH", PriceUSD: dec("0.01"), LiquidityUSD: dec("50000"), PoolCreatedAt: now.Add(-3 * time.Hour)},
		"OldMint":   {Address: "OldMint", LiquidityUSD: dec("90000"), PoolCreatedAt: now.Add(-72 * time.Hour)},
		"ThinMint":  {Address: "ThinMint", LiquidityUSD: dec("1000"), PoolCreatedAt: now.Add(-time.Hour)},
	}
}

func TestHeliusSource_FallbackWithoutKey(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "getTokenAccountsByOwner", req.Method)
		require.Len(t, req.Params, 3)
		assert.Equal(t, "WalletA", req.Params[0])
		assert.Equal(t, map[string]any{"programId": SPLTokenProgram}, req.Params[1])
		w.Write([]byte(tokenAccountsResult))
	}))
	defer srv.Close()

	now := time.Now()
	cfg := DefaultHeliusConfig()
	cfg.FallbackRPCURL = srv.URL
	src := NewHeliusSource(cfg, testFetchClient(), fallbackTokens(now))
	src.now = func() time.Time { return now }
	ctx := context.Background()

	ids, ok := src.ListActivity(ctx, walletA)
	require.True(t, ok)
	assert.Equal(t, []string{"mint:FreshMint", "mint:OldMint", "mint:ThinMint"}, ids)

	buys := src.FetchBuys(ctx, walletA, ids)
	require.Len(t, buys, 1)
	assert.Equal(t, "FreshMint", buys[0].Token)
	assert.Equal(t, "FRSH", buys[0].Symbol)
	assert.Equal(t, copytrade.SourcePoll, buys[0].Source)
	assert.InDelta(t, 3.0, buys[0].PoolAgeHours, 0.01)

	st := src.Stats()
	assert.Equal(t, int64(0), st.SignatureCalls)
	assert.Equal(t, int64(1), st.FallbackCalls)
	assert.Equal(t, int64(1), st.FreshBuys)
}

func TestHeliusSource_FallbackWhenHeliusFails(t *testing.T) {
	helius := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32602,"message":"invalid param"}}`))
	}))
	defer helius.Close()
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(tokenAccountsResult))
	}))
	defer public.Close()

	cfg := DefaultHeliusConfig()
	cfg.APIKey = "k"
	cfg.RPCURL = helius.URL
	cfg.APIURL = helius.URL
	cfg.FallbackRPCURL = public.URL
	src := NewHeliusSource(cfg, testFetchClient(), fallbackTokens(time.Now()))

	ids, ok := src.ListActivity(context.Background(), walletA)
	require.True(t, ok)
	assert.Contains(t, ids, "mint:FreshMint")
	assert.Equal(t, int64(1), src.Stats().SignatureCalls)
	assert.Equal(t, int64(1), src.Stats().FallbackCalls)
}
