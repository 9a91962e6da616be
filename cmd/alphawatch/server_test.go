package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/alphawatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/alphawatch/internal/alpha"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/observability"
	"github.com/nexus-trading/alphawatch/internal/paper"
)

type noTokens struct{}

func (noTokens) TokensByChain(context.Context, map[string][]string) map[string]dexscreener.TokenInfo {
	return nil
}

type testAPI struct {
	*api
	forgotten []copytrade.WatchTarget
}

func newTestAPI(t *testing.T) (*testAPI, *httptest.Server) {
	t.Helper()
	registry := copytrade.NewRegistry(0)
	registry.Add(copytrade.WatchTarget{Address: "SolWallet1", Chain: "solana", Label: "one"})
	acc := copytrade.NewAccumulator(time.Hour)

	cfg := paper.DefaultConfig()
	cfg.SlippagePct = 0
	engine, err := paper.NewEngine(cfg, &paper.MemoryStore{})
	require.NoError(t, err)

	pipeline := alpha.NewSignalPipeline(acc, noTokens{}, nil, nil, 2)
	orch := alpha.New(alpha.DefaultConfig(), alpha.Deps{
		Registry:    registry,
		Accumulator: acc,
		Engine:      engine,
		Candidates:  pipeline,
		Sink:        notify.LogSink{},
	})

	health := observability.NewHealthMonitor(time.Minute)
	health.Register("ok", func(context.Context) observability.ComponentHealth {
		return observability.ComponentHealth{Status: observability.StatusHealthy}
	})

	ta := &testAPI{}
	ta.api = &api{
		registry: registry,
		engine:   engine,
		orch:     orch,
		pipeline: pipeline,
		health:   health,
		chains:   map[string]bool{"solana": true, "base": true},
		forget:   func(t copytrade.WatchTarget) { ta.forgotten = append(ta.forgotten, t) },
		stats:    func() map[string]any { return map[string]any{"paper": engine.Stats()} },
	}
	srv := httptest.NewServer(ta.routes())
	t.Cleanup(srv.Close)
	return ta, srv
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func post(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestAPI_Health(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["paused"])
}

func TestAPI_UnhealthyIs503(t *testing.T) {
	ta, srv := newTestAPI(t)
	ta.health.Register("bad", func(context.Context) observability.ComponentHealth {
		return observability.ComponentHealth{Status: observability.StatusUnhealthy}
	})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPI_ControlRequiresPost(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/control/pause")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI_PauseResume(t *testing.T) {
	ta, srv := newTestAPI(t)

	resp := post(t, srv.URL+"/control/pause", "")
	resp.Body.Close()
	assert.True(t, ta.orch.Paused())

	resp = post(t, srv.URL+"/control/resume", "")
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "running", body["status"])
	assert.False(t, ta.orch.Paused())
}

func TestAPI_KillClosesPositions(t *testing.T) {
	ta, srv := newTestAPI(t)
	_, err := ta.engine.OpenPosition(paper.OpenRequest{Token: "Tok", Chain: "solana", Price: decimal.NewFromInt(1)})
	require.NoError(t, err)

	var body map[string]any
	decode(t, post(t, srv.URL+"/control/kill", ""), &body)
	assert.Equal(t, "killed", body["status"])
	assert.Equal(t, float64(1), body["closed"])
	assert.Empty(t, ta.engine.OpenPositions())
	assert.True(t, ta.orch.Paused())

	closed := ta.engine.ClosedPositions()
	require.Len(t, closed, 1)
	assert.Equal(t, paper.ReasonKillSwitch, closed[0].ExitReason)
}

func TestAPI_Positions(t *testing.T) {
	ta, srv := newTestAPI(t)
	_, err := ta.engine.OpenPosition(paper.OpenRequest{Token: "Tok", Chain: "solana", Symbol: "TOK", Price: decimal.NewFromInt(2)})
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/positions/open")
	require.NoError(t, err)
	var open []paper.Position
	decode(t, resp, &open)
	require.Len(t, open, 1)
	assert.Equal(t, "Tok", open[0].Token)

	resp, err = http.Get(srv.URL + "/positions?format=table")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	buf := new(strings.Builder)
	_, err = io.Copy(buf, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "TOK")
}

func TestAPI_SignalsEmptyIsArray(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/signals")
	require.NoError(t, err)
	var signals []copytrade.TokenSignal
	decode(t, resp, &signals)
	assert.NotNil(t, signals)
	assert.Empty(t, signals)
}

func TestAPI_WatchLifecycle(t *testing.T) {
	ta, srv := newTestAPI(t)

	resp := post(t, srv.URL+"/watch", `{"address":"0xAbC1","chain":"Base","label":"evm"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var added copytrade.WatchTarget
	decode(t, resp, &added)
	assert.Equal(t, "base", added.Chain)
	assert.False(t, added.AddedAt.IsZero())

	resp = post(t, srv.URL+"/watch", `{"address":"0xabc1","chain":"base"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, srv.URL+"/watch", `{"address":"x","chain":"tron"}`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, srv.URL+"/watch", `not json`)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	getResp, err := http.Get(srv.URL + "/watch")
	require.NoError(t, err)
	var all []copytrade.WatchTarget
	decode(t, getResp, &all)
	assert.Len(t, all, 2)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/watch?address=0xABC1", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	require.Len(t, ta.forgotten, 1)
	assert.Equal(t, "base", ta.forgotten[0].Chain)
	assert.Equal(t, 1, ta.registry.Len())

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/watch?address=0xABC1", nil)
	delResp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, delResp.StatusCode)
}

func TestAPI_Stats(t *testing.T) {
	_, srv := newTestAPI(t)

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var body map[string]json.RawMessage
	decode(t, resp, &body)
	assert.Contains(t, body, "paper")
}
