package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/alphawatch/internal/paper"
)

func closedSession(t *testing.T, store paper.Store, journal paper.Journal) *paper.Engine {
	t.Helper()
	cfg := paper.DefaultConfig()
	cfg.SlippagePct = 0
	e, err := paper.NewEngine(cfg, store)
	require.NoError(t, err)
	if journal != nil {
		e.SetJournal(journal)
	}

	for _, tok := range []string{"WinTok", "LossTok", "HoldTok"} {
		_, err := e.OpenPosition(paper.OpenRequest{Token: tok, Chain: "solana", Symbol: strings.ToUpper(tok), Price: decimal.NewFromInt(1)})
		require.NoError(t, err)
	}
	e.CheckExits(map[string]decimal.Decimal{"LossTok": decimal.RequireFromString("0.5")})
	_, err = e.EmergencyExit("WinTok", decimal.NewFromInt(2))
	require.NoError(t, err)
	return e
}

func TestReportJournal(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "journal.db")
	j, err := paper.OpenJournal(dsn)
	require.NoError(t, err)
	closedSession(t, nil, j)
	require.NoError(t, j.Close())

	var out strings.Builder
	require.NoError(t, reportJournal(context.Background(), &out, dsn, 10))

	text := out.String()
	assert.Contains(t, text, "Closed trades")
	assert.Contains(t, text, "WINTOK")
	assert.Contains(t, text, "LOSSTOK")
	assert.NotContains(t, text, "HOLDTOK")
	assert.Contains(t, text, "W/L: 1/1 (50% WR)")
}

func TestReportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	e := closedSession(t, paper.NewFileStore(path), nil)
	require.NoError(t, e.Flush())

	var out strings.Builder
	require.NoError(t, reportFile(&out, path))

	text := out.String()
	assert.Contains(t, text, "Open positions")
	assert.Contains(t, text, "HOLDTOK")
	assert.Contains(t, text, "Closed positions")
	assert.Contains(t, text, "W/L: 1/1 (50% WR)")
}

func TestReportFileMissing(t *testing.T) {
	var out strings.Builder
	assert.Error(t, reportFile(&out, filepath.Join(t.TempDir(), "absent.json")))
}
