package paper

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS closed_trades (
    id            TEXT PRIMARY KEY,
    token         TEXT NOT NULL,
    chain         TEXT NOT NULL,
    symbol        TEXT,
    entry_price   TEXT NOT NULL,
    exit_price    TEXT NOT NULL,
    notional      TEXT NOT NULL,
    tp1_hit       INTEGER NOT NULL DEFAULT 0,
    exit_reason   TEXT NOT NULL,
    pnl_gross     TEXT NOT NULL,
    pnl_net       TEXT NOT NULL,
    fee           TEXT NOT NULL,
    pnl_pct       REAL NOT NULL DEFAULT 0,
    signal_count  INTEGER NOT NULL DEFAULT 0,
    opened_at     INTEGER NOT NULL,
    closed_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_closed_trades_closed ON closed_trades(closed_at DESC);
CREATE INDEX IF NOT EXISTS idx_closed_trades_reason ON closed_trades(exit_reason);
`

// SQLiteJournal appends every closed position to a sqlite table. It is an
// audit trail; the JSON state file stays the source of truth.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal at dsn. ":memory:" works for tests.
func OpenJournal(dsn string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("paper.OpenJournal: open %q: %w", dsn, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("paper.OpenJournal: apply schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record inserts a closed position. Recording the same id twice is a no-op.
func (j *SQLiteJournal) Record(ctx context.Context, pos Position) error {
	closedAt := time.Now()
	if pos.ClosedAt != nil {
		closedAt = *pos.ClosedAt
	}
	tp1 := 0
	if pos.TP1Hit {
		tp1 = 1
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO closed_trades (
			id, token, chain, symbol, entry_price, exit_price, notional, tp1_hit,
			exit_reason, pnl_gross, pnl_net, fee, pnl_pct, signal_count, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.ID, pos.Token, pos.Chain, pos.Symbol,
		pos.EntryPrice.String(), pos.ExitPrice.String(), pos.Notional.String(), tp1,
		pos.ExitReason, pos.PnLGross.String(), pos.PnLNet.String(), pos.Fee.String(),
		pos.PnLPct, pos.SignalCount, pos.OpenedAt.UnixMilli(), closedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("paper.Record %s: %w", pos.ID, err)
	}
	return nil
}

// JournalEntry is a row of the closed_trades table.
type JournalEntry struct {
	ID          string
	Token       string
	Chain       string
	Symbol      string
	EntryPrice  decimal.Decimal
	ExitPrice   decimal.Decimal
	Notional    decimal.Decimal
	TP1Hit      bool
	ExitReason  string
	PnLGross    decimal.Decimal
	PnLNet      decimal.Decimal
	Fee         decimal.Decimal
	PnLPct      float64
	SignalCount int
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// List returns the most recent trades first. limit <= 0 returns all.
func (j *SQLiteJournal) List(ctx context.Context, limit int) ([]JournalEntry, error) {
	query := `SELECT id, token, chain, COALESCE(symbol, ''), entry_price, exit_price, notional,
		tp1_hit, exit_reason, pnl_gross, pnl_net, fee, pnl_pct, signal_count, opened_at, closed_at
		FROM closed_trades ORDER BY closed_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("paper.List: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var (
			e                                      JournalEntry
			entry, exit, notional, gross, net, fee string
			tp1                                    int
			opened, closed                         int64
		)
		if err := rows.Scan(&e.ID, &e.Token, &e.Chain, &e.Symbol, &entry, &exit, &notional,
			&tp1, &e.ExitReason, &gross, &net, &fee, &e.PnLPct, &e.SignalCount, &opened, &closed); err != nil {
			return nil, fmt.Errorf("paper.List: scan: %w", err)
		}
		e.EntryPrice = parseDecimal(entry)
		e.ExitPrice = parseDecimal(exit)
		e.Notional = parseDecimal(notional)
		e.PnLGross = parseDecimal(gross)
		e.PnLNet = parseDecimal(net)
		e.Fee = parseDecimal(fee)
		e.TP1Hit = tp1 == 1
		e.OpenedAt = time.UnixMilli(opened)
		e.ClosedAt = time.UnixMilli(closed)
		out = append(out, e)
	}
	return out, rows.Err()
}

// JournalTotals aggregates the journal per exit reason.
type JournalTotals struct {
	Reason string
	Trades int
	Wins   int
	PnLNet decimal.Decimal
}

// Totals groups trades by exit reason, ordered by reason.
func (j *SQLiteJournal) Totals(ctx context.Context) ([]JournalTotals, error) {
	entries, err := j.List(ctx, 0)
	if err != nil {
		return nil, err
	}

	byReason := make(map[string]*JournalTotals)
	var order []string
	for _, e := range entries {
		t, ok := byReason[e.ExitReason]
		if !ok {
			t = &JournalTotals{Reason: e.ExitReason}
			byReason[e.ExitReason] = t
			order = append(order, e.ExitReason)
		}
		t.Trades++
		if e.PnLNet.IsPositive() {
			t.Wins++
		}
		t.PnLNet = t.PnLNet.Add(e.PnLNet)
	}

	sort.Strings(order)
	out := make([]JournalTotals, 0, len(order))
	for _, r := range order {
		out = append(out, *byReason[r])
	}
	return out, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
