package notify

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/paper"
)

// RenderPositions writes positions as a table.
func RenderPositions(w io.Writer, positions []paper.Position) {
	if len(positions) == 0 {
		fmt.Fprintln(w, "  no positions")
		return
	}
	tbl := tablewriter.NewWriter(w)
	tbl.Header("ID", "Token", "Chain", "Status", "Entry", "Current", "Stop", "TP1", "Reason", "Net SOL", "PnL %")
	for _, p := range positions {
		price := p.CurrentPrice
		if p.Status == paper.StatusClosed {
			price = p.ExitPrice
		}
		tbl.Append(
			p.ID,
			label(p.Symbol, p.Token),
			p.Chain,
			string(p.Phase()),
			p.EntryPrice.String(),
			price.String(),
			p.StopPrice.String(),
			yesNo(p.TP1Hit),
			p.ExitReason,
			p.PnLNet.StringFixed(4),
			fmt.Sprintf("%+.1f", p.PnLPct),
		)
	}
	tbl.Render()
}

// RenderTrades writes journal entries as a table.
func RenderTrades(w io.Writer, trades []paper.JournalEntry) {
	if len(trades) == 0 {
		fmt.Fprintln(w, "  no closed trades")
		return
	}
	tbl := tablewriter.NewWriter(w)
	tbl.Header("Closed", "Token", "Chain", "Entry", "Exit", "TP1", "Reason", "Gross", "Fee", "Net", "PnL %")
	for _, t := range trades {
		tbl.Append(
			t.ClosedAt.Format("01-02 15:04"),
			label(t.Symbol, t.Token),
			t.Chain,
			t.EntryPrice.String(),
			t.ExitPrice.String(),
			yesNo(t.TP1Hit),
			t.ExitReason,
			t.PnLGross.StringFixed(4),
			t.Fee.StringFixed(4),
			t.PnLNet.StringFixed(4),
			fmt.Sprintf("%+.1f", t.PnLPct),
		)
	}
	tbl.Render()
}

// RenderTotals writes per-reason totals as a table.
func RenderTotals(w io.Writer, totals []paper.JournalTotals) {
	if len(totals) == 0 {
		return
	}
	tbl := tablewriter.NewWriter(w)
	tbl.Header("Reason", "Trades", "Wins", "Win %", "Net SOL")
	for _, t := range totals {
		rate := 0.0
		if t.Trades > 0 {
			rate = float64(t.Wins) / float64(t.Trades) * 100
		}
		tbl.Append(
			t.Reason,
			fmt.Sprintf("%d", t.Trades),
			fmt.Sprintf("%d", t.Wins),
			fmt.Sprintf("%.0f", rate),
			t.PnLNet.StringFixed(4),
		)
	}
	tbl.Render()
}

func label(symbol, token string) string {
	if symbol != "" {
		return symbol
	}
	return copytrade.ShortAddr(token)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
