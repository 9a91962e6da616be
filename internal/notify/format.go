package notify

import (
	"fmt"
	"html"
	"strings"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/paper"
)

// Message formatters. Output is Telegram HTML.

func tokenName(p paper.Position) string {
	name := p.Symbol
	if name == "" {
		name = copytrade.ShortAddr(p.Token)
	}
	return html.EscapeString(name)
}

func reasonTitle(reason string) string {
	words := strings.Split(reason, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

func sessionFooter(sb *strings.Builder, stats paper.Stats) {
	fmt.Fprintf(sb, "\n--- Session ---\n")
	fmt.Fprintf(sb, "Total PnL: %s SOL\n", stats.SessionPnL)
	fmt.Fprintf(sb, "W/L: %d/%d (%.0f%% WR)\n", stats.Wins, stats.Losses, stats.WinRate)
	fmt.Fprintf(sb, "Open: %d", stats.OpenPositions)
}

// FormatOpened announces a new paper position.
func FormatOpened(p paper.Position, stats paper.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>PAPER BUY</b>\n\n")
	fmt.Fprintf(&sb, "<b>%s</b> (%s)\n", tokenName(p), p.Chain)
	fmt.Fprintf(&sb, "<code>%s</code>\n", html.EscapeString(p.Token))
	fmt.Fprintf(&sb, "Price: $%s\n", p.EntryPrice.String())
	fmt.Fprintf(&sb, "Amount: %s SOL\n", p.Notional.String())
	fmt.Fprintf(&sb, "TP1: $%s\n", p.TP1Price.String())
	fmt.Fprintf(&sb, "SL: $%s\n", p.StopPrice.String())
	fmt.Fprintf(&sb, "Wallets: %d\n\n", p.SignalCount)
	fmt.Fprintf(&sb, "Open trades: %d", stats.OpenPositions)
	return sb.String()
}

// FormatEvent renders a partial or full close.
func FormatEvent(ev paper.Event, stats paper.Stats) string {
	p := ev.Position
	var sb strings.Builder

	switch {
	case ev.Kind == paper.EventPartialClose:
		fmt.Fprintf(&sb, "<b>PAPER TP1 HIT</b>\n\n")
		fmt.Fprintf(&sb, "<b>%s</b> (%s)\n", tokenName(p), p.Chain)
		fmt.Fprintf(&sb, "Sold: %s SOL at $%s\n", ev.SoldNotional.StringFixed(4), ev.Price.String())
		fmt.Fprintf(&sb, "Realized: %s SOL\n", ev.RealizedPnL.StringFixed(4))
		fmt.Fprintf(&sb, "Moonbag: %s SOL, trailing stop $%s\n", p.RemainingNotional.StringFixed(4), p.StopPrice.String())
		sessionFooter(&sb, stats)
		return sb.String()

	case ev.Reason == paper.ReasonEmergency:
		fmt.Fprintf(&sb, "<b>EMERGENCY EXIT</b>\n\n")
	case p.IsWin():
		fmt.Fprintf(&sb, "<b>PAPER TRADE EXIT</b>\n\n")
	default:
		fmt.Fprintf(&sb, "<b>PAPER TRADE STOPPED</b>\n\n")
	}

	fmt.Fprintf(&sb, "<b>%s</b> (%s)\n", tokenName(p), p.Chain)
	fmt.Fprintf(&sb, "Reason: <b>%s</b>\n\n", reasonTitle(ev.Reason))
	fmt.Fprintf(&sb, "Entry: $%s\n", p.EntryPrice.String())
	fmt.Fprintf(&sb, "Exit: $%s\n", p.ExitPrice.String())
	fmt.Fprintf(&sb, "PnL: <b>%+.1f%%</b> (%s SOL net, fee %s)\n", p.PnLPct, p.PnLNet.StringFixed(4), p.Fee.String())
	fmt.Fprintf(&sb, "Highest: $%s\n", p.HighestPrice.String())
	sessionFooter(&sb, stats)
	return sb.String()
}

// FormatStreamFailed reports that the push channel gave up for good.
func FormatStreamFailed(reason string) string {
	return fmt.Sprintf("<b>Stream Disabled</b>\n\nThe push channel was rejected by the provider and will not reconnect.\n%s\n\nPolling continues at the fast interval.",
		html.EscapeString(reason))
}

// StartupInfo is the content of the startup notification.
type StartupInfo struct {
	Targets       int
	Chains        []string
	StreamEnabled bool
	OpenPositions int
	Paused        bool
}

func FormatStartup(info StartupInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Alpha Watch Started</b>\n\n")
	fmt.Fprintf(&sb, "Wallets: %d (%s)\n", info.Targets, strings.Join(info.Chains, ", "))
	stream := "off"
	if info.StreamEnabled {
		stream = "on"
	}
	fmt.Fprintf(&sb, "Stream: %s\n", stream)
	fmt.Fprintf(&sb, "Open positions: %d", info.OpenPositions)
	if info.Paused {
		fmt.Fprintf(&sb, "\nEntries paused")
	}
	return sb.String()
}

// FormatShutdown summarizes the session at exit.
func FormatShutdown(stats paper.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>Alpha Watch Stopped</b>\n")
	sessionFooter(&sb, stats)
	return sb.String()
}
