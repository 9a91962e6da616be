package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/config"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/paper"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	journalDSN := flag.String("journal", "", "Trade journal path (overrides storage.journal_dsn)")
	fromFile := flag.String("from-file", "", "Report from a position file instead of the journal")
	limit := flag.Int("limit", 50, "Most recent trades to list, 0 for all")
	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	var err error
	if *fromFile != "" {
		err = reportFile(os.Stdout, *fromFile)
	} else {
		dsn := *journalDSN
		if dsn == "" {
			cfg, cerr := config.Load(*configPath)
			if cerr != nil {
				log.Fatal().Err(cerr).Msg("No -journal given and config could not be loaded")
			}
			dsn = cfg.Storage.JournalDSN
		}
		if dsn == "" {
			log.Fatal().Msg("No journal configured: set storage.journal_dsn or pass -journal")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = reportJournal(ctx, os.Stdout, dsn, *limit)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Report failed")
	}
}

// reportJournal prints recent closed trades and the per-reason totals.
func reportJournal(ctx context.Context, w io.Writer, dsn string, limit int) error {
	journal, err := paper.OpenJournal(dsn)
	if err != nil {
		return err
	}
	defer journal.Close()

	trades, err := journal.List(ctx, limit)
	if err != nil {
		return err
	}
	totals, err := journal.Totals(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Closed trades (%s)\n", dsn)
	notify.RenderTrades(w, trades)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Totals by exit reason")
	notify.RenderTotals(w, totals)

	var (
		count, wins int
		net         decimal.Decimal
	)
	for _, t := range totals {
		count += t.Trades
		wins += t.Wins
		net = net.Add(t.PnLNet)
	}
	printSummary(w, count, wins, net)
	return nil
}

// reportFile prints the positions held in a position file.
func reportFile(w io.Writer, path string) error {
	state, err := paper.NewFileStore(path).Load()
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("no state in %s", path)
	}

	fmt.Fprintf(w, "Open positions (%s, saved %s)\n", path, state.SavedAt.Format(time.RFC3339))
	notify.RenderPositions(w, state.OpenPositions)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Closed positions")
	notify.RenderPositions(w, state.ClosedPositions)
	printSummary(w, state.Wins+state.Losses, state.Wins, state.SessionPnL)
	return nil
}

func printSummary(w io.Writer, closed, wins int, net decimal.Decimal) {
	rate := 0.0
	if closed > 0 {
		rate = float64(wins) / float64(closed) * 100
	}
	fmt.Fprintf(w, "\nTrades: %d  W/L: %d/%d (%.0f%% WR)  Net: %s SOL\n", closed, wins, closed-wins, rate, net.StringFixed(4))
}
