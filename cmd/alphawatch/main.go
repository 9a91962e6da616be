package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/alphawatch/internal/adapters/dexscreener"
	"github.com/nexus-trading/alphawatch/internal/adapters/etherscan"
	"github.com/nexus-trading/alphawatch/internal/adapters/rugcheck"
	"github.com/nexus-trading/alphawatch/internal/alpha"
	"github.com/nexus-trading/alphawatch/internal/config"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/fetch"
	"github.com/nexus-trading/alphawatch/internal/monitor"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/observability"
	"github.com/nexus-trading/alphawatch/internal/paper"
	"github.com/nexus-trading/alphawatch/internal/scanner"
	"github.com/nexus-trading/alphawatch/internal/solana"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	dryNotify := flag.Bool("dry-notify", false, "Log notifications instead of sending them")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Configuration validation failed")
	}

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Str("environment", cfg.General.Environment).
		Int("watch_targets", len(cfg.Watch)).
		Bool("stream", cfg.Stream.Endpoint != "").
		Bool("dry_notify", *dryNotify).
		Int("max_open", cfg.Paper.MaxOpen).
		Float64("stop_loss_pct", cfg.Paper.StopLossPct).
		Float64("tp1_pct", cfg.Paper.TP1Pct).
		Float64("trailing_pct", cfg.Paper.TrailingPct).
		Msg("Configuration loaded")

	// 4. Shared outbound HTTP client. One throttle registry for the process.
	throttles := fetch.NewRegistry(cfg.Fetch.HostRates, cfg.Fetch.DefaultRate)
	client := fetch.New(cfg.Fetch, throttles)

	// 5. Watch targets and the signal accumulator.
	registry := copytrade.NewRegistry(0)
	for _, t := range cfg.Targets() {
		if !registry.Add(t) {
			log.Warn().Str("address", copytrade.ShortAddr(t.Address)).Msg("Duplicate or invalid watch target skipped")
		}
	}
	acc := copytrade.NewAccumulator(cfg.Accumulator.TTL)

	// 6. Paper engine, restored from the position file.
	engine, err := paper.NewEngine(cfg.Paper, paper.NewFileStore(cfg.Storage.PositionsFile))
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Storage.PositionsFile).Msg("Failed to restore paper positions")
	}
	if cfg.Storage.JournalDSN != "" {
		journal, err := paper.OpenJournal(cfg.Storage.JournalDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open trade journal")
		}
		defer journal.Close()
		engine.SetJournal(journal)
		log.Info().Str("dsn", cfg.Storage.JournalDSN).Msg("Trade journal enabled")
	}

	// 7. Oracles and notifications.
	dex := dexscreener.New(cfg.DexScreener, client)
	rug := rugcheck.New(cfg.Rugcheck, client)
	sink := notify.New(cfg.Notify, client, *dryNotify)

	// 8. Ingestion: push stream plus pull scanner.
	watcher := solana.NewWatcher(cfg.Stream, registry)
	helius := solana.NewHeliusSource(cfg.Helius, client, dex)
	sources := []scanner.Source{helius}
	chains := map[string]bool{helius.Chain(): true}
	evm := etherscan.Sources(cfg.Etherscan, client)
	for _, src := range evm {
		sources = append(sources, src)
		chains[src.Chain()] = true
	}
	switch {
	case cfg.Helius.APIKey == "" && cfg.Helius.FallbackRPCURL == "":
		log.Warn().Msg("No Helius API key and no fallback RPC, Solana targets are not polled")
	case cfg.Helius.APIKey == "":
		log.Warn().Str("rpc", cfg.Helius.FallbackRPCURL).Msg("No Helius API key, Solana targets polled through the public RPC fallback")
	}

	scan := scanner.New(cfg.Scanner, registry,
		func(events []copytrade.BuyEvent) {
			n := acc.Update(events)
			log.Debug().Int("events", len(events)).Int("new", n).Msg("Poll events accumulated")
		},
		func() bool { return watcher.State() == solana.StateSubscribed },
		sources...,
	)

	// 9. Exit monitor, candidate pipeline and orchestrator.
	exits := monitor.New(cfg.Exits, engine, dex, rug, sink)
	pipeline := alpha.NewSignalPipeline(acc, dex, rug, cfg.Exits.SecurityChains, cfg.Alpha.MinWallets)
	orch := alpha.New(cfg.Alpha, alpha.Deps{
		Registry:    registry,
		Accumulator: acc,
		Engine:      engine,
		Candidates:  pipeline,
		Watcher:     watcher,
		Scanner:     scan,
		Monitor:     exits,
		Prices:      dex,
		Sink:        sink,
	})

	// 10. Health checks.
	health := observability.NewHealthMonitor(30 * time.Second)
	health.Register("stream", observability.StreamCheck(watcher))
	health.Register("scanner", observability.FreshnessCheck(scan.LastPoll, 2*cfg.Scanner.SafetyInterval))
	health.Register("exit_monitor", observability.FreshnessCheck(exits.LastCycle, 3*cfg.Exits.Interval))
	health.Register("entry_cycle", observability.FreshnessCheck(orch.LastCycle, 3*cfg.Alpha.CycleInterval))
	health.Register("fetch", observability.FetchCheck(client))

	orch.AddWorker("health", health.Run)
	orch.AddWorker("health-alerts", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case a := <-health.Alerts():
				evt := log.Info()
				if a.Status != observability.StatusHealthy {
					evt = log.Warn()
				}
				evt.Str("component", a.Component).Str("level", a.Level).Str("status", string(a.Status)).
					Msg("[HEALTH] " + a.Message)
			}
		}
	})
	orch.AddWorker("cache-purge", func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := client.Purge(); n > 0 {
					log.Debug().Int("purged", n).Msg("Response cache purged")
				}
			}
		}
	})

	statsFn := func() map[string]any {
		combined := map[string]any{
			"orchestrator": orch.Stats(),
			"paper":        engine.Stats(),
			"scanner":      scan.Stats(),
			"stream":       watcher.Stats(),
			"helius":       helius.Stats(),
			"accumulator":  acc.Stats(),
			"pipeline":     pipeline.Stats(),
			"exit_monitor": exits.Stats(),
			"dexscreener":  dex.Stats(),
			"rugcheck":     rug.Stats(),
			"fetch":        client.Stats(),
		}
		evmStats := make(map[string]etherscan.Stats, len(evm))
		for _, src := range evm {
			evmStats[src.Chain()] = src.Stats()
		}
		combined["etherscan"] = evmStats
		if multi, ok := sink.(notify.Multi); ok {
			for _, s := range multi {
				if tg, ok := s.(*notify.Telegram); ok {
					combined["telegram"] = tg.Stats()
				}
			}
		}
		return combined
	}

	orch.AddWorker("stats-log", func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps := engine.Stats()
				oc := orch.Stats()
				ss := scan.Stats()
				log.Info().
					Int("targets", registry.Len()).
					Int("accumulated", acc.Len()).
					Str("stream", watcher.State().String()).
					Int64("polls", ss.Polls).
					Int64("cycles", oc.Cycles).
					Int64("opened", oc.Opened).
					Int("open_pos", ps.OpenPositions).
					Int("wins", ps.Wins).
					Int("losses", ps.Losses).
					Float64("win_rate", ps.WinRate).
					Str("session_pnl", ps.SessionPnL).
					Bool("paused", oc.Paused).
					Msg("[STATS]")
			}
		}
	})

	// 11. Signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("Shutdown signal received")
		cancel()
	}()

	// 12. HTTP health/stats/control endpoint.
	var wg sync.WaitGroup
	if !cfg.HTTP.Disabled {
		srv := &api{
			registry: registry,
			engine:   engine,
			orch:     orch,
			pipeline: pipeline,
			health:   health,
			chains:   chains,
			forget:   scan.Forget,
			stats:    statsFn,
		}
		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           srv.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server started (health + stats + control)")

			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				server.Shutdown(shutdownCtx)
			}()

			if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
				log.Error().Err(srvErr).Msg("HTTP server error")
			}
		}()
	}

	// 13. Run until shutdown.
	if err := orch.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Orchestrator stopped with error")
	}
	cancel()
	wg.Wait()

	final := engine.Stats()
	log.Info().
		Int("open", final.OpenPositions).
		Int("closed", final.ClosedPositions).
		Int("wins", final.Wins).
		Int("losses", final.Losses).
		Float64("win_rate", final.WinRate).
		Str("session_pnl", final.SessionPnL).
		Msg("alphawatch - Shutdown complete")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "alphawatch").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "alphawatch").
			Str("instance", general.InstanceID).Logger()
	}
}
