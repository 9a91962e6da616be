package alpha

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/monitor"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/paper"
	"github.com/nexus-trading/alphawatch/internal/scanner"
	"github.com/nexus-trading/alphawatch/internal/solana"
)

// ---------------------------------------------------------------------------
// Orchestrator — owns process lifetime and the entry cycle
// ---------------------------------------------------------------------------

// Config configures the orchestrator.
type Config struct {
	CycleInterval   time.Duration `yaml:"cycle_interval"`
	MinWallets      int           `yaml:"min_wallets"`
	MinLiquidityUSD float64       `yaml:"min_liquidity_usd"`
	MaxPoolAgeHours float64       `yaml:"max_pool_age_hours"` // negative disables the check
	ReentryCooldown time.Duration `yaml:"reentry_cooldown"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"` // per worker
	StartPaused     bool          `yaml:"start_paused"`
}

func DefaultConfig() Config {
	return Config{
		CycleInterval:   120 * time.Second,
		MinWallets:      2,
		MinLiquidityUSD: 5000,
		MaxPoolAgeHours: 24,
		ReentryCooldown: 24 * time.Hour,
		ShutdownGrace:   5 * time.Second,
	}
}

// Skip reasons reported in Stats.
const (
	SkipPaused    = "paused"
	SkipWallets   = "wallets"
	SkipPrice     = "price"
	SkipLiquidity = "liquidity"
	SkipPoolAge   = "pool_age"
	SkipCritical  = "critical"
	SkipCooldown  = "cooldown"
	SkipOpen      = "already_open"
	SkipCapacity  = "capacity"
)

// Deps are the components the orchestrator drives. Watcher, Scanner,
// Monitor, Prices and Sink may be nil.
type Deps struct {
	Registry    *copytrade.Registry
	Accumulator *copytrade.Accumulator
	Engine      *paper.Engine
	Candidates  CandidateSource
	Watcher     *solana.Watcher
	Scanner     *scanner.Scanner
	Monitor     *monitor.Monitor
	Prices      monitor.PriceOracle
	Sink        notify.Sink
}

type worker struct {
	name string
	run  func(ctx context.Context)
}

// Orchestrator starts the ingestion workers and the exit monitor, then opens
// positions for qualifying candidates every cycle.
type Orchestrator struct {
	config Config
	deps   Deps
	now    func() time.Time

	extra []worker

	mu        sync.Mutex
	lastEntry map[string]time.Time // normalized token -> last open
	skips     map[string]int64

	running   atomic.Bool
	paused    atomic.Bool
	cycles    atomic.Int64
	seen      atomic.Int64
	opened    atomic.Int64
	lastCycle atomic.Int64
	pumped    atomic.Int64
}

// New wires the orchestrator. Cooldowns are seeded from the positions the
// engine restored.
func New(config Config, deps Deps) *Orchestrator {
	if config.CycleInterval <= 0 {
		config.CycleInterval = DefaultConfig().CycleInterval
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	if deps.Sink == nil {
		deps.Sink = notify.LogSink{}
	}

	o := &Orchestrator{
		config:    config,
		deps:      deps,
		now:       time.Now,
		lastEntry: make(map[string]time.Time),
		skips:     make(map[string]int64),
	}
	o.paused.Store(config.StartPaused)

	for _, p := range append(deps.Engine.OpenPositions(), deps.Engine.ClosedPositions()...) {
		key := copytrade.NormalizeAddress(p.Token)
		if p.OpenedAt.After(o.lastEntry[key]) {
			o.lastEntry[key] = p.OpenedAt
		}
	}

	if deps.Watcher != nil {
		deps.Watcher.SetOnStateChange(func(_, to solana.State) {
			if to != solana.StatePermanentlyFailed {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownGrace*2)
			defer cancel()
			deps.Sink.Send(ctx, notify.FormatStreamFailed("The provider rejected the subscription for this API plan."))
		})
	}
	return o
}

// SetClock replaces the time source used for cooldowns.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	o.now = now
	o.mu.Unlock()
}

// AddWorker registers an extra background worker started and awaited by Run.
// It must be called before Run.
func (o *Orchestrator) AddWorker(name string, run func(ctx context.Context)) {
	o.extra = append(o.extra, worker{name: name, run: run})
}

func (o *Orchestrator) workers() []worker {
	var ws []worker
	if w := o.deps.Watcher; w != nil {
		ws = append(ws,
			worker{name: "stream", run: w.Run},
			worker{name: "stream-pump", run: o.pump},
		)
	}
	if s := o.deps.Scanner; s != nil {
		ws = append(ws, worker{name: "scanner", run: func(ctx context.Context) {
			if err := s.Run(ctx); err != nil {
				log.Error().Err(err).Msg("alpha: scanner exited")
			}
		}})
	}
	if m := o.deps.Monitor; m != nil {
		ws = append(ws, worker{name: "exit-monitor", run: func(ctx context.Context) {
			if err := m.Run(ctx); err != nil {
				log.Error().Err(err).Msg("alpha: exit monitor exited")
			}
		}})
	}
	return append(ws, o.extra...)
}

// pump moves stream events into the accumulator until the stream closes
// its channel.
func (o *Orchestrator) pump(ctx context.Context) {
	events := o.deps.Watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			batch := []copytrade.BuyEvent{ev}
		drain:
			for len(batch) < 64 {
				select {
				case more, ok := <-events:
					if !ok {
						break drain
					}
					batch = append(batch, more)
				default:
					break drain
				}
			}
			o.pumped.Add(int64(len(batch)))
			o.deps.Accumulator.Update(batch)
		}
	}
}

// Run starts every worker, runs the entry cycle until ctx is cancelled and
// then shuts down: each worker gets ShutdownGrace to return, state is
// flushed and a summary is sent. Open positions are left open.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already running")
	}
	defer o.running.Store(false)

	o.deps.Sink.Send(ctx, notify.FormatStartup(o.startupInfo()))

	ws := o.workers()
	done := make([]chan struct{}, len(ws))
	for i, w := range ws {
		done[i] = make(chan struct{})
		go func(w worker, ch chan struct{}) {
			defer close(ch)
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("worker", w.name).Msg("alpha: worker panic recovered")
				}
			}()
			w.run(ctx)
		}(w, done[i])
	}

	log.Info().
		Int("workers", len(ws)).
		Dur("cycle_interval", o.config.CycleInterval).
		Int("targets", o.deps.Registry.Len()).
		Bool("paused", o.paused.Load()).
		Msg("alpha: running")

	ticker := time.NewTicker(o.config.CycleInterval)
	defer ticker.Stop()

	o.safeCycle(ctx)
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			o.safeCycle(ctx)
		}
	}

	log.Info().Msg("alpha: shutting down")
	for i, w := range ws {
		timer := time.NewTimer(o.config.ShutdownGrace)
		select {
		case <-done[i]:
			timer.Stop()
		case <-timer.C:
			log.Warn().Str("worker", w.name).Dur("grace", o.config.ShutdownGrace).Msg("alpha: worker did not stop in time")
		}
	}

	var err error
	if ferr := o.deps.Engine.Flush(); ferr != nil {
		err = fmt.Errorf("flush positions: %w", ferr)
		log.Error().Err(ferr).Msg("alpha: final save failed")
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), o.config.ShutdownGrace*2)
	defer cancel()
	stats := o.deps.Engine.Stats()
	o.deps.Sink.Send(sendCtx, notify.FormatShutdown(stats))

	log.Info().
		Int("open", stats.OpenPositions).
		Int("wins", stats.Wins).
		Int("losses", stats.Losses).
		Str("session_pnl", stats.SessionPnL).
		Int64("cycles", o.cycles.Load()).
		Msg("alpha: shutdown complete")
	return err
}

func (o *Orchestrator) startupInfo() notify.StartupInfo {
	chains := make(map[string]bool)
	for _, t := range o.deps.Registry.All() {
		chains[t.Chain] = true
	}
	names := make([]string, 0, len(chains))
	for c := range chains {
		names = append(names, c)
	}
	sort.Strings(names)
	return notify.StartupInfo{
		Targets:       o.deps.Registry.Len(),
		Chains:        names,
		StreamEnabled: o.deps.Watcher != nil && o.deps.Watcher.Enabled(),
		OpenPositions: len(o.deps.Engine.OpenPositions()),
		Paused:        o.paused.Load(),
	}
}

func (o *Orchestrator) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("alpha: cycle panic recovered")
		}
	}()
	o.RunCycle(ctx)
}

// RunCycle reads candidates and opens positions for those that qualify. It
// returns the positions opened.
func (o *Orchestrator) RunCycle(ctx context.Context) []paper.Position {
	o.cycles.Add(1)
	defer o.lastCycle.Store(time.Now().UnixNano())

	if o.paused.Load() {
		o.skip(SkipPaused)
		return nil
	}
	if o.deps.Candidates == nil {
		return nil
	}

	candidates := o.deps.Candidates.Candidates(ctx)
	o.seen.Add(int64(len(candidates)))

	var opened []paper.Position
	for _, c := range candidates {
		if ctx.Err() != nil || o.paused.Load() {
			break
		}
		if reason := o.qualify(c); reason != "" {
			o.skip(reason)
			log.Debug().Str("token", copytrade.ShortAddr(c.Token)).Str("reason", reason).Msg("alpha: candidate skipped")
			continue
		}

		pos, err := o.deps.Engine.OpenPosition(paper.OpenRequest{
			Token:       c.Token,
			Chain:       c.Chain,
			Symbol:      c.Symbol,
			Price:       c.Price,
			SignalCount: len(c.Wallets),
		})
		switch {
		case errors.Is(err, paper.ErrDuplicate):
			o.skip(SkipOpen)
			continue
		case errors.Is(err, paper.ErrCapacity):
			o.skip(SkipCapacity)
			return opened
		case err != nil:
			log.Warn().Err(err).Str("token", copytrade.ShortAddr(c.Token)).Msg("alpha: open failed")
			continue
		}

		o.mu.Lock()
		o.lastEntry[copytrade.NormalizeAddress(c.Token)] = o.now()
		o.mu.Unlock()
		o.opened.Add(1)
		opened = append(opened, pos)

		log.Info().
			Str("token", copytrade.ShortAddr(c.Token)).
			Str("chain", c.Chain).
			Int("wallets", len(c.Wallets)).
			Str("liquidity_usd", c.LiquidityUSD.StringFixed(0)).
			Bool("safety_known", c.SafetyKnown).
			Msg("alpha: entry")
		o.deps.Sink.Send(ctx, notify.FormatOpened(pos, o.deps.Engine.Stats()))
	}
	return opened
}

// qualify returns the skip reason, or "" when the candidate qualifies.
// An unknown security verdict does not block entry.
func (o *Orchestrator) qualify(c Candidate) string {
	switch {
	case len(c.Wallets) < o.config.MinWallets:
		return SkipWallets
	case !c.Price.IsPositive():
		return SkipPrice
	case c.LiquidityUSD.LessThan(decimal.NewFromFloat(o.config.MinLiquidityUSD)):
		return SkipLiquidity
	case o.config.MaxPoolAgeHours > 0 && c.PoolAgeHours > o.config.MaxPoolAgeHours:
		return SkipPoolAge
	case c.SafetyKnown && c.Critical:
		return SkipCritical
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.lastEntry[copytrade.NormalizeAddress(c.Token)]; ok && o.now().Sub(last) < o.config.ReentryCooldown {
		return SkipCooldown
	}
	return ""
}

func (o *Orchestrator) skip(reason string) {
	o.mu.Lock()
	o.skips[reason]++
	o.mu.Unlock()
}

// Pause stops new entries. Open positions keep being managed.
func (o *Orchestrator) Pause() {
	if !o.paused.Swap(true) {
		log.Warn().Msg("alpha: entries paused")
	}
}

// Resume re-enables entries.
func (o *Orchestrator) Resume() {
	if o.paused.Swap(false) {
		log.Info().Msg("alpha: entries resumed")
	}
}

func (o *Orchestrator) Paused() bool { return o.paused.Load() }

// Kill pauses entries and closes every open position at its current price,
// or its last known price when none can be fetched.
func (o *Orchestrator) Kill(ctx context.Context) []paper.Event {
	o.Pause()
	log.Error().Msg("alpha: kill switch, closing all positions")

	open := o.deps.Engine.OpenPositions()
	prices := make(map[string]decimal.Decimal, len(open))
	if o.deps.Prices != nil {
		byChain := make(map[string][]string)
		for _, p := range open {
			byChain[p.Chain] = append(byChain[p.Chain], p.Token)
		}
		for chain, addrs := range byChain {
			for addr, price := range o.deps.Prices.GetPrices(ctx, chain, addrs) {
				prices[addr] = price
			}
		}
	}

	events := o.deps.Engine.CloseAll(prices, paper.ReasonKillSwitch)
	stats := o.deps.Engine.Stats()
	for _, ev := range events {
		o.deps.Sink.Send(ctx, notify.FormatEvent(ev, stats))
	}
	return events
}

// LastCycle is the completion time of the latest cycle.
func (o *Orchestrator) LastCycle() time.Time {
	ns := o.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats are cumulative orchestrator counters.
type Stats struct {
	Running    bool             `json:"running"`
	Paused     bool             `json:"paused"`
	Cycles     int64            `json:"cycles"`
	Candidates int64            `json:"candidates"`
	Opened     int64            `json:"opened"`
	Pumped     int64            `json:"stream_events"`
	Skipped    map[string]int64 `json:"skipped"`
	Cooldowns  int              `json:"cooldowns"`
	LastCycle  time.Time        `json:"last_cycle"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	skips := make(map[string]int64, len(o.skips))
	for k, v := range o.skips {
		skips[k] = v
	}
	now := o.now()
	cooling := 0
	for _, t := range o.lastEntry {
		if now.Sub(t) < o.config.ReentryCooldown {
			cooling++
		}
	}
	o.mu.Unlock()

	return Stats{
		Running:    o.running.Load(),
		Paused:     o.paused.Load(),
		Cycles:     o.cycles.Load(),
		Candidates: o.seen.Load(),
		Opened:     o.opened.Load(),
		Pumped:     o.pumped.Load(),
		Skipped:    skips,
		Cooldowns:  cooling,
		LastCycle:  o.LastCycle(),
	}
}
