package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/adapters/rugcheck"
	"github.com/nexus-trading/alphawatch/internal/copytrade"
	"github.com/nexus-trading/alphawatch/internal/notify"
	"github.com/nexus-trading/alphawatch/internal/paper"
)

// ---------------------------------------------------------------------------
// Exit Monitor — drives price updates, exits and security exits
// ---------------------------------------------------------------------------

// PriceOracle returns current prices keyed by address, never older than one
// cycle. Tokens it cannot price are absent.
type PriceOracle interface {
	GetPrices(ctx context.Context, chain string, addrs []string) map[string]decimal.Decimal
}

// SecurityOracle returns an uncached risk report. ok is false when no
// verdict could be obtained.
type SecurityOracle interface {
	GetFreshRiskReport(ctx context.Context, mint string) (rugcheck.RiskReport, bool)
}

// Engine is the part of the position engine the monitor drives.
type Engine interface {
	OpenPositions() []paper.Position
	UpdatePrices(prices map[string]decimal.Decimal) int
	CheckExits(prices map[string]decimal.Decimal) []paper.Event
	EmergencyExit(token string, price decimal.Decimal) (paper.Event, error)
	Stats() paper.Stats
}

// Config configures the monitor.
type Config struct {
	Interval       time.Duration `yaml:"interval"`
	SecurityEvery  int           `yaml:"security_every"`  // cycles between security checks
	SecurityChains []string      `yaml:"security_chains"` // chains the security oracle covers
}

func DefaultConfig() Config {
	return Config{
		Interval:       45 * time.Second,
		SecurityEvery:  4,
		SecurityChains: []string{"solana"},
	}
}

// Monitor checks open positions on a fixed interval.
type Monitor struct {
	config   Config
	engine   Engine
	prices   PriceOracle
	security SecurityOracle
	sink     notify.Sink

	running   atomic.Bool
	cycle     atomic.Int64
	lastCycle atomic.Int64 // unix nano

	priced      atomic.Int64
	priceMisses atomic.Int64
	events      atomic.Int64
	checks      atomic.Int64
	unknown     atomic.Int64
	emergencies atomic.Int64
	panics      atomic.Int64
}

// New creates a monitor. security and sink may be nil.
func New(config Config, engine Engine, prices PriceOracle, security SecurityOracle, sink notify.Sink) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 45 * time.Second
	}
	if config.SecurityEvery <= 0 {
		config.SecurityEvery = 4
	}
	return &Monitor{
		config:   config,
		engine:   engine,
		prices:   prices,
		security: security,
		sink:     sink,
	}
}

// Run executes RunCycle every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor already running")
	}
	defer m.running.Store(false)

	log.Info().
		Dur("interval", m.config.Interval).
		Int("security_every", m.config.SecurityEvery).
		Msg("monitor: starting")

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("monitor: stopped")
			return nil
		case <-ticker.C:
			m.safeCycle(ctx)
		}
	}
}

func (m *Monitor) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.panics.Add(1)
			log.Error().Interface("panic", r).Msg("monitor: cycle panic recovered")
		}
	}()
	m.RunCycle(ctx)
}

// RunCycle runs one pass and returns the events it produced.
func (m *Monitor) RunCycle(ctx context.Context) []paper.Event {
	n := m.cycle.Add(1)
	defer m.lastCycle.Store(time.Now().UnixNano())

	open := m.engine.OpenPositions()
	if len(open) == 0 {
		return nil
	}

	prices := m.fetchPrices(ctx, open)
	m.engine.UpdatePrices(prices)

	// Critical tokens leave as emergency exits before price rules run.
	var events []paper.Event
	if m.security != nil && n%int64(m.config.SecurityEvery) == 0 {
		events = m.securityPass(ctx, prices)
	}

	exits := m.engine.CheckExits(prices)
	m.publish(ctx, exits)
	events = append(events, exits...)

	m.events.Add(int64(len(events)))
	log.Debug().
		Int64("cycle", n).
		Int("open", len(open)).
		Int("priced", len(prices)).
		Int("events", len(events)).
		Msg("monitor: cycle complete")
	return events
}

func (m *Monitor) fetchPrices(ctx context.Context, open []paper.Position) map[string]decimal.Decimal {
	byChain := make(map[string][]string)
	for _, p := range open {
		byChain[p.Chain] = append(byChain[p.Chain], p.Token)
	}
	chains := make([]string, 0, len(byChain))
	for c := range byChain {
		chains = append(chains, c)
	}
	sort.Strings(chains)

	prices := make(map[string]decimal.Decimal, len(open))
	for _, chain := range chains {
		if ctx.Err() != nil {
			break
		}
		got := m.prices.GetPrices(ctx, chain, byChain[chain])
		for addr, price := range got {
			if price.IsPositive() {
				prices[copytrade.NormalizeAddress(addr)] = price
			}
		}
	}

	for _, p := range open {
		if _, ok := prices[copytrade.NormalizeAddress(p.Token)]; !ok {
			m.priceMisses.Add(1)
			log.Debug().Str("token", copytrade.ShortAddr(p.Token)).Str("chain", p.Chain).Msg("monitor: no price, skipped")
		}
	}
	m.priced.Add(int64(len(prices)))
	return prices
}

func (m *Monitor) securityPass(ctx context.Context, prices map[string]decimal.Decimal) []paper.Event {
	var events []paper.Event
	for _, p := range m.engine.OpenPositions() {
		if !m.covered(p.Chain) || ctx.Err() != nil {
			continue
		}
		m.checks.Add(1)
		report, ok := m.security.GetFreshRiskReport(ctx, p.Token)
		if !ok {
			m.unknown.Add(1)
			continue
		}
		if !report.Critical() {
			continue
		}

		ev, err := m.engine.EmergencyExit(p.Token, prices[copytrade.NormalizeAddress(p.Token)])
		if err != nil {
			log.Warn().Err(err).Str("token", copytrade.ShortAddr(p.Token)).Msg("monitor: emergency exit failed")
			continue
		}
		m.emergencies.Add(1)
		log.Warn().
			Str("token", copytrade.ShortAddr(p.Token)).
			Strs("risks", report.CriticalRisks()).
			Bool("rugged", report.Rugged).
			Msg("monitor: critical risk, emergency exit")
		m.publish(ctx, []paper.Event{ev})
		events = append(events, ev)
	}
	return events
}

func (m *Monitor) covered(chain string) bool {
	for _, c := range m.config.SecurityChains {
		if c == chain {
			return true
		}
	}
	return false
}

func (m *Monitor) publish(ctx context.Context, events []paper.Event) {
	if m.sink == nil || len(events) == 0 {
		return
	}
	stats := m.engine.Stats()
	for _, ev := range events {
		m.sink.Send(ctx, notify.FormatEvent(ev, stats))
	}
}

// LastCycle is the completion time of the latest cycle.
func (m *Monitor) LastCycle() time.Time {
	ns := m.lastCycle.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stats are cumulative monitor counters.
type Stats struct {
	Running        bool      `json:"running"`
	Cycles         int64     `json:"cycles"`
	Priced         int64     `json:"priced"`
	PriceMisses    int64     `json:"price_misses"`
	Events         int64     `json:"events"`
	SecurityChecks int64     `json:"security_checks"`
	SecurityNoData int64     `json:"security_no_data"`
	Emergencies    int64     `json:"emergencies"`
	Panics         int64     `json:"panics"`
	LastCycle      time.Time `json:"last_cycle"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Running:        m.running.Load(),
		Cycles:         m.cycle.Load(),
		Priced:         m.priced.Load(),
		PriceMisses:    m.priceMisses.Load(),
		Events:         m.events.Load(),
		SecurityChecks: m.checks.Load(),
		SecurityNoData: m.unknown.Load(),
		Emergencies:    m.emergencies.Load(),
		Panics:         m.panics.Load(),
		LastCycle:      m.LastCycle(),
	}
}
