package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// ---------------------------------------------------------------------------
// Paper Position Engine — TP1 partial, moonbag trailing stop, stop loss
// ---------------------------------------------------------------------------

// Config configures the position engine.
type Config struct {
	// Maximum concurrently open positions.
	MaxOpen int `yaml:"max_open"`

	// Notional per position in SOL.
	NotionalSOL float64 `yaml:"notional_sol"`

	// Simulated entry slippage in percent, added to the quoted price.
	SlippagePct float64 `yaml:"slippage_pct"`

	// Stop loss relative to entry, negative. -12 = stop 12% under entry.
	StopLossPct float64 `yaml:"stop_loss_pct"`

	// First take-profit threshold relative to entry.
	TP1Pct float64 `yaml:"tp1_pct"`

	// Fraction of the remaining notional sold at TP1 (0-1].
	TP1SellFraction float64 `yaml:"tp1_sell_fraction"`

	// Trailing distance for the moonbag, percent below the highest price.
	TrailingPct float64 `yaml:"trailing_pct"`

	// Flat simulated fee in SOL charged once per closed position.
	FeeSOL float64 `yaml:"fee_sol"`
}

// DefaultConfig returns the default exit plan.
func DefaultConfig() Config {
	return Config{
		MaxOpen:         20,
		NotionalSOL:     1.0,
		SlippagePct:     1.0,
		StopLossPct:     -12,
		TP1Pct:          40,
		TP1SellFraction: 0.6,
		TrailingPct:     15,
		FeeSOL:          0.006,
	}
}

var (
	ErrDuplicate    = errors.New("paper: position already open for token")
	ErrCapacity     = errors.New("paper: open position limit reached")
	ErrInvalidPrice = errors.New("paper: entry price must be positive")
	ErrNotFound     = errors.New("paper: no open position for token")
)

// Journal receives every fully closed position.
type Journal interface {
	Record(ctx context.Context, pos Position) error
}

// OpenRequest describes a position to open.
type OpenRequest struct {
	Token       string
	Chain       string
	Symbol      string
	Price       decimal.Decimal
	Notional    decimal.Decimal // zero = configured default
	SignalCount int
}

// Engine owns the lifecycle of paper positions. Every public method is a
// single critical section under mu; state is persisted inside the same
// section right after each mutation.
type Engine struct {
	config Config

	hundred      decimal.Decimal
	notional     decimal.Decimal
	slippage     decimal.Decimal
	stopFactor   decimal.Decimal
	tp1Factor    decimal.Decimal
	sellFraction decimal.Decimal
	trailKeep    decimal.Decimal
	fee          decimal.Decimal

	mu           sync.Mutex
	open         map[string]*Position // normalized token -> position
	closed       []Position
	sessionPnL   decimal.Decimal
	totalTrades  int
	wins         int
	losses       int
	sessionStart time.Time

	store   Store
	journal Journal
	now     func() time.Time

	saveFailures atomic.Int64
	partials     atomic.Int64
	emergencies  atomic.Int64
}

// NewEngine creates an engine and restores any state found in store.
func NewEngine(config Config, store Store) (*Engine, error) {
	hundred := decimal.NewFromInt(100)
	one := decimal.NewFromInt(1)

	e := &Engine{
		config:       config,
		hundred:      hundred,
		notional:     decimal.NewFromFloat(config.NotionalSOL),
		slippage:     one.Add(decimal.NewFromFloat(config.SlippagePct).Div(hundred)),
		stopFactor:   one.Add(decimal.NewFromFloat(config.StopLossPct).Div(hundred)),
		tp1Factor:    one.Add(decimal.NewFromFloat(config.TP1Pct).Div(hundred)),
		sellFraction: decimal.NewFromFloat(config.TP1SellFraction),
		trailKeep:    one.Sub(decimal.NewFromFloat(config.TrailingPct).Div(hundred)),
		fee:          decimal.NewFromFloat(config.FeeSOL),
		open:         make(map[string]*Position),
		store:        store,
		now:          time.Now,
	}
	e.sessionStart = e.now()

	if store == nil {
		e.store = &MemoryStore{}
		return e, nil
	}

	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("paper: load state: %w", err)
	}
	if state != nil {
		e.restore(state)
	}
	return e, nil
}

// SetJournal attaches the closed-trade journal.
func (e *Engine) SetJournal(j Journal) {
	e.mu.Lock()
	e.journal = j
	e.mu.Unlock()
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

func (e *Engine) restore(state *State) {
	for i := range state.OpenPositions {
		pos := state.OpenPositions[i]
		if pos.Status != StatusOpen {
			continue
		}
		e.open[copytrade.NormalizeAddress(pos.Token)] = &pos
	}
	e.closed = append(e.closed, state.ClosedPositions...)
	e.sessionPnL = state.SessionPnL
	e.totalTrades = state.TotalTrades
	e.wins = state.Wins
	e.losses = state.Losses
	if !state.SessionStart.IsZero() {
		e.sessionStart = state.SessionStart
	}

	log.Info().
		Int("open", len(e.open)).
		Int("closed", len(e.closed)).
		Str("session_pnl", e.sessionPnL.StringFixed(4)).
		Msg("paper: state restored, resuming open positions")
}

// OpenPosition opens a position for req.Token. It is rejected, leaving the
// table unchanged, when the token already has an open position, the open
// count is at the ceiling, or the price is not positive.
func (e *Engine) OpenPosition(req OpenRequest) (Position, error) {
	if !req.Price.IsPositive() {
		return Position{}, ErrInvalidPrice
	}
	key := copytrade.NormalizeAddress(req.Token)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.open[key]; exists {
		return Position{}, ErrDuplicate
	}
	if len(e.open) >= e.config.MaxOpen {
		log.Warn().Int("max_open", e.config.MaxOpen).Str("token", copytrade.ShortAddr(req.Token)).Msg("paper: max open positions reached")
		return Position{}, ErrCapacity
	}

	notional := req.Notional
	if !notional.IsPositive() {
		notional = e.notional
	}
	entry := req.Price.Mul(e.slippage)

	pos := &Position{
		ID:                uuid.New().String()[:12],
		Token:             req.Token,
		Chain:             req.Chain,
		Symbol:            req.Symbol,
		EntryPrice:        entry,
		SignalPrice:       req.Price,
		Notional:          notional,
		RemainingNotional: notional,
		HighestPrice:      entry,
		CurrentPrice:      entry,
		StopPrice:         entry.Mul(e.stopFactor),
		TP1Price:          entry.Mul(e.tp1Factor),
		Status:            StatusOpen,
		SignalCount:       req.SignalCount,
		OpenedAt:          e.now(),
	}
	e.open[key] = pos
	e.totalTrades++
	e.persistLocked()

	log.Info().
		Str("id", pos.ID).
		Str("token", copytrade.ShortAddr(pos.Token)).
		Str("chain", pos.Chain).
		Str("entry", pos.EntryPrice.String()).
		Str("tp1", pos.TP1Price.String()).
		Str("stop", pos.StopPrice.String()).
		Str("notional", pos.Notional.String()).
		Msg("paper: position opened")

	return *pos, nil
}

// UpdatePrices records the latest prices for open positions. Highest price
// only rises; for moonbag positions the stop ratchets up to
// highest*(1-trailing) and never moves down. Returns the number of positions
// that received a price.
func (e *Engine) UpdatePrices(prices map[string]decimal.Decimal) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	updated := 0
	for key, pos := range e.open {
		price, ok := lookupPrice(prices, key)
		if !ok {
			continue
		}
		pos.CurrentPrice = price
		if price.GreaterThan(pos.HighestPrice) {
			pos.HighestPrice = price
		}
		if pos.TP1Hit {
			trail := pos.HighestPrice.Mul(e.trailKeep)
			if trail.GreaterThan(pos.StopPrice) {
				pos.StopPrice = trail
			}
		}
		updated++
	}
	if updated > 0 {
		e.persistLocked()
	}
	return updated
}

// CheckExits evaluates exit conditions for every open position that has a
// price: TP1 partial close first, otherwise the stop.
func (e *Engine) CheckExits(prices map[string]decimal.Decimal) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, key := range e.sortedKeysLocked() {
		pos := e.open[key]
		price, ok := lookupPrice(prices, key)
		if !ok {
			continue
		}

		switch {
		case !pos.TP1Hit && price.GreaterThanOrEqual(pos.TP1Price):
			events = append(events, e.partialCloseLocked(pos, price))
		case price.LessThanOrEqual(pos.StopPrice):
			reason := ReasonStopLoss
			if pos.TP1Hit {
				reason = ReasonMoonbagTrailing
			}
			events = append(events, e.closeLocked(key, price, reason))
		}
	}
	if len(events) > 0 {
		e.persistLocked()
	}
	return events
}

// EmergencyExit closes the position for token immediately regardless of
// price. A non-positive price falls back to the last known price.
func (e *Engine) EmergencyExit(token string, price decimal.Decimal) (Event, error) {
	key := copytrade.NormalizeAddress(token)

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.open[key]
	if !ok {
		return Event{}, ErrNotFound
	}
	if !price.IsPositive() {
		price = pos.CurrentPrice
	}
	ev := e.closeLocked(key, price, ReasonEmergency)
	e.emergencies.Add(1)
	e.persistLocked()
	return ev, nil
}

// CloseAll closes every open position at its price in prices, or at its last
// known price when missing.
func (e *Engine) CloseAll(prices map[string]decimal.Decimal, reason string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []Event
	for _, key := range e.sortedKeysLocked() {
		price, ok := lookupPrice(prices, key)
		if !ok {
			price = e.open[key].CurrentPrice
		}
		events = append(events, e.closeLocked(key, price, reason))
	}
	if len(events) > 0 {
		e.persistLocked()
	}
	return events
}

// Flush persists the current state.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Save(e.stateLocked())
}

// partialCloseLocked sells TP1SellFraction of the remaining notional and
// moves the position into the moonbag phase.
func (e *Engine) partialCloseLocked(pos *Position, price decimal.Decimal) Event {
	sold := pos.RemainingNotional.Mul(e.sellFraction)
	pnl := sold.Mul(pos.priceChange(price))

	pos.RemainingNotional = pos.RemainingNotional.Sub(sold)
	pos.TP1RealizedPnL = pos.TP1RealizedPnL.Add(pnl)
	pos.TP1Hit = true
	pos.CurrentPrice = price
	if price.GreaterThan(pos.HighestPrice) {
		pos.HighestPrice = price
	}
	if stop := price.Mul(e.trailKeep); stop.GreaterThan(pos.StopPrice) {
		pos.StopPrice = stop
	}
	e.partials.Add(1)

	log.Info().
		Str("id", pos.ID).
		Str("token", copytrade.ShortAddr(pos.Token)).
		Str("price", price.String()).
		Str("sold", sold.String()).
		Str("pnl", pnl.StringFixed(6)).
		Str("stop", pos.StopPrice.String()).
		Msg("paper: TP1 partial close, moonbag trailing")

	return Event{
		Kind:         EventPartialClose,
		Position:     *pos,
		Price:        price,
		SoldNotional: sold,
		RealizedPnL:  pnl,
		Reason:       ReasonTP1,
	}
}

// closeLocked fully closes the position stored under key.
func (e *Engine) closeLocked(key string, price decimal.Decimal, reason string) Event {
	pos := e.open[key]
	delete(e.open, key)

	sold := pos.RemainingNotional
	remainingPnL := sold.Mul(pos.priceChange(price))
	gross := pos.TP1RealizedPnL.Add(remainingPnL)
	net := gross.Sub(e.fee)
	now := e.now()

	pos.RemainingNotional = decimal.Zero
	pos.CurrentPrice = price
	pos.Status = StatusClosed
	pos.ClosedAt = &now
	pos.ExitPrice = price
	pos.ExitReason = reason
	pos.PnLGross = gross
	pos.PnLNet = net
	pos.Fee = e.fee
	if pos.Notional.IsPositive() {
		pos.PnLPct = gross.Div(pos.Notional).Mul(e.hundred).InexactFloat64()
	}

	e.sessionPnL = e.sessionPnL.Add(net)
	if pos.IsWin() {
		e.wins++
	} else {
		e.losses++
	}
	e.closed = append(e.closed, *pos)

	if e.journal != nil {
		if err := e.journal.Record(context.Background(), *pos); err != nil {
			log.Error().Err(err).Str("id", pos.ID).Msg("paper: journal record failed")
		}
	}

	log.Info().
		Str("id", pos.ID).
		Str("token", copytrade.ShortAddr(pos.Token)).
		Str("reason", reason).
		Str("exit", price.String()).
		Str("pnl_gross", gross.StringFixed(6)).
		Str("pnl_net", net.StringFixed(6)).
		Bool("win", pos.IsWin()).
		Msg("paper: position closed")

	return Event{
		Kind:         EventClosed,
		Position:     *pos,
		Price:        price,
		SoldNotional: sold,
		RealizedPnL:  remainingPnL,
		Reason:       reason,
	}
}

// persistLocked saves state. A failed write is logged and the in-memory
// table stays authoritative until the next successful save.
func (e *Engine) persistLocked() {
	if err := e.store.Save(e.stateLocked()); err != nil {
		e.saveFailures.Add(1)
		log.Error().Err(err).Msg("paper: persist state failed")
	}
}

func (e *Engine) stateLocked() *State {
	open := make([]Position, 0, len(e.open))
	for _, key := range e.sortedKeysLocked() {
		open = append(open, *e.open[key])
	}
	closed := make([]Position, len(e.closed))
	copy(closed, e.closed)

	return &State{
		OpenPositions:   open,
		ClosedPositions: closed,
		SessionPnL:      e.sessionPnL,
		TotalTrades:     e.totalTrades,
		Wins:            e.wins,
		Losses:          e.losses,
		SessionStart:    e.sessionStart,
		SavedAt:         e.now(),
	}
}

// sortedKeysLocked returns open keys ordered by open time.
func (e *Engine) sortedKeysLocked() []string {
	keys := make([]string, 0, len(e.open))
	for k := range e.open {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := e.open[keys[i]], e.open[keys[j]]
		if !a.OpenedAt.Equal(b.OpenedAt) {
			return a.OpenedAt.Before(b.OpenedAt)
		}
		return keys[i] < keys[j]
	})
	return keys
}

// lookupPrice finds a usable price for a normalized token key.
func lookupPrice(prices map[string]decimal.Decimal, key string) (decimal.Decimal, bool) {
	price, ok := prices[key]
	if !ok {
		for k, v := range prices {
			if copytrade.NormalizeAddress(k) == key {
				price, ok = v, true
				break
			}
		}
	}
	if !ok || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// OpenPositions returns copies of the open positions ordered by open time.
func (e *Engine) OpenPositions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Position, 0, len(e.open))
	for _, key := range e.sortedKeysLocked() {
		out = append(out, *e.open[key])
	}
	return out
}

// ClosedPositions returns copies of the closed positions in close order.
func (e *Engine) ClosedPositions() []Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Position, len(e.closed))
	copy(out, e.closed)
	return out
}

// Position returns the open position for token.
func (e *Engine) Position(token string) (Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.open[copytrade.NormalizeAddress(token)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Stats summarizes the session.
type Stats struct {
	OpenPositions   int     `json:"open_positions"`
	ClosedPositions int     `json:"closed_positions"`
	TotalTrades     int     `json:"total_trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	SessionPnL      string  `json:"session_pnl_sol"`
	Partials        int64   `json:"tp1_partials"`
	Emergencies     int64   `json:"emergency_exits"`
	SaveFailures    int64   `json:"save_failures"`
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	winRate := 0.0
	if total := e.wins + e.losses; total > 0 {
		winRate = float64(e.wins) / float64(total) * 100
	}
	return Stats{
		OpenPositions:   len(e.open),
		ClosedPositions: len(e.closed),
		TotalTrades:     e.totalTrades,
		Wins:            e.wins,
		Losses:          e.losses,
		WinRate:         winRate,
		SessionPnL:      e.sessionPnL.StringFixed(4),
		Partials:        e.partials.Load(),
		Emergencies:     e.emergencies.Load(),
		SaveFailures:    e.saveFailures.Load(),
	}
}
