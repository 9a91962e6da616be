package paper

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus represents the state of a paper position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Phase distinguishes the two open states.
type Phase string

const (
	PhasePreTP1  Phase = "PRE_TP1"
	PhaseMoonbag Phase = "MOONBAG"
	PhaseClosed  Phase = "CLOSED"
)

// Exit reasons.
const (
	ReasonTP1             = "tp1"
	ReasonStopLoss        = "stop_loss"
	ReasonMoonbagTrailing = "moonbag_trailing"
	ReasonEmergency       = "emergency"
	ReasonKillSwitch      = "kill_switch"
)

// Position is a simulated trade. Notional amounts are in SOL.
type Position struct {
	ID                string          `json:"id"`
	Token             string          `json:"token"`
	Chain             string          `json:"chain"`
	Symbol            string          `json:"symbol,omitempty"`
	EntryPrice        decimal.Decimal `json:"entry_price"`  // after slippage
	SignalPrice       decimal.Decimal `json:"signal_price"` // quoted price at open
	Notional          decimal.Decimal `json:"notional"`
	RemainingNotional decimal.Decimal `json:"remaining_notional"`
	HighestPrice      decimal.Decimal `json:"highest_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	TP1Price          decimal.Decimal `json:"tp1_price"`
	TP1Hit            bool            `json:"tp1_hit"`
	TP1RealizedPnL    decimal.Decimal `json:"tp1_realized_pnl"`
	Status            PositionStatus  `json:"status"`
	SignalCount       int             `json:"signal_count"`
	OpenedAt          time.Time       `json:"opened_at"`

	ClosedAt   *time.Time      `json:"closed_at,omitempty"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitReason string          `json:"exit_reason,omitempty"`
	PnLGross   decimal.Decimal `json:"pnl_gross"`
	PnLNet     decimal.Decimal `json:"pnl_net"`
	Fee        decimal.Decimal `json:"fee"`
	PnLPct     float64         `json:"pnl_pct"`
}

// Phase reports where the position is in its lifecycle.
func (p *Position) Phase() Phase {
	switch {
	case p.Status == StatusClosed:
		return PhaseClosed
	case p.TP1Hit:
		return PhaseMoonbag
	default:
		return PhasePreTP1
	}
}

// IsWin classifies a closed position on net-of-fee PnL.
func (p *Position) IsWin() bool {
	return p.PnLNet.IsPositive()
}

// priceChange returns (price-entry)/entry.
func (p *Position) priceChange(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.EntryPrice).Div(p.EntryPrice)
}

// EventKind identifies what happened to a position.
type EventKind string

const (
	EventOpened       EventKind = "OPENED"
	EventPartialClose EventKind = "PARTIAL_CLOSE"
	EventClosed       EventKind = "CLOSED"
)

// Event is a state transition of consequence. Position is a copy taken
// right after the mutation.
type Event struct {
	Kind         EventKind       `json:"kind"`
	Position     Position        `json:"position"`
	Price        decimal.Decimal `json:"price"`
	SoldNotional decimal.Decimal `json:"sold_notional"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	Reason       string          `json:"reason"`
}
