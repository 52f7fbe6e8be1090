// Package positions tracks authoritative per-symbol position state. The
// tracker is the single source of truth; rules and the fill manager read it
// and never mutate records directly.
package positions

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Role classifies how an order relates to its position.
type Role int

const (
	RoleMain Role = iota
	RoleStop
	RoleTarget
	RoleDoubleDown
	RoleScale
	RoleClose // manual/reversal close order
)

func (r Role) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleStop:
		return "stop"
	case RoleTarget:
		return "target"
	case RoleDoubleDown:
		return "doubledown"
	case RoleScale:
		return "scale"
	case RoleClose:
		return "close"
	default:
		return "unknown"
	}
}

// Protective reports whether orders in this role guard an open position.
func (r Role) Protective() bool {
	return r == RoleStop || r == RoleTarget
}

// Status is the position lifecycle state.
type Status int

const (
	StatusPlanned Status = iota
	StatusOpening
	StatusOpen
	StatusAdjusting
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusPlanned:
		return "PLANNED"
	case StatusOpening:
		return "OPENING"
	case StatusOpen:
		return "OPEN"
	case StatusAdjusting:
		return "ADJUSTING"
	case StatusClosing:
		return "CLOSING"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Active reports whether the position still occupies its symbol slot.
func (s Status) Active() bool {
	return s != StatusClosed
}

// Position is one per-symbol position record. Orders are referenced by ID
// only; resolve them through the order manager.
type Position struct {
	ID     string
	Symbol string
	Side   types.Side
	Status Status

	EntryPrice decimal.Decimal
	TargetQty  int
	NetQty     int // signed: positive long, negative short

	Orders map[Role][]int64

	ATRStopMult   decimal.Decimal
	ATRTargetMult decimal.Decimal

	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal

	OpenedAt time.Time
	ClosedAt time.Time
	Reason   string
}

// RoleOf returns the role under which orderID is attached.
func (p *Position) RoleOf(orderID int64) (Role, bool) {
	for role, ids := range p.Orders {
		for _, id := range ids {
			if id == orderID {
				return role, true
			}
		}
	}
	return 0, false
}

// OrderIDs returns the IDs attached under role.
func (p *Position) OrderIDs(role Role) []int64 {
	ids := p.Orders[role]
	out := make([]int64, len(ids))
	copy(out, ids)
	return out
}

// AllOrderIDs returns every attached order ID.
func (p *Position) AllOrderIDs() []int64 {
	var out []int64
	for _, ids := range p.Orders {
		out = append(out, ids...)
	}
	return out
}

// AbsQty returns the unsigned net quantity.
func (p *Position) AbsQty() int {
	if p.NetQty < 0 {
		return -p.NetQty
	}
	return p.NetQty
}

// UnrealizedPct returns the unrealized PnL as a fraction of entry price,
// signed by position direction. Zero when the position has no entry price.
func (p *Position) UnrealizedPct(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := price.Sub(p.EntryPrice).Div(p.EntryPrice)
	if p.Side == types.SideSell {
		move = move.Neg()
	}
	return move
}

// clone deep-copies the record so readers cannot alias tracker state.
func (p *Position) clone() Position {
	cp := *p
	cp.Orders = make(map[Role][]int64, len(p.Orders))
	for role, ids := range p.Orders {
		dup := make([]int64, len(ids))
		copy(dup, ids)
		cp.Orders[role] = dup
	}
	return cp
}
