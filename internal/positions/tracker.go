package positions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

// OrderCanceller is the slice of the order manager the tracker needs to tear
// down linked orders on close.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID int64, reason string) error
}

// Tracker owns position records, keyed by position ID with a secondary
// index by symbol. A symbol has at most one active position.
type Tracker struct {
	bus       *bus.Bus
	canceller OrderCanceller
	trades    *TradeTracker
	logger    *slog.Logger

	mu       sync.Mutex
	byID     map[string]*Position
	bySymbol map[string]*Position
}

// NewTracker creates a position tracker.
func NewTracker(b *bus.Bus, canceller OrderCanceller, trades *TradeTracker, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		bus:       b,
		canceller: canceller,
		trades:    trades,
		logger:    logger,
		byID:      make(map[string]*Position),
		bySymbol:  make(map[string]*Position),
	}
}

// Create registers a new position in PLANNED. Fails when the symbol already
// has an active position.
func (t *Tracker) Create(symbol string, side types.Side, targetQty int, atrStopMult, atrTargetMult decimal.Decimal) (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.bySymbol[symbol]; ok && existing.Status.Active() {
		return Position{}, fmt.Errorf("%w: %s", types.ErrPositionExists, symbol)
	}

	p := &Position{
		ID:            uuid.New().String(),
		Symbol:        symbol,
		Side:          side,
		Status:        StatusPlanned,
		TargetQty:     targetQty,
		Orders:        make(map[Role][]int64),
		ATRStopMult:   atrStopMult,
		ATRTargetMult: atrTargetMult,
	}
	t.byID[p.ID] = p
	t.bySymbol[symbol] = p

	t.logger.Info("position planned",
		"position_id", p.ID,
		"symbol", symbol,
		"side", side.String(),
		"target_qty", targetQty,
	)
	return p.clone(), nil
}

// AttachOrder records an order against the position under the given role.
// Attaching the first main order moves PLANNED to OPENING.
func (t *Tracker) AttachOrder(positionID string, role Role, orderID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[positionID]
	if !ok {
		return types.ErrPositionNotFound
	}

	p.Orders[role] = append(p.Orders[role], orderID)
	if role == RoleMain && p.Status == StatusPlanned {
		p.Status = StatusOpening
	}
	return nil
}

// DetachOrder removes an order reference from the position.
func (t *Tracker) DetachOrder(positionID string, orderID int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.byID[positionID]
	if !ok {
		return types.ErrPositionNotFound
	}

	for role, ids := range p.Orders {
		for i, id := range ids {
			if id == orderID {
				p.Orders[role] = append(ids[:i:i], ids[i+1:]...)
				return nil
			}
		}
	}
	return types.ErrOrderNotFound
}

// OpenOrUpdate merges an entry-side fill (main, scale or double-down) into
// the symbol's position. The first fill moves the position to OPEN and emits
// PositionOpenEvent; later fills re-weight the entry price and emit
// PositionUpdateEvent.
func (t *Tracker) OpenOrUpdate(symbol string, side types.Side, qty int, price decimal.Decimal, orderID int64) (Position, error) {
	var evt types.Event

	t.mu.Lock()
	p, ok := t.bySymbol[symbol]
	if !ok || !p.Status.Active() {
		t.mu.Unlock()
		return Position{}, fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}

	signed := side.Sign() * qty
	prevAbs := p.AbsQty()
	p.NetQty += signed

	// Weighted-average entry across entry-side fills.
	prev := decimal.NewFromInt(int64(prevAbs))
	add := decimal.NewFromInt(int64(qty))
	total := prev.Add(add)
	if total.IsPositive() {
		p.EntryPrice = p.EntryPrice.Mul(prev).Add(price.Mul(add)).Div(total)
	}

	first := p.Status == StatusPlanned || p.Status == StatusOpening
	if first {
		p.Status = StatusOpen
		p.OpenedAt = time.Now()
		evt = &types.PositionOpenEvent{
			Header:     types.NewHeader("positions"),
			PositionID: p.ID,
			Symbol:     symbol,
			Side:       p.Side,
			Qty:        p.AbsQty(),
			EntryPrice: p.EntryPrice,
		}
	} else {
		evt = &types.PositionUpdateEvent{
			Header:     types.NewHeader("positions"),
			PositionID: p.ID,
			Symbol:     symbol,
			Side:       p.Side,
			NetQty:     p.NetQty,
			EntryPrice: p.EntryPrice,
		}
	}
	out := p.clone()
	t.mu.Unlock()

	t.emit(evt)
	return out, nil
}

// RecordProtectiveFill reduces the net position by a protective or close
// fill and accumulates realized PnL. When net reaches zero the caller is told
// via zeroed=true; closing the position remains the fill manager's call.
func (t *Tracker) RecordProtectiveFill(symbol string, side types.Side, qty int, price decimal.Decimal) (zeroed bool, err error) {
	var evt types.Event

	t.mu.Lock()
	p, ok := t.bySymbol[symbol]
	if !ok || !p.Status.Active() {
		t.mu.Unlock()
		return false, fmt.Errorf("%w: %s", types.ErrPositionNotFound, symbol)
	}

	p.NetQty += side.Sign() * qty

	// Realized PnL relative to weighted entry, signed by position direction.
	move := price.Sub(p.EntryPrice)
	if p.Side == types.SideSell {
		move = move.Neg()
	}
	p.RealizedPnL = p.RealizedPnL.Add(move.Mul(decimal.NewFromInt(int64(qty))))

	zeroed = p.NetQty == 0
	evt = &types.PositionUpdateEvent{
		Header:     types.NewHeader("positions"),
		PositionID: p.ID,
		Symbol:     symbol,
		Side:       p.Side,
		NetQty:     p.NetQty,
		EntryPrice: p.EntryPrice,
	}
	t.mu.Unlock()

	t.emit(evt)
	return zeroed, nil
}

// MarkAdjusting flags an open position while scale-in or double-down orders
// are in flight. Informational.
func (t *Tracker) MarkAdjusting(positionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byID[positionID]; ok && p.Status == StatusOpen {
		p.Status = StatusAdjusting
	}
}

// MarkClosing flags the position while a protective or manual close is in
// flight.
func (t *Tracker) MarkClosing(positionID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.byID[positionID]; ok && p.Status.Active() {
		p.Status = StatusClosing
		p.Reason = reason
	}
}

// Close cancels all open linked orders, marks the position CLOSED, emits
// PositionCloseEvent, removes the symbol index entry and releases the
// trade-guard slot.
func (t *Tracker) Close(ctx context.Context, positionID, reason string) error {
	t.mu.Lock()
	p, ok := t.byID[positionID]
	if !ok {
		t.mu.Unlock()
		return types.ErrPositionNotFound
	}
	if p.Status == StatusClosed {
		t.mu.Unlock()
		return nil
	}

	p.Status = StatusClosed
	p.ClosedAt = time.Now()
	p.Reason = reason
	orderIDs := p.AllOrderIDs()
	symbol := p.Symbol
	realized := p.RealizedPnL

	if t.bySymbol[symbol] == p {
		delete(t.bySymbol, symbol)
	}
	t.mu.Unlock()

	for _, id := range orderIDs {
		if t.canceller != nil {
			if err := t.canceller.Cancel(ctx, id, "position closed: "+reason); err != nil {
				t.logger.Warn("cancel on close failed", "order_id", id, "err", err)
			}
		}
	}

	if t.trades != nil {
		t.trades.End(symbol)
	}

	t.emit(&types.PositionCloseEvent{
		Header:      types.NewHeader("positions"),
		PositionID:  positionID,
		Symbol:      symbol,
		Reason:      reason,
		RealizedPnL: realized,
	})

	t.logger.Info("position closed",
		"position_id", positionID,
		"symbol", symbol,
		"reason", reason,
		"realized_pnl", realized.StringFixed(2),
	)
	return nil
}

// BySymbol returns a copy of the symbol's active position.
func (t *Tracker) BySymbol(symbol string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.bySymbol[symbol]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// ByID returns a copy of the position, including closed ones.
func (t *Tracker) ByID(positionID string) (Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[positionID]
	if !ok {
		return Position{}, false
	}
	return p.clone(), true
}

// Summary returns copies of every active position.
func (t *Tracker) Summary() []Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Position, 0, len(t.bySymbol))
	for _, p := range t.bySymbol {
		out = append(out, p.clone())
	}
	return out
}

func (t *Tracker) emit(evt types.Event) {
	if t.bus != nil {
		t.bus.Emit(evt)
	}
}
