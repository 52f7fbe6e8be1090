package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/orders"
	"github.com/tathienbao/signal-trader/internal/positions"
	"github.com/tathienbao/signal-trader/internal/sizing"
	"github.com/tathienbao/signal-trader/internal/types"
)

const reversalCloseWait = 5 * time.Second

// LinkedEntry opens a position from a prediction signal: a market entry plus
// ATR-derived protective stop and target, all registered with the position
// tracker so the fill manager can keep them in sync.
//
// Duplicate guard: a signal in the same direction as an in-flight trade is
// ignored. An opposite signal reverses: the existing position is closed
// first and the entry proceeds once the trade slot frees up.
type LinkedEntry struct {
	Symbol          string
	QtyOrAllocation decimal.Decimal
	ATRStopMult     decimal.Decimal
	ATRTargetMult   decimal.Decimal

	// Percent fallbacks (fractions of entry price) used when ATR has not
	// warmed up. Zero disables the fallback.
	StopPct   decimal.Decimal
	TargetPct decimal.Decimal
}

func (a *LinkedEntry) Execute(c *EvalContext) error {
	sig, ok := c.Event.(*types.PredictionSignal)
	if !ok {
		return fmt.Errorf("linked entry needs a prediction signal, got %T", c.Event)
	}
	side := sig.Signal.Side()

	if rec, busy := c.Trades.Active(a.Symbol); busy {
		if rec.Side == side {
			c.Logger.Info("entry skipped, same-side trade in flight",
				"symbol", a.Symbol, "side", side.String())
			return nil
		}
		if err := a.reverse(c); err != nil {
			return err
		}
	}

	price, err := c.Prices.Price(c.Ctx, a.Symbol)
	if err != nil {
		return err
	}
	qty, err := sizing.Shares(a.QtyOrAllocation, price)
	if err != nil {
		return err
	}

	if !c.Trades.Start(a.Symbol, side) {
		c.Logger.Info("entry skipped, trade slot taken", "symbol", a.Symbol)
		return nil
	}

	pos, err := c.Positions.Create(a.Symbol, side, qty, a.ATRStopMult, a.ATRTargetMult)
	if err != nil {
		c.Trades.End(a.Symbol)
		return err
	}

	unwind := func(ids []int64, cause error) error {
		for _, id := range ids {
			if cerr := c.Orders.Cancel(c.Ctx, id, "entry unwound"); cerr != nil {
				c.Logger.Warn("unwind cancel failed", "order_id", id, "err", cerr)
			}
		}
		if cerr := c.Positions.Close(c.Ctx, pos.ID, "entry failed"); cerr != nil {
			c.Logger.Warn("unwind close failed", "position_id", pos.ID, "err", cerr)
		}
		return cause
	}

	mainID, err := submitLinked(c, pos.ID, positions.RoleMain, orders.Spec{
		Symbol: a.Symbol, Side: side, Qty: qty, Type: types.OrderTypeMarket,
	})
	if err != nil {
		return unwind(nil, err)
	}

	stopPx, targetPx, ok := a.protectivePrices(c, price, side)
	if !ok {
		c.Logger.Warn("no ATR and no percent fallback, position entered unprotected",
			"symbol", a.Symbol)
		return nil
	}

	stopID, err := submitLinked(c, pos.ID, positions.RoleStop, orders.Spec{
		Symbol: a.Symbol, Side: side.Opposite(), Qty: qty,
		Type: types.OrderTypeStop, StopPrice: stopPx,
	})
	if err != nil {
		return unwind([]int64{mainID}, err)
	}
	_, err = submitLinked(c, pos.ID, positions.RoleTarget, orders.Spec{
		Symbol: a.Symbol, Side: side.Opposite(), Qty: qty,
		Type: types.OrderTypeLimit, LimitPrice: targetPx,
	})
	if err != nil {
		return unwind([]int64{mainID, stopID}, err)
	}

	c.Logger.Info("linked entry placed",
		"symbol", a.Symbol,
		"side", side.String(),
		"qty", qty,
		"stop", stopPx.StringFixed(2),
		"target", targetPx.StringFixed(2),
	)
	return nil
}

// protectivePrices derives stop and target from ATR, falling back to fixed
// percents of the entry price. ok is false when neither source is usable.
func (a *LinkedEntry) protectivePrices(c *EvalContext, price decimal.Decimal, side types.Side) (stop, target decimal.Decimal, ok bool) {
	var stopDist, targetDist decimal.Decimal

	atr, err := c.Indicators.ATR(a.Symbol)
	switch {
	case err == nil:
		stopDist = atr.Mul(a.ATRStopMult)
		targetDist = atr.Mul(a.ATRTargetMult)
	case a.StopPct.IsPositive() && a.TargetPct.IsPositive():
		stopDist = price.Mul(a.StopPct)
		targetDist = price.Mul(a.TargetPct)
	default:
		return decimal.Zero, decimal.Zero, false
	}

	if side == types.SideBuy {
		return price.Sub(stopDist), price.Add(targetDist), true
	}
	return price.Add(stopDist), price.Sub(targetDist), true
}

// reverse closes the opposite-side position and waits for the trade slot to
// free up. Bounded wait; a close that does not confirm in time aborts the
// entry.
func (a *LinkedEntry) reverse(c *EvalContext) error {
	if _, ok := c.Positions.BySymbol(a.Symbol); ok {
		closer := &LinkedCloseAll{Symbol: a.Symbol, Reason: "reversal"}
		if err := closer.Execute(c); err != nil {
			return fmt.Errorf("reversal close: %w", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(c.Ctx, reversalCloseWait)
	defer cancel()
	if err := c.Trades.AwaitEnd(waitCtx, a.Symbol); err != nil {
		return fmt.Errorf("reversal close not confirmed: %w", err)
	}
	return nil
}

// LinkedScaleIn adds to a winning position. The condition side of the rule
// decides the profit trigger; the action just checks there is an open
// position to scale and places the order.
type LinkedScaleIn struct {
	Symbol          string
	QtyOrAllocation decimal.Decimal
}

func (a *LinkedScaleIn) Execute(c *EvalContext) error {
	pos, ok := c.Positions.BySymbol(a.Symbol)
	if !ok || pos.Status != positions.StatusOpen {
		return nil
	}

	price, err := c.Prices.Price(c.Ctx, a.Symbol)
	if err != nil {
		return err
	}
	qty, err := sizing.Shares(a.QtyOrAllocation, price)
	if err != nil {
		return err
	}

	c.Positions.MarkAdjusting(pos.ID)
	_, err = submitLinked(c, pos.ID, positions.RoleScale, orders.Spec{
		Symbol: a.Symbol, Side: pos.Side, Qty: qty, Type: types.OrderTypeMarket,
	})
	if err != nil {
		return err
	}

	c.Logger.Info("scale-in placed", "symbol", a.Symbol, "qty", qty)
	return nil
}

// LinkedDoubleDown adds to a losing position at a limit below (long) or
// above (short) the current price.
type LinkedDoubleDown struct {
	Symbol          string
	QtyOrAllocation decimal.Decimal

	// LimitOffsetPct places the limit this fraction away from the current
	// price, on the favorable side. Zero submits at market.
	LimitOffsetPct decimal.Decimal
}

func (a *LinkedDoubleDown) Execute(c *EvalContext) error {
	pos, ok := c.Positions.BySymbol(a.Symbol)
	if !ok || pos.Status != positions.StatusOpen {
		return nil
	}

	price, err := c.Prices.Price(c.Ctx, a.Symbol)
	if err != nil {
		return err
	}
	qty, err := sizing.Shares(a.QtyOrAllocation, price)
	if err != nil {
		return err
	}

	spec := orders.Spec{
		Symbol: a.Symbol, Side: pos.Side, Qty: qty, Type: types.OrderTypeMarket,
	}
	if a.LimitOffsetPct.IsPositive() {
		offset := price.Mul(a.LimitOffsetPct)
		spec.Type = types.OrderTypeLimit
		if pos.Side == types.SideBuy {
			spec.LimitPrice = price.Sub(offset)
		} else {
			spec.LimitPrice = price.Add(offset)
		}
	}

	c.Positions.MarkAdjusting(pos.ID)
	_, err = submitLinked(c, pos.ID, positions.RoleDoubleDown, spec)
	if err != nil {
		return err
	}

	c.Logger.Info("double-down placed", "symbol", a.Symbol, "qty", qty)
	return nil
}

// LinkedCloseAll flattens the symbol: cancels the position's working orders
// and submits a market close for the remaining net quantity.
type LinkedCloseAll struct {
	Symbol string
	Reason string
}

func (a *LinkedCloseAll) Execute(c *EvalContext) error {
	pos, ok := c.Positions.BySymbol(a.Symbol)
	if !ok {
		return nil
	}

	c.Positions.MarkClosing(pos.ID, a.Reason)

	for _, role := range []positions.Role{positions.RoleStop, positions.RoleTarget, positions.RoleDoubleDown, positions.RoleScale} {
		for _, id := range pos.OrderIDs(role) {
			if o, ok := c.Orders.Get(id); ok && o.IsOpen() {
				if err := c.Orders.Cancel(c.Ctx, id, a.Reason); err != nil {
					c.Logger.Warn("close-all cancel failed", "order_id", id, "err", err)
				}
			}
		}
	}

	net := pos.AbsQty()
	if net == 0 {
		// Nothing filled yet; the entry cancel above flattens us.
		return c.Positions.Close(c.Ctx, pos.ID, a.Reason)
	}

	_, err := submitLinked(c, pos.ID, positions.RoleClose, orders.Spec{
		Symbol: a.Symbol, Side: pos.Side.Opposite(), Qty: net, Type: types.OrderTypeMarket,
	})
	if err != nil {
		return fmt.Errorf("close-all submit: %w", err)
	}

	c.Logger.Info("close-all placed", "symbol", a.Symbol, "qty", net, "reason", a.Reason)
	return nil
}

// submitLinked creates, submits and attaches one order to a position.
func submitLinked(c *EvalContext, positionID string, role positions.Role, spec orders.Spec) (int64, error) {
	o, err := c.Orders.Create(spec)
	if err != nil {
		return 0, err
	}
	id, err := c.Orders.Submit(c.Ctx, o.ClientID)
	if err != nil {
		return 0, err
	}
	if err := c.Positions.AttachOrder(positionID, role, id); err != nil {
		return id, err
	}
	return id, nil
}
