package rules

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/positions"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Condition gates a rule's action. Evaluate must be side-effect free.
type Condition interface {
	Evaluate(c *EvalContext) bool
}

// CondFunc adapts a function to Condition.
type CondFunc func(c *EvalContext) bool

func (f CondFunc) Evaluate(c *EvalContext) bool { return f(c) }

// EventCondition matches events whose type lineage includes Match and, when
// set, whose payload passes Predicate. Scheduler ticks (nil event) never
// match.
type EventCondition struct {
	Match     types.EventType
	Predicate func(evt types.Event) bool
}

func (ec *EventCondition) Evaluate(c *EvalContext) bool {
	if c.Event == nil {
		return false
	}
	matched := false
	for _, t := range types.Lineage(c.Event.Type()) {
		if t == ec.Match {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if ec.Predicate != nil {
		return ec.Predicate(c.Event)
	}
	return true
}

// OnPrediction matches a prediction signal for the symbol at or above the
// confidence threshold. With no kinds listed, any direction matches.
func OnPrediction(symbol string, minConfidence decimal.Decimal, kinds ...types.SignalKind) Condition {
	return &EventCondition{
		Match: types.EventPrediction,
		Predicate: func(evt types.Event) bool {
			sig, ok := evt.(*types.PredictionSignal)
			if !ok || sig.Symbol != symbol {
				return false
			}
			if sig.Confidence.LessThan(minConfidence) {
				return false
			}
			if len(kinds) == 0 {
				return true
			}
			for _, k := range kinds {
				if sig.Signal == k {
					return true
				}
			}
			return false
		},
	}
}

// PositionCondition evaluates a check against the symbol's active position.
// Check receives the position copy and whether one exists.
type PositionCondition struct {
	Symbol string
	Check  func(pos positions.Position, exists bool) bool
}

func (pc *PositionCondition) Evaluate(c *EvalContext) bool {
	pos, ok := c.Positions.BySymbol(pc.Symbol)
	return pc.Check(pos, ok)
}

// HasPosition matches when the symbol has an active position.
func HasPosition(symbol string) Condition {
	return &PositionCondition{Symbol: symbol, Check: func(_ positions.Position, exists bool) bool {
		return exists
	}}
}

// NoPosition matches when the symbol has no active position.
func NoPosition(symbol string) Condition {
	return &PositionCondition{Symbol: symbol, Check: func(_ positions.Position, exists bool) bool {
		return !exists
	}}
}

// ProfitAbove matches when the open position's unrealized move exceeds pct
// (as a fraction, 0.02 = 2%). Requires a price; fails closed when the quote
// is unavailable.
func ProfitAbove(symbol string, pct decimal.Decimal) Condition {
	return CondFunc(func(c *EvalContext) bool {
		pos, ok := c.Positions.BySymbol(symbol)
		if !ok || pos.Status != positions.StatusOpen {
			return false
		}
		price, err := c.Prices.Price(c.Ctx, symbol)
		if err != nil {
			return false
		}
		return pos.UnrealizedPct(price).GreaterThan(pct)
	})
}

// LossBeyond matches when the open position's unrealized move is worse than
// -pct.
func LossBeyond(symbol string, pct decimal.Decimal) Condition {
	return CondFunc(func(c *EvalContext) bool {
		pos, ok := c.Positions.BySymbol(symbol)
		if !ok || pos.Status != positions.StatusOpen {
			return false
		}
		price, err := c.Prices.Price(c.Ctx, symbol)
		if err != nil {
			return false
		}
		return pos.UnrealizedPct(price).LessThan(pct.Neg())
	})
}

// TimeCondition matches when the evaluation time falls inside [Start, End)
// in Location. Times are "15:04" strings; a window crossing midnight is
// expressed as Start > End.
type TimeCondition struct {
	Start    string
	End      string
	Location *time.Location
}

func (tc *TimeCondition) Evaluate(c *EvalContext) bool {
	loc := tc.Location
	if loc == nil {
		loc = time.Local
	}
	now := c.Now.In(loc)

	start, err := time.Parse("15:04", tc.Start)
	if err != nil {
		return false
	}
	end, err := time.Parse("15:04", tc.End)
	if err != nil {
		return false
	}

	cur := now.Hour()*60 + now.Minute()
	s := start.Hour()*60 + start.Minute()
	e := end.Hour()*60 + end.Minute()

	if s <= e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

// MarketCondition matches while the symbol's volatility stays at or below
// MaxVolatility. Zero volatility (indicator warming up) matches.
type MarketCondition struct {
	Symbol        string
	MaxVolatility decimal.Decimal
}

func (mc *MarketCondition) Evaluate(c *EvalContext) bool {
	vol := c.Indicators.Volatility(mc.Symbol)
	return vol.LessThanOrEqual(mc.MaxVolatility)
}

type andCondition struct{ parts []Condition }

func (a *andCondition) Evaluate(c *EvalContext) bool {
	for _, p := range a.parts {
		if !p.Evaluate(c) {
			return false
		}
	}
	return true
}

type orCondition struct{ parts []Condition }

func (o *orCondition) Evaluate(c *EvalContext) bool {
	for _, p := range o.parts {
		if p.Evaluate(c) {
			return true
		}
	}
	return false
}

type notCondition struct{ inner Condition }

func (n *notCondition) Evaluate(c *EvalContext) bool { return !n.inner.Evaluate(c) }

// And matches when every part matches. Short-circuits.
func And(parts ...Condition) Condition { return &andCondition{parts: parts} }

// Or matches when any part matches. Short-circuits.
func Or(parts ...Condition) Condition { return &orCondition{parts: parts} }

// Not inverts a condition.
func Not(inner Condition) Condition { return &notCondition{inner: inner} }
