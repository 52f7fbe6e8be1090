package rules

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/orders"
	"github.com/tathienbao/signal-trader/internal/sizing"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Action is one executable step of a rule.
type Action interface {
	Execute(c *EvalContext) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(c *EvalContext) error

func (f ActionFunc) Execute(c *EvalContext) error { return f(c) }

type sequentialAction struct{ steps []Action }

func (s *sequentialAction) Execute(c *EvalContext) error {
	for i, step := range s.steps {
		if err := step.Execute(c); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// Sequential runs steps in order, stopping at the first error.
func Sequential(steps ...Action) Action { return &sequentialAction{steps: steps} }

// Conditional runs Then when If matches, otherwise Else. Both branches are
// optional.
type Conditional struct {
	If   Condition
	Then Action
	Else Action
}

func (a *Conditional) Execute(c *EvalContext) error {
	if a.If.Evaluate(c) {
		if a.Then != nil {
			return a.Then.Execute(c)
		}
		return nil
	}
	if a.Else != nil {
		return a.Else.Execute(c)
	}
	return nil
}

// Log writes a structured line when the action runs.
func Log(message string) Action {
	return ActionFunc(func(c *EvalContext) error {
		c.Logger.Info(message)
		return nil
	})
}

// CreateOrder submits a standalone order, sizing QtyOrAllocation against the
// current price. The order is not linked to any position.
type CreateOrder struct {
	Symbol          string
	Side            types.Side
	QtyOrAllocation decimal.Decimal
	Type            types.OrderType
	LimitPrice      decimal.Decimal
	StopPrice       decimal.Decimal
}

func (a *CreateOrder) Execute(c *EvalContext) error {
	price, err := c.Prices.Price(c.Ctx, a.Symbol)
	if err != nil {
		return err
	}
	qty, err := sizing.Shares(a.QtyOrAllocation, price)
	if err != nil {
		return err
	}
	o, err := c.Orders.Create(orders.Spec{
		Symbol:     a.Symbol,
		Side:       a.Side,
		Qty:        qty,
		Type:       a.Type,
		LimitPrice: a.LimitPrice,
		StopPrice:  a.StopPrice,
	})
	if err != nil {
		return err
	}
	_, err = c.Orders.Submit(c.Ctx, o.ClientID)
	return err
}

// CancelOpenOrders cancels every open order on the symbol.
type CancelOpenOrders struct {
	Symbol string
	Reason string
}

func (a *CancelOpenOrders) Execute(c *EvalContext) error {
	var firstErr error
	for _, o := range c.Orders.OpenForSymbol(a.Symbol) {
		if err := c.Orders.Cancel(c.Ctx, o.ID, a.Reason); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
