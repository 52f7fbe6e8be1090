// Package rules is the condition/action engine driving all trading
// decisions. Rules react to bus events and to a one-second scheduler tick;
// their actions create orders through the order manager and never touch
// broker state directly.
package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/orders"
	"github.com/tathienbao/signal-trader/internal/positions"
	"github.com/tathienbao/signal-trader/internal/types"
)

// OrderBook is the order-manager surface actions use.
type OrderBook interface {
	Create(spec orders.Spec) (types.Order, error)
	Submit(ctx context.Context, clientID string) (int64, error)
	Cancel(ctx context.Context, orderID int64, reason string) error
	Get(orderID int64) (types.Order, bool)
	OpenForSymbol(symbol string) []types.Order
}

// PositionBook is the position-tracker surface rules use.
type PositionBook interface {
	Create(symbol string, side types.Side, targetQty int, atrStopMult, atrTargetMult decimal.Decimal) (positions.Position, error)
	AttachOrder(positionID string, role positions.Role, orderID int64) error
	BySymbol(symbol string) (positions.Position, bool)
	MarkAdjusting(positionID string)
	MarkClosing(positionID, reason string)
	Close(ctx context.Context, positionID, reason string) error
}

// PriceSource provides current prices with a bounded wait.
type PriceSource interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// IndicatorSource provides ATR and volatility readings.
type IndicatorSource interface {
	ATR(symbol string) (decimal.Decimal, error)
	Volatility(symbol string) decimal.Decimal
}

// TradeGuard is the duplicate-entry guard surface.
type TradeGuard interface {
	Start(symbol string, side types.Side) bool
	Active(symbol string) (positions.TradeRecord, bool)
	End(symbol string)
	AwaitEnd(ctx context.Context, symbol string) error
}

// EvalContext carries everything a condition or action may need. The engine
// builds one per evaluation; Values is rule-scoped scratch space that does
// not survive past the evaluation.
type EvalContext struct {
	Ctx   context.Context
	Event types.Event // nil on scheduler ticks
	Now   time.Time

	Orders     OrderBook
	Positions  PositionBook
	Prices     PriceSource
	Indicators IndicatorSource
	Trades     TradeGuard

	Logger *slog.Logger

	values map[string]any
}

// Set stores a rule-scoped value for later steps in the same evaluation.
func (c *EvalContext) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = v
}

// Get reads a rule-scoped value.
func (c *EvalContext) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}
