// Package broker defines the broker connectivity interface consumed by the
// trading core. The core never touches the wire protocol directly.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/types"
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusUpdate is a broker-reported order status transition.
type StatusUpdate struct {
	OrderID      int64
	Status       string // broker vocabulary; map with MapStatus
	Filled       int
	Remaining    int
	AvgFillPrice decimal.Decimal
	At           time.Time
}

// Execution is a single (possibly partial) fill report.
type Execution struct {
	ExecID  string
	OrderID int64
	Symbol  string
	Side    types.Side
	Shares  int
	Price   decimal.Decimal
	CumQty  int
	At      time.Time
}

// CommissionReport arrives separately from its execution.
type CommissionReport struct {
	ExecID     string
	Commission decimal.Decimal
}

// Notice is an out-of-band broker message: error codes, order ID conflicts,
// duplicate subscriptions, pacing warnings.
type Notice struct {
	Code    int
	Message string
	OrderID int64
}

// Client is the broker API the trading core consumes.
//
// SubmitOrder returns the broker-assigned order ID; callers pass an order
// with ID <= 0 and the broker picks one. The push streams stay open for the
// life of the client and are closed on Shutdown.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	SubmitOrder(ctx context.Context, o *types.Order) (int64, error)
	CancelOrder(ctx context.Context, orderID int64) error

	// SnapshotQuote fetches a single best-effort last price.
	SnapshotQuote(ctx context.Context, symbol string) (decimal.Decimal, error)

	// HistoricalBars fetches bars, e.g. duration "300 S" at barSize "10 secs".
	HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]types.Bar, error)

	Statuses() <-chan StatusUpdate
	Executions() <-chan Execution
	Commissions() <-chan CommissionReport
	Connectivity() <-chan bool
	Notices() <-chan Notice

	Shutdown(ctx context.Context) error
}

// MapStatus maps a broker-reported status string into the internal status
// machine. Unknown strings map to the zero value with ok=false; callers log
// and ignore those messages.
func MapStatus(s string) (types.OrderStatus, bool) {
	switch s {
	case "PendingSubmit":
		return types.OrderStatusPendingSubmit, true
	case "PreSubmitted", "ApiPending":
		return types.OrderStatusAccepted, true
	case "Submitted":
		return types.OrderStatusSubmitted, true
	case "Filled":
		return types.OrderStatusFilled, true
	case "PartiallyFilled":
		return types.OrderStatusPartiallyFilled, true
	case "ApiCancelled", "Cancelled":
		return types.OrderStatusCancelled, true
	case "PendingCancel":
		return types.OrderStatusPendingCancel, true
	case "Inactive":
		return types.OrderStatusInactive, true
	default:
		return types.OrderStatusCreated, false
	}
}

// Contract represents a tradeable contract.
type Contract struct {
	Symbol   string
	SecType  string // STK for equities
	Exchange string
	Currency string
}

// StockContract returns the SMART-routed US equity contract for a ticker.
func StockContract(symbol string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  "STK",
		Exchange: "SMART",
		Currency: "USD",
	}
}
