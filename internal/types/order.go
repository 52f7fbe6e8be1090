package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LMT"
	OrderTypeStop      OrderType = "STP"
	OrderTypeStopLimit OrderType = "STP LMT"
	OrderTypeTrail     OrderType = "TRAIL"
)

// TimeInForce represents order time-in-force.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderStatus represents the state of an order.
type OrderStatus int

const (
	OrderStatusCreated OrderStatus = iota
	OrderStatusPendingSubmit
	OrderStatusAccepted
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusPendingCancel
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusInactive
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusCreated:
		return "CREATED"
	case OrderStatusPendingSubmit:
		return "PENDING_SUBMIT"
	case OrderStatusAccepted:
		return "ACCEPTED"
	case OrderStatusSubmitted:
		return "SUBMITTED"
	case OrderStatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusPendingCancel:
		return "PENDING_CANCEL"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	case OrderStatusInactive:
		return "INACTIVE"
	default:
		return "UNKNOWN"
	}
}

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusInactive:
		return true
	default:
		return false
	}
}

// Order is an order record. The order manager is the sole owner and mutator;
// everything else reads copies.
type Order struct {
	ID       int64 // broker-assigned; zero until submitted
	ClientID string
	Symbol   string
	Side     Side
	Qty      int
	Type     OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	TIF        TimeInForce
	ParentID   int64

	Status       OrderStatus
	Filled       int
	Remaining    int
	AvgFillPrice decimal.Decimal
	Commission   decimal.Decimal
	RejectReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignedFilled returns the filled quantity signed by side: positive for BUY,
// negative for SELL.
func (o *Order) SignedFilled() int {
	return o.Side.Sign() * o.Filled
}

// IsOpen reports whether the order is still working at the broker.
func (o *Order) IsOpen() bool {
	return !o.Status.IsFinal()
}

// Bar is a single historical OHLCV bar.
type Bar struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}
