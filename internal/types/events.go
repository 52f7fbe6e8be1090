package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType identifies a concrete event variant or one of its supertypes.
// The variant tree is closed; routing walks ParentOf instead of using
// reflection.
type EventType int

const (
	EventAny EventType = iota

	EventMarket
	EventPrice
	EventVolume
	EventIndicator

	EventSignal
	EventPrediction

	EventOrder
	EventOrderStatus
	EventFill
	EventCancel
	EventReject

	EventPosition
	EventPositionOpen
	EventPositionUpdate
	EventPositionClose

	EventSystem
	EventConnect
	EventDisconnect
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventAny:
		return "any"
	case EventMarket:
		return "market"
	case EventPrice:
		return "price"
	case EventVolume:
		return "volume"
	case EventIndicator:
		return "indicator"
	case EventSignal:
		return "signal"
	case EventPrediction:
		return "prediction"
	case EventOrder:
		return "order"
	case EventOrderStatus:
		return "order_status"
	case EventFill:
		return "fill"
	case EventCancel:
		return "cancel"
	case EventReject:
		return "reject"
	case EventPosition:
		return "position"
	case EventPositionOpen:
		return "position_open"
	case EventPositionUpdate:
		return "position_update"
	case EventPositionClose:
		return "position_close"
	case EventSystem:
		return "system"
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// parentOf is the static supertype table for the event variant tree.
var parentOf = map[EventType]EventType{
	EventMarket:    EventAny,
	EventSignal:    EventAny,
	EventOrder:     EventAny,
	EventPosition:  EventAny,
	EventSystem:    EventAny,

	EventPrice:     EventMarket,
	EventVolume:    EventMarket,
	EventIndicator: EventMarket,

	EventPrediction: EventSignal,

	EventOrderStatus: EventOrder,
	EventFill:        EventOrder,
	EventCancel:      EventOrder,
	EventReject:      EventOrder,

	EventPositionOpen:   EventPosition,
	EventPositionUpdate: EventPosition,
	EventPositionClose:  EventPosition,

	EventConnect:    EventSystem,
	EventDisconnect: EventSystem,
	EventError:      EventSystem,
}

// ParentOf returns the supertype of t and false when t is the root.
func ParentOf(t EventType) (EventType, bool) {
	p, ok := parentOf[t]
	return p, ok
}

// Lineage returns t followed by every supertype up to and including EventAny.
func Lineage(t EventType) []EventType {
	chain := []EventType{t}
	for {
		p, ok := parentOf[t]
		if !ok {
			return chain
		}
		chain = append(chain, p)
		t = p
	}
}

// Event is the interface all event variants implement.
type Event interface {
	Type() EventType
	EventID() string
	When() time.Time
	Origin() string
}

// Header carries the fields common to every event. Embed by value.
type Header struct {
	ID       string
	At       time.Time
	Source   string
	Metadata map[string]string
}

// NewHeader builds a header with a fresh ID and the current time.
func NewHeader(source string) Header {
	return Header{
		ID:     uuid.New().String(),
		At:     time.Now(),
		Source: source,
	}
}

func (h Header) EventID() string { return h.ID }
func (h Header) When() time.Time { return h.At }
func (h Header) Origin() string  { return h.Source }

// PriceEvent carries a quote update.
type PriceEvent struct {
	Header
	Symbol string
	Price  decimal.Decimal
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Volume int64
}

func (*PriceEvent) Type() EventType { return EventPrice }

// VolumeEvent carries a traded-volume update.
type VolumeEvent struct {
	Header
	Symbol string
	Volume int64
}

func (*VolumeEvent) Type() EventType { return EventVolume }

// IndicatorEvent carries a computed indicator value.
type IndicatorEvent struct {
	Header
	Symbol string
	Name   string
	Value  decimal.Decimal
}

func (*IndicatorEvent) Type() EventType { return EventIndicator }

// SignalKind is the direction reported by the prediction API.
type SignalKind string

const (
	SignalBuy   SignalKind = "BUY"
	SignalSell  SignalKind = "SELL"
	SignalShort SignalKind = "SHORT"
)

// Side maps the signal direction to an order side. SHORT maps to SELL; a
// plain SELL also maps to SELL and is interpreted by rules as a close or
// reversal request on an existing long.
func (k SignalKind) Side() Side {
	if k == SignalBuy {
		return SideBuy
	}
	return SideSell
}

// PredictionSignal is an external model prediction for one ticker.
type PredictionSignal struct {
	Header
	Symbol         string
	Signal         SignalKind
	Confidence     decimal.Decimal // in [0,1]
	ReferencePrice decimal.Decimal
	ModelTime      time.Time
}

func (*PredictionSignal) Type() EventType { return EventPrediction }

// OrderStatusEvent reports an order status transition.
type OrderStatusEvent struct {
	Header
	OrderID      int64
	Symbol       string
	Status       OrderStatus
	Filled       int
	Remaining    int
	AvgFillPrice decimal.Decimal
}

func (*OrderStatusEvent) Type() EventType { return EventOrderStatus }

// FillEvent reports a (possibly partial) execution.
type FillEvent struct {
	Header
	OrderID          int64
	Symbol           string
	Side             Side
	Shares           int
	Price            decimal.Decimal
	Commission       decimal.Decimal
	CumulativeFilled int
	Remaining        int
}

func (*FillEvent) Type() EventType { return EventFill }

// CancelEvent reports an order cancellation.
type CancelEvent struct {
	Header
	OrderID int64
	Symbol  string
	Reason  string
}

func (*CancelEvent) Type() EventType { return EventCancel }

// RejectEvent reports a broker rejection.
type RejectEvent struct {
	Header
	OrderID int64
	Symbol  string
	Reason  string
}

func (*RejectEvent) Type() EventType { return EventReject }

// PositionOpenEvent reports the first main fill of a position.
type PositionOpenEvent struct {
	Header
	PositionID string
	Symbol     string
	Side       Side
	Qty        int
	EntryPrice decimal.Decimal
}

func (*PositionOpenEvent) Type() EventType { return EventPositionOpen }

// PositionUpdateEvent reports a fill that changed qty, entry price or
// protective state of an open position.
type PositionUpdateEvent struct {
	Header
	PositionID string
	Symbol     string
	Side       Side
	NetQty     int
	EntryPrice decimal.Decimal
}

func (*PositionUpdateEvent) Type() EventType { return EventPositionUpdate }

// PositionCloseEvent reports a position reaching net zero.
type PositionCloseEvent struct {
	Header
	PositionID  string
	Symbol      string
	Reason      string
	RealizedPnL decimal.Decimal
}

func (*PositionCloseEvent) Type() EventType { return EventPositionClose }

// ConnectEvent reports broker connectivity coming up.
type ConnectEvent struct {
	Header
}

func (*ConnectEvent) Type() EventType { return EventConnect }

// DisconnectEvent reports broker connectivity going down.
type DisconnectEvent struct {
	Header
}

func (*DisconnectEvent) Type() EventType { return EventDisconnect }

// ErrorEvent reports a broker or engine error for external monitors.
type ErrorEvent struct {
	Header
	Code    int
	Message string
	OrderID int64
}

func (*ErrorEvent) Type() EventType { return EventError }
