package engine

import (
	"sync"

	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/metrics"
	"github.com/tathienbao/signal-trader/internal/types"
)

// attachMetrics subscribes the recorder to the bus events that drive the
// exported collectors. Closed-trade outcomes need the position side, which
// the close event does not carry, so the bridge remembers it from the open
// event.
func attachMetrics(b *bus.Bus, rec *metrics.Recorder) {
	var mu sync.Mutex
	sides := make(map[string]types.Side)

	b.SubscribeFunc(types.EventPrediction, func(evt types.Event) {
		if sig, ok := evt.(*types.PredictionSignal); ok {
			rec.RecordSignal(sig.Symbol, string(sig.Signal))
			rec.RecordHeartbeat()
		}
	})
	b.SubscribeFunc(types.EventFill, func(evt types.Event) {
		if fill, ok := evt.(*types.FillEvent); ok {
			rec.RecordFill(fill.Symbol, fill.Side.String(), fill.Shares)
		}
	})
	b.SubscribeFunc(types.EventPositionOpen, func(evt types.Event) {
		if open, ok := evt.(*types.PositionOpenEvent); ok {
			mu.Lock()
			sides[open.Symbol] = open.Side
			mu.Unlock()
			rec.RecordPositionOpened(open.Symbol, open.Qty)
		}
	})
	b.SubscribeFunc(types.EventPositionUpdate, func(evt types.Event) {
		if upd, ok := evt.(*types.PositionUpdateEvent); ok {
			rec.RecordPositionQty(upd.Symbol, upd.NetQty)
		}
	})
	b.SubscribeFunc(types.EventPositionClose, func(evt types.Event) {
		cls, ok := evt.(*types.PositionCloseEvent)
		if !ok {
			return
		}
		mu.Lock()
		side := sides[cls.Symbol]
		delete(sides, cls.Symbol)
		mu.Unlock()
		rec.RecordPositionClosed(cls.Symbol, side.String(), cls.RealizedPnL)
	})
	b.SubscribeFunc(types.EventReject, func(evt types.Event) {
		if rej, ok := evt.(*types.RejectEvent); ok {
			rec.RecordOrder(rej.Symbol, "", "rejected")
			rec.RecordError("order_rejected")
		}
	})
	b.SubscribeFunc(types.EventConnect, func(types.Event) {
		rec.RecordBrokerStatus(true)
	})
	b.SubscribeFunc(types.EventDisconnect, func(types.Event) {
		rec.RecordBrokerStatus(false)
	})
	b.SubscribeFunc(types.EventError, func(evt types.Event) {
		if _, ok := evt.(*types.ErrorEvent); ok {
			rec.RecordError("broker")
		}
	})
}
