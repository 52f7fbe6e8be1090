package positions

import (
	"context"
	"sync"
	"time"

	"github.com/tathienbao/signal-trader/internal/types"
)

// TradeRecord is one in-flight trade slot.
type TradeRecord struct {
	Symbol    string
	Side      types.Side
	StartedAt time.Time
}

// TradeTracker is the duplicate-entry guard. One trade per symbol may be in
// flight at a time; rules consult it before opening and the fill manager
// releases the slot when the position closes.
type TradeTracker struct {
	mu      sync.Mutex
	active  map[string]TradeRecord
	waiters map[string][]chan struct{}
}

func NewTradeTracker() *TradeTracker {
	return &TradeTracker{
		active:  make(map[string]TradeRecord),
		waiters: make(map[string][]chan struct{}),
	}
}

// Start claims the symbol's trade slot. Returns false when a trade is
// already in flight.
func (t *TradeTracker) Start(symbol string, side types.Side) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, busy := t.active[symbol]; busy {
		return false
	}
	t.active[symbol] = TradeRecord{Symbol: symbol, Side: side, StartedAt: time.Now()}
	return true
}

// Active returns the in-flight trade for the symbol, if any.
func (t *TradeTracker) Active(symbol string) (TradeRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.active[symbol]
	return rec, ok
}

// End releases the symbol's slot and wakes anyone blocked in AwaitEnd.
// Ending a symbol with no active trade is a no-op.
func (t *TradeTracker) End(symbol string) {
	t.mu.Lock()
	delete(t.active, symbol)
	waiters := t.waiters[symbol]
	delete(t.waiters, symbol)
	t.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// AwaitEnd blocks until the symbol's trade slot is released or ctx expires.
// Returns immediately when no trade is in flight.
func (t *TradeTracker) AwaitEnd(ctx context.Context, symbol string) error {
	t.mu.Lock()
	if _, busy := t.active[symbol]; !busy {
		t.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	t.waiters[symbol] = append(t.waiters[symbol], ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
