package positions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

type cancelRecorder struct {
	mu  sync.Mutex
	ids []int64
}

func (c *cancelRecorder) Cancel(_ context.Context, orderID int64, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, orderID)
	return nil
}

func newTestTracker(t *testing.T) (*Tracker, *cancelRecorder, *TradeTracker, *bus.Bus) {
	t.Helper()
	b := bus.New(nil)
	rec := &cancelRecorder{}
	trades := NewTradeTracker()
	return NewTracker(b, rec, trades, nil), rec, trades, b
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreate_OnePerSymbol(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	if _, err := tr.Create("AAPL", types.SideBuy, 100, d("2"), d("3")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tr.Create("AAPL", types.SideBuy, 100, d("2"), d("3")); err == nil {
		t.Error("expected second position on same symbol to fail")
	}
	if _, err := tr.Create("TSLA", types.SideSell, 50, d("2"), d("3")); err != nil {
		t.Errorf("different symbol should be allowed: %v", err)
	}
}

func TestOpenOrUpdate_FirstFillOpens(t *testing.T) {
	tr, _, _, b := newTestTracker(t)

	var opens, updates int
	b.SubscribeFunc(types.EventPositionOpen, func(types.Event) { opens++ })
	b.SubscribeFunc(types.EventPositionUpdate, func(types.Event) { updates++ })

	p, _ := tr.Create("AAPL", types.SideBuy, 200, d("2"), d("3"))
	if err := tr.AttachOrder(p.ID, RoleMain, 1); err != nil {
		t.Fatalf("attach: %v", err)
	}

	got, _ := tr.ByID(p.ID)
	if got.Status != StatusOpening {
		t.Errorf("expected OPENING after main attach, got %s", got.Status)
	}

	if _, err := tr.OpenOrUpdate("AAPL", types.SideBuy, 200, d("150"), 1); err != nil {
		t.Fatalf("open: %v", err)
	}

	got, _ = tr.BySymbol("AAPL")
	if got.Status != StatusOpen {
		t.Errorf("expected OPEN, got %s", got.Status)
	}
	if got.NetQty != 200 {
		t.Errorf("net qty = %d, want 200", got.NetQty)
	}
	if !got.EntryPrice.Equal(d("150")) {
		t.Errorf("entry price = %s, want 150", got.EntryPrice)
	}
	if opens != 1 || updates != 0 {
		t.Errorf("events: opens=%d updates=%d", opens, updates)
	}
}

func TestOpenOrUpdate_WeightedEntry(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	p, _ := tr.Create("AAPL", types.SideBuy, 800, d("2"), d("3"))
	tr.AttachOrder(p.ID, RoleMain, 1)

	tr.OpenOrUpdate("AAPL", types.SideBuy, 800, d("100"), 1)
	// Double-down fill at a lower price.
	tr.OpenOrUpdate("AAPL", types.SideBuy, 800, d("95"), 2)

	got, _ := tr.BySymbol("AAPL")
	if got.NetQty != 1600 {
		t.Errorf("net qty = %d, want 1600", got.NetQty)
	}
	// (800*100 + 800*95) / 1600 = 97.5
	if !got.EntryPrice.Equal(d("97.5")) {
		t.Errorf("weighted entry = %s, want 97.5", got.EntryPrice)
	}
}

func TestRecordProtectiveFill_ZeroAndPnL(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	p, _ := tr.Create("AAPL", types.SideBuy, 100, d("2"), d("3"))
	tr.AttachOrder(p.ID, RoleMain, 1)
	tr.OpenOrUpdate("AAPL", types.SideBuy, 100, d("150"), 1)

	zeroed, err := tr.RecordProtectiveFill("AAPL", types.SideSell, 40, d("152"))
	if err != nil {
		t.Fatalf("protective fill: %v", err)
	}
	if zeroed {
		t.Error("partial protective fill should not zero the position")
	}

	zeroed, _ = tr.RecordProtectiveFill("AAPL", types.SideSell, 60, d("152"))
	if !zeroed {
		t.Error("expected net zero after full protective fill")
	}

	got, _ := tr.BySymbol("AAPL")
	// 100 shares exited at +2 each.
	if !got.RealizedPnL.Equal(d("200")) {
		t.Errorf("realized pnl = %s, want 200", got.RealizedPnL)
	}
}

func TestRecordProtectiveFill_ShortSidePnL(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	p, _ := tr.Create("TSLA", types.SideSell, 50, d("2"), d("3"))
	tr.AttachOrder(p.ID, RoleMain, 1)
	tr.OpenOrUpdate("TSLA", types.SideSell, 50, d("200"), 1)

	// Cover at a lower price: short profits.
	zeroed, _ := tr.RecordProtectiveFill("TSLA", types.SideBuy, 50, d("190"))
	if !zeroed {
		t.Fatal("expected net zero")
	}
	got, _ := tr.BySymbol("TSLA")
	if !got.RealizedPnL.Equal(d("500")) {
		t.Errorf("realized pnl = %s, want 500", got.RealizedPnL)
	}
}

func TestClose_CancelsOrdersAndFreesSlot(t *testing.T) {
	tr, rec, trades, b := newTestTracker(t)

	var closes []*types.PositionCloseEvent
	b.SubscribeFunc(types.EventPositionClose, func(evt types.Event) {
		closes = append(closes, evt.(*types.PositionCloseEvent))
	})

	trades.Start("AAPL", types.SideBuy)
	p, _ := tr.Create("AAPL", types.SideBuy, 100, d("2"), d("3"))
	tr.AttachOrder(p.ID, RoleMain, 1)
	tr.AttachOrder(p.ID, RoleStop, 2)
	tr.AttachOrder(p.ID, RoleTarget, 3)
	tr.OpenOrUpdate("AAPL", types.SideBuy, 100, d("150"), 1)

	if err := tr.Close(context.Background(), p.ID, "stop filled"); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(rec.ids) != 3 {
		t.Errorf("expected 3 cancel attempts, got %d (%v)", len(rec.ids), rec.ids)
	}
	if len(closes) != 1 || closes[0].Reason != "stop filled" {
		t.Errorf("close event: %+v", closes)
	}
	if _, ok := tr.BySymbol("AAPL"); ok {
		t.Error("symbol slot still occupied after close")
	}
	if _, busy := trades.Active("AAPL"); busy {
		t.Error("trade slot still held after close")
	}

	// Idempotent.
	if err := tr.Close(context.Background(), p.ID, "again"); err != nil {
		t.Errorf("second close: %v", err)
	}
	if len(closes) != 1 {
		t.Errorf("second close emitted an event")
	}

	// Slot free for a new position.
	if _, err := tr.Create("AAPL", types.SideSell, 50, d("2"), d("3")); err != nil {
		t.Errorf("create after close: %v", err)
	}
}

func TestRoleOf(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	p, _ := tr.Create("AAPL", types.SideBuy, 100, d("2"), d("3"))
	tr.AttachOrder(p.ID, RoleMain, 1)
	tr.AttachOrder(p.ID, RoleStop, 2)
	tr.AttachOrder(p.ID, RoleDoubleDown, 5)

	got, _ := tr.ByID(p.ID)
	if role, ok := got.RoleOf(2); !ok || role != RoleStop {
		t.Errorf("RoleOf(2) = %v %v", role, ok)
	}
	if role, ok := got.RoleOf(5); !ok || role != RoleDoubleDown {
		t.Errorf("RoleOf(5) = %v %v", role, ok)
	}
	if _, ok := got.RoleOf(99); ok {
		t.Error("RoleOf(99) should miss")
	}
}

func TestTradeTracker_DuplicateGuard(t *testing.T) {
	trades := NewTradeTracker()

	if !trades.Start("AAPL", types.SideBuy) {
		t.Fatal("first start should succeed")
	}
	if trades.Start("AAPL", types.SideBuy) {
		t.Error("second start should be blocked")
	}
	rec, ok := trades.Active("AAPL")
	if !ok || rec.Side != types.SideBuy {
		t.Errorf("active record: %+v %v", rec, ok)
	}

	trades.End("AAPL")
	if !trades.Start("AAPL", types.SideSell) {
		t.Error("start after end should succeed")
	}
}

func TestTradeTracker_AwaitEnd(t *testing.T) {
	trades := NewTradeTracker()

	// No trade in flight: returns immediately.
	if err := trades.AwaitEnd(context.Background(), "AAPL"); err != nil {
		t.Fatalf("await idle: %v", err)
	}

	trades.Start("AAPL", types.SideBuy)

	done := make(chan error, 1)
	go func() {
		done <- trades.AwaitEnd(context.Background(), "AAPL")
	}()

	time.Sleep(10 * time.Millisecond)
	trades.End("AAPL")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("await: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitEnd did not return after End")
	}

	// Context expiry path.
	trades.Start("AAPL", types.SideBuy)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := trades.AwaitEnd(ctx, "AAPL"); err == nil {
		t.Error("expected context error while trade in flight")
	}
}

func TestUnrealizedPct(t *testing.T) {
	p := &Position{Side: types.SideBuy, EntryPrice: d("100")}
	if got := p.UnrealizedPct(d("103")); !got.Equal(d("0.03")) {
		t.Errorf("long pct = %s, want 0.03", got)
	}
	p.Side = types.SideSell
	if got := p.UnrealizedPct(d("103")); !got.Equal(d("-0.03")) {
		t.Errorf("short pct = %s, want -0.03", got)
	}
	p.EntryPrice = decimal.Zero
	if !p.UnrealizedPct(d("103")).IsZero() {
		t.Error("zero entry should report zero pct")
	}
}
