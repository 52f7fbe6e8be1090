package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/broker/paper"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *paper.Broker, *bus.Bus) {
	t.Helper()
	brk := paper.New(paper.DefaultConfig(), nil)
	if err := brk.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	b := bus.New(nil)
	return NewManager(brk, b, nil), brk, b
}

// submitOrder creates and submits, then drains the paper broker's own
// synchronous messages into the manager so tests stay deterministic.
func submitOrder(t *testing.T, m *Manager, brk *paper.Broker, spec Spec) int64 {
	t.Helper()
	o, err := m.Create(spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id, err := m.Submit(context.Background(), o.ClientID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pump(m, brk)
	return id
}

// pump drains all pending broker stream messages synchronously.
func pump(m *Manager, brk *paper.Broker) {
	for {
		select {
		case upd := <-brk.Statuses():
			m.HandleStatus(context.Background(), upd)
		case exec := <-brk.Executions():
			m.HandleExecution(context.Background(), exec)
		case rep := <-brk.Commissions():
			m.HandleCommission(rep)
		default:
			return
		}
	}
}

func TestCreate_InvalidSize(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.Create(Spec{Symbol: "AAPL", Qty: 0}); err == nil {
		t.Error("expected error for zero quantity")
	}
}

func TestSubmit_MarketOrderFillLifecycle(t *testing.T) {
	m, brk, _ := newTestManager(t)
	brk.SetQuote("AAPL", decimal.RequireFromString("150"))

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeMarket,
	})

	o, ok := m.Get(id)
	if !ok {
		t.Fatal("order not found after submit")
	}
	if o.Status != types.OrderStatusFilled {
		t.Errorf("expected FILLED, got %s", o.Status)
	}
	if o.Filled != 100 || o.Remaining != 0 {
		t.Errorf("fill accounting: filled=%d remaining=%d", o.Filled, o.Remaining)
	}
	if o.Filled+o.Remaining != o.Qty {
		t.Error("invariant violated: filled + remaining != qty")
	}
	if !o.AvgFillPrice.Equal(decimal.RequireFromString("150")) {
		t.Errorf("expected avg 150, got %s", o.AvgFillPrice)
	}
	if o.Commission.IsZero() {
		t.Error("expected commission to be attributed")
	}
}

func TestPartialFill_WeightedAverage(t *testing.T) {
	m, brk, _ := newTestManager(t)

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideSell, Qty: 200, Type: types.OrderTypeStop,
		StopPrice: decimal.RequireFromString("147"),
	})

	m.HandleExecution(context.Background(), broker.Execution{
		ExecID: "e1", OrderID: id, Symbol: "AAPL", Side: types.SideSell,
		Shares: 50, Price: decimal.RequireFromString("147.00"), CumQty: 50,
	})
	m.HandleExecution(context.Background(), broker.Execution{
		ExecID: "e2", OrderID: id, Symbol: "AAPL", Side: types.SideSell,
		Shares: 150, Price: decimal.RequireFromString("146.80"), CumQty: 200,
	})

	o, _ := m.Get(id)
	if o.Status != types.OrderStatusFilled {
		t.Errorf("expected FILLED, got %s", o.Status)
	}
	// (50*147.00 + 150*146.80) / 200 = 146.85
	if !o.AvgFillPrice.Equal(decimal.RequireFromString("146.85")) {
		t.Errorf("expected weighted avg 146.85, got %s", o.AvgFillPrice)
	}
}

func TestDuplicateExecution_Ignored(t *testing.T) {
	m, brk, _ := newTestManager(t)

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("149"),
	})

	exec := broker.Execution{
		ExecID: "dup-1", OrderID: id, Symbol: "AAPL", Side: types.SideBuy,
		Shares: 40, Price: decimal.RequireFromString("149"), CumQty: 40,
	}
	m.HandleExecution(context.Background(), exec)
	m.HandleExecution(context.Background(), exec)

	o, _ := m.Get(id)
	if o.Filled != 40 {
		t.Errorf("duplicate execution applied: filled=%d", o.Filled)
	}
	if o.Status != types.OrderStatusPartiallyFilled {
		t.Errorf("expected PARTIALLY_FILLED, got %s", o.Status)
	}
}

func TestStaleCumQty_Ignored(t *testing.T) {
	m, brk, _ := newTestManager(t)

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("149"),
	})

	m.HandleExecution(context.Background(), broker.Execution{
		ExecID: "a", OrderID: id, Shares: 60, Price: decimal.RequireFromString("149"), CumQty: 60,
	})
	// Replayed message with a new exec id but stale cumulative count.
	m.HandleExecution(context.Background(), broker.Execution{
		ExecID: "b", OrderID: id, Shares: 60, Price: decimal.RequireFromString("149"), CumQty: 60,
	})

	o, _ := m.Get(id)
	if o.Filled != 60 {
		t.Errorf("stale execution applied: filled=%d", o.Filled)
	}
}

func TestCancel_TerminalIsNoop(t *testing.T) {
	m, brk, _ := newTestManager(t)
	brk.SetQuote("AAPL", decimal.RequireFromString("150"))

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeMarket,
	})

	// Already FILLED; cancel must not move the state.
	if err := m.Cancel(context.Background(), id, "test"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o, _ := m.Get(id)
	if o.Status != types.OrderStatusFilled {
		t.Errorf("cancel moved terminal order to %s", o.Status)
	}
}

func TestCancel_RestingOrder(t *testing.T) {
	m, brk, _ := newTestManager(t)

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideSell, Qty: 100, Type: types.OrderTypeStop,
		StopPrice: decimal.RequireFromString("147"),
	})

	if err := m.Cancel(context.Background(), id, "rule exit"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	pump(m, brk)

	o, _ := m.Get(id)
	if o.Status != types.OrderStatusCancelled {
		t.Errorf("expected CANCELLED, got %s", o.Status)
	}
}

func TestStatusAfterTerminal_Ignored(t *testing.T) {
	m, brk, _ := newTestManager(t)
	brk.SetQuote("AAPL", decimal.RequireFromString("150"))

	id := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeMarket,
	})

	m.HandleStatus(context.Background(), broker.StatusUpdate{OrderID: id, Status: "Cancelled"})

	o, _ := m.Get(id)
	if o.Status != types.OrderStatusFilled {
		t.Errorf("late status moved terminal order to %s", o.Status)
	}
}

func TestBracketPolicy_EntryRejectCancelsProtectives(t *testing.T) {
	m, brk, _ := newTestManager(t)

	entry := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("149"),
	})
	stop := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideSell, Qty: 100, Type: types.OrderTypeStop,
		StopPrice: decimal.RequireFromString("147"),
	})
	target := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideSell, Qty: 100, Type: types.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("152"),
	})
	m.RegisterBracket(entry, stop, target)

	m.HandleStatus(context.Background(), broker.StatusUpdate{OrderID: entry, Status: "Cancelled"})
	pump(m, brk)

	for _, id := range []int64{stop, target} {
		o, _ := m.Get(id)
		if o.IsOpen() && o.Status != types.OrderStatusPendingCancel {
			t.Errorf("protective %d still open after entry cancel: %s", id, o.Status)
		}
	}
}

func TestOCOPolicy_FilledMemberCancelsOthers(t *testing.T) {
	m, brk, _ := newTestManager(t)

	stop := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideSell, Qty: 100, Type: types.OrderTypeStop,
		StopPrice: decimal.RequireFromString("147"),
	})
	target := submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideSell, Qty: 100, Type: types.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("152"),
	})
	m.RegisterOCO(stop, target)

	// Target fills completely.
	brk.SetQuote("AAPL", decimal.RequireFromString("152.10"))
	pump(m, brk)

	tgt, _ := m.Get(target)
	if tgt.Status != types.OrderStatusFilled {
		t.Fatalf("expected target FILLED, got %s", tgt.Status)
	}
	stp, _ := m.Get(stop)
	if stp.IsOpen() && stp.Status != types.OrderStatusPendingCancel {
		t.Errorf("stop not cancelled by oco policy: %s", stp.Status)
	}
}

func TestFillEventEmission(t *testing.T) {
	m, brk, b := newTestManager(t)
	brk.SetQuote("AAPL", decimal.RequireFromString("150"))

	var fills []*types.FillEvent
	b.SubscribeFunc(types.EventFill, func(evt types.Event) {
		fills = append(fills, evt.(*types.FillEvent))
	})

	submitOrder(t, m, brk, Spec{
		Symbol: "AAPL", Side: types.SideBuy, Qty: 100, Type: types.OrderTypeMarket,
	})

	if len(fills) != 1 {
		t.Fatalf("expected 1 fill event, got %d", len(fills))
	}
	f := fills[0]
	if f.CumulativeFilled != 100 || f.Remaining != 0 || f.Side != types.SideBuy {
		t.Errorf("unexpected fill event: %+v", f)
	}
}
