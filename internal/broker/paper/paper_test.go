package paper

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/types"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(DefaultConfig(), nil)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return b
}

func drainExecs(b *Broker) []broker.Execution {
	var out []broker.Execution
	for {
		select {
		case e := <-b.Executions():
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestSubmitMarketOrder_FillsImmediately(t *testing.T) {
	b := newTestBroker(t)
	b.SetQuote("AAPL", decimal.RequireFromString("150.00"))

	id, err := b.SubmitOrder(context.Background(), &types.Order{
		Symbol: "AAPL",
		Side:   types.SideBuy,
		Qty:    100,
		Type:   types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id <= 0 {
		t.Fatal("expected broker-assigned order id")
	}

	execs := drainExecs(b)
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution, got %d", len(execs))
	}
	if execs[0].Shares != 100 || execs[0].CumQty != 100 {
		t.Errorf("unexpected execution: %+v", execs[0])
	}
	if !execs[0].Price.Equal(decimal.RequireFromString("150.00")) {
		t.Errorf("expected fill at 150.00, got %s", execs[0].Price)
	}
}

func TestScriptedPartialFills(t *testing.T) {
	b := newTestBroker(t)
	b.SetQuote("TQQQ", decimal.RequireFromString("50"))
	b.QueueMarketFills([]int{600})

	id, err := b.SubmitOrder(context.Background(), &types.Order{
		Symbol: "TQQQ",
		Side:   types.SideBuy,
		Qty:    1000,
		Type:   types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	execs := drainExecs(b)
	if len(execs) != 1 || execs[0].Shares != 600 {
		t.Fatalf("expected one scripted 600-share fill, got %+v", execs)
	}
	if b.RestingCount() != 1 {
		t.Fatal("expected remainder to keep working")
	}

	// Drive the remaining 400.
	if !b.FillOrder(id, 400, decimal.RequireFromString("50.10")) {
		t.Fatal("expected fill against the working remainder")
	}
	execs = drainExecs(b)
	if len(execs) != 1 || execs[0].Shares != 400 || execs[0].CumQty != 1000 {
		t.Fatalf("unexpected remainder fill: %+v", execs)
	}
	if b.RestingCount() != 0 {
		t.Error("order should be done after full fill")
	}
}

func TestStopOrder_TriggersOnQuoteCross(t *testing.T) {
	b := newTestBroker(t)
	b.SetQuote("AAPL", decimal.RequireFromString("150"))

	// Protective stop for a long: SELL STP 147.
	_, err := b.SubmitOrder(context.Background(), &types.Order{
		Symbol:    "AAPL",
		Side:      types.SideSell,
		Qty:       100,
		Type:      types.OrderTypeStop,
		StopPrice: decimal.RequireFromString("147"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(drainExecs(b)) != 0 {
		t.Fatal("stop should rest until triggered")
	}

	b.SetQuote("AAPL", decimal.RequireFromString("146.90"))

	execs := drainExecs(b)
	if len(execs) != 1 {
		t.Fatalf("expected stop to trigger, got %d executions", len(execs))
	}
	if !execs[0].Price.Equal(decimal.RequireFromString("147")) {
		t.Errorf("stop should fill at stop price, got %s", execs[0].Price)
	}
}

func TestLimitOrder_TriggersOnQuoteCross(t *testing.T) {
	b := newTestBroker(t)
	b.SetQuote("AAPL", decimal.RequireFromString("150"))

	// Profit target for a long: SELL LMT 152.
	_, err := b.SubmitOrder(context.Background(), &types.Order{
		Symbol:     "AAPL",
		Side:       types.SideSell,
		Qty:        100,
		Type:       types.OrderTypeLimit,
		LimitPrice: decimal.RequireFromString("152"),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	b.SetQuote("AAPL", decimal.RequireFromString("152.10"))

	execs := drainExecs(b)
	if len(execs) != 1 {
		t.Fatalf("expected limit to trigger, got %d executions", len(execs))
	}
	if !execs[0].Price.Equal(decimal.RequireFromString("152")) {
		t.Errorf("limit should fill at limit price, got %s", execs[0].Price)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	b := newTestBroker(t)
	b.SetQuote("AAPL", decimal.RequireFromString("150"))

	id, _ := b.SubmitOrder(context.Background(), &types.Order{
		Symbol:    "AAPL",
		Side:      types.SideSell,
		Qty:       100,
		Type:      types.OrderTypeStop,
		StopPrice: decimal.RequireFromString("147"),
	})

	if err := b.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if b.RestingCount() != 0 {
		t.Error("expected order removed")
	}

	// Cancelling again surfaces a notice but no error.
	if err := b.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	select {
	case n := <-b.Notices():
		if n.OrderID != id {
			t.Errorf("expected notice for order %d, got %d", id, n.OrderID)
		}
	default:
		t.Error("expected a notice for cancel of non-working order")
	}
}

func TestSnapshotQuote(t *testing.T) {
	b := newTestBroker(t)

	if _, err := b.SnapshotQuote(context.Background(), "AAPL"); err == nil {
		t.Error("expected error before any quote is set")
	}

	b.SetQuote("AAPL", decimal.RequireFromString("151.50"))
	px, err := b.SnapshotQuote(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !px.Equal(decimal.RequireFromString("151.50")) {
		t.Errorf("expected 151.50, got %s", px)
	}
}
