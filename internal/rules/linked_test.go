package rules

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker/paper"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/fills"
	"github.com/tathienbao/signal-trader/internal/orders"
	"github.com/tathienbao/signal-trader/internal/positions"
	"github.com/tathienbao/signal-trader/internal/quotes"
	"github.com/tathienbao/signal-trader/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubIndicators struct {
	atr decimal.Decimal
	err error
}

func (s stubIndicators) ATR(string) (decimal.Decimal, error) { return s.atr, s.err }
func (s stubIndicators) Volatility(string) decimal.Decimal   { return decimal.Zero }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type linkedHarness struct {
	brk     *paper.Broker
	bus     *bus.Bus
	book    *orders.Manager
	tracker *positions.Tracker
	trades  *positions.TradeTracker
	fm      *fills.Manager
	prices  *quotes.PriceService
}

func newLinkedHarness(t *testing.T) *linkedHarness {
	t.Helper()
	brk := paper.New(paper.DefaultConfig(), nil)
	if err := brk.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	b := bus.New(nil)
	book := orders.NewManager(brk, b, nil)
	trades := positions.NewTradeTracker()
	tracker := positions.NewTracker(b, book, trades, nil)
	fm := fills.NewManager(book, tracker, nil, fills.Config{Retries: 3, RetryDelay: time.Millisecond}, nil)
	return &linkedHarness{
		brk:     brk,
		bus:     b,
		book:    book,
		tracker: tracker,
		trades:  trades,
		fm:      fm,
		prices:  quotes.NewPriceService(brk, nil, 50*time.Millisecond, nil),
	}
}

func (h *linkedHarness) ctx(evt types.Event, ind IndicatorSource) *EvalContext {
	return &EvalContext{
		Ctx:        context.Background(),
		Event:      evt,
		Now:        time.Now(),
		Orders:     h.book,
		Positions:  h.tracker,
		Prices:     h.prices,
		Indicators: ind,
		Trades:     h.trades,
		Logger:     testLogger(),
	}
}

// pump drains broker stream messages into the order manager and hands the
// resulting fills to the fill manager synchronously.
func (h *linkedHarness) pump() {
	var fillEvts []*types.FillEvent
	sub := h.bus.SubscribeFunc(types.EventFill, func(evt types.Event) {
		fillEvts = append(fillEvts, evt.(*types.FillEvent))
	})
	defer h.bus.Unsubscribe(sub)

	for {
		drained := true
		select {
		case upd := <-h.brk.Statuses():
			h.book.HandleStatus(context.Background(), upd)
			drained = false
		case exec := <-h.brk.Executions():
			h.book.HandleExecution(context.Background(), exec)
			drained = false
		case rep := <-h.brk.Commissions():
			h.book.HandleCommission(rep)
			drained = false
		default:
		}
		if drained {
			break
		}
	}
	for _, f := range fillEvts {
		h.fm.HandleFill(context.Background(), f)
	}
}

func prediction(symbol string, kind types.SignalKind, confidence string) *types.PredictionSignal {
	return &types.PredictionSignal{
		Header:     types.NewHeader("test"),
		Symbol:     symbol,
		Signal:     kind,
		Confidence: d(confidence),
	}
}

func TestLinkedEntry_FullFlow(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("150"))

	entry := &LinkedEntry{
		Symbol:          "AAPL",
		QtyOrAllocation: d("30000"), // dollar allocation: floor(30000/150) = 200 shares
		ATRStopMult:     d("2"),
		ATRTargetMult:   d("3"),
	}
	c := h.ctx(prediction("AAPL", types.SignalBuy, "0.85"), stubIndicators{atr: d("1.5")})

	if err := entry.Execute(c); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.pump()

	pos, ok := h.tracker.BySymbol("AAPL")
	if !ok {
		t.Fatal("no position created")
	}
	if pos.Status != positions.StatusOpen {
		t.Errorf("status = %s, want OPEN", pos.Status)
	}
	if pos.NetQty != 200 {
		t.Errorf("net qty = %d, want 200", pos.NetQty)
	}

	stopIDs := pos.OrderIDs(positions.RoleStop)
	targetIDs := pos.OrderIDs(positions.RoleTarget)
	if len(stopIDs) != 1 || len(targetIDs) != 1 {
		t.Fatalf("protectives: stop=%v target=%v", stopIDs, targetIDs)
	}

	stop, _ := h.book.Get(stopIDs[0])
	// stop = 150 - 1.5*2 = 147
	if !stop.StopPrice.Equal(d("147")) {
		t.Errorf("stop price = %s, want 147", stop.StopPrice)
	}
	if stop.Side != types.SideSell || stop.Type != types.OrderTypeStop {
		t.Errorf("stop order shape: %+v", stop)
	}

	target, _ := h.book.Get(targetIDs[0])
	// target = 150 + 1.5*3 = 154.5
	if !target.LimitPrice.Equal(d("154.5")) {
		t.Errorf("target price = %s, want 154.5", target.LimitPrice)
	}

	if _, busy := h.trades.Active("AAPL"); !busy {
		t.Error("trade slot not claimed")
	}
}

func TestLinkedEntry_PercentFallbackWhenATRCold(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("100"))

	entry := &LinkedEntry{
		Symbol:          "AAPL",
		QtyOrAllocation: d("100"),
		ATRStopMult:     d("2"),
		ATRTargetMult:   d("3"),
		StopPct:         d("0.02"),
		TargetPct:       d("0.04"),
	}
	c := h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), stubIndicators{err: types.ErrATRUnavailable})

	if err := entry.Execute(c); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.pump()

	pos, _ := h.tracker.BySymbol("AAPL")
	stop, _ := h.book.Get(pos.OrderIDs(positions.RoleStop)[0])
	if !stop.StopPrice.Equal(d("98")) {
		t.Errorf("fallback stop = %s, want 98", stop.StopPrice)
	}
	target, _ := h.book.Get(pos.OrderIDs(positions.RoleTarget)[0])
	if !target.LimitPrice.Equal(d("104")) {
		t.Errorf("fallback target = %s, want 104", target.LimitPrice)
	}
}

func TestLinkedEntry_NoATRNoFallback_EntersUnprotected(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("100"))

	entry := &LinkedEntry{
		Symbol:          "AAPL",
		QtyOrAllocation: d("100"),
		ATRStopMult:     d("2"),
		ATRTargetMult:   d("3"),
	}
	c := h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), stubIndicators{err: types.ErrATRUnavailable})

	if err := entry.Execute(c); err != nil {
		t.Fatalf("entry: %v", err)
	}
	h.pump()

	pos, ok := h.tracker.BySymbol("AAPL")
	if !ok {
		t.Fatal("no position")
	}
	if len(pos.OrderIDs(positions.RoleStop)) != 0 || len(pos.OrderIDs(positions.RoleTarget)) != 0 {
		t.Error("protectives placed without any price basis")
	}
	if pos.NetQty != 100 {
		t.Errorf("net qty = %d", pos.NetQty)
	}
}

func TestLinkedEntry_SameSideDuplicateIgnored(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("150"))

	entry := &LinkedEntry{
		Symbol: "AAPL", QtyOrAllocation: d("100"),
		ATRStopMult: d("2"), ATRTargetMult: d("3"),
	}
	ind := stubIndicators{atr: d("1")}

	if err := entry.Execute(h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), ind)); err != nil {
		t.Fatalf("first entry: %v", err)
	}
	h.pump()

	before, _ := h.tracker.BySymbol("AAPL")
	if err := entry.Execute(h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), ind)); err != nil {
		t.Fatalf("duplicate entry: %v", err)
	}
	h.pump()

	after, _ := h.tracker.BySymbol("AAPL")
	if after.NetQty != before.NetQty || after.ID != before.ID {
		t.Error("duplicate same-side signal changed the position")
	}
}

func TestLinkedEntry_OppositeSignalReverses(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("150"))

	entry := &LinkedEntry{
		Symbol: "AAPL", QtyOrAllocation: d("100"),
		ATRStopMult: d("2"), ATRTargetMult: d("3"),
	}
	ind := stubIndicators{atr: d("1")}

	entry.Execute(h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), ind))
	h.pump()

	// The reversal blocks until the close confirms, so the entry runs on
	// its own goroutine while the test keeps draining broker streams.
	done := make(chan error, 1)
	go func() {
		done <- entry.Execute(h.ctx(prediction("AAPL", types.SignalShort, "0.9"), ind))
	}()

	deadline := time.After(3 * time.Second)
	for {
		h.pump()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("reversal entry: %v", err)
			}
			h.pump()
			pos, ok := h.tracker.BySymbol("AAPL")
			if !ok {
				t.Fatal("no position after reversal")
			}
			if pos.Side != types.SideSell {
				t.Errorf("side = %s, want SELL after opposite signal", pos.Side)
			}
			if pos.Status != positions.StatusOpen {
				t.Errorf("status = %s, want OPEN", pos.Status)
			}
			return
		case <-deadline:
			t.Fatal("reversal did not complete")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func TestLinkedCloseAll_FlattensPosition(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("150"))

	entry := &LinkedEntry{
		Symbol: "AAPL", QtyOrAllocation: d("200"),
		ATRStopMult: d("2"), ATRTargetMult: d("3"),
	}
	ind := stubIndicators{atr: d("1")}
	entry.Execute(h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), ind))
	h.pump()

	closer := &LinkedCloseAll{Symbol: "AAPL", Reason: "manual"}
	if err := closer.Execute(h.ctx(nil, ind)); err != nil {
		t.Fatalf("close-all: %v", err)
	}
	h.pump()

	if _, ok := h.tracker.BySymbol("AAPL"); ok {
		t.Error("position still active after close-all")
	}
	if _, busy := h.trades.Active("AAPL"); busy {
		t.Error("trade slot still held after close-all")
	}
	if n := h.brk.RestingCount(); n != 0 {
		t.Errorf("%d orders still resting after close-all", n)
	}
}

func TestLinkedScaleIn_AttachesScaleOrder(t *testing.T) {
	h := newLinkedHarness(t)
	h.brk.SetQuote("AAPL", d("150"))

	entry := &LinkedEntry{
		Symbol: "AAPL", QtyOrAllocation: d("200"),
		ATRStopMult: d("2"), ATRTargetMult: d("10"),
	}
	ind := stubIndicators{atr: d("1")}
	entry.Execute(h.ctx(prediction("AAPL", types.SignalBuy, "0.9"), ind))
	h.pump()

	// Price moves up 2%, still below the 160 target; scale in 100 shares.
	h.brk.SetQuote("AAPL", d("153"))
	h.pump()

	cond := ProfitAbove("AAPL", d("0.015"))
	c := h.ctx(nil, ind)
	if !cond.Evaluate(c) {
		t.Fatal("profit condition should match at +2%")
	}

	scale := &LinkedScaleIn{Symbol: "AAPL", QtyOrAllocation: d("100")}
	if err := scale.Execute(c); err != nil {
		t.Fatalf("scale-in: %v", err)
	}
	h.pump()

	pos, _ := h.tracker.BySymbol("AAPL")
	if pos.NetQty != 300 {
		t.Errorf("net qty = %d, want 300 after scale-in", pos.NetQty)
	}
	// Protectives resized by the fill manager to the new net quantity.
	stop, _ := h.book.Get(pos.OrderIDs(positions.RoleStop)[0])
	if stop.Qty != 300 {
		t.Errorf("stop qty = %d, want 300", stop.Qty)
	}
}

func TestOnPrediction_ConfidenceGate(t *testing.T) {
	cond := OnPrediction("AAPL", d("0.7"), types.SignalBuy)

	if !cond.Evaluate(&EvalContext{Event: prediction("AAPL", types.SignalBuy, "0.7")}) {
		t.Error("confidence at threshold should match")
	}
	if cond.Evaluate(&EvalContext{Event: prediction("AAPL", types.SignalBuy, "0.69")}) {
		t.Error("below-threshold confidence matched")
	}
	if cond.Evaluate(&EvalContext{Event: prediction("TSLA", types.SignalBuy, "0.9")}) {
		t.Error("wrong symbol matched")
	}
	if cond.Evaluate(&EvalContext{Event: prediction("AAPL", types.SignalShort, "0.9")}) {
		t.Error("wrong direction matched")
	}
}
