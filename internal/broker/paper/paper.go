// Package paper provides a simulated broker for paper trading and tests.
package paper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Config holds paper broker configuration.
type Config struct {
	CommissionPerShare decimal.Decimal
}

// DefaultConfig returns default paper config.
func DefaultConfig() Config {
	return Config{
		CommissionPerShare: decimal.RequireFromString("0.005"),
	}
}

type restingOrder struct {
	order  types.Order
	filled int
}

// Broker implements broker.Client in memory. Market orders fill immediately
// at the current quote; stop and limit orders rest until a quote crosses
// them. Tests can script partial fills and inject fills directly.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	state       atomic.Int32
	nextOrderID atomic.Int64

	mu      sync.Mutex
	quotes  map[string]decimal.Decimal
	bars    map[string][]types.Bar
	resting map[int64]*restingOrder

	// scripted partial fills for upcoming market orders, FIFO
	marketScripts [][]int

	statuses     chan broker.StatusUpdate
	executions   chan broker.Execution
	commissions  chan broker.CommissionReport
	connectivity chan bool
	notices      chan broker.Notice
}

// New creates a paper broker.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{
		cfg:          cfg,
		logger:       logger,
		quotes:       make(map[string]decimal.Decimal),
		bars:         make(map[string][]types.Bar),
		resting:      make(map[int64]*restingOrder),
		statuses:     make(chan broker.StatusUpdate, 256),
		executions:   make(chan broker.Execution, 256),
		commissions:  make(chan broker.CommissionReport, 256),
		connectivity: make(chan bool, 16),
		notices:      make(chan broker.Notice, 64),
	}
	b.state.Store(int32(broker.StateDisconnected))
	b.nextOrderID.Store(100)
	return b
}

// Connect marks the broker connected.
func (b *Broker) Connect(ctx context.Context) error {
	b.state.Store(int32(broker.StateConnected))
	b.pushConnectivity(true)
	b.logger.Info("paper broker connected")
	return nil
}

// Disconnect marks the broker disconnected.
func (b *Broker) Disconnect() error {
	b.state.Store(int32(broker.StateDisconnected))
	b.pushConnectivity(false)
	return nil
}

// IsConnected returns true if connected.
func (b *Broker) IsConnected() bool {
	return broker.ConnectionState(b.state.Load()) == broker.StateConnected
}

// SetQuote sets the current price for a symbol and triggers any resting
// orders the price crosses.
func (b *Broker) SetQuote(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	b.quotes[symbol] = price

	var triggered []*restingOrder
	for id, ro := range b.resting {
		if ro.order.Symbol != symbol {
			continue
		}
		if b.crossed(&ro.order, price) {
			triggered = append(triggered, ro)
			delete(b.resting, id)
		}
	}
	b.mu.Unlock()

	for _, ro := range triggered {
		px := b.execPrice(&ro.order, price)
		b.fill(&ro.order, ro.order.Qty-ro.filled, px, ro.filled)
	}
}

// crossed reports whether price triggers a resting stop or limit order.
func (b *Broker) crossed(o *types.Order, price decimal.Decimal) bool {
	switch o.Type {
	case types.OrderTypeLimit:
		if o.Side == types.SideBuy {
			return price.LessThanOrEqual(o.LimitPrice)
		}
		return price.GreaterThanOrEqual(o.LimitPrice)
	case types.OrderTypeStop:
		if o.Side == types.SideBuy {
			return price.GreaterThanOrEqual(o.StopPrice)
		}
		return price.LessThanOrEqual(o.StopPrice)
	default:
		return false
	}
}

func (b *Broker) execPrice(o *types.Order, market decimal.Decimal) decimal.Decimal {
	switch o.Type {
	case types.OrderTypeLimit:
		return o.LimitPrice
	case types.OrderTypeStop:
		return o.StopPrice
	default:
		return market
	}
}

// SetBars scripts the historical bars returned for a symbol.
func (b *Broker) SetBars(symbol string, bars []types.Bar) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bars[symbol] = bars
}

// QueueMarketFills scripts the fill slices applied to the next market order:
// each element is filled immediately as a separate execution; a remainder
// (qty minus the scripted sum) stays working until FillOrder is called.
func (b *Broker) QueueMarketFills(shares []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketScripts = append(b.marketScripts, shares)
}

// SubmitOrder accepts an order and simulates broker behavior.
func (b *Broker) SubmitOrder(ctx context.Context, o *types.Order) (int64, error) {
	if !b.IsConnected() {
		return 0, types.ErrNotConnected
	}

	orderID := o.ID
	if orderID <= 0 {
		orderID = b.nextOrderID.Add(1)
	}

	ord := *o
	ord.ID = orderID

	b.pushStatus(broker.StatusUpdate{
		OrderID:   orderID,
		Status:    "Submitted",
		Remaining: ord.Qty,
		At:        time.Now(),
	})

	switch ord.Type {
	case types.OrderTypeMarket:
		b.mu.Lock()
		price, ok := b.quotes[ord.Symbol]
		var script []int
		if len(b.marketScripts) > 0 {
			script = b.marketScripts[0]
			b.marketScripts = b.marketScripts[1:]
		}
		b.mu.Unlock()

		if !ok {
			price = decimal.RequireFromString("100")
		}

		if script == nil {
			b.fill(&ord, ord.Qty, price, 0)
			return orderID, nil
		}

		cum := 0
		for _, shares := range script {
			b.fill(&ord, shares, price, cum)
			cum += shares
		}
		if cum < ord.Qty {
			b.mu.Lock()
			b.resting[orderID] = &restingOrder{order: ord, filled: cum}
			b.mu.Unlock()
		}

	default:
		b.mu.Lock()
		b.resting[orderID] = &restingOrder{order: ord}
		price, ok := b.quotes[ord.Symbol]
		b.mu.Unlock()
		if ok {
			// a marketable stop/limit triggers right away
			b.SetQuote(ord.Symbol, price)
		}
	}

	return orderID, nil
}

// FillOrder injects a fill against a resting order. Tests use this to drive
// exact partial-fill sequences.
func (b *Broker) FillOrder(orderID int64, shares int, price decimal.Decimal) bool {
	b.mu.Lock()
	ro, ok := b.resting[orderID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	prior := ro.filled
	ro.filled += shares
	done := ro.filled >= ro.order.Qty
	if done {
		delete(b.resting, orderID)
	}
	ord := ro.order
	b.mu.Unlock()

	b.fill(&ord, shares, price, prior)
	return true
}

// fill emits the execution, status and commission messages for one fill.
func (b *Broker) fill(o *types.Order, shares int, price decimal.Decimal, prior int) {
	cum := prior + shares
	execID := uuid.New().String()

	b.pushExec(broker.Execution{
		ExecID:  execID,
		OrderID: o.ID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Shares:  shares,
		Price:   price,
		CumQty:  cum,
		At:      time.Now(),
	})

	status := "PartiallyFilled"
	if cum >= o.Qty {
		status = "Filled"
	}
	b.pushStatus(broker.StatusUpdate{
		OrderID:      o.ID,
		Status:       status,
		Filled:       cum,
		Remaining:    o.Qty - cum,
		AvgFillPrice: price,
		At:           time.Now(),
	})

	commission := b.cfg.CommissionPerShare.Mul(decimal.NewFromInt(int64(shares)))
	select {
	case b.commissions <- broker.CommissionReport{ExecID: execID, Commission: commission}:
	default:
	}
}

// CancelOrder removes a resting order and reports Cancelled. Cancelling an
// unknown or already-done order reports a notice, mirroring live behavior.
func (b *Broker) CancelOrder(ctx context.Context, orderID int64) error {
	b.mu.Lock()
	_, ok := b.resting[orderID]
	if ok {
		delete(b.resting, orderID)
	}
	b.mu.Unlock()

	if !ok {
		select {
		case b.notices <- broker.Notice{Code: 161, Message: "cancel attempted on non-working order", OrderID: orderID}:
		default:
		}
		return nil
	}

	b.pushStatus(broker.StatusUpdate{
		OrderID: orderID,
		Status:  "Cancelled",
		At:      time.Now(),
	})
	return nil
}

// SnapshotQuote returns the last set quote.
func (b *Broker) SnapshotQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.quotes[symbol]
	if !ok {
		return decimal.Zero, types.ErrPriceUnavailable
	}
	return price, nil
}

// HistoricalBars returns scripted bars.
func (b *Broker) HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]types.Bar, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bars, ok := b.bars[symbol]
	if !ok {
		return nil, types.ErrStaleData
	}
	return bars, nil
}

// RestingCount returns the number of working resting orders, for tests.
func (b *Broker) RestingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.resting)
}

// RestingIDs returns the IDs of working resting orders, for tests.
func (b *Broker) RestingIDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0, len(b.resting))
	for id := range b.resting {
		ids = append(ids, id)
	}
	return ids
}

func (b *Broker) pushStatus(u broker.StatusUpdate) {
	select {
	case b.statuses <- u:
	default:
		b.logger.Warn("status channel full, dropping", "order_id", u.OrderID)
	}
}

func (b *Broker) pushExec(e broker.Execution) {
	select {
	case b.executions <- e:
	default:
		b.logger.Warn("execution channel full, dropping", "order_id", e.OrderID)
	}
}

func (b *Broker) pushConnectivity(up bool) {
	select {
	case b.connectivity <- up:
	default:
	}
}

// Push streams.
func (b *Broker) Statuses() <-chan broker.StatusUpdate        { return b.statuses }
func (b *Broker) Executions() <-chan broker.Execution         { return b.executions }
func (b *Broker) Commissions() <-chan broker.CommissionReport { return b.commissions }
func (b *Broker) Connectivity() <-chan bool                   { return b.connectivity }
func (b *Broker) Notices() <-chan broker.Notice               { return b.notices }

// Shutdown disconnects and closes the streams.
func (b *Broker) Shutdown(ctx context.Context) error {
	_ = b.Disconnect()
	close(b.statuses)
	close(b.executions)
	close(b.commissions)
	close(b.connectivity)
	close(b.notices)
	return nil
}

// Ensure Broker implements broker.Client.
var _ broker.Client = (*Broker)(nil)
