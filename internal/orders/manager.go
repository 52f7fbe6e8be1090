// Package orders owns order records and their lifecycle. The Manager is the
// sole mutator of order status; every other component reads copies.
package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Spec describes the order to create.
type Spec struct {
	Symbol     string
	Side       types.Side
	Qty        int
	Type       types.OrderType
	LimitPrice decimal.Decimal
	StopPrice  decimal.Decimal
	TIF        types.TimeInForce
	ParentID   int64
}

// Manager owns the order map. All status and fill mutations happen under a
// single mutex; bus emissions are performed after the lock is released.
type Manager struct {
	broker broker.Client
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	byID      map[int64]*types.Order
	byClient  map[string]*types.Order
	seenExecs map[string]int64 // execID -> orderID, duplicate-fill guard
	groups    *groupTable

	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates an order manager.
func NewManager(brk broker.Client, b *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		broker:    brk,
		bus:       b,
		logger:    logger,
		byID:      make(map[int64]*types.Order),
		byClient:  make(map[string]*types.Order),
		seenExecs: make(map[string]int64),
		groups:    newGroupTable(),
		done:      make(chan struct{}),
	}
}

// Create builds an order record in CREATED and returns a copy.
func (m *Manager) Create(spec Spec) (types.Order, error) {
	if spec.Qty < 1 {
		return types.Order{}, types.ErrInvalidOrderSize
	}

	tif := spec.TIF
	if tif == "" {
		tif = types.TIFDay
	}

	o := &types.Order{
		ClientID:   uuid.New().String(),
		Symbol:     spec.Symbol,
		Side:       spec.Side,
		Qty:        spec.Qty,
		Type:       spec.Type,
		LimitPrice: spec.LimitPrice,
		StopPrice:  spec.StopPrice,
		TIF:        tif,
		ParentID:   spec.ParentID,
		Status:     types.OrderStatusCreated,
		Remaining:  spec.Qty,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	m.mu.Lock()
	m.byClient[o.ClientID] = o
	m.mu.Unlock()

	return *o, nil
}

// Submit transitions the order to PENDING_SUBMIT and sends it to the broker.
// The broker assigns the order ID. A synchronous broker error transitions the
// order to REJECTED and emits a RejectEvent.
func (m *Manager) Submit(ctx context.Context, clientID string) (int64, error) {
	m.mu.Lock()
	o, ok := m.byClient[clientID]
	if !ok {
		m.mu.Unlock()
		return 0, types.ErrOrderNotFound
	}
	if o.Status != types.OrderStatusCreated {
		m.mu.Unlock()
		return o.ID, fmt.Errorf("%w: %s", types.ErrOrderTerminal, o.Status)
	}
	o.Status = types.OrderStatusPendingSubmit
	o.UpdatedAt = time.Now()
	snapshot := *o
	m.mu.Unlock()

	id, err := m.broker.SubmitOrder(ctx, &snapshot)
	if err != nil {
		m.mu.Lock()
		o.Status = types.OrderStatusRejected
		o.RejectReason = err.Error()
		o.UpdatedAt = time.Now()
		evts := m.groups.onTerminalLocked(o, m.byID)
		m.mu.Unlock()

		m.emit(&types.RejectEvent{
			Header: types.NewHeader("orders"),
			Symbol: o.Symbol,
			Reason: err.Error(),
		})
		m.cancelOrders(ctx, evts, "bracket sibling rejected")
		return 0, fmt.Errorf("submit order: %w", err)
	}

	m.mu.Lock()
	o.ID = id
	m.byID[id] = o
	m.mu.Unlock()

	return id, nil
}

// Cancel transitions the order to PENDING_CANCEL and asks the broker to
// cancel it. Cancelling an order already in a terminal state is a no-op.
func (m *Manager) Cancel(ctx context.Context, orderID int64, reason string) error {
	m.mu.Lock()
	o, ok := m.byID[orderID]
	if !ok {
		m.mu.Unlock()
		return types.ErrOrderNotFound
	}
	if o.Status.IsFinal() || o.Status == types.OrderStatusPendingCancel {
		m.mu.Unlock()
		return nil
	}
	o.Status = types.OrderStatusPendingCancel
	o.RejectReason = reason
	o.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err := m.broker.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// Get returns a copy of the order.
func (m *Manager) Get(orderID int64) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// GetByClientID returns a copy of the order by client ID.
func (m *Manager) GetByClientID(clientID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byClient[clientID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

// ForSymbol returns copies of all orders for a symbol.
func (m *Manager) ForSymbol(symbol string) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Order
	for _, o := range m.byID {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	return out
}

// OpenForSymbol returns copies of all non-terminal orders for a symbol.
func (m *Manager) OpenForSymbol(symbol string) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.Order
	for _, o := range m.byID {
		if o.Symbol == symbol && o.IsOpen() {
			out = append(out, *o)
		}
	}
	return out
}

// RegisterBracket records a bracket grouping: if the entry terminates without
// any fill, the protective orders are cancelled.
func (m *Manager) RegisterBracket(entryID, stopID, targetID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups.addBracket(entryID, stopID, targetID)
}

// RegisterOCO records a one-cancels-other group: when any member fills
// completely, the remaining members are cancelled.
func (m *Manager) RegisterOCO(ids ...int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups.addOCO(ids)
}

// Dispatch consumes broker push streams until ctx is cancelled. Run it in
// its own goroutine.
func (m *Manager) Dispatch(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case upd, ok := <-m.broker.Statuses():
				if !ok {
					return
				}
				m.HandleStatus(ctx, upd)
			case exec, ok := <-m.broker.Executions():
				if !ok {
					return
				}
				m.HandleExecution(ctx, exec)
			case rep, ok := <-m.broker.Commissions():
				if !ok {
					return
				}
				m.HandleCommission(rep)
			case up, ok := <-m.broker.Connectivity():
				if !ok {
					return
				}
				m.handleConnectivity(up)
			case n, ok := <-m.broker.Notices():
				if !ok {
					return
				}
				m.HandleNotice(n)
			}
		}
	}()
}

// Stop halts the dispatch loop.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// HandleStatus applies a broker status update.
//
// PARTIALLY_FILLED and FILLED are derived from fill arithmetic, not trusted
// from the broker: a Filled report for an order whose executions have not all
// arrived yet is logged and ignored (the pending executions will finish the
// transition).
func (m *Manager) HandleStatus(ctx context.Context, upd broker.StatusUpdate) {
	status, ok := broker.MapStatus(upd.Status)
	if !ok {
		m.logger.Warn("unknown broker status, ignoring", "order_id", upd.OrderID, "status", upd.Status)
		return
	}

	var events []types.Event
	var cancels []int64

	m.mu.Lock()
	o, found := m.byID[upd.OrderID]
	if !found {
		m.mu.Unlock()
		m.logger.Debug("status for unknown order", "order_id", upd.OrderID)
		return
	}

	switch {
	case o.Status.IsFinal():
		// Terminal orders never move again; a late status is a protocol
		// violation to log and drop.
		m.mu.Unlock()
		m.logger.Warn("status after terminal state, ignoring",
			"order_id", upd.OrderID, "current", o.Status.String(), "reported", status.String())
		return

	case status == types.OrderStatusFilled && o.Remaining > 0:
		m.mu.Unlock()
		m.logger.Debug("filled status ahead of executions, ignoring", "order_id", upd.OrderID)
		return

	case status == types.OrderStatusPartiallyFilled:
		// Derived from executions; the report itself carries no new state.
		m.mu.Unlock()
		return
	}

	o.Status = status
	o.UpdatedAt = time.Now()

	switch status {
	case types.OrderStatusCancelled:
		events = append(events, &types.CancelEvent{
			Header:  types.NewHeader("orders"),
			OrderID: o.ID,
			Symbol:  o.Symbol,
			Reason:  o.RejectReason,
		})
		cancels = m.groups.onTerminalLocked(o, m.byID)
	case types.OrderStatusRejected, types.OrderStatusInactive:
		events = append(events, &types.RejectEvent{
			Header:  types.NewHeader("orders"),
			OrderID: o.ID,
			Symbol:  o.Symbol,
			Reason:  o.RejectReason,
		})
		cancels = m.groups.onTerminalLocked(o, m.byID)
	}

	events = append(events, &types.OrderStatusEvent{
		Header:       types.NewHeader("orders"),
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Status:       o.Status,
		Filled:       o.Filled,
		Remaining:    o.Remaining,
		AvgFillPrice: o.AvgFillPrice,
	})
	m.mu.Unlock()

	for _, evt := range events {
		m.emit(evt)
	}
	m.cancelOrders(ctx, cancels, "group policy")
}

// HandleExecution applies one fill report. Duplicate broker messages are
// detected by execution ID and by cumulative quantity; either way the second
// application changes nothing.
func (m *Manager) HandleExecution(ctx context.Context, exec broker.Execution) {
	var events []types.Event
	var cancels []int64

	m.mu.Lock()
	if _, dup := m.seenExecs[exec.ExecID]; dup {
		m.mu.Unlock()
		m.logger.Warn("duplicate execution, ignoring", "exec_id", exec.ExecID, "order_id", exec.OrderID)
		return
	}

	o, found := m.byID[exec.OrderID]
	if !found {
		m.mu.Unlock()
		m.logger.Warn("execution for unknown order", "order_id", exec.OrderID)
		return
	}

	if exec.CumQty > 0 && exec.CumQty <= o.Filled {
		m.mu.Unlock()
		m.logger.Warn("stale cumulative quantity, ignoring", "order_id", exec.OrderID, "cum", exec.CumQty)
		return
	}

	m.seenExecs[exec.ExecID] = exec.OrderID

	shares := exec.Shares
	if shares > o.Remaining {
		m.logger.Warn("overfill clamped", "order_id", o.ID, "shares", shares, "remaining", o.Remaining)
		shares = o.Remaining
	}

	// Weighted-average fill price.
	prevFilled := decimal.NewFromInt(int64(o.Filled))
	add := decimal.NewFromInt(int64(shares))
	newFilled := prevFilled.Add(add)
	if newFilled.IsPositive() {
		o.AvgFillPrice = o.AvgFillPrice.Mul(prevFilled).Add(exec.Price.Mul(add)).Div(newFilled)
	}

	o.Filled += shares
	o.Remaining = o.Qty - o.Filled
	o.UpdatedAt = time.Now()

	if o.Remaining == 0 {
		o.Status = types.OrderStatusFilled
		cancels = m.groups.onFilledLocked(o, m.byID)
	} else {
		o.Status = types.OrderStatusPartiallyFilled
	}

	events = append(events, &types.FillEvent{
		Header:           types.NewHeader("orders"),
		OrderID:          o.ID,
		Symbol:           o.Symbol,
		Side:             o.Side,
		Shares:           shares,
		Price:            exec.Price,
		CumulativeFilled: o.Filled,
		Remaining:        o.Remaining,
	})
	events = append(events, &types.OrderStatusEvent{
		Header:       types.NewHeader("orders"),
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Status:       o.Status,
		Filled:       o.Filled,
		Remaining:    o.Remaining,
		AvgFillPrice: o.AvgFillPrice,
	})
	m.mu.Unlock()

	for _, evt := range events {
		m.emit(evt)
	}
	m.cancelOrders(ctx, cancels, "oco member filled")
}

// HandleCommission attributes a commission report to its order.
func (m *Manager) HandleCommission(rep broker.CommissionReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orderID, ok := m.seenExecs[rep.ExecID]
	if !ok {
		m.logger.Debug("commission for unknown execution", "exec_id", rep.ExecID)
		return
	}
	if o, found := m.byID[orderID]; found {
		o.Commission = o.Commission.Add(rep.Commission)
	}
}

// HandleNotice surfaces broker error codes as error events.
func (m *Manager) HandleNotice(n broker.Notice) {
	m.emit(&types.ErrorEvent{
		Header:  types.NewHeader("broker"),
		Code:    n.Code,
		Message: n.Message,
		OrderID: n.OrderID,
	})
}

func (m *Manager) handleConnectivity(up bool) {
	if up {
		m.emit(&types.ConnectEvent{Header: types.NewHeader("broker")})
	} else {
		m.emit(&types.DisconnectEvent{Header: types.NewHeader("broker")})
	}
}

func (m *Manager) cancelOrders(ctx context.Context, ids []int64, reason string) {
	for _, id := range ids {
		if err := m.Cancel(ctx, id, reason); err != nil {
			m.logger.Warn("group cancel failed", "order_id", id, "err", err)
		}
	}
}

func (m *Manager) emit(evt types.Event) {
	if m.bus != nil {
		m.bus.Emit(evt)
	}
}
