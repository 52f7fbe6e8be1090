// Package fills reconciles executions against position state. The unified
// fill manager is the single component allowed to resize or tear down linked
// orders after a fill; rules create orders but never adjust them mid-flight.
package fills

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/orders"
	"github.com/tathienbao/signal-trader/internal/positions"
	"github.com/tathienbao/signal-trader/internal/types"
)

const (
	defaultRetries    = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// OrderBook is the order-manager surface the fill manager needs.
type OrderBook interface {
	Create(spec orders.Spec) (types.Order, error)
	Submit(ctx context.Context, clientID string) (int64, error)
	Cancel(ctx context.Context, orderID int64, reason string) error
	Get(orderID int64) (types.Order, bool)
}

// CooldownResetter is notified when a stop loss fills completely so entry
// rules on that symbol can fire again without waiting out their cooldown.
type CooldownResetter interface {
	ResetForSymbol(symbol string)
}

// Config tunes the retry behavior for protective resizes. The hooks are
// optional observation points for metrics and alerting.
type Config struct {
	Retries    int
	RetryDelay time.Duration

	OnResize        func(symbol, role string)
	OnResizeFailure func(symbol string, orderID int64)
}

func DefaultConfig() Config {
	return Config{Retries: defaultRetries, RetryDelay: defaultRetryDelay}
}

// Manager serializes fill handling per symbol. Each symbol gets a FIFO queue
// drained by one worker, so two fills on the same symbol can never interleave
// their resize logic, while different symbols proceed in parallel.
type Manager struct {
	book     OrderBook
	tracker  *positions.Tracker
	cooldown CooldownResetter
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	symbols map[string]*symbolWorker
	seen    map[int64]int // order ID -> lowest remaining already reconciled

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type symbolWorker struct {
	queue chan *types.FillEvent
	lock  sync.Mutex
}

// NewManager creates a fill manager. cooldown may be nil when no rule engine
// is attached.
func NewManager(book OrderBook, tracker *positions.Tracker, cooldown CooldownResetter, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Retries < 1 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		book:     book,
		tracker:  tracker,
		cooldown: cooldown,
		cfg:      cfg,
		logger:   logger,
		symbols:  make(map[string]*symbolWorker),
		seen:     make(map[int64]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Attach subscribes the manager to fill events on the bus.
func (m *Manager) Attach(b *bus.Bus) {
	b.SubscribeFunc(types.EventFill, func(evt types.Event) {
		fill, ok := evt.(*types.FillEvent)
		if !ok {
			return
		}
		m.enqueue(fill)
	})
}

// Stop cancels the workers and waits for in-flight fills to drain.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// worker returns the symbol's queue worker, creating it and starting its
// drain goroutine on first use.
func (m *Manager) worker(symbol string) *symbolWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.symbols[symbol]
	if !ok {
		w = &symbolWorker{queue: make(chan *types.FillEvent, 64)}
		m.symbols[symbol] = w
		m.wg.Add(1)
		go m.run(w)
	}
	return w
}

func (m *Manager) enqueue(fill *types.FillEvent) {
	w := m.worker(fill.Symbol)

	select {
	case w.queue <- fill:
	default:
		// A backed-up queue means fills are arriving faster than resizes
		// complete. Dropping would desync positions, so block.
		select {
		case w.queue <- fill:
		case <-m.ctx.Done():
		}
	}
}

func (m *Manager) run(w *symbolWorker) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case fill := <-w.queue:
			m.HandleFill(m.ctx, fill)
		}
	}
}

// HandleFill reconciles one fill. Exported for deterministic use in tests
// and for callers that do their own queueing; the per-symbol lock keeps it
// safe either way.
func (m *Manager) HandleFill(ctx context.Context, fill *types.FillEvent) {
	w := m.worker(fill.Symbol)

	w.lock.Lock()
	defer w.lock.Unlock()
	m.process(ctx, fill)
}

// duplicate reports whether this fill was already reconciled. An order's
// remaining quantity strictly decreases with every real fill, so a replayed
// event (broker retransmit, bus re-delivery) carries a remaining at or above
// the lowest one seen for that order.
func (m *Manager) duplicate(fill *types.FillEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	last, ok := m.seen[fill.OrderID]
	if ok && fill.Remaining >= last {
		m.logger.Warn("duplicate fill dropped",
			"symbol", fill.Symbol,
			"order_id", fill.OrderID,
			"remaining", fill.Remaining,
		)
		return true
	}
	m.seen[fill.OrderID] = fill.Remaining
	return false
}

func (m *Manager) process(ctx context.Context, fill *types.FillEvent) {
	if m.duplicate(fill) {
		return
	}

	pos, ok := m.tracker.BySymbol(fill.Symbol)
	if !ok {
		// Fill for a symbol with no active position. A manual order placed
		// outside the engine; nothing to reconcile.
		return
	}
	role, ok := pos.RoleOf(fill.OrderID)
	if !ok {
		m.logger.Debug("fill for unlinked order", "symbol", fill.Symbol, "order_id", fill.OrderID)
		return
	}

	fullyFilled := fill.Remaining == 0

	m.logger.Info("reconciling fill",
		"symbol", fill.Symbol,
		"order_id", fill.OrderID,
		"role", role.String(),
		"shares", fill.Shares,
		"remaining", fill.Remaining,
	)

	switch role {
	case positions.RoleMain, positions.RoleDoubleDown, positions.RoleScale:
		updated, err := m.tracker.OpenOrUpdate(fill.Symbol, fill.Side, fill.Shares, fill.Price, fill.OrderID)
		if err != nil {
			m.logger.Error("position update failed", "symbol", fill.Symbol, "err", err)
			return
		}
		m.resizeProtectives(ctx, &updated, -1)

	case positions.RoleStop, positions.RoleTarget:
		zeroed, err := m.tracker.RecordProtectiveFill(fill.Symbol, fill.Side, fill.Shares, fill.Price)
		if err != nil {
			m.logger.Error("protective fill record failed", "symbol", fill.Symbol, "err", err)
			return
		}
		if fullyFilled || zeroed {
			reason := "target filled"
			if role == positions.RoleStop {
				reason = "stop filled"
			}
			m.tracker.MarkClosing(pos.ID, reason)
			if err := m.tracker.Close(ctx, pos.ID, reason); err != nil {
				m.logger.Error("position close failed", "position_id", pos.ID, "err", err)
			}
			if role == positions.RoleStop && m.cooldown != nil {
				m.cooldown.ResetForSymbol(fill.Symbol)
			}
			return
		}
		// Partial protective fill: the broker reduces the filled order's
		// remaining size itself, so resize only the sibling roles.
		updated, ok := m.tracker.BySymbol(fill.Symbol)
		if ok {
			m.resizeProtectives(ctx, &updated, role)
		}

	case positions.RoleClose:
		zeroed, err := m.tracker.RecordProtectiveFill(fill.Symbol, fill.Side, fill.Shares, fill.Price)
		if err != nil {
			m.logger.Error("close fill record failed", "symbol", fill.Symbol, "err", err)
			return
		}
		if zeroed {
			if err := m.tracker.Close(ctx, pos.ID, "closed"); err != nil {
				m.logger.Error("position close failed", "position_id", pos.ID, "err", err)
			}
		}
	}
}

// resizeProtectives brings every open protective order in line with the
// position's net quantity. skip excludes a role from resizing, used when
// that role's own partial fill already adjusted its remaining size at the
// broker. Pass a negative role to resize everything.
func (m *Manager) resizeProtectives(ctx context.Context, pos *positions.Position, skip positions.Role) {
	target := pos.AbsQty()
	if target == 0 {
		return
	}

	for _, role := range []positions.Role{positions.RoleStop, positions.RoleTarget} {
		if role == skip {
			continue
		}
		for _, id := range pos.OrderIDs(role) {
			o, ok := m.book.Get(id)
			if !ok || !o.IsOpen() {
				continue
			}
			// Compare what is still working at the broker, not the original
			// size; a partially filled protective whose remainder already
			// matches the net needs no replacement.
			if o.Remaining == target {
				continue
			}
			m.resizeOrder(ctx, pos, role, o, target)
		}
	}
}

// resizeOrder replaces one protective order with an identical one at the new
// quantity. Cancel first, then recreate; a replacement that fails after
// retries leaves the position unprotected on that side, which is logged at
// error level for the operator.
func (m *Manager) resizeOrder(ctx context.Context, pos *positions.Position, role positions.Role, o types.Order, qty int) {
	if err := m.book.Cancel(ctx, o.ID, "resize"); err != nil {
		m.logger.Error("resize cancel failed", "order_id", o.ID, "err", err)
		return
	}

	spec := orders.Spec{
		Symbol:     o.Symbol,
		Side:       o.Side,
		Qty:        qty,
		Type:       o.Type,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		TIF:        o.TIF,
	}

	var newID int64
	var lastErr error
	for attempt := 0; attempt < m.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.RetryDelay):
			}
		}
		created, err := m.book.Create(spec)
		if err != nil {
			lastErr = err
			continue
		}
		newID, err = m.book.Submit(ctx, created.ClientID)
		if err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		m.logger.Error("protective resize failed, position unprotected on this side",
			"symbol", pos.Symbol,
			"role", role.String(),
			"qty", qty,
			"err", lastErr,
		)
		if m.cfg.OnResizeFailure != nil {
			m.cfg.OnResizeFailure(pos.Symbol, o.ID)
		}
		return
	}

	if err := m.tracker.DetachOrder(pos.ID, o.ID); err != nil {
		m.logger.Warn("detach old protective failed", "order_id", o.ID, "err", err)
	}
	if err := m.tracker.AttachOrder(pos.ID, role, newID); err != nil {
		m.logger.Warn("attach new protective failed", "order_id", newID, "err", err)
	}

	if m.cfg.OnResize != nil {
		m.cfg.OnResize(pos.Symbol, role.String())
	}
	m.logger.Info("protective resized",
		"symbol", pos.Symbol,
		"role", role.String(),
		"old_id", o.ID,
		"new_id", newID,
		"qty", qty,
	)
}
