package rules

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

const tickInterval = time.Second

// Rule pairs a condition with an action under scheduling constraints.
type Rule struct {
	ID       string
	Name     string
	Symbol   string // scope for cooldown resets; empty for global rules
	Priority int    // higher runs first

	Condition Condition
	Action    Action

	Cooldown  time.Duration // min gap between firings; zero disables
	MaxPerDay int           // zero means unlimited
}

// ruleState is the engine-side mutable state of one registered rule.
type ruleState struct {
	rule    *Rule
	order   int // registration order, tiebreak after priority
	enabled bool

	mu         sync.Mutex // serializes executions of this rule
	lastFired  time.Time
	firedToday int
	day        string // yyyy-mm-dd the counter belongs to
}

// Engine evaluates registered rules against bus events and a one-second
// scheduler tick. Evaluation order is priority descending, then registration
// order. One rule never runs concurrently with itself; different rules may.
type Engine struct {
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	rules map[string]*ruleState
	next  int

	events chan types.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the services injected into every evaluation context.
type Deps struct {
	Orders     OrderBook
	Positions  PositionBook
	Prices     PriceSource
	Indicators IndicatorSource
	Trades     TradeGuard
}

// NewEngine creates a rule engine.
func NewEngine(deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		deps:   deps,
		logger: logger,
		rules:  make(map[string]*ruleState),
		events: make(chan types.Event, 256),
	}
}

// Register adds a rule, enabled. Re-registering an ID replaces the rule and
// resets its state.
func (e *Engine) Register(r *Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[r.ID] = &ruleState{rule: r, order: e.next, enabled: true}
	e.next++
}

// Unregister removes a rule.
func (e *Engine) Unregister(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
}

// SetEnabled toggles a rule without losing its cooldown state.
func (e *Engine) SetEnabled(id string, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.rules[id]; ok {
		st.enabled = enabled
	}
}

// ResetForSymbol clears the cooldown of every rule scoped to the symbol.
// Called by the fill manager when a stop loss fills so re-entry rules can
// fire immediately.
func (e *Engine) ResetForSymbol(symbol string) {
	e.mu.Lock()
	states := e.snapshotLocked()
	e.mu.Unlock()

	for _, st := range states {
		if st.rule.Symbol != symbol {
			continue
		}
		st.mu.Lock()
		st.lastFired = time.Time{}
		st.mu.Unlock()
	}
	e.logger.Info("cooldowns reset", "symbol", symbol)
}

// Attach subscribes the engine to all events on the bus. Events are queued
// and evaluated on the scheduler goroutine, never inline with the emitter,
// so an action that itself causes an emission cannot re-enter a rule.
func (e *Engine) Attach(b *bus.Bus) {
	b.SubscribeFunc(types.EventAny, func(evt types.Event) {
		select {
		case e.events <- evt:
		default:
			e.logger.Warn("rule event queue full, dropping", "type", evt.Type().String())
		}
	})
}

// Start launches the scheduler goroutine: queued events are evaluated as
// they arrive and a tick fires every second for time-based rules.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-e.events:
				e.Evaluate(ctx, evt)
			case <-ticker.C:
				e.Evaluate(ctx, nil)
			}
		}
	}()
}

// Stop halts the scheduler and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Evaluate runs one pass over all enabled rules. evt is nil on scheduler
// ticks.
func (e *Engine) Evaluate(ctx context.Context, evt types.Event) {
	e.mu.Lock()
	states := e.snapshotLocked()
	e.mu.Unlock()

	now := time.Now()
	for _, st := range states {
		e.evaluateRule(ctx, st, evt, now)
	}
}

// snapshotLocked returns the rules sorted by priority desc then
// registration order.
func (e *Engine) snapshotLocked() []*ruleState {
	states := make([]*ruleState, 0, len(e.rules))
	for _, st := range e.rules {
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].rule.Priority != states[j].rule.Priority {
			return states[i].rule.Priority > states[j].rule.Priority
		}
		return states[i].order < states[j].order
	})
	return states
}

func (e *Engine) evaluateRule(ctx context.Context, st *ruleState, evt types.Event, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.enabled {
		return
	}
	r := st.rule

	if r.Cooldown > 0 && !st.lastFired.IsZero() && now.Sub(st.lastFired) < r.Cooldown {
		return
	}
	if r.MaxPerDay > 0 {
		day := now.Format("2006-01-02")
		if st.day != day {
			st.day = day
			st.firedToday = 0
		}
		if st.firedToday >= r.MaxPerDay {
			return
		}
	}

	c := &EvalContext{
		Ctx:        ctx,
		Event:      evt,
		Now:        now,
		Orders:     e.deps.Orders,
		Positions:  e.deps.Positions,
		Prices:     e.deps.Prices,
		Indicators: e.deps.Indicators,
		Trades:     e.deps.Trades,
		Logger:     e.logger.With("rule", r.Name),
	}

	if !r.Condition.Evaluate(c) {
		return
	}

	if err := r.Action.Execute(c); err != nil {
		// Failed actions consume neither the cooldown nor the daily quota,
		// so the rule retries on the next pass.
		e.logger.Error("rule action failed", "rule", r.Name, "err", err)
		return
	}

	st.lastFired = now
	st.firedToday++
}
