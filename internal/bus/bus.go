// Package bus provides the typed publish/subscribe hub connecting the
// trading subsystems.
package bus

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/tathienbao/signal-trader/internal/types"
)

// Handler processes one delivered event.
type Handler interface {
	HandleEvent(evt types.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(evt types.Event)

func (f HandlerFunc) HandleEvent(evt types.Event) { f(evt) }

type registration struct {
	id      uint64
	handler Handler
}

// Bus delivers each emitted event to every handler registered for the event's
// concrete type or any of its supertypes. Delivery within one type follows
// subscription order. Handler panics are logged and never abort delivery to
// the remaining handlers.
type Bus struct {
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[types.EventType][]registration
	byHandle map[uint64]types.EventType
	nextID   uint64

	enabled atomic.Bool
}

// New creates an enabled event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:   logger,
		subs:     make(map[types.EventType][]registration),
		byHandle: make(map[uint64]types.EventType),
	}
	b.enabled.Store(true)
	return b
}

// Subscription identifies one registration for later removal.
type Subscription uint64

// Subscribe registers handler for eventType and every subtype of it.
// Registering the same comparable handler value twice for the same type is a
// no-op and returns the original subscription. Handlers of uncomparable
// dynamic types (funcs, handlers holding slices or maps by value) always get
// a fresh registration.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ht := reflect.TypeOf(handler); ht != nil && ht.Comparable() {
		for _, reg := range b.subs[eventType] {
			if reg.handler == handler {
				return Subscription(reg.id)
			}
		}
	}

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], registration{id: id, handler: handler})
	b.byHandle[id] = eventType
	return Subscription(id)
}

// SubscribeFunc registers fn for eventType. Unlike Subscribe, every call is a
// distinct registration (function values are not comparable).
func (b *Bus) SubscribeFunc(eventType types.EventType, fn func(types.Event)) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], registration{id: id, handler: HandlerFunc(fn)})
	b.byHandle[id] = eventType
	return Subscription(id)
}

// Unsubscribe removes a registration. Returns whether anything was removed.
func (b *Bus) Unsubscribe(sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	et, ok := b.byHandle[uint64(sub)]
	if !ok {
		return false
	}
	delete(b.byHandle, uint64(sub))

	regs := b.subs[et]
	for i, reg := range regs {
		if reg.id == uint64(sub) {
			b.subs[et] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers evt to all handlers registered for its type or any supertype.
// Handlers run on the caller's goroutine; the subscriber snapshot is taken
// under the lock and handlers are invoked without holding it. When the bus is
// disabled Emit is a no-op.
func (b *Bus) Emit(evt types.Event) {
	if !b.enabled.Load() {
		return
	}

	var snapshot []registration
	b.mu.Lock()
	for _, et := range types.Lineage(evt.Type()) {
		snapshot = append(snapshot, b.subs[et]...)
	}
	b.mu.Unlock()

	for _, reg := range snapshot {
		b.invoke(reg.handler, evt)
	}
}

func (b *Bus) invoke(h Handler, evt types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event_type", evt.Type().String(),
				"event_id", evt.EventID(),
				"panic", r,
			)
		}
	}()
	h.HandleEvent(evt)
}

// Enable turns event delivery on.
func (b *Bus) Enable() { b.enabled.Store(true) }

// Disable turns the bus into a sink; used during shutdown so late emitters
// do not reach half-stopped handlers.
func (b *Bus) Disable() { b.enabled.Store(false) }

// Enabled reports whether the bus is delivering events.
func (b *Bus) Enabled() bool { return b.enabled.Load() }

// SubscriberCount returns the number of direct registrations for a type.
func (b *Bus) SubscriberCount(eventType types.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[eventType])
}
