package alerting

import (
	"context"
	"log/slog"
	"time"

	"github.com/tathienbao/signal-trader/internal/bus"
	"github.com/tathienbao/signal-trader/internal/types"
)

// Notifier translates bus events into alerts. Which events notify is
// decided by the enabled predicate, so operators can silence noisy
// categories per deployment.
type Notifier struct {
	alerter Alerter
	enabled func(event string) bool
	summary *DailySummary
	logger  *slog.Logger
}

// NewNotifier builds a notifier. A nil enabled predicate notifies on
// every event.
func NewNotifier(alerter Alerter, enabled func(event string) bool, logger *slog.Logger) *Notifier {
	if enabled == nil {
		enabled = func(string) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		alerter: alerter,
		enabled: enabled,
		summary: NewDailySummary(time.Now()),
		logger:  logger,
	}
}

// Summary exposes the running daily summary.
func (n *Notifier) Summary() *DailySummary {
	return n.summary
}

// Attach subscribes the notifier to the bus events it reports on.
func (n *Notifier) Attach(b *bus.Bus) {
	b.SubscribeFunc(types.EventPrediction, n.onEvent)
	b.SubscribeFunc(types.EventReject, n.onEvent)
	b.SubscribeFunc(types.EventPositionOpen, n.onEvent)
	b.SubscribeFunc(types.EventPositionClose, n.onEvent)
	b.SubscribeFunc(types.EventConnect, n.onEvent)
	b.SubscribeFunc(types.EventDisconnect, n.onEvent)
}

func (n *Notifier) onEvent(evt types.Event) {
	ctx := context.Background()

	switch e := evt.(type) {
	case *types.PredictionSignal:
		n.send(ctx, EventSignalReceived, "Signal received",
			"symbol", e.Symbol,
			"signal", string(e.Signal),
			"confidence", e.Confidence.StringFixed(2),
		)
	case *types.RejectEvent:
		n.send(ctx, EventOrderRejected, "Order rejected",
			"order_id", e.OrderID,
			"symbol", e.Symbol,
			"reason", e.Reason,
		)
	case *types.PositionOpenEvent:
		n.send(ctx, EventPositionOpened, "Position opened",
			"symbol", e.Symbol,
			"side", e.Side.String(),
			"qty", e.Qty,
			"entry", e.EntryPrice.StringFixed(2),
		)
	case *types.PositionCloseEvent:
		n.summary.RecordTrade(e.RealizedPnL)
		n.send(ctx, EventPositionClosed, "Position closed",
			"symbol", e.Symbol,
			"reason", e.Reason,
			"realized_pnl", e.RealizedPnL.StringFixed(2),
		)
	case *types.ConnectEvent:
		n.send(ctx, EventConnectionRestored, "Broker connection up")
	case *types.DisconnectEvent:
		n.send(ctx, EventConnectionLost, "Broker connection lost")
	}
}

// NotifyStarted announces engine startup.
func (n *Notifier) NotifyStarted(ctx context.Context, symbols []string) {
	n.send(ctx, EventEngineStarted, "Trading engine started", "symbols", symbols)
}

// NotifyStopped announces shutdown and flushes the daily summary.
func (n *Notifier) NotifyStopped(ctx context.Context) {
	n.send(ctx, EventEngineStopped, "Trading engine stopped")
	if n.summary.Trades() > 0 {
		n.send(ctx, EventDailySummary, n.summary.Format())
	}
}

// NotifyResizeFailed reports an exhausted protective resize. The fill
// pipeline calls this directly since no bus event carries it.
func (n *Notifier) NotifyResizeFailed(ctx context.Context, symbol string, orderID int64) {
	n.send(ctx, EventResizeFailed, "Protective resize failed, position may be unprotected",
		"symbol", symbol,
		"order_id", orderID,
	)
}

func (n *Notifier) send(ctx context.Context, event AlertEvent, message string, fields ...any) {
	if !n.enabled(string(event)) {
		return
	}
	severity := EventSeverity(event)
	if err := n.alerter.Alert(ctx, severity, message, fields...); err != nil {
		n.logger.Warn("alert delivery failed", "event", string(event), "err", err)
	}
}
