package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_trader"

var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_total",
		Help:      "Orders by symbol, side and terminal status.",
	}, []string{"symbol", "side", "status"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fills_total",
		Help:      "Executions received, including partials.",
	}, []string{"symbol", "side"})

	SharesFilledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shares_filled_total",
		Help:      "Shares filled by symbol and side.",
	}, []string{"symbol", "side"})

	PositionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "positions_open",
		Help:      "Active positions per symbol (0 or 1).",
	}, []string{"symbol"})

	PositionNetQty = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "position_net_qty",
		Help:      "Signed net share quantity per symbol.",
	}, []string{"symbol"})

	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Closed trades by symbol, side and outcome.",
	}, []string{"symbol", "side", "outcome"})

	RealizedPnLTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "realized_pnl_total",
		Help:      "Cumulative realized PnL across all closed trades.",
	})

	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_received_total",
		Help:      "Prediction signals received by symbol and direction.",
	}, []string{"symbol", "direction"})

	SignalsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_ignored_total",
		Help:      "Prediction signals not acted upon, by reason.",
	}, []string{"reason"})

	RuleFiringsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rule_firings_total",
		Help:      "Rule actions executed, by rule name.",
	}, []string{"rule"})

	ProtectiveResizesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protective_resizes_total",
		Help:      "Stop and target orders replaced to match net quantity.",
	}, []string{"symbol", "role"})

	ResizeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resize_failures_total",
		Help:      "Protective resizes that exhausted their retries.",
	}, []string{"symbol"})

	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "quote_latency_seconds",
		Help:      "Snapshot quote round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	})

	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "broker_connected",
		Help:      "1 while the broker session is up.",
	})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the engine's last heartbeat.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by kind.",
	}, []string{"kind"})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata, value fixed at 1.",
	}, []string{"version", "commit", "date"})
)

// SetBuildInfo publishes build metadata.
func SetBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}
