package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordOrder records a terminal order state.
func (r *Recorder) RecordOrder(symbol, side, status string) {
	OrdersTotal.WithLabelValues(symbol, side, status).Inc()
}

// RecordFill records one execution.
func (r *Recorder) RecordFill(symbol, side string, shares int) {
	FillsTotal.WithLabelValues(symbol, side).Inc()
	SharesFilledTotal.WithLabelValues(symbol, side).Add(float64(shares))
}

// RecordPositionOpened records a position being opened.
func (r *Recorder) RecordPositionOpened(symbol string, netQty int) {
	PositionsOpen.WithLabelValues(symbol).Set(1)
	PositionNetQty.WithLabelValues(symbol).Set(float64(netQty))
}

// RecordPositionQty records a net quantity change on an open position.
func (r *Recorder) RecordPositionQty(symbol string, netQty int) {
	PositionNetQty.WithLabelValues(symbol).Set(float64(netQty))
}

// RecordPositionClosed records a position being closed.
func (r *Recorder) RecordPositionClosed(symbol, side string, realized decimal.Decimal) {
	PositionsOpen.WithLabelValues(symbol).Set(0)
	PositionNetQty.WithLabelValues(symbol).Set(0)

	outcome := "loss"
	if realized.IsPositive() {
		outcome = "win"
	}
	TradesTotal.WithLabelValues(symbol, side, outcome).Inc()
	RealizedPnLTotal.Add(realized.InexactFloat64())
}

// RecordSignal records a prediction signal arriving.
func (r *Recorder) RecordSignal(symbol, direction string) {
	SignalsReceived.WithLabelValues(symbol, direction).Inc()
}

// RecordSignalIgnored records a prediction signal that was not acted upon.
func (r *Recorder) RecordSignalIgnored(reason string) {
	SignalsIgnored.WithLabelValues(reason).Inc()
}

// RecordRuleFiring records a rule action executing.
func (r *Recorder) RecordRuleFiring(rule string) {
	RuleFiringsTotal.WithLabelValues(rule).Inc()
}

// RecordResize records a protective order replacement.
func (r *Recorder) RecordResize(symbol, role string) {
	ProtectiveResizesTotal.WithLabelValues(symbol, role).Inc()
}

// RecordResizeFailure records a resize that exhausted its retries.
func (r *Recorder) RecordResizeFailure(symbol string) {
	ResizeFailuresTotal.WithLabelValues(symbol).Inc()
}

// RecordQuoteLatency records a snapshot quote round trip.
func (r *Recorder) RecordQuoteLatency(duration time.Duration) {
	QuoteLatency.Observe(duration.Seconds())
}

// RecordBrokerStatus records broker connection status.
func (r *Recorder) RecordBrokerStatus(connected bool) {
	if connected {
		BrokerConnected.Set(1)
	} else {
		BrokerConnected.Set(0)
	}
}

// RecordHeartbeat records a heartbeat.
func (r *Recorder) RecordHeartbeat() {
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an error by kind.
func (r *Recorder) RecordError(kind string) {
	ErrorsTotal.WithLabelValues(kind).Inc()
}

// Timer measures elapsed time for latency metrics.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer started.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
