// Package alerting provides notification capabilities for the trading
// engine.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// Field represents a key-value pair for structured alert data.
type Field struct {
	Key   string
	Value any
}

// FormatFields converts variadic fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventSignalReceived is sent when a prediction signal arrives.
	EventSignalReceived AlertEvent = "signal_received"
	// EventOrderRejected is sent when an order is rejected.
	EventOrderRejected AlertEvent = "order_rejected"
	// EventPositionOpened is sent when a position is opened.
	EventPositionOpened AlertEvent = "position_opened"
	// EventPositionClosed is sent when a position is closed.
	EventPositionClosed AlertEvent = "position_closed"
	// EventResizeFailed is sent when a protective resize exhausts retries.
	EventResizeFailed AlertEvent = "resize_failed"
	// EventDailySummary is sent for the daily trading summary.
	EventDailySummary AlertEvent = "daily_summary"
	// EventConnectionLost is sent when the broker connection drops.
	EventConnectionLost AlertEvent = "connection_lost"
	// EventConnectionRestored is sent when the broker connection recovers.
	EventConnectionRestored AlertEvent = "connection_restored"
	// EventEngineStarted is sent when the engine starts.
	EventEngineStarted AlertEvent = "engine_started"
	// EventEngineStopped is sent when the engine stops.
	EventEngineStopped AlertEvent = "engine_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventResizeFailed:
		return SeverityCritical
	case EventOrderRejected, EventConnectionLost:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
