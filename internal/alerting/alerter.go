// Package alerting pushes operational notifications out of the platform:
// kill-switch activations, broker connectivity changes and risk findings go
// to the configured channels.
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

// FormatFields converts variadic key-value fields to a formatted string.
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
	// EventKillSwitchActivated is sent when the kill switch engages.
	EventKillSwitchActivated AlertEvent = "kill_switch_activated"
	// EventKillSwitchReleased is sent when an operator releases the switch.
	EventKillSwitchReleased AlertEvent = "kill_switch_released"
	// EventBrokerDisconnected is sent when the broker session drops.
	EventBrokerDisconnected AlertEvent = "broker_disconnected"
	// EventBrokerReconnected is sent when the session is reestablished.
	EventBrokerReconnected AlertEvent = "broker_reconnected"
	// EventOrderRejected is sent when an order is rejected.
	EventOrderRejected AlertEvent = "order_rejected"
	// EventOrderRepaired is sent when the reconciler corrects a stale order.
	EventOrderRepaired AlertEvent = "order_repaired"
	// EventServiceStarted is sent when a binary comes up.
	EventServiceStarted AlertEvent = "service_started"
	// EventServiceStopped is sent when a binary shuts down.
	EventServiceStopped AlertEvent = "service_stopped"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventKillSwitchActivated:
		return SeverityCritical
	case EventBrokerDisconnected:
		return SeverityHigh
	case EventKillSwitchReleased, EventOrderRejected, EventOrderRepaired:
		return SeverityWarning
	case EventBrokerReconnected, EventServiceStarted, EventServiceStopped:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}
