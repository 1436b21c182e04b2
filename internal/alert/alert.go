// Package alert delivers threshold-crossing events to an external collaborator.
// The Sink interface has a real Redis implementation and a no-op one selected
// at construction time.
package alert

import "context"

// Severity grades an alert event.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Event types emitted by the scheduler.
const (
	TypeTaskWait       = "task_wait"
	TypeServiceBlocked = "service_blocked"
)

// Event is one alert notification.
type Event struct {
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	TaskID    string   `json:"task_id,omitempty"`
	ServiceID string   `json:"service_id,omitempty"`
	Message   string   `json:"message"`
	At        string   `json:"at"`
}

// Sink receives alert events. Emit must not block scheduling decisions;
// failures are logged by callers, never propagated into a cycle.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) error { return nil }
