package schema

import "time"

// EventType names an engine notification.
type EventType string

const (
	// EventSurfaceState fires when a surface changes lifecycle state.
	EventSurfaceState EventType = "surface-state-changed"
	// EventConnectionState fires when a monitored account changes connectivity.
	EventConnectionState EventType = "connection-state-changed"
	// EventRecovery fires when a recovery operation changes phase.
	EventRecovery EventType = "recovery-event"
)

// Event is the envelope delivered to engine subscribers.
// Delivery is at-least-once; consumers must tolerate duplicates.
type Event struct {
	Type          EventType `json:"type"`
	AccountID     AccountID `json:"account_id"`
	PreviousState string    `json:"previous_state"`
	NewState      string    `json:"new_state"`
	Timestamp     time.Time `json:"timestamp"`

	SurfaceID SurfaceID  `json:"surface_id,omitempty"`
	Operation RecoveryOp `json:"operation,omitempty"`
	Category  Category   `json:"category,omitempty"`
	Action    Action     `json:"action,omitempty"`
	Detail    string     `json:"detail,omitempty"`
}

// SurfaceStateEvent builds a surface-state-changed event.
func SurfaceStateEvent(id AccountID, surface SurfaceID, from, to SurfaceState) Event {
	return Event{
		Type:          EventSurfaceState,
		AccountID:     id,
		SurfaceID:     surface,
		PreviousState: from.String(),
		NewState:      to.String(),
		Timestamp:     time.Now().UTC(),
	}
}

// ConnectionEvent builds a connection-state-changed event.
func ConnectionEvent(id AccountID, from, to ConnectionState, result CheckResult) Event {
	return Event{
		Type:          EventConnectionState,
		AccountID:     id,
		PreviousState: string(from),
		NewState:      string(to),
		Category:      result.Category,
		Detail:        result.Detail,
		Timestamp:     time.Now().UTC(),
	}
}

// RecoveryEvent builds a recovery-event.
func RecoveryEvent(id AccountID, op RecoveryOp, from, to RecoveryPhase) Event {
	return Event{
		Type:          EventRecovery,
		AccountID:     id,
		Operation:     op,
		PreviousState: string(from),
		NewState:      string(to),
		Timestamp:     time.Now().UTC(),
	}
}

// EventSink receives engine notifications. Implementations must not block.
type EventSink interface {
	Publish(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(ev).
func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// DiscardEvents drops every event.
var DiscardEvents EventSink = EventSinkFunc(func(Event) {})
