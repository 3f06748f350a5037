// Package event defines the event model shared by the phone state machine,
// the DTMF sequencer, the webhook delivery engine, and the WebSocket session
// manager, plus the dispatcher that fans events out between them.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates the payload carried by an Event.
type Type string

const (
	// TypeStateChange is emitted by the state machine on every accepted
	// phone state transition.
	TypeStateChange Type = "state_change"

	// TypeDTMF is emitted by the DTMF sequencer for every debounced digit.
	TypeDTMF Type = "dtmf"

	// TypeSystem is emitted for operational conditions: rejected
	// transitions, queue overflow, delivery failures, telephony faults.
	TypeSystem Type = "system_event"
)

// SystemKind classifies a system event.
type SystemKind string

const (
	KindInvalidTransition     SystemKind = "invalid_transition"
	KindQueueOverflow         SystemKind = "queue_overflow"
	KindWebhookDeliveryFailed SystemKind = "webhook_delivery_failed"
	KindDTMFIgnored           SystemKind = "dtmf_ignored"
	KindSessionTimeout        SystemKind = "session_timeout"
	KindTelephonyFault        SystemKind = "telephony_fault"
	KindWebhookTest           SystemKind = "webhook_test"
)

// StateChange holds the payload of a state_change event.
type StateChange struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

// DTMF holds the payload of a dtmf event. Sequence is monotonic and gapless
// within a call, starting at 1.
type DTMF struct {
	Digit      string `json:"digit"`
	Sequence   int64  `json:"sequence"`
	DurationMS int64  `json:"duration_ms"`
}

// System holds the payload of a system_event.
type System struct {
	Kind    SystemKind        `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Event is the tagged union delivered through the dispatcher. Exactly one of
// StateChange, DTMF, or System is non-nil, matching Type. Events are
// immutable once constructed; the dispatcher owns them from publish until
// every subscriber has been handed a reference.
type Event struct {
	// ID uniquely identifies this event for delivery tracking.
	ID string

	// Type discriminates the payload.
	Type Type

	// Timestamp is the event creation time in UTC, millisecond precision.
	Timestamp time.Time

	// CallID correlates the event with a phone call. Empty for events that
	// occur while the line is idle.
	CallID string

	StateChange *StateChange
	DTMF        *DTMF
	System      *System
}

// NewStateChange constructs a state_change event.
func NewStateChange(callID, oldState, newState string) *Event {
	return &Event{
		ID:          uuid.NewString(),
		Type:        TypeStateChange,
		Timestamp:   now(),
		CallID:      callID,
		StateChange: &StateChange{OldState: oldState, NewState: newState},
	}
}

// NewDTMF constructs a dtmf event.
func NewDTMF(callID, digit string, sequence int64, duration time.Duration) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      TypeDTMF,
		Timestamp: now(),
		CallID:    callID,
		DTMF: &DTMF{
			Digit:      digit,
			Sequence:   sequence,
			DurationMS: duration.Milliseconds(),
		},
	}
}

// NewSystem constructs a system_event. details may be nil.
func NewSystem(kind SystemKind, message string, details map[string]string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      TypeSystem,
		Timestamp: now(),
		System:    &System{Kind: kind, Message: message, Details: details},
	}
}

// now returns the current UTC time truncated to millisecond precision, the
// resolution carried on the wire.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// wireEvent is the flattened JSON envelope shared by webhook POST bodies and
// WebSocket text frames.
type wireEvent struct {
	Type      Type   `json:"type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	CallID    string `json:"call_id,omitempty"`

	// state_change fields.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// dtmf fields.
	Digit      string `json:"digit,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`

	// system_event fields.
	Kind    SystemKind        `json:"kind,omitempty"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// MarshalJSON renders the event as the flat wire envelope with an ISO-8601
// UTC timestamp.
func (e *Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:      e.Type,
		EventID:   e.ID,
		Timestamp: e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		CallID:    e.CallID,
	}

	switch e.Type {
	case TypeStateChange:
		if e.StateChange == nil {
			return nil, fmt.Errorf("state_change event %s has no payload", e.ID)
		}
		w.OldState = e.StateChange.OldState
		w.NewState = e.StateChange.NewState
	case TypeDTMF:
		if e.DTMF == nil {
			return nil, fmt.Errorf("dtmf event %s has no payload", e.ID)
		}
		w.Digit = e.DTMF.Digit
		w.Sequence = e.DTMF.Sequence
		w.DurationMS = e.DTMF.DurationMS
	case TypeSystem:
		if e.System == nil {
			return nil, fmt.Errorf("system event %s has no payload", e.ID)
		}
		w.Kind = e.System.Kind
		w.Message = e.System.Message
		w.Details = e.System.Details
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	return json.Marshal(w)
}
