package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewStateChangeWireFormat(t *testing.T) {
	ev := NewStateChange("call-1", "on_hook", "ringing")

	if ev.Type != TypeStateChange {
		t.Fatalf("Type = %q, want %q", ev.Type, TypeStateChange)
	}
	if ev.ID == "" {
		t.Fatal("event has no ID")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if wire["type"] != "state_change" {
		t.Errorf("type = %v, want state_change", wire["type"])
	}
	if wire["event_id"] != ev.ID {
		t.Errorf("event_id = %v, want %s", wire["event_id"], ev.ID)
	}
	if wire["call_id"] != "call-1" {
		t.Errorf("call_id = %v, want call-1", wire["call_id"])
	}
	if wire["old_state"] != "on_hook" || wire["new_state"] != "ringing" {
		t.Errorf("states = %v -> %v, want on_hook -> ringing", wire["old_state"], wire["new_state"])
	}

	ts, ok := wire["timestamp"].(string)
	if !ok {
		t.Fatalf("timestamp is %T, want string", wire["timestamp"])
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z07:00", ts); err != nil {
		t.Errorf("timestamp %q does not parse: %v", ts, err)
	}

	// Payload fields from the other variants must not leak in.
	for _, key := range []string{"digit", "sequence", "kind", "message"} {
		if _, present := wire[key]; present {
			t.Errorf("unexpected field %q in state_change envelope", key)
		}
	}
}

func TestNewDTMFWireFormat(t *testing.T) {
	ev := NewDTMF("call-2", "5", 3, 120*time.Millisecond)

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if wire["type"] != "dtmf" {
		t.Errorf("type = %v, want dtmf", wire["type"])
	}
	if wire["digit"] != "5" {
		t.Errorf("digit = %v, want 5", wire["digit"])
	}
	if wire["sequence"] != float64(3) {
		t.Errorf("sequence = %v, want 3", wire["sequence"])
	}
	if wire["duration_ms"] != float64(120) {
		t.Errorf("duration_ms = %v, want 120", wire["duration_ms"])
	}
}

func TestNewSystemWireFormat(t *testing.T) {
	ev := NewSystem(KindQueueOverflow, "event queue full, oldest event dropped", map[string]string{
		"dropped_event_id": "abc",
	})

	if ev.CallID != "" {
		t.Errorf("CallID = %q, want empty", ev.CallID)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var wire struct {
		Type    Type              `json:"type"`
		Kind    SystemKind        `json:"kind"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
		CallID  string            `json:"call_id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	if wire.Type != TypeSystem {
		t.Errorf("type = %q, want %q", wire.Type, TypeSystem)
	}
	if wire.Kind != KindQueueOverflow {
		t.Errorf("kind = %q, want %q", wire.Kind, KindQueueOverflow)
	}
	if wire.Message == "" {
		t.Error("message is empty")
	}
	if wire.Details["dropped_event_id"] != "abc" {
		t.Errorf("details = %v, want dropped_event_id=abc", wire.Details)
	}
	if wire.CallID != "" {
		t.Errorf("call_id = %q, want omitted", wire.CallID)
	}
}

func TestMarshalRejectsMissingPayload(t *testing.T) {
	ev := &Event{ID: "x", Type: TypeDTMF, Timestamp: time.Now()}
	if _, err := json.Marshal(ev); err == nil {
		t.Error("marshaling a dtmf event without a payload succeeded")
	}

	ev = &Event{ID: "y", Type: Type("bogus"), Timestamp: time.Now()}
	if _, err := json.Marshal(ev); err == nil {
		t.Error("marshaling an unknown event type succeeded")
	}
}
