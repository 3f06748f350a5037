// Package phone implements the single-line phone core: the state machine
// driven by telephony-engine signals, the DTMF sequencer, and the line
// orchestrator that ties them to the event dispatcher.
package phone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shapy-Sees/sip-phone-api/internal/event"
)

// State is the hook state of the phone line.
type State string

const (
	StateOnHook  State = "on_hook"
	StateOffHook State = "off_hook"
	StateRinging State = "ringing"
	StateInCall  State = "in_call"
	StateError   State = "error"
)

// ErrInvalidTransition is returned when a requested transition is not
// permitted from the current state. The state is left unchanged.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions is the authoritative transition table. A state never
// transitions to itself, so consecutive emitted states are always distinct.
var validTransitions = map[State][]State{
	StateOnHook:  {StateRinging, StateOffHook, StateError},
	StateOffHook: {StateOnHook, StateInCall, StateError},
	StateRinging: {StateOnHook, StateOffHook, StateError},
	StateInCall:  {StateOnHook, StateError},
	StateError:   {StateOnHook},
}

// maxHistory bounds the transition history ring.
const maxHistory = 100

// Transition records one accepted state change in the history ring.
type Transition struct {
	At     time.Time `json:"at"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	CallID string    `json:"call_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

// Stats holds line counters surfaced through the status endpoint and metrics.
type Stats struct {
	StateChanges int64      `json:"state_changes"`
	DTMFEvents   int64      `json:"dtmf_events"`
	Errors       int64      `json:"errors"`
	TotalCalls   int64      `json:"total_calls"`
	LastChangeAt *time.Time `json:"last_state_change,omitempty"`
}

// Publisher enqueues events for asynchronous fan-out. Satisfied by
// *event.Dispatcher.
type Publisher interface {
	Publish(*event.Event)
}

// Machine is the phone state machine. It owns the line's state exclusively;
// all mutation goes through Transition, and every accepted transition
// publishes exactly one state_change event before Transition returns.
type Machine struct {
	pub    Publisher
	logger *slog.Logger

	mu        sync.Mutex
	current   State
	errReason string
	history   []Transition
	stats     Stats
}

// NewMachine creates a state machine starting in the on_hook state.
func NewMachine(pub Publisher, logger *slog.Logger) *Machine {
	return &Machine{
		pub:     pub,
		logger:  logger.With("subsystem", "state-machine"),
		current: StateOnHook,
	}
}

// State returns the current phone state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition requests a state change. Invalid requests leave the state
// unchanged, publish an invalid_transition system event, and return
// ErrInvalidTransition. Accepted transitions update the state, append to the
// history ring, and publish a state_change event carrying callID.
func (m *Machine) Transition(to State, callID, reason string) error {
	m.mu.Lock()

	from := m.current
	if !transitionAllowed(from, to) {
		m.mu.Unlock()
		m.logger.Warn("transition rejected",
			"from", from,
			"to", to,
			"call_id", callID,
		)
		m.pub.Publish(event.NewSystem(event.KindInvalidTransition,
			fmt.Sprintf("invalid transition from %s to %s", from, to),
			map[string]string{"from": string(from), "to": string(to), "call_id": callID},
		))
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	m.current = to
	if to == StateError {
		m.errReason = reason
		m.stats.Errors++
	} else {
		m.errReason = ""
	}
	if to == StateInCall {
		m.stats.TotalCalls++
	}

	now := time.Now().UTC()
	m.stats.StateChanges++
	m.stats.LastChangeAt = &now

	m.history = append(m.history, Transition{
		At:     now,
		From:   from,
		To:     to,
		CallID: callID,
		Reason: reason,
	})
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}

	// Enqueued while still holding the lock: Publish never blocks, and two
	// concurrent accepted transitions must hand the dispatcher their
	// state_change events in mutation order.
	m.pub.Publish(event.NewStateChange(callID, string(from), string(to)))
	m.mu.Unlock()

	m.logger.Info("state transition",
		"from", from,
		"to", to,
		"call_id", callID,
		"reason", reason,
	)
	return nil
}

// transitionAllowed reports whether from -> to is in the transition table.
func transitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorReason returns the fault description while in the error state,
// empty otherwise.
func (m *Machine) ErrorReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errReason
}

// Stats returns a snapshot of the line counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// RecordDTMF increments the dtmf counter. Called by the line when the
// sequencer emits a digit.
func (m *Machine) RecordDTMF() {
	m.mu.Lock()
	m.stats.DTMFEvents++
	m.mu.Unlock()
}

// History returns the most recent transitions, newest last, up to limit.
// A limit <= 0 returns the full ring.
func (m *Machine) History(limit int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Transition, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}
