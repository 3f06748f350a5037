package phone

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shapy-Sees/sip-phone-api/internal/event"
	"github.com/Shapy-Sees/sip-phone-api/internal/media"
)

// Call directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ErrNotInCall is returned by SendAudio when no call is established.
var ErrNotInCall = errors.New("no call in progress")

// CallInfo describes the current or most recently closed call.
type CallInfo struct {
	CallID      string     `json:"call_id"`
	Direction   string     `json:"direction"`
	RemoteParty string     `json:"remote_party,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Snapshot is the status view returned by Status.
type Snapshot struct {
	State           State        `json:"state"`
	ErrorReason     string       `json:"error_reason,omitempty"`
	Call            *CallInfo    `json:"call,omitempty"`
	Stats           Stats        `json:"stats"`
	LastTransitions []Transition `json:"last_transitions"`
}

// AudioSink accepts audio frames destined for the phone side of the bridge.
type AudioSink interface {
	WriteOutbound(media.Frame) error
}

// StreamResetter clears per-call media sequencing state. Satisfied by the
// engine media endpoint.
type StreamResetter interface {
	ResetStreams()
}

// Line orchestrates the single phone line: it owns the state machine and the
// DTMF sequencer, tracks the current call_id, and translates telephony-engine
// signals into validated transitions. At most one call is active at a time.
type Line struct {
	machine   *Machine
	sequencer *Sequencer
	pub       Publisher
	sink      AudioSink
	streams   StreamResetter
	logger    *slog.Logger

	mu     sync.Mutex
	call   *CallInfo // current call, or the last closed one
	active bool
}

// NewLine creates the line orchestrator. minTone and minGap configure DTMF
// debouncing; pass zero for defaults.
func NewLine(pub Publisher, minTone, minGap time.Duration, logger *slog.Logger) *Line {
	l := &Line{
		pub:    pub,
		logger: logger.With("subsystem", "phone-line"),
	}
	l.machine = NewMachine(pub, logger)
	l.sequencer = NewSequencer(&dtmfCounter{line: l, pub: pub}, minTone, minGap, logger)
	return l
}

// dtmfCounter forwards sequencer events to the dispatcher while keeping the
// line's dtmf counter in step.
type dtmfCounter struct {
	line *Line
	pub  Publisher
}

func (c *dtmfCounter) Publish(ev *event.Event) {
	if ev.Type == event.TypeDTMF {
		c.line.machine.RecordDTMF()
	}
	c.pub.Publish(ev)
}

// SetAudioSink wires the phone-bound audio path used by SendAudio.
func (l *Line) SetAudioSink(sink AudioSink) {
	l.mu.Lock()
	l.sink = sink
	l.mu.Unlock()
}

// SetStreamResetter wires the media reset hook invoked on every new call.
func (l *Line) SetStreamResetter(r StreamResetter) {
	l.mu.Lock()
	l.streams = r
	l.mu.Unlock()
}

// State returns the current phone state.
func (l *Line) State() State { return l.machine.State() }

// CurrentCallID returns the active call's id, or empty when the line is idle.
func (l *Line) CurrentCallID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active || l.call == nil {
		return ""
	}
	return l.call.CallID
}

// newCall opens a call, arms the DTMF sequencer for it, and resets the media
// stream state, since the new call's RTP sequences restart. Caller must not
// hold l.mu.
func (l *Line) newCall(direction, remoteParty string) *CallInfo {
	l.mu.Lock()
	call := &CallInfo{
		CallID:      uuid.NewString(),
		Direction:   direction,
		RemoteParty: remoteParty,
		StartedAt:   time.Now().UTC(),
	}
	l.call = call
	l.active = true
	l.sequencer.StartCall(call.CallID)
	streams := l.streams
	l.mu.Unlock()

	if streams != nil {
		streams.ResetStreams()
	}
	return call
}

// closeCall ends the active call, committing any debounced digit first so
// the call's last dtmf event is published ahead of the closing state change.
func (l *Line) closeCall() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.active {
		return
	}
	l.sequencer.EndCall()
	now := time.Now().UTC()
	l.call.EndedAt = &now
	l.active = false
}

// RingStart handles the telephony engine's ring-start signal: the line
// begins ringing with a fresh call_id.
func (l *Line) RingStart(remoteParty string) error {
	call := l.newCall(DirectionInbound, remoteParty)
	if err := l.machine.Transition(StateRinging, call.CallID, "ring-start"); err != nil {
		l.closeCall()
		return err
	}
	return nil
}

// RingStop handles an abandoned or timed-out ring.
func (l *Line) RingStop() error {
	callID := l.CurrentCallID()
	l.closeCall()
	return l.machine.Transition(StateOnHook, callID, "ring-stop")
}

// Answered handles the handset being picked up while ringing.
func (l *Line) Answered() error {
	callID := l.CurrentCallID()
	if err := l.machine.Transition(StateOffHook, callID, "answered"); err != nil {
		return err
	}
	l.mu.Lock()
	if l.active {
		now := time.Now().UTC()
		l.call.AnsweredAt = &now
	}
	l.mu.Unlock()
	return nil
}

// OffHook handles the handset being lifted on an idle line (outbound call).
func (l *Line) OffHook(remoteParty string) error {
	call := l.newCall(DirectionOutbound, remoteParty)
	if err := l.machine.Transition(StateOffHook, call.CallID, "off-hook"); err != nil {
		l.closeCall()
		return err
	}
	return nil
}

// MediaUp handles media establishment: the call is now fully connected.
func (l *Line) MediaUp() error {
	return l.machine.Transition(StateInCall, l.CurrentCallID(), "media-established")
}

// Hangup handles the hangup signal from either side. The call is closed
// before the transition so its last committed digit is published ahead of
// the closing state change.
func (l *Line) Hangup() error {
	callID := l.CurrentCallID()
	l.closeCall()
	return l.machine.Transition(StateOnHook, callID, "hangup")
}

// Fault handles a hardware or signaling fault from the telephony engine.
// The line enters the error state and stays there until Recovered.
func (l *Line) Fault(reason string) error {
	callID := l.CurrentCallID()
	l.closeCall()
	if err := l.machine.Transition(StateError, callID, reason); err != nil {
		return err
	}
	l.pub.Publish(event.NewSystem(event.KindTelephonyFault, reason,
		map[string]string{"call_id": callID},
	))
	return nil
}

// Recovered clears the error state back to on_hook.
func (l *Line) Recovered() error {
	return l.machine.Transition(StateOnHook, "", "recovered")
}

// ToneStart forwards a tone-start signal to the DTMF sequencer.
func (l *Line) ToneStart(digit string, at time.Time) {
	l.sequencer.ToneStart(digit, at)
}

// ToneEnd forwards a tone-end signal to the DTMF sequencer.
func (l *Line) ToneEnd(at time.Time) {
	l.sequencer.ToneEnd(at)
}

// TriggerRing is the control-surface operation that makes the line ring.
func (l *Line) TriggerRing(remoteParty string) error {
	return l.RingStart(remoteParty)
}

// EndCall is the control-surface operation that hangs up the active call.
func (l *Line) EndCall() error {
	switch l.machine.State() {
	case StateRinging:
		return l.RingStop()
	case StateOffHook, StateInCall:
		return l.Hangup()
	default:
		return fmt.Errorf("%w: line is %s", ErrNotInCall, l.machine.State())
	}
}

// SendAudio forwards an audio frame toward the phone. Only valid in_call.
func (l *Line) SendAudio(f media.Frame) error {
	if l.machine.State() != StateInCall {
		return ErrNotInCall
	}
	l.mu.Lock()
	sink := l.sink
	l.mu.Unlock()
	if sink == nil {
		return errors.New("no audio sink attached")
	}
	return sink.WriteOutbound(f)
}

// Status returns a point-in-time snapshot of the line.
func (l *Line) Status() Snapshot {
	l.mu.Lock()
	var call *CallInfo
	if l.call != nil {
		c := *l.call
		call = &c
	}
	l.mu.Unlock()

	return Snapshot{
		State:           l.machine.State(),
		ErrorReason:     l.machine.ErrorReason(),
		Call:            call,
		Stats:           l.machine.Stats(),
		LastTransitions: l.machine.History(5),
	}
}
