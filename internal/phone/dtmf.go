package phone

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shapy-Sees/sip-phone-api/internal/event"
)

// Default debounce timings for the DTMF sequencer. A 40ms minimum tone
// matches typical keypad tone detection; shorter bursts are treated as noise.
const (
	DefaultMinToneDuration = 40 * time.Millisecond
	DefaultMinInterDigit   = 80 * time.Millisecond
)

// validDigits is the set of digits the sequencer accepts.
var validDigits = map[string]bool{
	"0": true, "1": true, "2": true, "3": true, "4": true,
	"5": true, "6": true, "7": true, "8": true, "9": true,
	"*": true, "#": true,
}

// pendingDigit is a debounced digit waiting out the inter-digit gap before
// it is committed with a sequence number. A same-digit tone restarting
// within the gap merges into it instead of producing a new event.
type pendingDigit struct {
	digit    string
	duration time.Duration
	endedAt  time.Time
}

// Sequencer debounces raw tone-start/tone-end signals from the telephony
// engine into discrete digit events with gapless, monotonically increasing
// sequence numbers per call. Debounce state is scoped to the call and reset
// by StartCall.
type Sequencer struct {
	pub     Publisher
	logger  *slog.Logger
	minTone time.Duration
	minGap  time.Duration

	mu     sync.Mutex
	callID string
	seq    int64
	gen    int64 // bumped on call boundaries to invalidate stale flush timers

	// tone currently sounding.
	toneActive bool
	toneDigit  string
	toneStart  time.Time
	carried    time.Duration // duration carried over a merged bounce gap

	pending    *pendingDigit
	flushTimer *time.Timer
}

// NewSequencer creates a DTMF sequencer. Durations <= 0 fall back to the
// package defaults.
func NewSequencer(pub Publisher, minTone, minGap time.Duration, logger *slog.Logger) *Sequencer {
	if minTone <= 0 {
		minTone = DefaultMinToneDuration
	}
	if minGap <= 0 {
		minGap = DefaultMinInterDigit
	}
	return &Sequencer{
		pub:     pub,
		logger:  logger.With("subsystem", "dtmf-sequencer"),
		minTone: minTone,
		minGap:  minGap,
	}
}

// StartCall resets the sequencer for a new call. The sequence counter
// restarts at 1 for the first digit of the call.
func (s *Sequencer) StartCall(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()
	s.callID = callID
	s.seq = 0
	s.logger.Debug("dtmf sequencer armed", "call_id", callID)
}

// EndCall commits any fully debounced digit, discards an in-flight tone,
// and disarms the sequencer. Committing before disarming keeps the last
// digit ordered ahead of the call's closing state change.
func (s *Sequencer) EndCall() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		s.emitLocked(s.pending)
	}
	s.resetLocked()
	s.callID = ""
}

// resetLocked clears all debounce state. Caller holds s.mu.
func (s *Sequencer) resetLocked() {
	s.gen++
	s.toneActive = false
	s.toneDigit = ""
	s.carried = 0
	s.pending = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// ToneStart handles a tone-start signal from the telephony engine. at is the
// engine's capture timestamp.
func (s *Sequencer) ToneStart(digit string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callID == "" {
		// Publish is a non-blocking enqueue, safe under the lock.
		s.pub.Publish(event.NewSystem(event.KindDTMFIgnored,
			"tone signal received while line idle",
			map[string]string{"digit": digit},
		))
		return
	}

	if !validDigits[digit] {
		s.logger.Warn("ignoring tone with invalid digit", "digit", digit, "call_id", s.callID)
		return
	}

	// Overlapping starts: close out the sounding tone at this instant
	// before starting the new one.
	if s.toneActive {
		s.logger.Debug("tone-start while tone active, closing previous tone",
			"previous", s.toneDigit,
			"digit", digit,
		)
		s.settleToneLocked(at)
	}

	if s.pending != nil {
		if s.pending.digit == digit && at.Sub(s.pending.endedAt) < s.minGap {
			// Bounce: the gap was too short to count as a new key press.
			// Resume the pending digit, accumulating its duration.
			s.carried = s.pending.duration
			s.pending = nil
			if s.flushTimer != nil {
				s.flushTimer.Stop()
				s.flushTimer = nil
			}
			s.toneActive = true
			s.toneDigit = digit
			s.toneStart = at
			return
		}
		// A different digit, or a real gap: commit the pending digit now.
		s.emitLocked(s.pending)
		s.pending = nil
		if s.flushTimer != nil {
			s.flushTimer.Stop()
			s.flushTimer = nil
		}
	}

	s.toneActive = true
	s.toneDigit = digit
	s.toneStart = at
	s.carried = 0
}

// ToneEnd handles a tone-end signal from the telephony engine.
func (s *Sequencer) ToneEnd(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.callID == "" || !s.toneActive {
		return
	}
	s.settleToneLocked(at)
}

// settleToneLocked ends the sounding tone at the given instant, applying the
// minimum-duration filter and scheduling the inter-digit flush. Caller holds
// s.mu.
func (s *Sequencer) settleToneLocked(at time.Time) {
	duration := at.Sub(s.toneStart) + s.carried
	digit := s.toneDigit
	s.toneActive = false
	s.toneDigit = ""
	s.carried = 0

	if duration < s.minTone {
		s.logger.Debug("tone discarded as noise",
			"digit", digit,
			"duration_ms", duration.Milliseconds(),
			"min_ms", s.minTone.Milliseconds(),
		)
		return
	}

	s.pending = &pendingDigit{digit: digit, duration: duration, endedAt: at}

	// Hold the digit for one inter-digit gap: a same-digit bounce within
	// the gap merges into it rather than becoming a second event.
	gen := s.gen
	s.flushTimer = time.AfterFunc(s.minGap, func() {
		s.flushAfterGap(gen)
	})
}

// flushAfterGap commits the pending digit once the inter-digit gap has
// elapsed, unless the call ended or a bounce consumed it in the meantime.
func (s *Sequencer) flushAfterGap(gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.pending == nil {
		return
	}
	s.emitLocked(s.pending)
	s.pending = nil
	s.flushTimer = nil
}

// emitLocked assigns the next sequence number and publishes the digit.
// Caller holds s.mu.
func (s *Sequencer) emitLocked(p *pendingDigit) {
	next := s.seq + 1
	if next <= s.seq {
		// Gapless monotonic sequencing is a hard invariant; a regression
		// here is a programming error, not a reportable condition.
		panic(fmt.Sprintf("dtmf sequence regression: %d after %d (call %s)", next, s.seq, s.callID))
	}
	s.seq = next

	ev := event.NewDTMF(s.callID, p.digit, next, p.duration)

	s.logger.Info("dtmf digit",
		"digit", p.digit,
		"sequence", next,
		"duration_ms", p.duration.Milliseconds(),
		"call_id", s.callID,
	)

	s.pub.Publish(ev)
}
