package media

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultJitterFrames is the per-session buffer depth used when no depth is
// configured. At 20ms per G.711 frame this smooths ~320ms of arrival jitter.
const DefaultJitterFrames = 16

// FrameWriter accepts frames destined for the telephony engine.
type FrameWriter interface {
	WriteFrame(Frame) error
}

// ErrNoSink is returned by WriteOutbound when no engine writer is attached.
var ErrNoSink = errors.New("no engine frame writer attached")

// orderedGate enforces forward-only sequencing: frames at or behind the last
// accepted sequence are discarded rather than reordered, keeping the path
// low-latency.
type orderedGate struct {
	last     uint64
	accepted bool
}

// accept reports whether a frame with the given sequence moves forward.
func (g *orderedGate) accept(seq uint64) bool {
	if g.accepted && seq <= g.last {
		return false
	}
	g.last = seq
	g.accepted = true
	return true
}

// sessionSink is one audio-subscribed session's buffered frame channel.
type sessionSink struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// Bridge forwards audio frames between the telephony engine and subscribed
// WebSocket sessions. Inbound frames fan out to every attached session
// through a bounded jitter buffer; a session lagging past its buffer loses
// frames rather than blocking the path. Outbound frames pass straight
// through to the engine, discarding anything older than the last accepted
// sequence. No transcoding is performed in either direction.
type Bridge struct {
	logger       *slog.Logger
	jitterFrames int

	mu       sync.Mutex
	sessions map[string]*sessionSink
	sink     FrameWriter
	inGate   orderedGate
	outGate  orderedGate

	framesForwarded atomic.Uint64
	framesDropped   atomic.Uint64
	outDiscarded    atomic.Uint64
}

// NewBridge creates an audio bridge with the given per-session jitter buffer
// depth. A depth <= 0 falls back to DefaultJitterFrames.
func NewBridge(jitterFrames int, logger *slog.Logger) *Bridge {
	if jitterFrames <= 0 {
		jitterFrames = DefaultJitterFrames
	}
	return &Bridge{
		logger:       logger.With("subsystem", "audio-bridge"),
		jitterFrames: jitterFrames,
		sessions:     make(map[string]*sessionSink),
	}
}

// SetEngineWriter attaches the writer that carries outbound frames to the
// telephony engine.
func (b *Bridge) SetEngineWriter(w FrameWriter) {
	b.mu.Lock()
	b.sink = w
	b.mu.Unlock()
}

// Attach subscribes a session to the inbound audio stream and returns the
// channel frames will arrive on. The channel is closed by Detach.
func (b *Bridge) Attach(sessionID string) <-chan Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.sessions[sessionID]; ok {
		return existing.ch
	}
	sink := &sessionSink{ch: make(chan Frame, b.jitterFrames)}
	b.sessions[sessionID] = sink

	b.logger.Debug("audio session attached", "session_id", sessionID, "sessions", len(b.sessions))
	return sink.ch
}

// Detach unsubscribes a session and closes its frame channel. Frames still
// buffered for the session are dropped with it.
func (b *Bridge) Detach(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sink, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	delete(b.sessions, sessionID)
	close(sink.ch)
	b.logger.Debug("audio session detached", "session_id", sessionID, "sessions", len(b.sessions))
}

// WriteInbound forwards one engine-tagged frame to every attached session.
// Frames at or behind the last accepted inbound sequence are dropped, not
// reordered. A session whose jitter buffer is full loses the frame.
func (b *Bridge) WriteInbound(f Frame) {
	b.mu.Lock()
	if !b.inGate.accept(f.Sequence) {
		b.mu.Unlock()
		b.framesDropped.Add(1)
		return
	}

	for id, sink := range b.sessions {
		select {
		case sink.ch <- f:
		default:
			// Session is lagging beyond its jitter buffer; drop the
			// frame for it rather than blocking the stream.
			n := sink.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				b.logger.Warn("session lagging, dropping audio frames",
					"session_id", id,
					"dropped", n,
				)
			}
			b.framesDropped.Add(1)
		}
	}
	b.mu.Unlock()

	b.framesForwarded.Add(1)
}

// WriteOutbound forwards one client frame toward the telephony engine.
// Out-of-order frames are discarded; there is no reordering buffer on the
// phone-side playback path.
func (b *Bridge) WriteOutbound(f Frame) error {
	b.mu.Lock()
	sink := b.sink
	accepted := b.outGate.accept(f.Sequence)
	b.mu.Unlock()

	if !accepted {
		b.outDiscarded.Add(1)
		return nil
	}
	if sink == nil {
		return ErrNoSink
	}
	return sink.WriteFrame(f)
}

// Reset clears both direction gates for a new call, whose sequences restart.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.inGate = orderedGate{}
	b.outGate = orderedGate{}
	b.mu.Unlock()
}

// SessionCount returns the number of attached audio sessions.
func (b *Bridge) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// FramesForwarded returns the total inbound frames forwarded to sessions.
func (b *Bridge) FramesForwarded() uint64 { return b.framesForwarded.Load() }

// FramesDropped returns inbound frames dropped for stale sequence or
// session lag.
func (b *Bridge) FramesDropped() uint64 { return b.framesDropped.Load() }

// OutboundDiscarded returns client frames discarded as out of order.
func (b *Bridge) OutboundDiscarded() uint64 { return b.outDiscarded.Load() }
