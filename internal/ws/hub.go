// Package ws manages WebSocket sessions streaming phone events and audio to
// connected clients, with keepalive supervision and per-session queues.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Shapy-Sees/sip-phone-api/internal/event"
	"github.com/Shapy-Sees/sip-phone-api/internal/media"
	"github.com/Shapy-Sees/sip-phone-api/internal/phone"
)

const (
	// DefaultPingInterval is the keepalive ping cadence.
	DefaultPingInterval = 20 * time.Second

	// DefaultMaxMissedPings is how many unanswered pings close a session.
	DefaultMaxMissedPings = 3

	// maxRTPPacketSize bounds inbound binary messages on audio sessions.
	maxRTPPacketSize = 1500
)

// PhoneController is the control surface a session drives. Satisfied by the
// phone line orchestrator.
type PhoneController interface {
	TriggerRing(remoteParty string) error
	EndCall() error
	SendAudio(media.Frame) error
	Status() phone.Snapshot
}

// AudioStream hands out per-session inbound audio subscriptions. Satisfied
// by the media bridge.
type AudioStream interface {
	Attach(sessionID string) <-chan media.Frame
	Detach(sessionID string)
}

// Publisher enqueues system events raised by the hub.
type Publisher interface {
	Publish(*event.Event)
}

// Hub is the WebSocket session registry. It upgrades connections, fans
// dispatched events out to event and control sessions, and wires audio
// sessions to the media bridge.
type Hub struct {
	phone  PhoneController
	audio  AudioStream
	pub    Publisher
	logger *slog.Logger

	pingInterval   time.Duration
	maxMissedPings int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub creates a session hub. pingInterval <= 0 and maxMissedPings <= 0
// fall back to the defaults.
func NewHub(phone PhoneController, audio AudioStream, pub Publisher, pingInterval time.Duration, maxMissedPings int, logger *slog.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if maxMissedPings <= 0 {
		maxMissedPings = DefaultMaxMissedPings
	}
	return &Hub{
		phone:          phone,
		audio:          audio,
		pub:            pub,
		logger:         logger.With("subsystem", "ws-hub"),
		pingInterval:   pingInterval,
		maxMissedPings: maxMissedPings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Token auth happens before the upgrade; cross-origin browser
			// clients are expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// ServeHTTP upgrades the request into a session. The session kind comes from
// the "type" query parameter (events, audio, control); default is events.
// Authentication must be enforced by middleware ahead of this handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kind := Kind(r.URL.Query().Get("type"))
	switch kind {
	case KindEvents, KindAudio, KindControl:
	case "":
		kind = KindEvents
	default:
		http.Error(w, "unknown session type", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s := &Session{
		ID:     uuid.NewString(),
		Kind:   kind,
		hub:    h,
		conn:   conn,
		events: make(chan []byte, eventQueueSize),
		done:   make(chan struct{}),
	}
	s.logger = h.logger.With("session_id", s.ID, "kind", string(kind), "remote", r.RemoteAddr)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.sessions[s.ID] = s
	if kind == KindAudio {
		s.audio = h.audio.Attach(s.ID)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	s.logger.Info("session connected", "sessions", count)

	go s.writePump()
	go s.readPump()
}

// HandleEvent is the dispatcher subscriber: it fans the event envelope out
// to every event and control session without blocking.
func (h *Hub) HandleEvent(ev *event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to serialize event for sessions", "event_id", ev.ID, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		if s.Kind == KindEvents || s.Kind == KindControl {
			targets = append(targets, s)
		}
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.enqueueEvent(payload)
	}
}

// drop removes a session from the registry and releases its audio
// subscription. Called from Session.close.
func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.ID]
	if ok {
		delete(h.sessions, s.ID)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}
	if s.Kind == KindAudio {
		h.audio.Detach(s.ID)
	}
	s.logger.Info("session disconnected", "sessions", count)
}

// reportTimeout publishes the session_timeout system event for a session
// closed by keepalive supervision.
func (h *Hub) reportTimeout(s *Session) {
	h.pub.Publish(event.NewSystem(event.KindSessionTimeout,
		"websocket session closed after missed pings",
		map[string]string{
			"session_id": s.ID,
			"kind":       string(s.Kind),
		},
	))
}

// Close disconnects every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		s.close()
	}
	h.logger.Info("all sessions closed", "count", len(sessions))
}

// SessionCount returns the number of connected sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SessionCounts returns connected sessions broken out by kind.
func (h *Hub) SessionCounts() map[Kind]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[Kind]int, 3)
	for _, s := range h.sessions {
		out[s.Kind]++
	}
	return out
}
