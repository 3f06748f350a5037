package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shapy-Sees/sip-phone-api/internal/media"
)

// Kind selects what a session receives and may send.
type Kind string

const (
	// KindEvents streams phone events as JSON text messages.
	KindEvents Kind = "events"

	// KindAudio streams inbound audio as binary messages and accepts
	// client audio for the phone as binary messages.
	KindAudio Kind = "audio"

	// KindControl accepts JSON control commands and streams events.
	KindControl Kind = "control"
)

const (
	// eventQueueSize bounds a session's pending event envelopes. A consumer
	// lagging past this loses events rather than stalling the dispatcher.
	eventQueueSize = 64

	// writeWait is the deadline for a single WebSocket write.
	writeWait = 5 * time.Second

	// maxControlMessage bounds inbound text messages on control sessions.
	maxControlMessage = 4 << 10
)

// controlRequest is one inbound command on a control session.
type controlRequest struct {
	Action      string `json:"action"`
	RemoteParty string `json:"remote_party,omitempty"`
}

// controlResponse acknowledges a control command.
type controlResponse struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Session is one connected WebSocket client. Writes go through a single
// write pump; reads are handled by a single read pump. Both exit when the
// connection drops or the hub shuts down.
type Session struct {
	ID   string
	Kind Kind

	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger

	events chan []byte
	audio  <-chan media.Frame

	// seqExt unrolls the client's 16-bit RTP sequence numbers.
	seqExt media.SequenceExtender

	missedPings   atomic.Int32
	eventsDropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// enqueueEvent hands an event envelope to the session's write pump without
// blocking. Returns false if the session's queue is full.
func (s *Session) enqueueEvent(payload []byte) bool {
	select {
	case s.events <- payload:
		return true
	default:
		n := s.eventsDropped.Add(1)
		if n == 1 || n%100 == 0 {
			s.logger.Warn("session event queue full, dropping events", "dropped", n)
		}
		return false
	}
}

// close tears the session down exactly once: the connection is closed,
// the audio subscription released, and the hub registry updated.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
		s.hub.drop(s)
	})
}

// writePump is the only goroutine that writes to the connection. It
// multiplexes event envelopes, audio frames, and keepalive pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.done:
			return

		case payload := <-s.events:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("event write failed", "error", err)
				return
			}

		case frame, ok := <-s.audio:
			if !ok {
				// Bridge detached us; nothing left to stream.
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
				s.logger.Debug("audio write failed", "error", err)
				return
			}

		case <-ticker.C:
			if int(s.missedPings.Add(1)) > s.hub.maxMissedPings {
				s.logger.Warn("session unresponsive, closing",
					"missed_pings", s.missedPings.Load(),
				)
				s.hub.reportTimeout(s)
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound messages until the connection drops. Binary
// messages on audio sessions feed the phone; text messages on control
// sessions are commands. Everything else is ignored.
func (s *Session) readPump() {
	defer s.close()

	if s.Kind == KindControl {
		s.conn.SetReadLimit(maxControlMessage)
	} else {
		s.conn.SetReadLimit(maxRTPPacketSize)
	}

	// One interval longer than the write pump's miss budget, so keepalive
	// supervision closes the session (and reports it) before the read
	// deadline trips.
	pongWait := s.hub.pingInterval * time.Duration(s.hub.maxMissedPings+2)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.missedPings.Store(0)
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read error", "error", err)
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if s.Kind == KindAudio {
				s.handleAudio(data)
			}
		case websocket.TextMessage:
			if s.Kind == KindControl {
				s.handleControl(data)
			}
		}
	}
}

// handleAudio forwards one client audio packet toward the phone.
func (s *Session) handleAudio(pkt []byte) {
	pt, seq, ok := media.InspectRTP(pkt)
	if !ok {
		return
	}
	frame := media.Frame{
		Payload:     pkt,
		PayloadType: pt,
		Sequence:    s.seqExt.Extend(seq),
		CapturedAt:  time.Now(),
	}
	if err := s.hub.phone.SendAudio(frame); err != nil {
		s.logger.Debug("client audio rejected", "error", err)
	}
}

// handleControl executes one control command and queues the response.
func (s *Session) handleControl(data []byte) {
	var req controlRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.respond(controlResponse{Type: "response", OK: false, Error: "malformed command"})
		return
	}

	resp := controlResponse{Type: "response", Action: req.Action, OK: true}
	switch req.Action {
	case "ring":
		if err := s.hub.phone.TriggerRing(req.RemoteParty); err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	case "hangup":
		if err := s.hub.phone.EndCall(); err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	case "status":
		resp.Data = s.hub.phone.Status()
	default:
		resp.OK = false
		resp.Error = "unknown action"
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.enqueueEvent(payload)
}

func (s *Session) respond(resp controlResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.enqueueEvent(payload)
}
