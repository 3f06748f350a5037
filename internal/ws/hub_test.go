package ws

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shapy-Sees/sip-phone-api/internal/event"
	"github.com/Shapy-Sees/sip-phone-api/internal/media"
	"github.com/Shapy-Sees/sip-phone-api/internal/phone"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePhone is a PhoneController recording calls.
type fakePhone struct {
	mu      sync.Mutex
	rings   []string
	hangups int
	frames  []media.Frame
	ringErr error
	endErr  error
}

func (p *fakePhone) TriggerRing(remoteParty string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ringErr != nil {
		return p.ringErr
	}
	p.rings = append(p.rings, remoteParty)
	return nil
}

func (p *fakePhone) EndCall() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endErr != nil {
		return p.endErr
	}
	p.hangups++
	return nil
}

func (p *fakePhone) SendAudio(f media.Frame) error {
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return nil
}

func (p *fakePhone) Status() phone.Snapshot {
	return phone.Snapshot{State: phone.StateOnHook}
}

func (p *fakePhone) frameCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// capturePub records system events raised by the hub.
type capturePub struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *capturePub) Publish(ev *event.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *capturePub) byKind(k event.SystemKind) []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*event.Event
	for _, ev := range p.events {
		if ev.Type == event.TypeSystem && ev.System.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// newTestHub spins up a hub behind an httptest server and returns a dial
// helper. pingInterval of 0 uses a long interval that stays quiet in tests.
func newTestHub(t *testing.T, phoneCtl PhoneController, audio AudioStream, pub Publisher, pingInterval time.Duration, maxMissed int) (*Hub, func(kind string) *websocket.Conn) {
	t.Helper()
	if pingInterval == 0 {
		pingInterval = time.Minute
	}
	if audio == nil {
		audio = media.NewBridge(4, testLogger())
	}
	if pub == nil {
		pub = &capturePub{}
	}

	hub := NewHub(phoneCtl, audio, pub, pingInterval, maxMissed, testLogger())
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	dial := func(kind string) *websocket.Conn {
		t.Helper()
		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		if kind != "" {
			url += "?type=" + kind
		}
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			t.Fatalf("dial %q session: %v", kind, err)
		}
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	return hub, dial
}

func TestEventFanOut(t *testing.T) {
	hub, dial := newTestHub(t, &fakePhone{}, nil, nil, 0, 3)

	events := dial("events")
	control := dial("control")
	waitFor(t, func() bool { return hub.SessionCount() == 2 })

	ev := event.NewStateChange("call-1", "on_hook", "ringing")
	hub.HandleEvent(ev)

	for name, conn := range map[string]*websocket.Conn{"events": events, "control": control} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s session read: %v", name, err)
		}
		if msgType != websocket.TextMessage {
			t.Errorf("%s session got message type %d, want text", name, msgType)
		}

		var wire struct {
			Type     string `json:"type"`
			EventID  string `json:"event_id"`
			NewState string `json:"new_state"`
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			t.Fatalf("%s session payload: %v", name, err)
		}
		if wire.Type != "state_change" || wire.EventID != ev.ID || wire.NewState != "ringing" {
			t.Errorf("%s session envelope = %+v, want state_change %s ringing", name, wire, ev.ID)
		}
	}
}

func TestDefaultSessionKindIsEvents(t *testing.T) {
	hub, dial := newTestHub(t, &fakePhone{}, nil, nil, 0, 3)

	dial("")
	waitFor(t, func() bool { return hub.SessionCount() == 1 })

	counts := hub.SessionCounts()
	if counts[KindEvents] != 1 {
		t.Errorf("SessionCounts() = %v, want one events session", counts)
	}
}

func TestUnknownSessionTypeRejected(t *testing.T) {
	hub := NewHub(&fakePhone{}, media.NewBridge(4, testLogger()), &capturePub{}, time.Minute, 3, testLogger())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?type=video")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestControlActions(t *testing.T) {
	fp := &fakePhone{}
	hub, dial := newTestHub(t, fp, nil, nil, 0, 3)

	conn := dial("control")
	waitFor(t, func() bool { return hub.SessionCount() == 1 })

	send := func(raw string) controlResponse {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write command: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp
	}

	resp := send(`{"action":"ring","remote_party":"+15550001111"}`)
	if !resp.OK || resp.Action != "ring" {
		t.Errorf("ring response = %+v, want ok", resp)
	}
	fp.mu.Lock()
	rings := append([]string(nil), fp.rings...)
	fp.mu.Unlock()
	if len(rings) != 1 || rings[0] != "+15550001111" {
		t.Errorf("rings = %v, want [+15550001111]", rings)
	}

	resp = send(`{"action":"status"}`)
	if !resp.OK || resp.Data == nil {
		t.Errorf("status response = %+v, want ok with data", resp)
	}

	fp.mu.Lock()
	fp.endErr = errors.New("no call in progress")
	fp.mu.Unlock()
	resp = send(`{"action":"hangup"}`)
	if resp.OK || resp.Error == "" {
		t.Errorf("hangup response = %+v, want error", resp)
	}

	resp = send(`{"action":"reboot"}`)
	if resp.OK || resp.Error != "unknown action" {
		t.Errorf("unknown action response = %+v, want unknown action error", resp)
	}

	resp = send(`{not json`)
	if resp.OK || resp.Error != "malformed command" {
		t.Errorf("malformed response = %+v, want malformed command error", resp)
	}
}

// rtpPacket builds a minimal RTP packet for audio tests.
func rtpPacket(pt int, seq uint16, payload []byte) []byte {
	pkt := make([]byte, 12+len(payload))
	pkt[0] = 0x80
	pkt[1] = byte(pt) & 0x7F
	pkt[2] = byte(seq >> 8)
	pkt[3] = byte(seq)
	copy(pkt[12:], payload)
	return pkt
}

func TestAudioStreaming(t *testing.T) {
	fp := &fakePhone{}
	bridge := media.NewBridge(4, testLogger())
	hub, dial := newTestHub(t, fp, bridge, nil, 0, 3)

	conn := dial("audio")
	waitFor(t, func() bool { return hub.SessionCount() == 1 && bridge.SessionCount() == 1 })

	// Phone -> client: frames written to the bridge arrive as binary messages.
	inbound := rtpPacket(media.PayloadPCMU, 100, []byte{0x01, 0x02, 0x03})
	bridge.WriteInbound(media.Frame{Payload: inbound, PayloadType: media.PayloadPCMU, Sequence: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read audio frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want binary", msgType)
	}
	if len(data) != len(inbound) {
		t.Errorf("frame length = %d, want %d", len(data), len(inbound))
	}

	// Client -> phone: binary RTP packets reach SendAudio.
	outbound := rtpPacket(media.PayloadPCMA, 7, []byte{0xaa})
	if err := conn.WriteMessage(websocket.BinaryMessage, outbound); err != nil {
		t.Fatalf("write audio frame: %v", err)
	}

	waitFor(t, func() bool { return fp.frameCount() == 1 })
	fp.mu.Lock()
	frame := fp.frames[0]
	fp.mu.Unlock()
	if frame.PayloadType != media.PayloadPCMA {
		t.Errorf("payload type = %d, want %d", frame.PayloadType, media.PayloadPCMA)
	}
	if frame.Sequence != 7 {
		t.Errorf("sequence = %d, want 7", frame.Sequence)
	}

	// Garbage shorter than an RTP header is discarded silently.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write short frame: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if fp.frameCount() != 1 {
		t.Errorf("frame count = %d after garbage packet, want 1", fp.frameCount())
	}
}

func TestAudioSessionDetachesOnClose(t *testing.T) {
	bridge := media.NewBridge(4, testLogger())
	hub, dial := newTestHub(t, &fakePhone{}, bridge, nil, 0, 3)

	conn := dial("audio")
	waitFor(t, func() bool { return bridge.SessionCount() == 1 })

	conn.Close()
	waitFor(t, func() bool { return bridge.SessionCount() == 0 && hub.SessionCount() == 0 })
}

func TestUnresponsiveSessionTimesOut(t *testing.T) {
	pub := &capturePub{}
	hub, dial := newTestHub(t, &fakePhone{}, nil, pub, 20*time.Millisecond, 2)

	// Never read from the connection, so the client library never answers
	// the server's pings.
	dial("events")
	waitFor(t, func() bool { return len(pub.byKind(event.KindSessionTimeout)) == 1 })
	waitFor(t, func() bool { return hub.SessionCount() == 0 })

	ev := pub.byKind(event.KindSessionTimeout)[0]
	if ev.System.Details["kind"] != "events" {
		t.Errorf("timeout event kind = %q, want events", ev.System.Details["kind"])
	}
}

func TestHubCloseDisconnectsSessions(t *testing.T) {
	hub, dial := newTestHub(t, &fakePhone{}, nil, nil, 0, 3)

	conn := dial("events")
	waitFor(t, func() bool { return hub.SessionCount() == 1 })

	hub.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("read succeeded after hub close, want close error")
	}
	if hub.SessionCount() != 0 {
		t.Errorf("SessionCount() = %d after close, want 0", hub.SessionCount())
	}
}
