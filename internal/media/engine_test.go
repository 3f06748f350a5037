package media

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

// captureTones records tone signals from the engine endpoint.
type captureTones struct {
	mu     sync.Mutex
	starts []string
	ends   int
}

func (c *captureTones) ToneStart(digit string, at time.Time) {
	c.mu.Lock()
	c.starts = append(c.starts, digit)
	c.mu.Unlock()
}

func (c *captureTones) ToneEnd(at time.Time) {
	c.mu.Lock()
	c.ends++
	c.mu.Unlock()
}

func (c *captureTones) snapshot() ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.starts...), c.ends
}

func testWaitFor(t *testing.T, cond func() bool) {
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

// newTestEndpoint binds an endpoint on a random local port together with a
// client socket playing the telephony engine.
func newTestEndpoint(t *testing.T, bridge *Bridge, tones ToneSignaler) (*EngineEndpoint, *net.UDPConn) {
	t.Helper()

	ep, err := NewEngineEndpoint("127.0.0.1:0", nil, bridge, tones, nil, testLogger())
	if err != nil {
		t.Fatalf("NewEngineEndpoint() error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ep.Start(ctx)
	t.Cleanup(func() {
		cancel()
		ep.Close()
	})

	engine, err := net.DialUDP("udp", nil, ep.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dialing endpoint: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return ep, engine
}

// telephoneEventPacket builds an RFC 2833 packet for the given event code.
func telephoneEventPacket(seq uint16, ts uint32, code uint8, end bool) []byte {
	payload := []byte{code, 0x0a, 0x03, 0x20}
	if end {
		payload[1] |= 0x80
	}
	pkt := rtpPacket(PayloadTelephoneEvent, seq, ts, payload)
	return pkt
}

func TestEngineEndpointForwardsAudio(t *testing.T) {
	bridge := NewBridge(8, testLogger())
	_, engine := newTestEndpoint(t, bridge, &captureTones{})

	ch := bridge.Attach("s1")

	for seq := uint16(1); seq <= 3; seq++ {
		if _, err := engine.Write(rtpPacket(PayloadPCMU, seq, uint32(seq)*160, []byte{0xff, 0xfe})); err != nil {
			t.Fatalf("write packet %d: %v", seq, err)
		}
	}

	for want := uint64(1); want <= 3; want++ {
		select {
		case f := <-ch:
			if f.Sequence != want {
				t.Errorf("sequence = %d, want %d", f.Sequence, want)
			}
			if f.PayloadType != PayloadPCMU {
				t.Errorf("payload type = %d, want %d", f.PayloadType, PayloadPCMU)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never arrived", want)
		}
	}
}

func TestEngineEndpointIgnoresUnknownPayloadTypes(t *testing.T) {
	bridge := NewBridge(8, testLogger())
	_, engine := newTestEndpoint(t, bridge, &captureTones{})

	ch := bridge.Attach("s1")

	// Opus (dynamic PT 111) is not in the passthrough set.
	if _, err := engine.Write(rtpPacket(111, 1, 160, []byte{0x01})); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := engine.Write(rtpPacket(PayloadPCMA, 2, 320, []byte{0x02})); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case f := <-ch:
		if f.PayloadType != PayloadPCMA {
			t.Errorf("payload type = %d, want only PCMA to pass", f.PayloadType)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("PCMA frame never arrived")
	}
	select {
	case f := <-ch:
		t.Errorf("unexpected extra frame with payload type %d", f.PayloadType)
	default:
	}
}

func TestEngineEndpointDecodesTelephoneEvents(t *testing.T) {
	bridge := NewBridge(8, testLogger())
	tones := &captureTones{}
	_, engine := newTestEndpoint(t, bridge, tones)

	// A "5" key press: start packets share a timestamp, the End packet is
	// retransmitted and must end the tone exactly once.
	engine.Write(telephoneEventPacket(1, 8000, 5, false)) //nolint:errcheck
	engine.Write(telephoneEventPacket(2, 8000, 5, false)) //nolint:errcheck
	engine.Write(telephoneEventPacket(3, 8000, 5, true))  //nolint:errcheck
	engine.Write(telephoneEventPacket(4, 8000, 5, true))  //nolint:errcheck
	engine.Write(telephoneEventPacket(5, 8000, 5, true))  //nolint:errcheck

	testWaitFor(t, func() bool {
		starts, ends := tones.snapshot()
		return len(starts) == 1 && ends == 1
	})

	starts, _ := tones.snapshot()
	if starts[0] != "5" {
		t.Errorf("tone digit = %q, want 5", starts[0])
	}

	// A following "#" press with a new timestamp.
	engine.Write(telephoneEventPacket(6, 9600, 11, false)) //nolint:errcheck
	engine.Write(telephoneEventPacket(7, 9600, 11, true))  //nolint:errcheck

	testWaitFor(t, func() bool {
		starts, ends := tones.snapshot()
		return len(starts) == 2 && ends == 2
	})
	starts, _ = tones.snapshot()
	if starts[1] != "#" {
		t.Errorf("second tone digit = %q, want #", starts[1])
	}
}

func TestEngineEndpointResetStreamsAcceptsNewCallSequences(t *testing.T) {
	bridge := NewBridge(8, testLogger())
	ep, engine := newTestEndpoint(t, bridge, &captureTones{})

	ch := bridge.Attach("s1")

	// First call ends with a high sequence position.
	for seq := uint16(29998); seq <= 30000; seq++ {
		if _, err := engine.Write(rtpPacket(PayloadPCMU, seq, uint32(seq)*160, []byte{0xff})); err != nil {
			t.Fatalf("write call 1 packet %d: %v", seq, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("call 1 frame %d never arrived", i+1)
		}
	}

	// Call boundary: extender state and both gates are cleared.
	ep.ResetStreams()

	// The next call's stream restarts below the previous call's position but
	// above the rollover threshold; every frame must still pass.
	for seq := uint16(10000); seq <= 10002; seq++ {
		if _, err := engine.Write(rtpPacket(PayloadPCMU, seq, uint32(seq)*160, []byte{0xfe})); err != nil {
			t.Fatalf("write call 2 packet %d: %v", seq, err)
		}
	}
	for want := uint64(10000); want <= 10002; want++ {
		select {
		case f := <-ch:
			if f.Sequence != want {
				t.Errorf("call 2 sequence = %d, want %d", f.Sequence, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("call 2 frame %d never arrived (gate held the previous call's position)", want)
		}
	}
}

func TestEngineEndpointSymmetricWriteBack(t *testing.T) {
	bridge := NewBridge(8, testLogger())
	ep, engine := newTestEndpoint(t, bridge, &captureTones{})

	// Before any inbound traffic the engine address is unknown.
	if err := ep.WriteFrame(Frame{Payload: []byte{0x00}}); err == nil {
		t.Error("WriteFrame succeeded before the engine address was learned")
	}

	// One inbound packet teaches the endpoint where to send.
	if _, err := engine.Write(rtpPacket(PayloadPCMU, 1, 160, []byte{0xff})); err != nil {
		t.Fatalf("write: %v", err)
	}

	outbound := rtpPacket(PayloadPCMU, 9, 1440, []byte{0xaa, 0xbb})
	testWaitFor(t, func() bool {
		return ep.WriteFrame(Frame{Payload: outbound}) == nil
	})

	engine.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1600)
	n, err := engine.Read(buf)
	if err != nil {
		t.Fatalf("engine read: %v", err)
	}
	if n != len(outbound) {
		t.Fatalf("engine received %d bytes, want %d", n, len(outbound))
	}
	for i := range outbound {
		if buf[i] != outbound[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], outbound[i])
		}
	}
}
