package media

import "testing"

// rtpPacket builds a minimal RTP packet with the given payload type,
// sequence, timestamp, and payload bytes.
func rtpPacket(pt int, seq uint16, ts uint32, payload []byte) []byte {
	pkt := make([]byte, minRTPHeader+len(payload))
	pkt[0] = 0x80 // version 2
	pkt[1] = byte(pt) & 0x7F
	pkt[2] = byte(seq >> 8)
	pkt[3] = byte(seq)
	pkt[4] = byte(ts >> 24)
	pkt[5] = byte(ts >> 16)
	pkt[6] = byte(ts >> 8)
	pkt[7] = byte(ts)
	copy(pkt[minRTPHeader:], payload)
	return pkt
}

func TestInspectRTP(t *testing.T) {
	pkt := rtpPacket(PayloadPCMU, 4242, 160000, []byte{0xff, 0xfe})

	pt, seq, ok := InspectRTP(pkt)
	if !ok {
		t.Fatal("InspectRTP rejected a valid packet")
	}
	if pt != PayloadPCMU {
		t.Errorf("payload type = %d, want %d", pt, PayloadPCMU)
	}
	if seq != 4242 {
		t.Errorf("sequence = %d, want 4242", seq)
	}

	// Marker bit must not leak into the payload type.
	marked := rtpPacket(PayloadTelephoneEvent, 1, 0, []byte{0, 0, 0, 0})
	marked[1] |= 0x80
	pt, _, ok = InspectRTP(marked)
	if !ok || pt != PayloadTelephoneEvent {
		t.Errorf("marked packet: pt = %d ok = %v, want %d true", pt, ok, PayloadTelephoneEvent)
	}

	if _, _, ok := InspectRTP(make([]byte, minRTPHeader-1)); ok {
		t.Error("InspectRTP accepted a truncated packet")
	}
	if _, _, ok := InspectRTP(make([]byte, maxRTPPacket+1)); ok {
		t.Error("InspectRTP accepted an oversized packet")
	}
}

func TestSequenceExtenderRollover(t *testing.T) {
	var x SequenceExtender

	if got := x.Extend(65533); got != 65533 {
		t.Fatalf("Extend(65533) = %d, want 65533", got)
	}
	if got := x.Extend(65535); got != 65535 {
		t.Fatalf("Extend(65535) = %d, want 65535", got)
	}

	// Wraparound: 0 follows 65535 and must extend past it, not rewind.
	got := x.Extend(0)
	if got != 1<<16 {
		t.Fatalf("Extend(0) after rollover = %d, want %d", got, 1<<16)
	}
	if got := x.Extend(1); got != 1<<16|1 {
		t.Fatalf("Extend(1) = %d, want %d", got, 1<<16|1)
	}

	// A small backward step inside the same cycle is not a rollover.
	if got := x.Extend(0); got != 1<<16 {
		t.Errorf("Extend(0) reorder = %d, want %d", got, 1<<16)
	}
}

func TestSequenceExtenderMultipleCycles(t *testing.T) {
	var x SequenceExtender
	x.Extend(0)

	var last uint64
	for cycle := 0; cycle < 3; cycle++ {
		for _, seq := range []uint16{16000, 33000, 50000, 65000, 100} {
			got := x.Extend(seq)
			if got <= last {
				t.Fatalf("cycle %d seq %d: extended %d not after %d", cycle, seq, got, last)
			}
			last = got
		}
	}
	if last != 3<<16|100 {
		t.Errorf("final extended sequence = %d, want %d", last, 3<<16|100)
	}
}

func TestParseTelephoneEvent(t *testing.T) {
	// digit 5, end bit set, volume 10, duration 800.
	payload := []byte{5, 0x80 | 10, 0x03, 0x20}

	te := ParseTelephoneEvent(payload)
	if te == nil {
		t.Fatal("ParseTelephoneEvent returned nil for a valid payload")
	}
	if te.Event != 5 {
		t.Errorf("Event = %d, want 5", te.Event)
	}
	if !te.End {
		t.Error("End = false, want true")
	}
	if te.Volume != 10 {
		t.Errorf("Volume = %d, want 10", te.Volume)
	}
	if te.Duration != 800 {
		t.Errorf("Duration = %d, want 800", te.Duration)
	}

	if ParseTelephoneEvent([]byte{5, 0}) != nil {
		t.Error("ParseTelephoneEvent accepted a truncated payload")
	}

	ongoing := ParseTelephoneEvent([]byte{11, 0x05, 0, 0})
	if ongoing == nil || ongoing.End {
		t.Errorf("ongoing event parsed as %+v, want End=false", ongoing)
	}
}

func TestDigitName(t *testing.T) {
	tests := []struct {
		code uint8
		want string
	}{
		{0, "0"},
		{5, "5"},
		{9, "9"},
		{10, "*"},
		{11, "#"},
		{12, "?"},
		{255, "?"},
	}
	for _, tt := range tests {
		if got := DigitName(tt.code); got != tt.want {
			t.Errorf("DigitName(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
