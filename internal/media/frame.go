// Package media implements the audio bridge between the telephony engine's
// RTP stream and WebSocket sessions: frame fan-out with per-session jitter
// buffering inbound, and ordered low-latency passthrough outbound.
package media

import "time"

const (
	// RTP payload types for supported passthrough codecs.
	PayloadPCMU = 0 // G.711 u-law
	PayloadPCMA = 8 // G.711 a-law

	// PayloadTelephoneEvent is the standard dynamic RTP payload type for
	// RFC 2833 telephone-event (DTMF). Commonly negotiated as 101.
	PayloadTelephoneEvent = 101

	// maxRTPPacket is the maximum UDP packet size we handle.
	maxRTPPacket = 1500

	// minRTPHeader is the minimum RTP header size (12 bytes).
	minRTPHeader = 12
)

// Frame is one audio frame crossing the bridge. The payload is the raw
// RTP-equivalent packet; the bridge never transcodes it.
type Frame struct {
	// Payload is the raw frame bytes as received.
	Payload []byte

	// PayloadType is the RTP payload type tagging the codec.
	PayloadType int

	// Sequence orders frames within one direction of one call.
	Sequence uint64

	// CapturedAt is the capture timestamp at the source.
	CapturedAt time.Time
}

// rtpPayloadType extracts the payload type from an RTP packet.
// Returns -1 if the packet is too small to be valid RTP.
func rtpPayloadType(pkt []byte) int {
	if len(pkt) < minRTPHeader {
		return -1
	}
	// Payload type is bits 1-7 of the second byte (mask off marker bit).
	return int(pkt[1] & 0x7F)
}

// rtpSequence extracts the 16-bit sequence number from an RTP packet.
func rtpSequence(pkt []byte) uint16 {
	return uint16(pkt[2])<<8 | uint16(pkt[3])
}

// rtpTimestamp extracts the 32-bit media timestamp from an RTP packet.
func rtpTimestamp(pkt []byte) uint32 {
	return uint32(pkt[4])<<24 | uint32(pkt[5])<<16 | uint32(pkt[6])<<8 | uint32(pkt[7])
}

// InspectRTP extracts the payload type and sequence number from a raw RTP
// packet. ok is false when the packet is too small to be valid RTP.
func InspectRTP(pkt []byte) (payloadType int, seq uint16, ok bool) {
	if len(pkt) < minRTPHeader || len(pkt) > maxRTPPacket {
		return 0, 0, false
	}
	return rtpPayloadType(pkt), rtpSequence(pkt), true
}

// SequenceExtender unrolls 16-bit RTP sequence numbers into a 64-bit
// monotonic counter, so a wraparound is not mistaken for a ~65k-frame
// rewind. Not safe for concurrent use.
type SequenceExtender struct {
	last   uint16
	cycles uint64
	seen   bool
}

// Extend maps a 16-bit sequence onto the extended 64-bit counter.
func (x *SequenceExtender) Extend(seq uint16) uint64 {
	if !x.seen {
		x.seen = true
		x.last = seq
		return uint64(seq)
	}
	if seq < x.last && x.last-seq > 0x8000 {
		x.cycles++
	}
	x.last = seq
	return x.cycles<<16 | uint64(seq)
}

// TelephoneEvent is a parsed RFC 2833 telephone-event payload (RFC 4733 §2.3):
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|     event     |E|R| volume    |          duration             |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
type TelephoneEvent struct {
	Event    uint8  // 0-9 = digits, 10 = *, 11 = #
	End      bool   // E bit: marks end of event
	Volume   uint8  // power level in dBm0 (0-63)
	Duration uint16 // event duration in timestamp units
}

// telephoneEventSize is the size of an RFC 2833 telephone-event payload.
const telephoneEventSize = 4

// ParseTelephoneEvent parses an RFC 2833 telephone-event payload from raw
// bytes. Returns nil if the payload is too short.
func ParseTelephoneEvent(payload []byte) *TelephoneEvent {
	if len(payload) < telephoneEventSize {
		return nil
	}
	return &TelephoneEvent{
		Event:    payload[0],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}
}

// DigitName returns the keypad digit for a telephone-event code, or "?" for
// codes outside the 0-9/*/# range.
func DigitName(code uint8) string {
	switch {
	case code <= 9:
		return string(rune('0' + code))
	case code == 10:
		return "*"
	case code == 11:
		return "#"
	default:
		return "?"
	}
}
