package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// ToneSignaler receives debounceable tone signals decoded from the engine's
// RFC 2833 telephone-event stream. Satisfied by the phone line orchestrator.
type ToneSignaler interface {
	ToneStart(digit string, at time.Time)
	ToneEnd(at time.Time)
}

// readTimeout is the read deadline for the engine UDP socket, short enough
// for prompt shutdown checks.
const readTimeout = 100 * time.Millisecond

// EngineEndpoint is the UDP media leg facing the telephony engine. It reads
// the engine's RTP stream, routes telephone-event packets to the tone
// signaler and audio packets to the bridge, and writes outbound frames back
// to the engine's address.
//
// Symmetric RTP: the engine's actual remote address is learned from the
// first valid packet received, which handles NAT between the adapter and
// this process without extra signaling.
type EngineEndpoint struct {
	conn   *net.UDPConn
	bridge *Bridge
	tones  ToneSignaler
	logger *slog.Logger

	// allowedPT is the set of audio payload types forwarded to the bridge.
	allowedPT map[int]struct{}

	mu     sync.Mutex
	remote *net.UDPAddr
	seqExt SequenceExtender

	wg sync.WaitGroup
}

// NewEngineEndpoint binds a UDP socket on listenAddr (e.g. ":4000") for the
// telephony engine's media stream. remote, if non-nil, is the initial
// outbound target; it is replaced once the engine's real address is learned.
func NewEngineEndpoint(listenAddr string, remote *net.UDPAddr, bridge *Bridge, tones ToneSignaler, audioPayloadTypes []int, logger *slog.Logger) (*EngineEndpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving engine listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding engine media socket: %w", err)
	}

	if len(audioPayloadTypes) == 0 {
		audioPayloadTypes = []int{PayloadPCMU, PayloadPCMA}
	}
	pt := make(map[int]struct{}, len(audioPayloadTypes))
	for _, p := range audioPayloadTypes {
		pt[p] = struct{}{}
	}

	return &EngineEndpoint{
		conn:      conn,
		bridge:    bridge,
		tones:     tones,
		logger:    logger.With("subsystem", "engine-endpoint", "listen", conn.LocalAddr().String()),
		allowedPT: pt,
		remote:    remote,
	}, nil
}

// LocalAddr returns the bound UDP address the engine should stream to.
func (e *EngineEndpoint) LocalAddr() net.Addr { return e.conn.LocalAddr() }

// Start begins the read loop. Non-blocking; stop by cancelling ctx and then
// calling Close.
func (e *EngineEndpoint) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.readLoop(ctx)
	e.logger.Info("engine media endpoint started")
}

// Close shuts the socket and waits for the read loop to exit.
func (e *EngineEndpoint) Close() {
	e.conn.Close()
	e.wg.Wait()
	e.logger.Info("engine media endpoint stopped")
}

// readLoop reads RTP packets from the engine until the context is cancelled
// or the socket closes.
func (e *EngineEndpoint) readLoop(ctx context.Context) {
	defer e.wg.Done()

	buf := make([]byte, maxRTPPacket)

	// Telephone-event state: an event is "sounding" between its first
	// packet and its deduplicated End packet.
	var (
		toneSounding bool
		toneCode     uint8
		toneTS       uint32
		lastEndTS    uint32
		hadEnd       bool
	)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, srcAddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Debug("engine read error", "error", err)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		pt := rtpPayloadType(pkt)
		if pt < 0 {
			continue
		}

		e.learnRemote(srcAddr)

		if pt == PayloadTelephoneEvent {
			if n < minRTPHeader+telephoneEventSize {
				continue
			}
			ev := ParseTelephoneEvent(pkt[minRTPHeader:])
			if ev == nil {
				continue
			}
			ts := rtpTimestamp(pkt)
			now := time.Now()

			if ev.End {
				// Senders retransmit the End packet up to 3 times with
				// the same timestamp; only the first one ends the tone.
				if hadEnd && ts == lastEndTS {
					continue
				}
				hadEnd = true
				lastEndTS = ts
				if toneSounding {
					toneSounding = false
					e.tones.ToneEnd(now)
				}
				continue
			}

			if !toneSounding || ev.Event != toneCode || ts != toneTS {
				if toneSounding {
					e.tones.ToneEnd(now)
				}
				toneSounding = true
				toneCode = ev.Event
				toneTS = ts
				e.tones.ToneStart(DigitName(ev.Event), now)
			}
			continue
		}

		if _, ok := e.allowedPT[pt]; !ok {
			continue
		}

		e.bridge.WriteInbound(Frame{
			Payload:     pkt,
			PayloadType: pt,
			Sequence:    e.extendSequence(rtpSequence(pkt)),
			CapturedAt:  time.Now(),
		})
	}
}

// learnRemote records the engine's source address from received traffic.
func (e *EngineEndpoint) learnRemote(addr *net.UDPAddr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote != nil && e.remote.IP.Equal(addr.IP) && e.remote.Port == addr.Port {
		return
	}
	e.remote = addr
	e.logger.Info("learned engine media address", "address", addr.String())
}

// extendSequence unrolls the 16-bit RTP sequence across rollover.
func (e *EngineEndpoint) extendSequence(seq uint16) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqExt.Extend(seq)
}

// ResetStreams discards the sequence extender state and clears both bridge
// gates. Called at call boundaries: a new call's RTP sequences restart, and
// gates stuck at the previous call's position would drop its frames.
func (e *EngineEndpoint) ResetStreams() {
	e.mu.Lock()
	e.seqExt = SequenceExtender{}
	e.mu.Unlock()
	e.bridge.Reset()
}

// WriteFrame sends one outbound frame to the telephony engine. Implements
// the bridge's FrameWriter.
func (e *EngineEndpoint) WriteFrame(f Frame) error {
	e.mu.Lock()
	remote := e.remote
	e.mu.Unlock()

	if remote == nil {
		return errors.New("engine media address not yet known")
	}
	_, err := e.conn.WriteToUDP(f.Payload, remote)
	return err
}
