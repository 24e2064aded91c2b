package transport

import (
	"fmt"
	"net"
	"sync"

	"midimesh/internal/wire"
)

// Class distinguishes real-time from non-real-time MIDI messages (spec
// §4.4.5).
type Class int

const (
	ClassRealTime Class = iota
	ClassNonRealTime
)

func (c Class) String() string {
	if c == ClassRealTime {
		return "realtime"
	}
	return "non-realtime"
}

// Classify returns the class of a MIDI message given its status byte, per
// spec §4.4.5's classification table: System Real-Time (0xF8-0xFF) and
// Channel Voice (0x80-0xEF) are real-time; SysEx (0xF0) and anything else
// default to non-real-time.
func Classify(status byte) Class {
	switch {
	case status >= 0xF8:
		return ClassRealTime
	case status == 0xF0:
		return ClassNonRealTime
	case status >= 0x80 && status <= 0xEF:
		return ClassRealTime
	default:
		return ClassNonRealTime
	}
}

// OnRoutingErrorFunc is invoked asynchronously when a dispatch fails.
type OnRoutingErrorFunc func(err error)

// RouterStats aggregates per-class send counters (spec §3 "Statistics").
type RouterStats struct {
	RealTimeSent    uint64
	NonRealTimeSent uint64
	Errors          uint64
}

// MessageRouter classifies outbound MIDI messages and dispatches each to
// the best-effort UDP transport (real-time) or the reliable layer
// (non-real-time), per spec §4.4.5.
type MessageRouter struct {
	udp      *UDPTransport
	reliable *ReliableLayer
	onError  OnRoutingErrorFunc

	statsMu sync.Mutex
	stats   RouterStats
	byType  map[byte]uint64 // optional per-type breakdown, keyed by status high nibble
}

// NewMessageRouter builds a router dispatching onto udp and reliable.
func NewMessageRouter(udp *UDPTransport, reliable *ReliableLayer, onError OnRoutingErrorFunc) *MessageRouter {
	return &MessageRouter{
		udp:      udp,
		reliable: reliable,
		onError:  onError,
		byType:   make(map[byte]uint64),
	}
}

// Route builds a data packet for midi and sends it via the transport
// appropriate to its classification. addr is the destination UDP endpoint.
func (r *MessageRouter) Route(src, dst uint32, seq uint16, tsMicros uint32, deviceID uint16, midi []byte, addr *net.UDPAddr) {
	if len(midi) == 0 {
		return
	}
	pkt := wire.NewDataPacket(src, dst, seq, tsMicros, deviceID, midi)

	r.statsMu.Lock()
	r.byType[midi[0]&0xF0]++
	r.statsMu.Unlock()

	switch Classify(midi[0]) {
	case ClassRealTime:
		err := r.udp.Send(pkt, addr)
		r.recordSent(true, err)
	default:
		err := r.reliable.SendReliable(pkt, addr, nil, func(reason string) {
			r.recordError(fmt.Errorf("reliable send failed: %s", reason))
		})
		r.recordSent(false, err)
	}
}

// Send classifies an already-built packet by its MIDI status byte and
// dispatches it over the transport that classification calls for, without
// rebuilding it from raw fields the way Route does — preserving whatever
// forwarding context (wire.Context) the router engine already attached.
// tcp, when non-nil, is the fallback path for a non-real-time packet too
// large for the UDP-backed reliable layer's receive buffer (spec §4.4.4);
// addr is the destination UDP endpoint for the real-time and reliable
// paths and is ignored when the packet goes out over tcp.
func (r *MessageRouter) Send(pkt *wire.Packet, addr *net.UDPAddr, tcp *TCPTransport) error {
	status := byte(0)
	if len(pkt.MIDI) > 0 {
		status = pkt.MIDI[0]
	}

	r.statsMu.Lock()
	r.byType[status&0xF0]++
	r.statsMu.Unlock()

	if Classify(status) == ClassRealTime {
		err := r.udp.Send(pkt, addr)
		r.recordSent(true, err)
		return err
	}

	if tcp != nil && pkt.Size() > udpRecvBufSize {
		err := tcp.Send(pkt.Serialize())
		r.recordSent(false, err)
		return err
	}

	err := r.reliable.SendReliable(pkt, addr, nil, func(reason string) {
		r.recordError(fmt.Errorf("reliable send failed: %s", reason))
	})
	r.recordSent(false, err)
	return err
}

func (r *MessageRouter) recordSent(realTime bool, err error) {
	r.statsMu.Lock()
	if realTime {
		r.stats.RealTimeSent++
	} else {
		r.stats.NonRealTimeSent++
	}
	r.statsMu.Unlock()
	if err != nil {
		r.recordError(err)
	}
}

func (r *MessageRouter) recordError(err error) {
	r.statsMu.Lock()
	r.stats.Errors++
	r.statsMu.Unlock()
	if r.onError != nil {
		go r.onError(err)
	}
}

// Stats returns a snapshot of the router's aggregate counters.
func (r *MessageRouter) Stats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// TypeCounts returns a snapshot of the per-status-nibble message counts.
func (r *MessageRouter) TypeCounts() map[byte]uint64 {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	out := make(map[byte]uint64, len(r.byType))
	for k, v := range r.byType {
		out[k] = v
	}
	return out
}

// ResetStats zeroes all counters.
func (r *MessageRouter) ResetStats() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats = RouterStats{}
	r.byType = make(map[byte]uint64)
}
