// Package transport implements the mesh's two wire transports (spec §4.4):
// a best-effort UDP transport, a reliable ACK/NACK layer atop it, a
// real-time ring-buffer sender, and a long-lived reconnecting TCP bulk
// transport — plus the MIDI classifier that picks among them.
package transport

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"midimesh/internal/wire"
)

// udpRecvBufSize is the per-datagram receive buffer size (spec §4.4.1,
// "2 KiB buffer").
const udpRecvBufSize = 2048

// OnPacketFunc receives a deserialized packet plus its source address.
type OnPacketFunc func(pkt *wire.Packet, addr *net.UDPAddr)

// OnRTFrameFunc receives a decoded real-time wire frame (spec §6.2), which
// uses its own compact format distinct from the standard packet header.
type OnRTFrameFunc func(deviceID uint16, tsMicros uint32, midi []byte, addr *net.UDPAddr)

// UDPStats mirrors spec §4.4.1's statistics set.
type UDPStats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	SendErrors      uint64
	ReceiveErrors   uint64
	InvalidPackets  uint64
}

// UDPTransport is the best-effort datagram transport (spec §4.4.1).
type UDPTransport struct {
	conn *net.UDPConn
	seq  atomic.Uint32

	onPacket OnPacketFunc
	onRTFrame OnRTFrameFunc

	running atomic.Bool
	wg      sync.WaitGroup

	mu    sync.Mutex
	stats UDPStats
}

// NewUDPTransport binds a UDP socket on port (0 = OS-assigned) and returns
// the transport, not yet receiving. Bind failure is fatal to the transport
// (spec §4.11): callers should treat a non-nil error as a startup fault.
func NewUDPTransport(port uint16, onPacket OnPacketFunc) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("transport: udp bind: %w", err)
	}
	return &UDPTransport{conn: conn, onPacket: onPacket}, nil
}

// SetOnRTFrame installs the callback invoked for incoming real-time wire
// frames (spec §6.2), which the receive loop demultiplexes from standard
// packets by their distinct 'M' 'R' marker before attempting wire.Deserialize.
func (t *UDPTransport) SetOnRTFrame(fn OnRTFrameFunc) {
	t.onRTFrame = fn
}

// LocalPort returns the bound local UDP port.
func (t *UDPTransport) LocalPort() uint16 {
	return uint16(t.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Start launches the dedicated receive goroutine (spec §4.4.1, §5 "UDP
// receive" thread owns the socket read loop).
func (t *UDPTransport) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	t.wg.Add(1)
	go t.receiveLoop()
}

func (t *UDPTransport) receiveLoop() {
	defer t.wg.Done()
	buf := make([]byte, udpRecvBufSize)
	for t.running.Load() {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.running.Load() {
				return
			}
			t.mu.Lock()
			t.stats.ReceiveErrors++
			t.mu.Unlock()
			continue
		}
		if n >= 2 && buf[0] == rtFrameTag0 && buf[1] == rtFrameTag1 {
			t.mu.Lock()
			t.stats.PacketsReceived++
			t.stats.BytesReceived += uint64(n)
			t.mu.Unlock()
			deviceID, ts, midi, derr := decodeRTFrame(buf[:n])
			if derr != nil {
				t.mu.Lock()
				t.stats.InvalidPackets++
				t.mu.Unlock()
				log.Printf("[udp] invalid rt frame from %s: %v", addr, derr)
				continue
			}
			if t.onRTFrame != nil {
				t.onRTFrame(deviceID, ts, midi, addr)
			}
			continue
		}

		pkt, derr := wire.Deserialize(buf[:n])
		t.mu.Lock()
		t.stats.PacketsReceived++
		t.stats.BytesReceived += uint64(n)
		if derr != nil {
			t.stats.InvalidPackets++
		}
		t.mu.Unlock()
		if derr != nil {
			log.Printf("[udp] invalid packet from %s: %v", addr, derr)
			continue
		}
		if t.onPacket != nil {
			t.onPacket(pkt, addr)
		}
	}
}

// NextSequence draws the next outgoing sequence number from the atomic
// counter, starting at 0 (spec §4.4.1).
func (t *UDPTransport) NextSequence() uint16 {
	return uint16(t.seq.Add(1) - 1)
}

// Send serializes pkt and writes it to addr. Errors are counted and
// returned; there is no retry at this layer (spec §4.11).
func (t *UDPTransport) Send(pkt *wire.Packet, addr *net.UDPAddr) error {
	data := pkt.Serialize()
	n, err := t.conn.WriteToUDP(data, addr)
	t.mu.Lock()
	if err != nil {
		t.stats.SendErrors++
	} else {
		t.stats.PacketsSent++
		t.stats.BytesSent += uint64(n)
	}
	t.mu.Unlock()
	return err
}

// SendRaw writes pre-encoded bytes directly to addr, bypassing packet
// serialization. Used by the real-time ring-buffer sender, whose compact
// 'M' 'R' wire frame (spec §6.2) is a distinct format from the standard
// packet header.
func (t *UDPTransport) SendRaw(data []byte, addr *net.UDPAddr) error {
	n, err := t.conn.WriteToUDP(data, addr)
	t.mu.Lock()
	if err != nil {
		t.stats.SendErrors++
	} else {
		t.stats.PacketsSent++
		t.stats.BytesSent += uint64(n)
	}
	t.mu.Unlock()
	return err
}

// Stop is idempotent. It sets the running flag false and shuts the socket
// down, unblocking the receive goroutine's ReadFromUDP call (spec §5
// "Cancellation").
func (t *UDPTransport) Stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	_ = t.conn.Close()
	t.wg.Wait()
}

// Stats returns a snapshot of the transport's counters.
func (t *UDPTransport) Stats() UDPStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
