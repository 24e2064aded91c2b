package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"midimesh/internal/ring"
)

// rtFrameTag0, rtFrameTag1 mark the real-time wire frame (spec §6.2:
// 'M' 'R' len deviceId(2) timestampMicros(4) midiBytes(len)).
const (
	rtFrameTag0 = 'M'
	rtFrameTag1 = 'R'

	rtFrameHeaderSize = 2 + 1 + 2 + 4 // tag + len + deviceId + timestamp

	rtBatchSize  = 32
	rtIdleSleep  = time.Millisecond
)

// encodeRTFrame builds the compact real-time wire frame for one ring
// record. len(rec.Data) is capped at ring.MaxMIDILen by the ring itself.
func encodeRTFrame(rec ring.Record) []byte {
	frame := make([]byte, rtFrameHeaderSize+int(rec.Len))
	frame[0], frame[1] = rtFrameTag0, rtFrameTag1
	frame[2] = rec.Len
	binary.BigEndian.PutUint16(frame[3:5], rec.DeviceID)
	binary.BigEndian.PutUint32(frame[5:9], rec.TimestampMicros)
	copy(frame[9:], rec.Data[:rec.Len])
	return frame
}

// decodeRTFrame parses a real-time wire frame (spec §6.2).
func decodeRTFrame(buf []byte) (deviceID uint16, tsMicros uint32, midi []byte, err error) {
	if len(buf) < rtFrameHeaderSize {
		return 0, 0, nil, fmt.Errorf("rt frame: truncated header")
	}
	midiLen := int(buf[2])
	if midiLen > ring.MaxMIDILen || rtFrameHeaderSize+midiLen != len(buf) {
		return 0, 0, nil, fmt.Errorf("rt frame: length mismatch (len=%d, have %d bytes)", midiLen, len(buf))
	}
	deviceID = binary.BigEndian.Uint16(buf[3:5])
	tsMicros = binary.BigEndian.Uint32(buf[5:9])
	midi = append([]byte(nil), buf[9:]...)
	return deviceID, tsMicros, midi, nil
}

// RTSender drains the real-time SPSC ring buffer and fans each record out
// over UDP to the mesh's currently-connected peers (spec §4.4.3: "a
// dedicated sender thread ... readBatch(32) -> serialize each -> UDP send
// (non-blocking), sleeping <= 1 ms when the ring is empty").
type RTSender struct {
	udp  *UDPTransport
	ring *ring.Buffer

	peersMu sync.RWMutex
	peers   map[string]*net.UDPAddr

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewRTSender creates a sender bound to udp, draining its own ring buffer.
func NewRTSender(udp *UDPTransport) *RTSender {
	return &RTSender{
		udp:    udp,
		ring:   ring.New(),
		peers:  make(map[string]*net.UDPAddr),
		stopCh: make(chan struct{}),
	}
}

// AddPeer registers addr as a real-time fan-out destination.
func (s *RTSender) AddPeer(addr *net.UDPAddr) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	s.peers[addr.String()] = addr
}

// RemovePeer deregisters addr.
func (s *RTSender) RemovePeer(addr *net.UDPAddr) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	delete(s.peers, addr.String())
}

func (s *RTSender) snapshotPeers() []*net.UDPAddr {
	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	out := make([]*net.UDPAddr, 0, len(s.peers))
	for _, a := range s.peers {
		out = append(out, a)
	}
	return out
}

// Write enqueues rec into the ring for the sender thread to drain. Safe to
// call from exactly one producer goroutine (spec §4.4.3, SPSC).
func (s *RTSender) Write(rec ring.Record) {
	s.ring.Write(rec)
}

// Dropped returns the ring's cumulative drop-oldest-overflow count.
func (s *RTSender) Dropped() uint64 {
	return s.ring.Dropped()
}

// Start launches the dedicated sender goroutine.
func (s *RTSender) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.loop()
}

func (s *RTSender) loop() {
	defer s.wg.Done()
	batch := make([]ring.Record, rtBatchSize)
	for s.running.Load() {
		n := s.ring.ReadBatch(batch)
		if n == 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(rtIdleSleep):
			}
			continue
		}
		peers := s.snapshotPeers()
		for i := 0; i < n; i++ {
			frame := encodeRTFrame(batch[i])
			for _, addr := range peers {
				_ = s.udp.SendRaw(frame, addr) // best-effort, no retry (spec §4.11)
			}
		}
	}
}

// Stop is idempotent.
func (s *RTSender) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
}
