package transport

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"midimesh/internal/wire"
)

func TestClassifyRealTimeAndNonRealTime(t *testing.T) {
	cases := []struct {
		status byte
		want   Class
	}{
		{0xFA, ClassRealTime},    // system real-time (start)
		{0xFF, ClassRealTime},    // system real-time (reset)
		{0xF0, ClassNonRealTime}, // sysex
		{0x90, ClassRealTime},    // note-on, channel voice
		{0xE0, ClassRealTime},    // pitch bend, channel voice
		{0xF1, ClassNonRealTime}, // system common, falls to safe default
	}
	for _, c := range cases {
		if got := Classify(c.status); got != c.want {
			t.Errorf("Classify(0x%02X) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestMessageRouterDispatchesByClass(t *testing.T) {
	rtRecv, err := NewUDPTransport(0, nil)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer rtRecv.Stop()
	rtRecv.Start()

	udp, err := NewUDPTransport(0, nil)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer udp.Stop()

	rl := NewReliableLayer(udp)
	router := NewMessageRouter(udp, rl, nil)

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(rtRecv.LocalPort())}

	router.Route(1, 2, 1, 0, 5, []byte{0x90, 0x3C, 0x64}, dst) // real-time
	router.Route(1, 2, 2, 0, 5, []byte{0xF0, 0x01, 0xF7}, dst) // non-real-time (sysex)

	time.Sleep(50 * time.Millisecond)

	stats := router.Stats()
	if stats.RealTimeSent != 1 {
		t.Errorf("RealTimeSent = %d, want 1", stats.RealTimeSent)
	}
	if stats.NonRealTimeSent != 1 {
		t.Errorf("NonRealTimeSent = %d, want 1", stats.NonRealTimeSent)
	}
	if rl.PendingCount() != 1 {
		t.Errorf("reliable PendingCount = %d, want 1 (the sysex send)", rl.PendingCount())
	}
}

func TestMessageRouterIgnoresEmptyPayload(t *testing.T) {
	udp, err := NewUDPTransport(0, nil)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer udp.Stop()
	rl := NewReliableLayer(udp)
	router := NewMessageRouter(udp, rl, nil)

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	router.Route(1, 2, 1, 0, 5, nil, dst)

	if stats := router.Stats(); stats.RealTimeSent != 0 || stats.NonRealTimeSent != 0 {
		t.Errorf("expected no sends for empty payload, got %+v", stats)
	}
}

// TestMessageRouterSendPreservesAlreadyBuiltPacket exercises the peerLink
// entry point: Send must dispatch by class without discarding pkt's own
// sequence/context the way Route's from-scratch wire.NewDataPacket would.
func TestMessageRouterSendPreservesAlreadyBuiltPacket(t *testing.T) {
	rtRecv, err := NewUDPTransport(0, nil)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer rtRecv.Stop()
	rtRecv.Start()

	udp, err := NewUDPTransport(0, nil)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer udp.Stop()

	rl := NewReliableLayer(udp)
	router := NewMessageRouter(udp, rl, nil)
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(rtRecv.LocalPort())}

	rtPkt := wire.NewDataPacket(1, 2, 42, 0, 5, []byte{0x90, 0x3C, 0x64}).WithContext(&wire.Context{HopCount: 3})
	if err := router.Send(rtPkt, dst, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sysexPkt := wire.NewDataPacket(1, 2, 43, 0, 5, []byte{0xF0, 0x01, 0xF7})
	if err := router.Send(sysexPkt, dst, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	stats := router.Stats()
	if stats.RealTimeSent != 1 || stats.NonRealTimeSent != 1 {
		t.Errorf("stats = %+v, want RealTimeSent=1 NonRealTimeSent=1", stats)
	}
	if rl.PendingCount() != 1 {
		t.Errorf("reliable PendingCount = %d, want 1 (the sysex send)", rl.PendingCount())
	}
}

// TestMessageRouterSendFallsBackToTCPForOversizedNonRealTime exercises the
// capacity branch: a non-real-time packet too big for the UDP-backed
// reliable layer's receive buffer must go out over tcp instead.
func TestMessageRouterSendFallsBackToTCPForOversizedNonRealTime(t *testing.T) {
	udp, err := NewUDPTransport(0, nil)
	if err != nil {
		t.Fatalf("NewUDPTransport: %v", err)
	}
	defer udp.Stop()
	rl := NewReliableLayer(udp)
	router := NewMessageRouter(udp, rl, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var receivedCount atomic.Uint32
	go echoACKServer(t, ln, &receivedCount)

	tcp := NewTCPTransport(ln.Addr().String(), nil)
	tcp.Start()
	defer tcp.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		tcp.mu.Lock()
		connected := tcp.conn != nil
		tcp.mu.Unlock()
		if connected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for tcp connect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	oversized := make([]byte, udpRecvBufSize+1)
	pkt := wire.NewDataPacket(1, 2, 1, 0, 5, append([]byte{0xF0}, oversized...))
	if err := router.Send(pkt, dst, tcp); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for tcp.Stats().FragmentsSent == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for tcp fragment send")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rl.PendingCount() != 0 {
		t.Errorf("reliable PendingCount = %d, want 0 (oversized send must bypass the reliable layer)", rl.PendingCount())
	}
	if stats := router.Stats(); stats.NonRealTimeSent != 1 {
		t.Errorf("NonRealTimeSent = %d, want 1", stats.NonRealTimeSent)
	}
}
