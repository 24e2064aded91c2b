package mesh

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"midimesh/internal/discovery"
	"midimesh/internal/nodeid"
	"midimesh/internal/wire"
)

type fakeLink struct {
	mu       sync.Mutex
	sent     []*wire.Packet
	failNext atomic.Bool
	closed   atomic.Bool
}

func (f *fakeLink) Send(pkt *wire.Packet) error {
	if f.failNext.Load() {
		return errors.New("send failed")
	}
	f.mu.Lock()
	f.sent = append(f.sent, pkt)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeLink) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitForState(t *testing.T, c *NetworkConnection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got := c.GetState(); got == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want %v (timed out)", c.GetState(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectTransitionsToConnected(t *testing.T) {
	link := &fakeLink{}
	var transitions []State
	var mu sync.Mutex
	conn := NewConnection(discovery.NodeInfo{NodeId: nodeid.New()}, func(discovery.NodeInfo) (PeerLink, error) {
		return link, nil
	}, func(c *NetworkConnection, old, new State) {
		mu.Lock()
		transitions = append(transitions, new)
		mu.Unlock()
	}, nil)
	defer conn.Shutdown()

	conn.Connect()
	waitForState(t, conn, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) < 2 || transitions[0] != StateConnecting || transitions[1] != StateConnected {
		t.Errorf("transitions = %v, want [connecting connected ...]", transitions)
	}
}

func TestConnectFailureEntersFailedState(t *testing.T) {
	conn := NewConnection(discovery.NodeInfo{NodeId: nodeid.New()}, func(discovery.NodeInfo) (PeerLink, error) {
		return nil, errors.New("dial refused")
	}, nil, nil)
	defer conn.Shutdown()

	conn.Connect()
	waitForState(t, conn, StateFailed)
}

func TestSendMidiDeliversThroughLink(t *testing.T) {
	link := &fakeLink{}
	conn := NewConnection(discovery.NodeInfo{NodeId: nodeid.New()}, func(discovery.NodeInfo) (PeerLink, error) {
		return link, nil
	}, nil, nil)
	defer conn.Shutdown()

	conn.Connect()
	waitForState(t, conn, StateConnected)

	pkt := wire.NewDataPacket(1, 2, 1, 0, 5, []byte{0x90, 0x3C, 0x64})
	conn.SendMidi(pkt)

	deadline := time.Now().Add(2 * time.Second)
	for link.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for send")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Heartbeat loss (spec §4.10): 3 consecutive CheckHeartbeat calls with no
// intervening NotifyHeartbeat drop a Connected link to Disconnected.
func TestHeartbeatLossDisconnects(t *testing.T) {
	link := &fakeLink{}
	conn := NewConnection(discovery.NodeInfo{NodeId: nodeid.New()}, func(discovery.NodeInfo) (PeerLink, error) {
		return link, nil
	}, nil, nil)
	defer conn.Shutdown()

	conn.Connect()
	waitForState(t, conn, StateConnected)

	conn.CheckHeartbeat()
	conn.CheckHeartbeat()
	if got := conn.GetState(); got != StateConnected {
		t.Fatalf("state after 2 misses = %v, want still connected", got)
	}
	conn.CheckHeartbeat()
	waitForState(t, conn, StateDisconnected)
}

func TestNotifyHeartbeatResetsMissCounter(t *testing.T) {
	link := &fakeLink{}
	conn := NewConnection(discovery.NodeInfo{NodeId: nodeid.New()}, func(discovery.NodeInfo) (PeerLink, error) {
		return link, nil
	}, nil, nil)
	defer conn.Shutdown()

	conn.Connect()
	waitForState(t, conn, StateConnected)

	conn.CheckHeartbeat()
	conn.CheckHeartbeat()
	conn.NotifyHeartbeat()
	conn.CheckHeartbeat()
	conn.CheckHeartbeat()

	if got := conn.GetState(); got != StateConnected {
		t.Errorf("state = %v, want connected (miss counter should have reset)", got)
	}
}

func TestReceivePacketRoutesMidiAndHeartbeatsSeparately(t *testing.T) {
	var midiCount atomic.Int32
	link := &fakeLink{}
	conn := NewConnection(discovery.NodeInfo{NodeId: nodeid.New()}, func(discovery.NodeInfo) (PeerLink, error) {
		return link, nil
	}, nil, func(pkt *wire.Packet) { midiCount.Add(1) })
	defer conn.Shutdown()

	conn.Connect()
	waitForState(t, conn, StateConnected)

	conn.ReceivePacket(wire.NewHeartbeatPacket(0, 0, 0, 0))
	conn.ReceivePacket(wire.NewDataPacket(1, 2, 1, 0, 5, []byte{0x90, 0x3C, 0x64}))

	deadline := time.Now().Add(2 * time.Second)
	for midiCount.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for onMidi")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if midiCount.Load() != 1 {
		t.Errorf("midiCount = %d, want 1 (heartbeat must not be delivered as midi)", midiCount.Load())
	}
}
