package router

import (
	"errors"
	"testing"

	"midimesh/internal/device"
	"midimesh/internal/nodeid"
	"midimesh/internal/route"
	"midimesh/internal/wire"
)

func newTestEngine(t *testing.T, send SendToNodeFunc) (*Engine, nodeid.NodeId, *device.Registry, *route.Manager) {
	t.Helper()
	self := nodeid.New()
	devices := device.NewRegistry()
	nodes := nodeid.NewRegistry()
	nodes.Register(self)
	rules := route.NewManager(devices)
	return NewEngine(self, devices, rules, nodes, send), self, devices, rules
}

func TestSendMessageDeliversToLocalPort(t *testing.T) {
	e, self, devices, rules := newTestEngine(t, nil)

	devices.AddLocal(self, device.Device{ID: 1, Name: "in", Kind: device.KindInput})
	devices.AddLocal(self, device.Device{ID: 2, Name: "out", Kind: device.KindOutput})

	if err := rules.Add(route.NewRule(0,
		device.Key{OwnerNode: self, LocalDeviceID: 1},
		device.Key{OwnerNode: self, LocalDeviceID: 2},
		route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add rule: %v", err)
	}

	var got []byte
	e.RegisterLocalPort(2, func(deviceID uint16, midi []byte) { got = midi })

	e.SendMessage(1, []byte{0x90, 0x3C, 0x64})

	if string(got) != string([]byte{0x90, 0x3C, 0x64}) {
		t.Errorf("delivered midi = %v, want note-on", got)
	}
	if msgs := e.GetMessages(2); len(msgs) != 1 {
		t.Errorf("queued messages for device 2 = %d, want 1", len(msgs))
	}
	stats := e.GetStatistics()
	if stats.MessagesSent != 1 || stats.Forwarded != 1 {
		t.Errorf("stats = %+v, want MessagesSent=1 Forwarded=1", stats)
	}
}

func TestForwardRespectsChannelAndTypeFilters(t *testing.T) {
	e, self, devices, rules := newTestEngine(t, nil)
	devices.AddLocal(self, device.Device{ID: 1})
	devices.AddLocal(self, device.Device{ID: 2})

	src := device.Key{OwnerNode: self, LocalDeviceID: 1}
	dst := device.Key{OwnerNode: self, LocalDeviceID: 2}
	if err := rules.Add(route.NewRule(0, src, dst, 5, 0)); err != nil { // channel 5 only
		t.Fatalf("Add: %v", err)
	}

	var delivered int
	e.RegisterLocalPort(2, func(uint16, []byte) { delivered++ })

	e.SendMessage(1, []byte{0x90, 0x3C, 0x64}) // channel 1, no match
	e.SendMessage(1, []byte{0x94, 0x3C, 0x64}) // channel 5, match

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

// Scenario 5 (spec §8): a forwarding loop between two local devices must
// be detected and dropped once the destination reappears as a visited key.
func TestForwardDetectsLoop(t *testing.T) {
	e, self, devices, rules := newTestEngine(t, nil)
	devices.AddLocal(self, device.Device{ID: 1})
	devices.AddLocal(self, device.Device{ID: 2})

	k1 := device.Key{OwnerNode: self, LocalDeviceID: 1}
	k2 := device.Key{OwnerNode: self, LocalDeviceID: 2}
	if err := rules.Add(route.NewRule(0, k1, k2, route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add rule 1->2: %v", err)
	}
	if err := rules.Add(route.NewRule(0, k2, k1, route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add rule 2->1: %v", err)
	}

	var deliveries int
	e.RegisterLocalPort(1, func(uint16, []byte) { deliveries++ })
	e.RegisterLocalPort(2, func(uint16, []byte) { deliveries++ })

	// Simulate message 1 -> 2 -> 1 -> 2 ... forwardMessage chains must stop
	// once a destination reappears in the visited set.
	ctx := newForwardingContext()
	ctx.Visited[k1] = true // pretend device 1 is already in the chain
	e.ForwardMessage(self, 2, []byte{0x90, 0x3C, 0x64}, ctx) // 2 -> 1, but 1 already visited

	stats := e.GetStatistics()
	if stats.LoopsDetected != 1 {
		t.Errorf("LoopsDetected = %d, want 1", stats.LoopsDetected)
	}
	if stats.Forwarded != 0 {
		t.Errorf("Forwarded = %d, want 0 (loop dropped before delivery)", stats.Forwarded)
	}
	if deliveries != 0 {
		t.Errorf("deliveries = %d, want 0", deliveries)
	}
}

// Boundary property: hopCount >= 8 is dropped even with no cycle.
func TestForwardDropsAtMaxHops(t *testing.T) {
	e, self, devices, rules := newTestEngine(t, nil)
	devices.AddLocal(self, device.Device{ID: 1})
	devices.AddLocal(self, device.Device{ID: 2})
	k1 := device.Key{OwnerNode: self, LocalDeviceID: 1}
	k2 := device.Key{OwnerNode: self, LocalDeviceID: 2}
	if err := rules.Add(route.NewRule(0, k1, k2, route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var deliveries int
	e.RegisterLocalPort(2, func(uint16, []byte) { deliveries++ })

	ctx := newForwardingContext()
	ctx.HopCount = maxHops
	e.ForwardMessage(self, 1, []byte{0x90, 0x3C, 0x64}, ctx)

	if deliveries != 0 {
		t.Errorf("deliveries = %d, want 0 at max hop count", deliveries)
	}
	if e.GetStatistics().LoopsDetected != 1 {
		t.Errorf("LoopsDetected = %d, want 1", e.GetStatistics().LoopsDetected)
	}
}

func TestForwardToRemoteNodeSerializesContext(t *testing.T) {
	var sentPkt *wire.Packet
	var sentDst nodeid.NodeId
	send := func(dst nodeid.NodeId, pkt *wire.Packet) error {
		sentDst, sentPkt = dst, pkt
		return nil
	}
	e, self, devices, rules := newTestEngine(t, send)
	remote := nodeid.New()

	devices.AddLocal(self, device.Device{ID: 1})
	devices.AddRemote(remote, device.Device{ID: 9, Name: "remote-out"})

	if err := rules.Add(route.NewRule(0,
		device.Key{OwnerNode: self, LocalDeviceID: 1},
		device.Key{OwnerNode: remote, LocalDeviceID: 9},
		route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	e.SendMessage(1, []byte{0x90, 0x3C, 0x64})

	if sentPkt == nil {
		t.Fatal("expected a packet to be sent to the remote node")
	}
	if sentDst != remote {
		t.Errorf("sendToNode dst = %v, want %v", sentDst, remote)
	}
	if sentPkt.Context == nil || sentPkt.Context.HopCount != 1 {
		t.Errorf("sent context = %+v, want HopCount=1", sentPkt.Context)
	}
}

func TestSendToNodeErrorCountsAsDropped(t *testing.T) {
	send := func(nodeid.NodeId, *wire.Packet) error { return errors.New("boom") }
	e, self, devices, rules := newTestEngine(t, send)
	remote := nodeid.New()
	devices.AddLocal(self, device.Device{ID: 1})
	devices.AddRemote(remote, device.Device{ID: 9})
	if err := rules.Add(route.NewRule(0,
		device.Key{OwnerNode: self, LocalDeviceID: 1},
		device.Key{OwnerNode: remote, LocalDeviceID: 9},
		route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	e.SendMessage(1, []byte{0x90, 0x3C, 0x64})

	if e.GetStatistics().Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", e.GetStatistics().Dropped)
	}
}

func TestResetStatisticsZeroesCounters(t *testing.T) {
	e, self, devices, rules := newTestEngine(t, nil)
	devices.AddLocal(self, device.Device{ID: 1})
	devices.AddLocal(self, device.Device{ID: 2})
	if err := rules.Add(route.NewRule(0,
		device.Key{OwnerNode: self, LocalDeviceID: 1},
		device.Key{OwnerNode: self, LocalDeviceID: 2},
		route.ChannelAny, 0)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.SendMessage(1, []byte{0x90, 0x3C, 0x64})
	e.ResetStatistics()
	if stats := e.GetStatistics(); stats != (Statistics{}) {
		t.Errorf("stats after reset = %+v, want zero value", stats)
	}
}
