// Package router implements the MIDI Router Engine (spec §4.8): the
// central dispatcher that applies forwarding rules to every inbound or
// locally-generated MIDI message, with loop prevention via a
// ForwardingContext carried in the packet's context extension.
package router

import (
	"log"
	"sync"

	"midimesh/internal/device"
	"midimesh/internal/nodeid"
	"midimesh/internal/route"
	"midimesh/internal/wire"
)

// maxHops is the loop-prevention ceiling (spec §4.8 step 3).
const maxHops = 8

// maxQueueDepth bounds each local device's pending-message queue; past
// this the oldest queued message is dropped (mirrors the drop-oldest
// discipline used throughout the transport layer).
const maxQueueDepth = 256

// LocalPortFunc delivers a forwarded message to a registered local port.
type LocalPortFunc func(deviceID uint16, midi []byte)

// SendToNodeFunc transmits pkt toward dst over the mesh (supplied by the
// connection/mesh layer; the router engine has no transport knowledge of
// its own).
type SendToNodeFunc func(dst nodeid.NodeId, pkt *wire.Packet) error

// ForwardingContext is the per-message loop-prevention trace (spec §3
// "ForwardingContext").
type ForwardingContext struct {
	HopCount uint8
	Visited  map[device.Key]bool
}

func newForwardingContext() *ForwardingContext {
	return &ForwardingContext{Visited: make(map[device.Key]bool)}
}

func (c *ForwardingContext) clone() *ForwardingContext {
	v := make(map[device.Key]bool, len(c.Visited))
	for k := range c.Visited {
		v[k] = true
	}
	return &ForwardingContext{HopCount: c.HopCount, Visited: v}
}

// Statistics are the router engine's monotonic counters (spec §4.8
// getStatistics).
type Statistics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	Forwarded        uint64
	Dropped          uint64
	LoopsDetected    uint64
}

// Engine is the MIDI Router Engine. Mutex ordering to avoid deadlocks:
// ports -> queues -> stats (spec §4.8); never acquire an earlier one while
// holding a later one.
type Engine struct {
	self nodeid.NodeId

	devices *device.Registry
	rules   *route.Manager
	nodes   *nodeid.Registry

	sendToNode SendToNodeFunc

	portsMu sync.RWMutex
	ports   map[uint16]LocalPortFunc

	queuesMu sync.Mutex
	queues   map[uint16][][]byte

	statsMu sync.Mutex
	stats   Statistics
}

// NewEngine wires an Engine to the device registry, route manager, and
// node-hash registry it consults, plus the function used to hand off
// outbound packets to the mesh layer.
func NewEngine(self nodeid.NodeId, devices *device.Registry, rules *route.Manager, nodes *nodeid.Registry, send SendToNodeFunc) *Engine {
	return &Engine{
		self:       self,
		devices:    devices,
		rules:      rules,
		nodes:      nodes,
		sendToNode: send,
		ports:      make(map[uint16]LocalPortFunc),
		queues:     make(map[uint16][][]byte),
	}
}

// RegisterLocalPort attaches fn as deviceID's local delivery callback
// (spec §4.8 registerLocalPort).
func (e *Engine) RegisterLocalPort(deviceID uint16, fn LocalPortFunc) {
	e.portsMu.Lock()
	defer e.portsMu.Unlock()
	e.ports[deviceID] = fn
}

// UnregisterLocalPort removes deviceID's delivery callback.
func (e *Engine) UnregisterLocalPort(deviceID uint16) {
	e.portsMu.Lock()
	defer e.portsMu.Unlock()
	delete(e.ports, deviceID)
}

// SendMessage is the entry point for a locally-generated MIDI message
// (spec §4.8 sendMessage).
func (e *Engine) SendMessage(deviceID uint16, midi []byte) {
	e.statsMu.Lock()
	e.stats.MessagesSent++
	e.statsMu.Unlock()

	e.forward(device.Key{OwnerNode: e.self, LocalDeviceID: deviceID}, midi, newForwardingContext())
}

// OnNetworkPacketReceived handles an inbound Data packet whose source is a
// remote device (spec §4.8 onNetworkPacketReceived).
func (e *Engine) OnNetworkPacketReceived(src nodeid.NodeId, pkt *wire.Packet) {
	e.statsMu.Lock()
	e.stats.MessagesReceived++
	e.statsMu.Unlock()

	ctx := e.contextFromWire(pkt.Context)
	e.forward(device.Key{OwnerNode: src, LocalDeviceID: pkt.DeviceID}, pkt.MIDI, ctx)
}

// ForwardMessage re-enters the forwarding algorithm for a message that
// already carries a ForwardingContext (spec §4.8 forwardMessage), used
// when a connection worker relays a message received from one peer
// onward to another.
func (e *Engine) ForwardMessage(srcNode nodeid.NodeId, srcDeviceID uint16, midi []byte, ctx *ForwardingContext) {
	if ctx == nil {
		ctx = newForwardingContext()
	}
	e.forward(device.Key{OwnerNode: srcNode, LocalDeviceID: srcDeviceID}, midi, ctx)
}

func (e *Engine) forward(src device.Key, midi []byte, ctx *ForwardingContext) {
	if len(midi) == 0 {
		return
	}
	status := midi[0]
	channel := int(status&0x0F) + 1
	msgType := status & 0xF0

	for _, r := range e.rules.GetDestinations(src) {
		if !r.Enabled {
			continue
		}
		if !matchesChannel(r.ChannelFilter, channel) {
			continue
		}
		if !matchesType(r.MessageTypeMask, msgType) {
			continue
		}
		e.dispatch(r, src, midi, ctx)
	}
}

func matchesChannel(filter, channel int) bool {
	return filter == route.ChannelAny || filter == channel
}

// matchesType interprets mask as 8 bits, one per MIDI channel-voice status
// nibble (0x8.-0xF.); mask == 0 matches every type.
func matchesType(mask uint8, msgType byte) bool {
	if mask == 0 {
		return true
	}
	bit := (msgType >> 4)
	if bit < 8 {
		return true // bytes below 0x80 are not status bytes and fall outside the mask; always pass
	}
	return mask&(1<<(bit-8)) != 0
}

func (e *Engine) dispatch(r *route.Rule, src device.Key, midi []byte, ctx *ForwardingContext) {
	dst := r.Destination

	if ctx.HopCount >= maxHops {
		e.rules.RecordDropped(r.RuleID)
		e.incDropped(true)
		return
	}
	if ctx.Visited[dst] {
		e.rules.RecordDropped(r.RuleID)
		e.incDropped(true)
		return
	}

	next := ctx.clone()
	next.Visited[src] = true
	next.HopCount++

	e.rules.RecordForwarded(r.RuleID)
	e.incForwarded()

	dstDev, ok := e.devices.Get(dst.LocalDeviceID)
	if ok && dstDev.IsLocal {
		e.deliverLocal(dst.LocalDeviceID, midi)
		return
	}

	target := dst.OwnerNode
	if target.IsNil() && ok {
		target = dstDev.OwnerNode
	}
	if target.IsNil() || e.sendToNode == nil {
		e.incDropped(false)
		return
	}

	pkt := wire.NewDataPacket(e.self.Hash(), target.Hash(), 0, 0, dst.LocalDeviceID, midi)
	pkt.WithContext(e.contextToWire(next))
	if err := e.sendToNode(target, pkt); err != nil {
		e.incDropped(false)
	}
}

func (e *Engine) deliverLocal(deviceID uint16, midi []byte) {
	e.portsMu.RLock()
	fn := e.ports[deviceID]
	e.portsMu.RUnlock()
	if fn != nil {
		fn(deviceID, midi)
	}

	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	q := append(e.queues[deviceID], append([]byte(nil), midi...))
	if len(q) > maxQueueDepth {
		q = q[len(q)-maxQueueDepth:]
	}
	e.queues[deviceID] = q
}

// GetMessages drains and returns every message queued for deviceID (spec
// §4.8 getMessages).
func (e *Engine) GetMessages(deviceID uint16) [][]byte {
	e.queuesMu.Lock()
	defer e.queuesMu.Unlock()
	q := e.queues[deviceID]
	delete(e.queues, deviceID)
	return q
}

// GetStatistics returns a snapshot of the engine's counters.
func (e *Engine) GetStatistics() Statistics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// ResetStatistics zeroes the engine's counters (spec §4.8 resetStatistics).
// Per-rule counters live in the route Manager and are unaffected.
func (e *Engine) ResetStatistics() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats = Statistics{}
}

func (e *Engine) incForwarded() {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Forwarded++
}

func (e *Engine) incDropped(loop bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	e.stats.Dropped++
	if loop {
		e.stats.LoopsDetected++
	}
}

// contextFromWire deserializes a packet's context extension through the
// node-hash registry. An unknown hash is logged and that visited entry is
// treated as absent; the rest of the context (and the packet) remains
// usable (spec §4.8).
func (e *Engine) contextFromWire(wc *wire.Context) *ForwardingContext {
	ctx := newForwardingContext()
	if wc == nil {
		return ctx
	}
	ctx.HopCount = wc.HopCount
	for _, d := range wc.Devices {
		node, ok := e.nodes.Lookup(d.NodeHash)
		if !ok {
			log.Printf("[router] unknown node hash %08x in forwarding context, treating as absent for this hop", d.NodeHash)
			continue
		}
		ctx.Visited[device.Key{OwnerNode: node, LocalDeviceID: d.DeviceID}] = true
	}
	return ctx
}

func (e *Engine) contextToWire(ctx *ForwardingContext) *wire.Context {
	wc := &wire.Context{HopCount: ctx.HopCount}
	for k := range ctx.Visited {
		wc.Devices = append(wc.Devices, wire.ContextDevice{NodeHash: k.OwnerNode.Hash(), DeviceID: k.LocalDeviceID})
	}
	return wc
}
