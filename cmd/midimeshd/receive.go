package main

import (
	"log"
	"net"
	"sync"

	"midimesh/internal/mesh"
	"midimesh/internal/nodeid"
	"midimesh/internal/reorder"
	"midimesh/internal/router"
	"midimesh/internal/stats"
	"midimesh/internal/transport"
	"midimesh/internal/wire"
)

// isAck/isNack identify the zero-payload control shapes NewAckPacket and
// NewNackPacket produce (the wire format has no dedicated type byte, so
// these are recognized structurally, the same way mesh.isHeartbeat is).
func isAck(pkt *wire.Packet) bool {
	return len(pkt.MIDI) == 0 && pkt.Flags == wire.FlagReliable
}

func isNack(pkt *wire.Packet) bool {
	return len(pkt.MIDI) == 0 && pkt.Flags == wire.FlagReliable|wire.FlagFragment
}

// findConnection scans the pool for the connection currently bound to id.
// The mesh package keeps its pool map private, so this is the only way to
// route an inbound packet back to the right NetworkConnection.
func findConnection(conns []*mesh.NetworkConnection, id nodeid.NodeId) *mesh.NetworkConnection {
	for _, c := range conns {
		if c.GetRemoteNode() == id {
			return c
		}
	}
	return nil
}

// inboundRouter demultiplexes packets arriving on the shared UDP socket
// (spec.md's receive pipeline: "receive thread -> codec -> reorder buffer
// -> router engine -> forwarding rules -> ..."). ACK/NACK control packets
// drive the reliable layer's retry bookkeeping directly; everything else is
// handed to the owning NetworkConnection so a heartbeat still resets that
// connection's miss counter, and MIDI data lands in a per-source reorder
// buffer before it ever reaches the router engine.
type inboundRouter struct {
	nodes    *nodeid.Registry
	reliable *transport.ReliableLayer
	meshMgr  *mesh.Manager
	engine   *router.Engine
	cfg      reorder.Config
	metrics  *stats.Metrics

	mu      sync.Mutex
	buffers map[nodeid.NodeId]*reorder.Buffer
}

func newInboundRouter(nodes *nodeid.Registry, reliable *transport.ReliableLayer, engine *router.Engine, cfg reorder.Config, metrics *stats.Metrics) *inboundRouter {
	return &inboundRouter{
		nodes:    nodes,
		reliable: reliable,
		engine:   engine,
		cfg:      cfg,
		metrics:  metrics,
		buffers:  make(map[nodeid.NodeId]*reorder.Buffer),
	}
}

// onPacket is the transport.OnPacketFunc bound to the node's UDPTransport.
func (ir *inboundRouter) onPacket(pkt *wire.Packet, _ *net.UDPAddr) {
	switch {
	case isAck(pkt):
		ir.reliable.OnAck(pkt.Sequence)
		return
	case isNack(pkt):
		ir.reliable.OnNack(pkt.Sequence)
		return
	}

	src, ok := ir.nodes.Lookup(pkt.SrcNodeHash)
	if !ok {
		log.Printf("[router] dropping packet from unknown source hash %08x", pkt.SrcNodeHash)
		return
	}

	if conn := findConnection(ir.meshMgr.Connections(), src); conn != nil {
		conn.ReceivePacket(pkt)
		return
	}
	// No pooled connection yet (e.g. a stray packet arriving mid-reconnect);
	// still worth delivering rather than dropping silently.
	ir.deliverMidi(src, pkt)
}

// handleMidi is bound as mesh.OnMidiFunc. The connection-level callback
// carries no node identity of its own, so this resolves it again from the
// packet's source hash before routing into that source's reorder buffer.
func (ir *inboundRouter) handleMidi(pkt *wire.Packet) {
	src, ok := ir.nodes.Lookup(pkt.SrcNodeHash)
	if !ok {
		return
	}
	ir.deliverMidi(src, pkt)
}

func (ir *inboundRouter) deliverMidi(src nodeid.NodeId, pkt *wire.Packet) {
	ir.bufferFor(src).AddPacket(pkt)
}

// deliverRealTime feeds a decoded real-time wire frame (spec §6.2) straight
// to the router engine, bypassing the reorder buffer entirely: the
// real-time path is explicitly unsequenced, fire-and-forget.
func (ir *inboundRouter) deliverRealTime(src nodeid.NodeId, deviceID uint16, tsMicros uint32, midi []byte) {
	pkt := wire.NewDataPacket(src.Hash(), 0, 0, tsMicros, deviceID, midi)
	ir.engine.OnNetworkPacketReceived(src, pkt)
}

func (ir *inboundRouter) bufferFor(src nodeid.NodeId) *reorder.Buffer {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	if b, ok := ir.buffers[src]; ok {
		return b
	}
	var b *reorder.Buffer
	b = reorder.New(ir.cfg,
		func(pkt *wire.Packet) { ir.engine.OnNetworkPacketReceived(src, pkt) },
		func(uint16) {
			if ir.metrics != nil {
				ir.metrics.UpdateReorder(b.Stats())
			}
		},
		nil,
	)
	b.Start()
	ir.buffers[src] = b
	return b
}

// dropPeer stops and discards the reorder buffer for a peer that has left
// the mesh (spec §4.10 OnRemoved), so a reconnecting peer starts clean.
func (ir *inboundRouter) dropPeer(src nodeid.NodeId) {
	ir.mu.Lock()
	b, ok := ir.buffers[src]
	if ok {
		delete(ir.buffers, src)
	}
	ir.mu.Unlock()
	if ok {
		b.Stop()
	}
}

// allStats aggregates every active peer's reorder buffer into a single
// snapshot for the periodic metrics/history refresh.
func (ir *inboundRouter) allStats() reorder.Stats {
	ir.mu.Lock()
	defer ir.mu.Unlock()
	var out reorder.Stats
	for _, b := range ir.buffers {
		s := b.Stats()
		out.Delivered += s.Delivered
		out.Dropped += s.Dropped
		out.Duplicates += s.Duplicates
		out.Gaps += s.Gaps
	}
	return out
}
