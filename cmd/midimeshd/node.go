package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"midimesh/internal/config"
	"midimesh/internal/device"
	"midimesh/internal/discovery"
	"midimesh/internal/instance"
	"midimesh/internal/mesh"
	"midimesh/internal/nodeid"
	"midimesh/internal/reorder"
	"midimesh/internal/route"
	"midimesh/internal/router"
	"midimesh/internal/stats"
	"midimesh/internal/statsdb"
	"midimesh/internal/statusapi"
	"midimesh/internal/statusws"
	"midimesh/internal/transport"
	"midimesh/internal/wire"
)

// node owns every long-lived component for one running midimesh process and
// their startup/shutdown ordering (SPEC_FULL.md §12 "Graceful shutdown
// ordering"), mirroring the way `server/main.go` assembles its Room/store/
// API/bot goroutines around one *Store before entering its signal-driven
// wait loop.
type node struct {
	cfg  config.Config
	self nodeid.NodeId

	inst *instance.Manager

	devices *device.Registry
	nodes   *nodeid.Registry
	rules   *route.Manager

	udp         *transport.UDPTransport
	reliable    *transport.ReliableLayer
	rt          *transport.RTSender
	tcpListener *transport.TCPListener
	router      *transport.MessageRouter

	inbound *inboundRouter
	engine  *router.Engine

	meshMgr *mesh.Manager
	disco   *discovery.Service

	metrics *stats.Metrics
	db      *statsdb.DB

	hub *statusws.Hub
	api *statusapi.Server

	addrMu  sync.Mutex
	addrIdx map[string]nodeid.NodeId // resolved peer "host:udpPort" -> node, for RT frame demux
	ipIdx   map[string]nodeid.NodeId // resolved peer IP -> node, for inbound TCP demux
}

// newNode assembles the component graph without starting any background
// goroutine. routesFile, if non-empty, is the JSON file routes are loaded
// from and saved back to.
func newNode(cfg config.Config, self nodeid.NodeId, inst *instance.Manager, routesFile string) (*node, error) {
	n := &node{cfg: cfg, self: self, inst: inst, addrIdx: make(map[string]nodeid.NodeId), ipIdx: make(map[string]nodeid.NodeId)}

	n.devices = device.NewRegistry()
	n.nodes = nodeid.NewRegistry()
	n.rules = route.NewManager(n.devices)
	if routesFile != "" {
		if err := n.rules.LoadFromFile(routesFile); err != nil {
			log.Printf("[node] no existing routes file at %s (%v); starting empty", routesFile, err)
		}
	}

	// The inboundRouter that will classify every packet isn't built until
	// the reliable layer and router engine exist, but the UDP transport
	// needs its receive callback at construction time; route through a
	// forward-declared pointer the closure captures by reference.
	var ir *inboundRouter
	udp, err := transport.NewUDPTransport(uint16(cfg.Transport.UDPPort), func(pkt *wire.Packet, addr *net.UDPAddr) {
		if ir != nil {
			ir.onPacket(pkt, addr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	n.udp = udp
	n.reliable = transport.NewReliableLayer(udp)
	n.reliable.TimeoutMs = cfg.Transport.ReliableTimeoutMs
	n.reliable.MaxRetries = cfg.Transport.ReliableRetries
	n.rt = transport.NewRTSender(udp)
	n.router = transport.NewMessageRouter(udp, n.reliable, func(err error) {
		log.Printf("[transport] route: %v", err)
	})

	// The TCP listener's accept callback resolves the sending peer through
	// the IP-only index populated at discovery time (an accepted
	// connection's RemoteAddr carries an ephemeral source port, not the
	// peer's advertised UDP port, so addrIdx can't be reused here) and
	// feeds the reconstructed packet into the same inbound pipeline
	// receive.go uses for UDP.
	tcpListener, err := transport.NewTCPListener(fmt.Sprintf(":%d", cfg.Transport.TCPPort), func(data []byte, remote net.Addr) {
		if ir == nil {
			return
		}
		host, _, err := net.SplitHostPort(remote.String())
		if err != nil {
			return
		}
		n.addrMu.Lock()
		src, ok := n.ipIdx[host]
		n.addrMu.Unlock()
		if !ok {
			log.Printf("[tcp] dropping fragment from unrecognized peer %s", remote)
			return
		}
		pkt, derr := wire.Deserialize(data)
		if derr != nil {
			log.Printf("[tcp] invalid packet from %s: %v", remote, derr)
			return
		}
		ir.deliverMidi(src, pkt)
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	n.tcpListener = tcpListener

	udp.SetOnRTFrame(func(deviceID uint16, tsMicros uint32, midi []byte, addr *net.UDPAddr) {
		n.addrMu.Lock()
		src, ok := n.addrIdx[addr.String()]
		n.addrMu.Unlock()
		if !ok {
			return
		}
		ir.deliverRealTime(src, deviceID, tsMicros, midi)
	})

	reorderCfg := reorder.Config{
		MaxBufferSize:     cfg.Reorder.MaxBufferSize,
		MaxSequenceGap:    cfg.Reorder.MaxSequenceGap,
		DeliveryTimeoutMs: cfg.Reorder.DeliveryTimeoutMs,
	}
	n.metrics = stats.NewMetrics()

	// The router engine's send function and the mesh manager's onMidi
	// callback are mutually dependent (the engine hands remote-bound
	// packets to the manager's pool; the manager hands inbound MIDI to the
	// engine via the inboundRouter), so the manager is forward-declared the
	// same way the UDP receive callback is above.
	var meshMgr *mesh.Manager
	n.engine = router.NewEngine(self, n.devices, n.rules, n.nodes, func(dst nodeid.NodeId, pkt *wire.Packet) error {
		return meshMgr.SendToNode(dst, pkt)
	})

	ir = newInboundRouter(n.nodes, n.reliable, n.engine, reorderCfg, n.metrics)
	n.inbound = ir

	dial := newDialFunc(n.router)
	meshMgr = mesh.NewManager(self, dial, n.devices, n.rules, n.nodes, ir.handleMidi)
	ir.meshMgr = meshMgr
	n.meshMgr = meshMgr

	if cfg.Stats.DBPath != "" {
		db, err := statsdb.Open(cfg.Stats.DBPath)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		n.db = db
	}

	n.hub = statusws.NewHub()
	n.api = statusapi.New(self, version, n.devices, n.rules, n.engine, n.meshMgr, n.metrics)
	statusws.NewHandler(n.hub).Register(n.api.Echo())

	selfInfo := discovery.NodeInfo{
		NodeId:   self,
		HTTPPort: httpPort(cfg.HTTP.ListenAddr),
		UDPPort:  int(udp.LocalPort()),
		TCPPort:  int(n.tcpListener.LocalPort()),
		Hostname: discovery.LocalHostname(),
		Version:  version,
	}
	n.disco = discovery.New(selfInfo, version, func(info discovery.NodeInfo) {
		if addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", info.Hostname, info.UDPPort)); err == nil {
			n.addrMu.Lock()
			n.addrIdx[addr.String()] = info.NodeId
			n.ipIdx[addr.IP.String()] = info.NodeId
			n.addrMu.Unlock()
			n.rt.AddPeer(addr)
		}
		n.meshMgr.OnDiscovered(info)
		n.hub.Broadcast(statusws.PeerDiscoveredEvent(info.NodeId.String(), info.Hostname))
	}, func(id nodeid.NodeId) {
		n.meshMgr.OnRemoved(id)
		n.inbound.dropPeer(id)
		n.addrMu.Lock()
		for addr, nid := range n.addrIdx {
			if nid == id {
				delete(n.addrIdx, addr)
			}
		}
		for ip, nid := range n.ipIdx {
			if nid == id {
				delete(n.ipIdx, ip)
			}
		}
		n.addrMu.Unlock()
		n.hub.Broadcast(statusws.PeerRemovedEvent(id.String()))
	})

	return n, nil
}

// httpPort extracts the numeric port from a "host:port" listen address,
// returning 0 if it can't be parsed (advertised best-effort, not fatal).
func httpPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return p
}

// Start launches every background component. Component start order mirrors
// the reverse of Shutdown's documented stop order.
func (n *node) Start(ctx context.Context) <-chan error {
	n.udp.Start()
	n.reliable.Start()
	n.rt.Start()
	n.tcpListener.Start()

	n.meshMgr.Start()
	if n.cfg.Discovery.Enabled {
		n.disco.Start()
	}

	if n.db != nil {
		go n.snapshotLoop(ctx)
	}
	go n.metricsRefreshLoop(ctx)

	apiDone := make(chan error, 1)
	go func() { apiDone <- n.api.Run(ctx, n.cfg.HTTP.ListenAddr) }()
	return apiDone
}

// snapshotLoop periodically persists router/transport/reorder statistics to
// statsdb and prunes history past the configured retention window. It only
// appends history; explicit counter resets go through the HTTP API / CLI.
func (n *node) snapshotLoop(ctx context.Context) {
	interval := n.cfg.Stats.SnapshotInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engineStats := n.engine.GetStatistics()
			if err := n.db.RecordRouterSnapshot(statsdb.RouterSnapshot(engineStats)); err != nil {
				log.Printf("[statsdb] record router snapshot: %v", err)
			}

			rl := n.reliable.Stats()
			rtrStats := n.router.Stats()
			if err := n.db.RecordTransportSnapshot(statsdb.TransportSnapshot{
				RealTimeSent:    rtrStats.RealTimeSent,
				NonRealTimeSent: rtrStats.NonRealTimeSent,
				ReliableSent:    rl.Sent,
				ReliableRetries: rl.Retries,
				ReliableFailed:  rl.Failed,
				RTDropped:       n.rt.Dropped(),
			}); err != nil {
				log.Printf("[statsdb] record transport snapshot: %v", err)
			}

			rb := n.inbound.allStats()
			if err := n.db.RecordReorderSnapshot(statsdb.ReorderSnapshot(rb)); err != nil {
				log.Printf("[statsdb] record reorder snapshot: %v", err)
			}

			if retain := n.cfg.Stats.RetainFor(); retain > 0 {
				if err := n.db.Prune(time.Now().Add(-retain)); err != nil {
					log.Printf("[statsdb] prune: %v", err)
				}
			}
		}
	}
}

// metricsRefreshLoop pushes the same counters into the Prometheus gauges
// every tick, since promauto gauges are set-on-read rather than computed.
func (n *node) metricsRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.metrics.UpdateRouter(n.engine.GetStatistics())
			n.metrics.UpdateTransport(n.router.Stats())
			rl := n.reliable.Stats()
			n.metrics.UpdateReliable(rl.Sent, rl.Retries, rl.Failed)
			n.metrics.UpdateRTDropped(n.rt.Dropped())
			n.metrics.UpdateReorder(n.inbound.allStats())
			n.metrics.UpdateMeshGauges(len(n.meshMgr.Connections()), n.nodes.Count())
		}
	}
}

// Shutdown stops every component in this order: discovery, mesh manager,
// transports, then closes the statistics database (the router engine has
// no background work to stop). The instance
// manager's lock/workspace cleanup is the caller's responsibility, since it
// outlives this node struct's construction.
func (n *node) Shutdown() {
	n.disco.Stop()
	n.meshMgr.Stop()

	n.rt.Stop()
	n.udp.Stop()
	n.reliable.Stop()
	n.tcpListener.Stop()

	if n.db != nil {
		if err := n.db.Close(); err != nil {
			log.Printf("[statsdb] close: %v", err)
		}
	}
}
