package mesh

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"midimesh/internal/device"
	"midimesh/internal/discovery"
	"midimesh/internal/nodeid"
	"midimesh/internal/route"
	"midimesh/internal/wire"
)

const reapInterval = 5 * time.Second

// Manager subscribes to discovery callbacks and maintains the connection
// pool (spec §4.10 "MeshManager").
type Manager struct {
	self    nodeid.NodeId
	dial    DialFunc
	devices *device.Registry
	rules   *route.Manager
	nodes   *nodeid.Registry
	monitor *HeartbeatMonitor

	onMidi OnMidiFunc

	mu   sync.Mutex
	pool map[nodeid.NodeId]*NetworkConnection

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager wires a mesh Manager. onMidi is invoked for every inbound
// MIDI packet from any peer, normally bound to the router engine's
// OnNetworkPacketReceived.
func NewManager(self nodeid.NodeId, dial DialFunc, devices *device.Registry, rules *route.Manager, nodes *nodeid.Registry, onMidi OnMidiFunc) *Manager {
	return &Manager{
		self:    self,
		dial:    dial,
		devices: devices,
		rules:   rules,
		nodes:   nodes,
		monitor: NewHeartbeatMonitor(),
		onMidi:  onMidi,
		pool:    make(map[nodeid.NodeId]*NetworkConnection),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the heartbeat monitor and the dead-connection reaper.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.monitor.Start()
	m.wg.Add(1)
	go m.reapLoop()
}

// Stop tears down every pooled connection and stops background loops.
// Idempotent.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.monitor.Stop()

	m.mu.Lock()
	conns := make([]*NetworkConnection, 0, len(m.pool))
	for _, c := range m.pool {
		conns = append(conns, c)
	}
	m.pool = make(map[nodeid.NodeId]*NetworkConnection)
	m.mu.Unlock()

	for _, c := range conns {
		m.monitor.Unwatch(c)
		c.Shutdown()
	}
}

// OnDiscovered handles a newly-discovered peer (spec §4.10): create a
// connection, add it to the pool, issue Connect, and register the peer's
// UUID.
func (m *Manager) OnDiscovered(info discovery.NodeInfo) {
	m.mu.Lock()
	if _, exists := m.pool[info.NodeId]; exists {
		m.mu.Unlock()
		return
	}
	conn := NewConnection(info, m.dial, nil, func(pkt *wire.Packet) {
		if m.onMidi != nil {
			m.onMidi(pkt)
		}
	})
	m.pool[info.NodeId] = conn
	m.mu.Unlock()

	m.nodes.Register(info.NodeId)
	m.monitor.Watch(conn)
	conn.Connect()
}

// OnRemoved handles a peer dropping out of discovery (spec §4.10):
// disconnect, remove from the pool, unregister the UUID, and purge
// remote devices + routes for that node.
func (m *Manager) OnRemoved(id nodeid.NodeId) {
	m.mu.Lock()
	conn, exists := m.pool[id]
	if exists {
		delete(m.pool, id)
	}
	m.mu.Unlock()

	if exists {
		m.monitor.Unwatch(conn)
		conn.Disconnect()
	}

	m.nodes.Unregister(id)
	if m.devices != nil {
		m.devices.RemoveAllForNode(id)
	}
	if m.rules != nil {
		m.rules.RemoveRulesForNode(id)
	}
}

// SendToNode looks up id's connection and enqueues pkt for transmission;
// it is the function the router engine uses to hand off remote-bound
// packets (router.SendToNodeFunc).
func (m *Manager) SendToNode(id nodeid.NodeId, pkt *wire.Packet) error {
	m.mu.Lock()
	conn, ok := m.pool[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("mesh: no connection to node %s", id)
	}
	conn.SendMidi(pkt)
	return nil
}

// Connections returns a snapshot of the current pool.
func (m *Manager) Connections() []*NetworkConnection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*NetworkConnection, 0, len(m.pool))
	for _, c := range m.pool {
		out = append(out, c)
	}
	return out
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapFailed()
		}
	}
}

// reapFailed removes and shuts down every connection in the Failed state
// (spec §4.10 "Periodically reap dead (failed) connections").
func (m *Manager) reapFailed() {
	m.mu.Lock()
	var dead []*NetworkConnection
	for id, c := range m.pool {
		if c.GetState() == StateFailed {
			dead = append(dead, c)
			delete(m.pool, id)
		}
	}
	m.mu.Unlock()

	for _, c := range dead {
		m.monitor.Unwatch(c)
		c.Shutdown()
	}
}
