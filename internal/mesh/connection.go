// Package mesh implements per-peer connection management and the mesh
// manager (spec §4.10): a SEDA-style single-worker command queue per
// peer, a 1s/3-miss heartbeat monitor, and a discovery-driven connection
// pool. Grounded on the teacher's `Client` (server/client.go), which
// stores its transport as a `DatagramSender` interface "so tests can
// mock it" — the same interface-injection idiom used here for `PeerLink`.
package mesh

import (
	"sync"

	"midimesh/internal/device"
	"midimesh/internal/discovery"
	"midimesh/internal/nodeid"
	"midimesh/internal/wire"
)

// State is a NetworkConnection's lifecycle state (spec §4.10 state
// machine).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PeerLink is the transport-facing side of one connection, injected so
// NetworkConnection stays transport-agnostic (and mockable in tests),
// mirroring the teacher's `DatagramSender` interface on `Client.session`.
type PeerLink interface {
	Send(pkt *wire.Packet) error
	Close() error
}

// DialFunc establishes a PeerLink to a newly-discovered peer.
type DialFunc func(peer discovery.NodeInfo) (PeerLink, error)

// OnStateChangedFunc fires on every state transition (spec §4.10).
type OnStateChangedFunc func(conn *NetworkConnection, old, new State)

// OnMidiFunc delivers an inbound MIDI packet from this peer, normally
// wired to the router engine's OnNetworkPacketReceived.
type OnMidiFunc func(pkt *wire.Packet)

const heartbeatMissLimit = 3

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdCheckHeartbeat
	cmdNotifyHeartbeat
	cmdSendMidi
	cmdShutdown
	cmdQueryState
	cmdQueryRemoteNode
	cmdQueryDevices
	cmdSetDevices
)

type command struct {
	kind    commandKind
	pkt     *wire.Packet
	devices []device.Device
	reply   chan any
}

// NetworkConnection owns one worker goroutine and a FIFO command queue;
// all state mutation happens on the worker (spec §4.10).
type NetworkConnection struct {
	peer discovery.NodeInfo
	dial DialFunc

	onStateChanged OnStateChangedFunc
	onMidi         OnMidiFunc

	cmds chan command
	done chan struct{}

	// Worker-owned; touched only inside run().
	state            State
	link             PeerLink
	remoteNode       nodeid.NodeId
	devices          []device.Device
	missedHeartbeats int

	closeOnce sync.Once
}

// NewConnection creates a connection for peer and starts its worker.
func NewConnection(peer discovery.NodeInfo, dial DialFunc, onStateChanged OnStateChangedFunc, onMidi OnMidiFunc) *NetworkConnection {
	c := &NetworkConnection{
		peer:           peer,
		dial:           dial,
		onStateChanged: onStateChanged,
		onMidi:         onMidi,
		cmds:           make(chan command, 64),
		done:           make(chan struct{}),
		state:          StateDisconnected,
		remoteNode:     peer.NodeId,
	}
	go c.run()
	return c
}

func (c *NetworkConnection) run() {
	defer close(c.done)
	for cmd := range c.cmds {
		switch cmd.kind {
		case cmdConnect:
			c.handleConnect()
		case cmdDisconnect:
			c.handleDisconnect()
		case cmdCheckHeartbeat:
			c.handleCheckHeartbeat()
		case cmdNotifyHeartbeat:
			c.missedHeartbeats = 0
		case cmdSendMidi:
			c.handleSendMidi(cmd.pkt)
		case cmdQueryState:
			cmd.reply <- c.state
		case cmdQueryRemoteNode:
			cmd.reply <- c.remoteNode
		case cmdQueryDevices:
			out := make([]device.Device, len(c.devices))
			copy(out, c.devices)
			cmd.reply <- out
		case cmdSetDevices:
			c.devices = cmd.devices
		case cmdShutdown:
			c.handleDisconnect()
			return
		}
	}
}

func (c *NetworkConnection) setState(next State) {
	old := c.state
	if old == next {
		return
	}
	c.state = next
	if c.onStateChanged != nil {
		c.onStateChanged(c, old, next)
	}
}

func (c *NetworkConnection) handleConnect() {
	if c.state == StateConnected || c.state == StateConnecting {
		return
	}
	c.setState(StateConnecting)
	if c.dial == nil {
		c.setState(StateFailed)
		return
	}
	link, err := c.dial(c.peer)
	if err != nil {
		c.setState(StateFailed)
		return
	}
	c.link = link
	c.missedHeartbeats = 0
	c.setState(StateConnected)
}

func (c *NetworkConnection) handleDisconnect() {
	if c.link != nil {
		c.link.Close()
		c.link = nil
	}
	if c.state != StateDisconnected {
		c.setState(StateDisconnected)
	}
}

func (c *NetworkConnection) handleCheckHeartbeat() {
	if c.state != StateConnected {
		return
	}
	c.missedHeartbeats++
	if c.link != nil {
		// Best-effort: a heartbeat send failure counts toward the same
		// miss budget as a genuinely dropped packet.
		_ = c.link.Send(wire.NewHeartbeatPacket(0, 0, 0, 0))
	}
	if c.missedHeartbeats >= heartbeatMissLimit {
		c.handleDisconnect()
	}
}

func (c *NetworkConnection) handleSendMidi(pkt *wire.Packet) {
	if c.state != StateConnected || c.link == nil {
		return
	}
	if err := c.link.Send(pkt); err != nil {
		c.setState(StateFailed)
		return
	}
}

// ReceivePacket is called by the transport layer when a packet arrives
// from this peer. Heartbeats reset the miss counter; everything else is
// handed to onMidi.
func (c *NetworkConnection) ReceivePacket(pkt *wire.Packet) {
	if isHeartbeat(pkt) {
		c.NotifyHeartbeat()
		return
	}
	if c.onMidi != nil {
		c.onMidi(pkt)
	}
}

// isHeartbeat recognizes the zero-payload, no-flags, no-context shape
// NewHeartbeatPacket produces; the wire format has no dedicated type
// byte, so a heartbeat is identified structurally.
func isHeartbeat(pkt *wire.Packet) bool {
	return len(pkt.MIDI) == 0 && pkt.Flags == 0 && pkt.Context == nil
}

// SetDevices replaces the peer's advertised device list (populated once a
// handshake or discovery refresh reports it).
func (c *NetworkConnection) SetDevices(devices []device.Device) {
	c.push(command{kind: cmdSetDevices, devices: devices})
}

func (c *NetworkConnection) push(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// --- Public command API (async, fire-and-forget) ---

func (c *NetworkConnection) Connect()         { c.push(command{kind: cmdConnect}) }
func (c *NetworkConnection) Disconnect()      { c.push(command{kind: cmdDisconnect}) }
func (c *NetworkConnection) CheckHeartbeat()  { c.push(command{kind: cmdCheckHeartbeat}) }
func (c *NetworkConnection) NotifyHeartbeat() { c.push(command{kind: cmdNotifyHeartbeat}) }

// SendMidi enqueues pkt for transmission to this peer.
func (c *NetworkConnection) SendMidi(pkt *wire.Packet) { c.push(command{kind: cmdSendMidi, pkt: pkt}) }

// Shutdown stops the worker after disconnecting. Idempotent.
func (c *NetworkConnection) Shutdown() {
	c.closeOnce.Do(func() {
		c.push(command{kind: cmdShutdown})
		close(c.cmds)
	})
	<-c.done
}

// --- Public query API (synchronous, blocks on the worker) ---

func (c *NetworkConnection) query(kind commandKind) any {
	reply := make(chan any, 1)
	c.push(command{kind: kind, reply: reply})
	select {
	case v := <-reply:
		return v
	case <-c.done:
		return nil
	}
}

// GetState returns the connection's current state.
func (c *NetworkConnection) GetState() State {
	if v, ok := c.query(cmdQueryState).(State); ok {
		return v
	}
	return StateDisconnected
}

// GetRemoteNode returns the peer's NodeId.
func (c *NetworkConnection) GetRemoteNode() nodeid.NodeId {
	if v, ok := c.query(cmdQueryRemoteNode).(nodeid.NodeId); ok {
		return v
	}
	return nodeid.Nil
}

// GetDevices returns a snapshot of the peer's advertised devices.
func (c *NetworkConnection) GetDevices() []device.Device {
	if v, ok := c.query(cmdQueryDevices).([]device.Device); ok {
		return v
	}
	return nil
}
