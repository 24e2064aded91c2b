// Package discovery implements zero-configuration peer discovery (spec
// §4.9): an mDNS path for LAN segments where multicast DNS is reachable,
// and a UDP-multicast announce/listen fallback for segments where it
// isn't. Both paths publish into the same onDiscovered/onRemoved callback
// pair so mesh management stays discovery-source-agnostic.
package discovery

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"

	"midimesh/internal/nodeid"
)

// ServiceType and ServiceDomain identify the mesh's mDNS service (spec
// §4.9), grounded on `somesmallstudio-go-midi-rtp`'s
// `zeroconf.Register(bonjourName, "_apple-midi._udp", "local.", ...)`
// call, generalized to this mesh's own service type.
const (
	ServiceType   = "_midi-network._tcp"
	ServiceDomain = "local."
)

const (
	multicastAddr    = "239.255.42.99:5353"
	announceInterval = 5 * time.Second
	missThreshold    = 3
	peerTimeout      = announceInterval * missThreshold // 15s
	sweepInterval    = 1 * time.Second
)

// NodeInfo is the per-peer record discovery publishes (spec §4.9 TXT
// records / JSON payload fields: uuid, http_port, udp_port, tcp_port,
// hostname, version, devices).
type NodeInfo struct {
	NodeId   nodeid.NodeId
	HTTPPort int
	UDPPort  int
	TCPPort  int
	Hostname string
	Version  string
	Devices  int
}

// OnDiscoveredFunc is invoked the first time a peer is seen, from either
// discovery path.
type OnDiscoveredFunc func(NodeInfo)

// OnRemovedFunc is invoked once a peer has been silent for peerTimeout.
type OnRemovedFunc func(nodeid.NodeId)

// Service runs both discovery paths concurrently.
type Service struct {
	self    NodeInfo
	version string

	onDiscovered OnDiscoveredFunc
	onRemoved    OnRemovedFunc

	mdnsServer *zeroconf.Server

	udpConn *net.UDPConn

	mu   sync.Mutex
	seen map[nodeid.NodeId]time.Time

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a discovery service advertising self. version is carried in
// the version TXT/JSON field, e.g. for compatibility diagnostics.
func New(self NodeInfo, version string, onDiscovered OnDiscoveredFunc, onRemoved OnRemovedFunc) *Service {
	return &Service{
		self:         self,
		version:      version,
		onDiscovered: onDiscovered,
		onRemoved:    onRemoved,
		seen:         make(map[nodeid.NodeId]time.Time),
		stopCh:       make(chan struct{}),
	}
}

// Start launches mDNS registration + browsing, the multicast fallback
// announce/listen loops, and the shared eviction sweep. Failures in
// either discovery path are logged, not fatal — the spec treats discovery
// as best-effort, unlike a transport bind failure.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.startMDNS()
	s.startMulticastFallback()

	s.wg.Add(1)
	go s.sweepLoop()
}

// Stop is idempotent and tears down both discovery paths.
func (s *Service) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.wg.Wait()
}

func (s *Service) startMDNS() {
	txt := s.txtRecords()
	server, err := zeroconf.Register(s.self.NodeId.String(), ServiceType, ServiceDomain, s.self.HTTPPort, txt, nil)
	if err != nil {
		log.Printf("[discovery] mdns register failed, continuing with multicast fallback only: %v", err)
		return
	}
	s.mdnsServer = server

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Printf("[discovery] mdns resolver failed: %v", err)
		return
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for entry := range entries {
			info, ok := parseServiceEntry(entry)
			if !ok || info.NodeId == s.self.NodeId {
				continue
			}
			s.handleSeen(info)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		<-s.stopCh
	}()
	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		log.Printf("[discovery] mdns browse failed: %v", err)
	}
}

// txtRecords builds the mDNS TXT payload (spec §4.9).
func (s *Service) txtRecords() []string {
	return []string{
		"uuid=" + s.self.NodeId.String(),
		"http_port=" + strconv.Itoa(s.self.HTTPPort),
		"udp_port=" + strconv.Itoa(s.self.UDPPort),
		"tcp_port=" + strconv.Itoa(s.self.TCPPort),
		"hostname=" + s.self.Hostname,
		"version=" + s.version,
		"devices=" + strconv.Itoa(s.self.Devices),
	}
}

func parseServiceEntry(entry *zeroconf.ServiceEntry) (NodeInfo, bool) {
	fields := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}
	id, err := nodeid.Parse(fields["uuid"])
	if err != nil {
		return NodeInfo{}, false
	}
	httpPort, _ := strconv.Atoi(fields["http_port"])
	udpPort, _ := strconv.Atoi(fields["udp_port"])
	tcpPort, _ := strconv.Atoi(fields["tcp_port"])
	devices, _ := strconv.Atoi(fields["devices"])
	return NodeInfo{
		NodeId:   id,
		HTTPPort: httpPort,
		UDPPort:  udpPort,
		TCPPort:  tcpPort,
		Hostname: fields["hostname"],
		Version:  fields["version"],
		Devices:  devices,
	}, true
}

// announcement is the multicast fallback's JSON wire payload (spec §4.9,
// "a listener parses announcements" carrying the same TXT fields).
type announcement struct {
	UUID     string `json:"uuid"`
	HTTPPort int    `json:"http_port"`
	UDPPort  int    `json:"udp_port"`
	TCPPort  int    `json:"tcp_port"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Devices  int    `json:"devices"`
}

func (s *Service) startMulticastFallback() {
	addr, err := net.ResolveUDPAddr("udp4", multicastAddr)
	if err != nil {
		log.Printf("[discovery] resolve multicast addr: %v", err)
		return
	}

	listenConn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		log.Printf("[discovery] multicast listen failed: %v", err)
		return
	}
	listenConn.SetReadBuffer(64 * 1024)

	sendConn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		log.Printf("[discovery] multicast dial failed: %v", err)
		listenConn.Close()
		return
	}
	s.udpConn = sendConn

	s.wg.Add(1)
	go s.multicastListenLoop(listenConn)

	s.wg.Add(1)
	go s.multicastAnnounceLoop(sendConn)
}

func (s *Service) multicastAnnounceLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	announce := func() {
		payload, err := json.Marshal(announcement{
			UUID:     s.self.NodeId.String(),
			HTTPPort: s.self.HTTPPort,
			UDPPort:  s.self.UDPPort,
			TCPPort:  s.self.TCPPort,
			Hostname: s.self.Hostname,
			Version:  s.version,
			Devices:  s.self.Devices,
		})
		if err != nil {
			return
		}
		if _, err := conn.Write(payload); err != nil {
			log.Printf("[discovery] multicast announce write failed: %v", err)
		}
	}

	announce()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			announce()
		}
	}
}

func (s *Service) multicastListenLoop(conn *net.UDPConn) {
	defer s.wg.Done()
	defer conn.Close()

	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		var a announcement
		if err := json.Unmarshal(buf[:n], &a); err != nil {
			continue
		}
		id, err := nodeid.Parse(a.UUID)
		if err != nil || id == s.self.NodeId {
			continue
		}
		s.handleSeen(NodeInfo{
			NodeId:   id,
			HTTPPort: a.HTTPPort,
			UDPPort:  a.UDPPort,
			TCPPort:  a.TCPPort,
			Hostname: a.Hostname,
			Version:  a.Version,
			Devices:  a.Devices,
		})
	}
}

// handleSeen records the latest sighting of info.NodeId and fires
// onDiscovered exactly once per newly-seen peer, regardless of which
// discovery path reported it.
func (s *Service) handleSeen(info NodeInfo) {
	s.mu.Lock()
	_, known := s.seen[info.NodeId]
	s.seen[info.NodeId] = time.Now()
	s.mu.Unlock()

	if !known && s.onDiscovered != nil {
		s.onDiscovered(info)
	}
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()
	var expired []nodeid.NodeId

	s.mu.Lock()
	for id, last := range s.seen {
		if now.Sub(last) >= peerTimeout {
			expired = append(expired, id)
			delete(s.seen, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		if s.onRemoved != nil {
			s.onRemoved(id)
		}
	}
}

// KnownPeers returns a snapshot of peer NodeIds currently considered live.
func (s *Service) KnownPeers() []nodeid.NodeId {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]nodeid.NodeId, 0, len(s.seen))
	for id := range s.seen {
		out = append(out, id)
	}
	return out
}

// LocalHostname returns the machine hostname for populating NodeInfo,
// falling back to "node" if unavailable (mirrors nodeid.DisplayName's
// fallback).
func LocalHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node"
	}
	return host
}
