package main

import (
	"fmt"
	"net"

	"midimesh/internal/discovery"
	"midimesh/internal/mesh"
	"midimesh/internal/transport"
	"midimesh/internal/wire"
)

// peerLink implements mesh.PeerLink over the shared UDP socket plus a
// per-peer TCP dial for non-real-time payloads too large for the
// UDP-backed reliable layer. Dispatch goes through the node's one shared
// transport.MessageRouter so classification and RT/non-RT send statistics
// stay centralized (spec §3 "Statistics") instead of split per peerLink.
type peerLink struct {
	router *transport.MessageRouter
	addr   *net.UDPAddr
	tcp    *transport.TCPTransport
}

func (l *peerLink) Send(pkt *wire.Packet) error {
	return l.router.Send(pkt, l.addr, l.tcp)
}

func (l *peerLink) Close() error {
	l.tcp.Stop()
	return nil
}

// newDialFunc builds a mesh.DialFunc that resolves a discovered peer's
// advertised mDNS hostname to a UDP address (discovery.NodeInfo carries no
// IP, spec §4.9 only publishes uuid/ports/hostname/version/devices, so
// dialing relies on the OS resolver's single-label ".local" mDNS support —
// nss-mdns on Linux, Bonjour on macOS/Windows) and starts dialing that
// peer's advertised TCP port for the bulk non-real-time fallback (spec
// §4.4.4); router is the one shared MessageRouter every peerLink sends
// through.
func newDialFunc(router *transport.MessageRouter) mesh.DialFunc {
	return func(info discovery.NodeInfo) (mesh.PeerLink, error) {
		addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", info.Hostname, info.UDPPort))
		if err != nil {
			return nil, fmt.Errorf("dial: resolve peer %s (%s): %w", info.NodeId, info.Hostname, err)
		}
		tcp := transport.NewTCPTransport(fmt.Sprintf("%s:%d", info.Hostname, info.TCPPort), nil)
		tcp.Start()
		return &peerLink{router: router, addr: addr, tcp: tcp}, nil
	}
}
