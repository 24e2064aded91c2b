// Package stats exposes the router, transport, and reorder-buffer counters
// already tracked in-process as Prometheus metrics (spec.md §3
// "Statistics"). It is a pure reporting layer: nothing here computes a
// statistic, it only mirrors one that already exists elsewhere into a
// *prometheus.GaugeVec so an operator can scrape it.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"midimesh/internal/reorder"
	"midimesh/internal/router"
	"midimesh/internal/transport"
)

// Metrics holds the registered collectors for every statistics source a
// node tracks. Each field mirrors one of the shapes already recorded by
// router.Statistics, transport.RouterStats, and reorder.Stats.
type Metrics struct {
	registry *prometheus.Registry

	routerMessagesSent     prometheus.Gauge
	routerMessagesReceived prometheus.Gauge
	routerForwarded        prometheus.Gauge
	routerDropped          prometheus.Gauge
	routerLoopsDetected    prometheus.Gauge

	transportRealTimeSent    prometheus.Gauge
	transportNonRealTimeSent prometheus.Gauge
	transportReliableSent    prometheus.Gauge
	transportReliableRetries prometheus.Gauge
	transportReliableFailed  prometheus.Gauge
	transportRTDropped       prometheus.Gauge

	reorderDelivered  prometheus.Gauge
	reorderDropped    prometheus.Gauge
	reorderDuplicates prometheus.Gauge
	reorderGaps       prometheus.Gauge

	activeConnections prometheus.Gauge
	knownPeers        prometheus.Gauge
}

// NewMetrics creates a private registry and registers every collector
// against it, matching the pack's promauto.NewGaugeVec idiom (here
// NewGauge, since a node has exactly one of each of these series — no
// "band"/"mode" label dimension applies to a single mesh node). A
// per-instance registry, rather than the global default one, keeps
// repeated NewMetrics calls (one per test) from panicking on duplicate
// registration.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	a := promauto.With(reg)
	return &Metrics{
		registry: reg,
		routerMessagesSent: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_router_messages_sent_total",
			Help: "MIDI messages sent from a local port into the router.",
		}),
		routerMessagesReceived: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_router_messages_received_total",
			Help: "MIDI messages received from the network by the router.",
		}),
		routerForwarded: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_router_forwarded_total",
			Help: "Messages the router successfully forwarded to a destination.",
		}),
		routerDropped: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_router_dropped_total",
			Help: "Messages the router dropped (loop prevention, no reachable destination node, or send failure).",
		}),
		routerLoopsDetected: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_router_loops_detected_total",
			Help: "Forwarding attempts rejected by hop-count or visited-node loop prevention.",
		}),
		transportRealTimeSent: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_transport_realtime_sent_total",
			Help: "Messages classified real-time and sent over the best-effort UDP path.",
		}),
		transportNonRealTimeSent: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_transport_non_realtime_sent_total",
			Help: "Messages classified non-real-time and sent over the reliable layer.",
		}),
		transportReliableSent: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_transport_reliable_sent_total",
			Help: "Packets sent over the ACK/NACK reliable UDP layer.",
		}),
		transportReliableRetries: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_transport_reliable_retries_total",
			Help: "Retransmissions issued by the reliable layer after a missed ACK.",
		}),
		transportReliableFailed: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_transport_reliable_failed_total",
			Help: "Reliable-layer sends abandoned after exhausting their retry budget.",
		}),
		transportRTDropped: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_transport_realtime_dropped_total",
			Help: "Real-time packets dropped under back-pressure.",
		}),
		reorderDelivered: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_reorder_delivered_total",
			Help: "Packets delivered in order by the reorder buffer.",
		}),
		reorderDropped: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_reorder_dropped_total",
			Help: "Packets dropped by the reorder buffer (stale or eviction).",
		}),
		reorderDuplicates: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_reorder_duplicates_total",
			Help: "Duplicate packets rejected by the reorder buffer.",
		}),
		reorderGaps: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_reorder_gaps_total",
			Help: "Sequence-number gaps observed by the reorder buffer.",
		}),
		activeConnections: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_mesh_active_connections",
			Help: "Mesh connections currently in the connection pool, in any state.",
		}),
		knownPeers: a.NewGauge(prometheus.GaugeOpts{
			Name: "midimesh_discovery_known_peers",
			Help: "Peers currently known to the discovery service.",
		}),
	}
}

// UpdateRouter sets the router-derived gauges from a fresh snapshot.
func (m *Metrics) UpdateRouter(s router.Statistics) {
	m.routerMessagesSent.Set(float64(s.MessagesSent))
	m.routerMessagesReceived.Set(float64(s.MessagesReceived))
	m.routerForwarded.Set(float64(s.Forwarded))
	m.routerDropped.Set(float64(s.Dropped))
	m.routerLoopsDetected.Set(float64(s.LoopsDetected))
}

// UpdateTransport sets the transport-derived gauges from a fresh snapshot.
func (m *Metrics) UpdateTransport(s transport.RouterStats) {
	m.transportRealTimeSent.Set(float64(s.RealTimeSent))
	m.transportNonRealTimeSent.Set(float64(s.NonRealTimeSent))
}

// UpdateReliable sets the reliable-layer gauges. Split from UpdateTransport
// since the reliable layer and the RT/NRT classifier are tracked
// independently (transport.ReliableLayer has its own counters).
func (m *Metrics) UpdateReliable(sent, retries, failed uint64) {
	m.transportReliableSent.Set(float64(sent))
	m.transportReliableRetries.Set(float64(retries))
	m.transportReliableFailed.Set(float64(failed))
}

// UpdateRTDropped sets the real-time-path drop gauge.
func (m *Metrics) UpdateRTDropped(dropped uint64) {
	m.transportRTDropped.Set(float64(dropped))
}

// UpdateReorder sets the reorder-buffer gauges from a fresh snapshot.
func (m *Metrics) UpdateReorder(s reorder.Stats) {
	m.reorderDelivered.Set(float64(s.Delivered))
	m.reorderDropped.Set(float64(s.Dropped))
	m.reorderDuplicates.Set(float64(s.Duplicates))
	m.reorderGaps.Set(float64(s.Gaps))
}

// UpdateMeshGauges sets the connection-count and known-peer gauges.
func (m *Metrics) UpdateMeshGauges(activeConnections, knownPeers int) {
	m.activeConnections.Set(float64(activeConnections))
	m.knownPeers.Set(float64(knownPeers))
}

// Handler returns the /metrics exposition handler for this instance's
// registry, mirroring the pack's promhttp.Handler() wiring
// (madpsy-ka9q_ubersdr/main.go).
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
