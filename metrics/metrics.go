// Package metrics defines prometheus metric types and provides convenience
// methods to add accounting to various parts of the pipeline.
//
// When defining new operations or metrics, these are helpful values to track:
//  - things coming into or go out of the system: packets, connections, queries.
//  - the success or error status of any of the above.
//  - the distribution of processing latency.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PollingHistogram tracks the interval between collector sampling
	// cycles (see collector.Run).
	PollingHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netstack_polling_interval_histogram",
			Help:    "collector sampling interval distribution (seconds)",
			Buckets: prometheus.LinearBuckets(0, .1, 20),
		},
	)

	// PacketsDropped counts packets discarded at a given layer, labeled by
	// layer ("ethernet", "ip4", "ip6", "arp") and reason ("parse",
	// "no-route", "ttl", "hoplimit", "no-handler").
	PacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_packets_dropped_total",
			Help: "Packets dropped, by layer and reason.",
		}, []string{"layer", "reason"})

	// ChecksumErrors counts header/payload checksum validation failures,
	// labeled by layer.
	ChecksumErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_checksum_errors_total",
			Help: "Checksum validation failures, by layer.",
		}, []string{"layer"})

	// TCPConnectionsGauge tracks the number of tracked TCP connections per
	// Inet, labeled by NIC index.
	TCPConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_tcp_connections",
			Help: "Number of tracked TCP connections.",
		}, []string{"nic"})

	// UDPSocketsGauge tracks the number of bound UDP sockets per Inet.
	UDPSocketsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_udp_sockets",
			Help: "Number of bound UDP sockets.",
		}, []string{"nic"})

	// ConntrackEntriesGauge tracks the current conntrack table size per
	// Inet.
	ConntrackEntriesGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netstack_conntrack_entries",
			Help: "Number of live conntrack entries.",
		}, []string{"nic"})

	// ARPCacheDroppedTotal counts ARP/NDP resolutions abandoned after
	// retries were exhausted.
	ARPCacheDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_neighbor_resolution_dropped_total",
			Help: "Neighbor (ARP/NDP) resolutions abandoned after retries exhausted.",
		},
	)

	// DNSQueriesTotal counts outbound DNS queries, labeled by outcome
	// ("answered", "timeout", "nxdomain", "error").
	DNSQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_dns_queries_total",
			Help: "Outbound DNS queries, by outcome.",
		}, []string{"outcome"})

	// RetransmitsTotal counts TCP segment retransmissions.
	RetransmitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netstack_tcp_retransmits_total",
			Help: "TCP segments retransmitted after an RTO.",
		},
	)

	// FlowEventsTotal counts tcpevent connection lifecycle notifications
	// sent to subscribers, labeled "open" or "close".
	FlowEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netstack_flow_events_total",
			Help: "Connection lifecycle events sent to tcpevent subscribers.",
		}, []string{"kind"})
)

// init() prints a log message to let the user know that the package has
// been loaded and the metrics registered. The metrics are auto-registered,
// which means they are registered as soon as this package is loaded, and
// the exact time this occurs (and whether this occurs at all in a given
// context) can be opaque.
func init() {
	log.Println("Prometheus metrics in netstack.metrics are registered.")
}
