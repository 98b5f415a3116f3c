// Package nic defines the external NIC-driver contract consumed by Inet
// (spec.md §6): a MAC address, an MTU, a buffer pool, a transmit
// downstream, an upstream handler registration, and a backpressure signal.
// The only concrete driver in this repo is simnic, an in-memory loopback
// used by tests and cmd/unisim; a real Linux TAP driver would satisfy the
// same Driver interface.
package nic

import "github.com/unikernel-go/netstack/addr"

// UpstreamHandler receives a raw Ethernet frame delivered by the driver,
// as the bytes arrived on the wire (headroom for re-framing on a reply is
// the handler's concern, not the driver's).
type UpstreamHandler func(frame []byte)

// Driver is the contract a link-layer NIC driver must satisfy.
type Driver interface {
	// MAC returns the driver's hardware address.
	MAC() addr.MAC

	// MTU returns the link MTU in bytes (payload only, not the Ethernet
	// header).
	MTU() uint16

	// GetBuffer draws one MTU-sized (or larger) buffer from the driver's
	// pool, with headroom bytes reserved at the front for header
	// prepending by upper layers. Returns nil on pool exhaustion.
	GetBuffer(headroom int) []byte

	// ReleaseBuffer returns a buffer obtained from GetBuffer.
	ReleaseBuffer(buf []byte)

	// Transmit sends a fully-framed Ethernet frame (buf[0:n], where n is
	// the frame's logical length) downstream to the link.
	Transmit(frame []byte)

	// SetUpstream registers the handler invoked for every received frame.
	// Only one handler is supported; a later call replaces the former.
	SetUpstream(fn UpstreamHandler)

	// TransmitQueueAvailable reports whether the driver's outgoing queue
	// has room, the backpressure signal referenced in spec.md §6.
	TransmitQueueAvailable() bool
}
