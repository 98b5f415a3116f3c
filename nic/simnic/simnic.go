// Package simnic provides an in-memory nic.Driver used by tests and the
// demo binary's loopback mode: two simnic.Device values can be wired
// together so that one's Transmit calls straight into the other's
// upstream handler, simulating a wire with zero loss and zero latency.
package simnic

import (
	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/buf"
	"github.com/unikernel-go/netstack/nic"
)

// Device is a loop/pair-capable nic.Driver backed by a buf.Store.
type Device struct {
	mac      addr.MAC
	mtu      uint16
	store    *buf.Store
	upstream nic.UpstreamHandler
	peer     *Device
	sent     [][]byte // frames handed to Transmit, retained for assertions
}

// New creates a Device with its own buffer pool of n frames at mtu+headroom
// bytes each.
func New(mac addr.MAC, mtu uint16, n int) *Device {
	const maxHeader = 14 + 40 + 60 // ethernet + ipv6 + tcp options, generous
	return &Device{
		mac:   mac,
		mtu:   mtu,
		store: buf.NewSingleThreaded(n, int(mtu)+maxHeader),
	}
}

// Pair wires a and b so that each one's Transmit call delivers the frame
// to the other's upstream handler synchronously, as a zero-latency wire
// would.
func Pair(a, b *Device) {
	a.peer = b
	b.peer = a
}

// MAC implements nic.Driver.
func (d *Device) MAC() addr.MAC { return d.mac }

// MTU implements nic.Driver.
func (d *Device) MTU() uint16 { return d.mtu }

// GetBuffer implements nic.Driver.
func (d *Device) GetBuffer(headroom int) []byte {
	b := d.store.Get()
	if b == nil {
		return nil
	}
	return b[:cap(b)][:len(b)]
}

// ReleaseBuffer implements nic.Driver.
func (d *Device) ReleaseBuffer(buf []byte) { d.store.Release(buf) }

// Transmit implements nic.Driver.
func (d *Device) Transmit(frame []byte) {
	d.sent = append(d.sent, append([]byte(nil), frame...))
	if d.peer != nil && d.peer.upstream != nil {
		cp := append([]byte(nil), frame...)
		d.peer.upstream(cp)
	}
}

// SetUpstream implements nic.Driver.
func (d *Device) SetUpstream(fn nic.UpstreamHandler) { d.upstream = fn }

// TransmitQueueAvailable implements nic.Driver; the loop is never
// backpressured.
func (d *Device) TransmitQueueAvailable() bool { return true }

// Sent returns every frame ever handed to Transmit, for test assertions.
func (d *Device) Sent() [][]byte { return d.sent }

// BufferPool exposes the backing store directly, for Inet wiring.
func (d *Device) BufferPool() *buf.Store { return d.store }
