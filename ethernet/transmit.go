package ethernet

import (
	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/nic"
	"github.com/unikernel-go/netstack/packet"
)

// Transmit prepends a 14-byte Ethernet header (spec.md §4.2 transmit path)
// to p's current data and hands the resulting frame to drv. p must have
// been allocated with at least HeaderLen bytes of headroom.
func Transmit(drv nic.Driver, p *packet.Packet, dst addr.MAC, etherType uint16) bool {
	hdr := p.PrependHeader(HeaderLen)
	if hdr == nil {
		return false
	}
	Put(hdr, dst, drv.MAC(), etherType)
	drv.Transmit(p.Data())
	return true
}
