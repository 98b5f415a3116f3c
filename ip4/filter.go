package ip4

import "github.com/unikernel-go/netstack/packet"

// Verdict is the result of running a packet through a filter chain
// (spec.md §4.4, §7 "Policy").
type Verdict int

const (
	// Accept lets the packet continue to the next chain/handler.
	Accept Verdict = iota
	// Drop silently discards the packet; the caller must release it.
	Drop
)

// FilterFunc inspects (and may mutate, e.g. NAT) a packet and returns a
// Verdict.
type FilterFunc func(p *packet.Packet, h *Header) Verdict

// Chain identifies one of the four netfilter-style hook points
// (original_source api/net/netfilter.hpp; spec.md §4.4 names prerouting/
// input/output/postrouting).
type Chain int

const (
	Prerouting Chain = iota
	Input
	Output
	Postrouting
	numChains
)

// Filters holds the registered FilterFuncs per Chain and runs them in
// registration order, short-circuiting on the first Drop.
type Filters struct {
	chains   [numChains][]FilterFunc
	Counters [numChains]uint64
}

// Register appends fn to the end of c's chain.
func (f *Filters) Register(c Chain, fn FilterFunc) {
	f.chains[c] = append(f.chains[c], fn)
}

// Run executes every FilterFunc registered on c against p/h in order.
func (f *Filters) Run(c Chain, p *packet.Packet, h *Header) Verdict {
	for _, fn := range f.chains[c] {
		if fn(p, h) == Drop {
			f.Counters[c]++
			return Drop
		}
	}
	return Accept
}
