package ip6

import "github.com/unikernel-go/netstack/packet"

// Verdict is the result of running a packet through a filter chain,
// mirroring ip4.Verdict.
type Verdict int

const (
	Accept Verdict = iota
	Drop
)

// FilterFunc inspects (and may mutate) a packet and returns a Verdict.
type FilterFunc func(p *packet.Packet, h *Header) Verdict

// Chain identifies one of the four netfilter-style hook points, mirroring
// ip4.Chain.
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

func (f *Filters) Register(c Chain, fn FilterFunc) {
	f.chains[c] = append(f.chains[c], fn)
}

func (f *Filters) Run(c Chain, p *packet.Packet, h *Header) Verdict {
	for _, fn := range f.chains[c] {
		if fn(p, h) == Drop {
			f.Counters[c]++
			return Drop
		}
	}
	return Accept
}
