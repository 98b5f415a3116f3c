// Package superstack is the registry of per-NIC Inet instances, keyed by
// NIC index and by MAC address (spec.md §4.11). The original is a
// process-wide singleton; per spec.md §5 "Global state" this is
// reimplemented as an explicit Registry threaded through callers instead
// — the singleton was a convenience, not a contract (see DESIGN.md).
package superstack

import (
	"errors"
	"sync"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/inet"
	"github.com/unikernel-go/netstack/nic"
	"github.com/unikernel-go/netstack/timer"
)

// ErrNotFound is returned by Get for an unregistered index or MAC.
var ErrNotFound = errors.New("superstack: no such Inet")

// ErrIndexInUse is returned by Create when index is already registered.
var ErrIndexInUse = errors.New("superstack: index already in use")

// Registry holds every Inet created on this CPU (spec.md §5: "each NIC
// and its Inet live on exactly one CPU"; a process with several CPUs runs
// one Registry per CPU rather than sharing one).
type Registry struct {
	mu      sync.Mutex
	byIndex map[int]*inet.Inet
	byMAC   map[addr.MAC]*inet.Inet
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byIndex: make(map[int]*inet.Inet),
		byMAC:   make(map[addr.MAC]*inet.Inet),
	}
}

// Create builds an Inet over drv and registers it under index (spec.md
// §4.11: "create(nic, index, subindex)"; subindex, for a NIC carrying
// several virtual interfaces, is folded into the caller's choice of index
// rather than tracked separately here — no example in this corpus gives
// subindex its own addressing scheme).
func (r *Registry) Create(index int, drv nic.Driver, clk clock.Source, timers timer.Timers, cfg inet.Config) (*inet.Inet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byIndex[index]; exists {
		return nil, ErrIndexInUse
	}
	in := inet.New(drv, clk, timers, cfg)
	r.byIndex[index] = in
	r.byMAC[drv.MAC()] = in
	return in, nil
}

// Get returns the Inet registered under index.
func (r *Registry) Get(index int) (*inet.Inet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byIndex[index]
	if !ok {
		return nil, ErrNotFound
	}
	return in, nil
}

// GetByMAC returns the Inet whose NIC owns mac.
func (r *Registry) GetByMAC(mac addr.MAC) (*inet.Inet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.byMAC[mac]
	if !ok {
		return nil, ErrNotFound
	}
	return in, nil
}

// Each calls fn once per registered Inet, in no particular order.
func (r *Registry) Each(fn func(index int, in *inet.Inet)) {
	r.mu.Lock()
	snapshot := make(map[int]*inet.Inet, len(r.byIndex))
	for k, v := range r.byIndex {
		snapshot[k] = v
	}
	r.mu.Unlock()
	for k, v := range snapshot {
		fn(k, v)
	}
}

// Count returns how many Inet instances are registered.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byIndex)
}
