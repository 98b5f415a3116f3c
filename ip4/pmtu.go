package ip4

import (
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/timer"
)

// plateaus are the standard PMTU plateau values from RFC 1191 Table 7-1,
// descending, used to pick a next-smaller PMTU when an ICMP Too Big
// carries no explicit MTU hint (spec.md §4.4).
var plateaus = []int{65535, 32000, 17914, 8166, 4352, 2002, 1492, 1006, 508, 296, 68}

// plateauBelow returns the largest plateau strictly below totalLength.
func plateauBelow(totalLength int) int {
	for _, p := range plateaus {
		if p < totalLength {
			return p
		}
	}
	return 68
}

// DefaultAged is how long a PMTU entry may go without a further decrease
// before the sweep resets it to ResetMTU (spec.md §3).
const DefaultAged = 10 * time.Minute

// SweepInterval is how often the aging sweep runs.
const SweepInterval = 60 * time.Second

type pathEntry struct {
	pmtu           int
	resetMTU       int
	lastDecreaseNs int64
}

// PathTable tracks per-destination Path MTU state (spec.md §3 "IP PMTU
// entry").
type PathTable struct {
	entries map[addr.Socket4]*pathEntry
	aged    time.Duration // infinite aging when 0
	clock   clock.Source
	timers  timer.Timers
	timerID timer.ID

	// OnReset is invoked with (dest, resetMTU) whenever the sweep resets
	// an aged entry, so TCP can clamp SMSS back up (spec.md §4.4: "...
	// notifies TCP (reset_pmtu)").
	OnReset func(dest addr.Socket4, mtu int)
}

// NewPathTable constructs a table driven by the periodic 60-second sweep.
func NewPathTable(clk clock.Source, timers timer.Timers, resetMTU int) *PathTable {
	t := &PathTable{
		entries: make(map[addr.Socket4]*pathEntry),
		aged:    DefaultAged,
		clock:   clk,
		timers:  timers,
	}
	_ = resetMTU
	t.timerID = timers.Periodic(SweepInterval, SweepInterval, t.sweep)
	return t
}

// SetAged changes the aging window; zero or negative disables aging
// (spec.md §4.4: "configurable to infinity").
func (t *PathTable) SetAged(d time.Duration) { t.aged = d }

// Lookup returns the current PMTU for dest and whether an entry exists.
func (t *PathTable) Lookup(dest addr.Socket4) (int, bool) {
	e, ok := t.entries[dest]
	if !ok {
		return 0, false
	}
	return e.pmtu, true
}

// Update implements update_path: records a PMTU decrease for dest. If
// hintMTU is 0, the next plateau below totalLength is chosen instead
// (spec.md §4.4).
func (t *PathTable) Update(dest addr.Socket4, hintMTU, totalLength, linkMTU int) int {
	mtu := hintMTU
	if mtu == 0 {
		mtu = plateauBelow(totalLength)
	}
	e, ok := t.entries[dest]
	if !ok {
		e = &pathEntry{resetMTU: linkMTU}
		t.entries[dest] = e
	}
	e.pmtu = mtu
	e.lastDecreaseNs = t.clock.Now()
	return mtu
}

func (t *PathTable) sweep() {
	if t.aged <= 0 {
		return
	}
	now := t.clock.Now()
	for dest, e := range t.entries {
		if now-e.lastDecreaseNs > int64(t.aged) {
			e.pmtu = e.resetMTU
			delete(t.entries, dest)
			if t.OnReset != nil {
				t.OnReset(dest, e.resetMTU)
			}
		}
	}
}
