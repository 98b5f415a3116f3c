package timer

import (
	"container/heap"
	"time"

	"github.com/unikernel-go/netstack/clock"
)

// Timers is the subset of Service's API consumed by the core; tests bind
// it to Manual instead of a real, goroutine-driven Service.
type Timers interface {
	Schedule(delay time.Duration, fn Callback) ID
	Periodic(interval, initialDelay time.Duration, fn Callback) ID
	Stop(id ID)
}

var (
	_ Timers = (*Service)(nil)
	_ Timers = (*Manual)(nil)
)

// Manual is a single-threaded, synchronously-driven Timers implementation:
// firing only happens when Advance or FireDue is called. It exists so
// tests can deterministically exercise RTO backoff, TIME-WAIT expiry, DACK,
// and the various periodic sweeps without real wall-clock delay.
type Manual struct {
	clock  *clock.Fake
	q      queue
	byID   map[ID]*entry
	nextID ID
}

// NewManual returns a Manual timer service driven by the given fake clock.
func NewManual(c *clock.Fake) *Manual {
	return &Manual{clock: c, byID: make(map[ID]*entry)}
}

// Schedule implements Timers.
func (m *Manual) Schedule(delay time.Duration, fn Callback) ID {
	return m.add(delay, 0, fn)
}

// Periodic implements Timers.
func (m *Manual) Periodic(interval, initialDelay time.Duration, fn Callback) ID {
	return m.add(initialDelay, interval, fn)
}

func (m *Manual) add(delay, period time.Duration, fn Callback) ID {
	m.nextID++
	id := m.nextID
	e := &entry{id: id, deadline: m.clock.Now() + int64(delay), period: int64(period), fn: fn}
	m.byID[id] = e
	heap.Push(&m.q, e)
	return id
}

// Stop implements Timers.
func (m *Manual) Stop(id ID) {
	if e, ok := m.byID[id]; ok {
		e.canceled = true
		delete(m.byID, id)
	}
}

// Advance moves the fake clock forward by d and fires every timer now due,
// including ones newly scheduled by a firing callback.
func (m *Manual) Advance(d time.Duration) {
	m.clock.Advance(d)
	m.FireDue()
}

// FireDue runs every timer whose deadline is at or before the current fake
// clock value, without advancing it further.
func (m *Manual) FireDue() {
	for {
		if len(m.q) == 0 || m.q[0].deadline > m.clock.Now() {
			return
		}
		e := heap.Pop(&m.q).(*entry)
		if e.canceled {
			continue
		}
		now := m.clock.Now()
		if e.period > 0 {
			e.deadline = now + e.period
			heap.Push(&m.q, e)
		} else {
			delete(m.byID, e.id)
		}
		e.fn()
	}
}

// Pending returns the number of live (non-canceled) timers, for assertions.
func (m *Manual) Pending() int { return len(m.byID) }
