// Package conntrack implements the 5-tuple connection-tracking table
// (spec.md §4.8, §3 "Conntrack entry").
package conntrack

import (
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/timer"
)

// State is the lifecycle stage of a tracked connection.
type State int

const (
	Unconfirmed State = iota
	StateNew
	Established
	Related
)

// Flag bits (spec.md §3).
type Flags uint8

const (
	Unreplied Flags = 1 << iota
	Assured
)

// Proto identifies the tracked protocol.
type Proto uint8

const (
	ProtoTCP  Proto = 6
	ProtoUDP  Proto = 17
	ProtoICMP Proto = 1
)

// Timeouts (spec.md §4.8).
const (
	UnconfirmedTimeout = 10 * time.Second
	EstablishedTimeoutTCP = 30 * time.Second
	EstablishedTimeoutOther = 10 * time.Second
	FlushInterval = 10 * time.Second
)

// OnClose is invoked when an entry is evicted, either by expiry or
// explicit removal.
type OnClose func(e *Entry)

// Entry is one tracked connection (spec.md §3).
type Entry struct {
	Proto   Proto
	First   addr.Quadruple
	Second  addr.Quadruple // mirror of First by default
	State   State
	Flags   Flags
	timeout int64 // absolute ns, per clock.Source
	OnClose OnClose
}

type key struct {
	proto Proto
	q     addr.Quadruple
}

// Table is the connection-tracking table.
type Table struct {
	clock    clock.Source
	timers   timer.Timers
	capacity int

	byFirst  map[key]*Entry
	bySecond map[key]*Entry

	flushTimerID timer.ID
}

// New constructs a Table with the given capacity (0 means unlimited) and
// starts the periodic flush (spec.md §4.8: "10-second flush").
func New(capacity int, clk clock.Source, timers timer.Timers) *Table {
	t := &Table{
		clock:    clk,
		timers:   timers,
		capacity: capacity,
		byFirst:  make(map[key]*Entry),
		bySecond: make(map[key]*Entry),
	}
	t.flushTimerID = timers.Periodic(FlushInterval, FlushInterval, t.flush)
	return t
}

// Len returns the number of tracked entries.
func (t *Table) Len() int { return len(t.byFirst) }

// Lookup finds an entry by its 5-tuple, in either direction.
func (t *Table) Lookup(proto Proto, q addr.Quadruple) (*Entry, bool) {
	if e, ok := t.byFirst[key{proto, q}]; ok {
		return e, true
	}
	if e, ok := t.bySecond[key{proto, q}]; ok {
		return e, true
	}
	return nil, false
}

// In implements the conntrack "in" hook: look up the 5-tuple; on miss,
// create an UNCONFIRMED entry with a short timeout (spec.md §4.8).
func (t *Table) In(proto Proto, q addr.Quadruple) *Entry {
	if e, ok := t.Lookup(proto, q); ok {
		return e
	}
	if t.capacity > 0 && len(t.byFirst) >= t.capacity {
		return nil // resource exhaustion, spec.md §7
	}
	e := &Entry{
		Proto:   proto,
		First:   q,
		Second:  q.Mirror(),
		State:   Unconfirmed,
		Flags:   Unreplied,
		timeout: t.clock.Now() + int64(UnconfirmedTimeout),
	}
	t.byFirst[key{proto, q}] = e
	return e
}

// Confirm promotes e to NEW, mirrors it into the reverse index, and
// refreshes its timeout (spec.md §4.8).
func (t *Table) Confirm(e *Entry) {
	if e.State == Unconfirmed {
		e.State = StateNew
	}
	t.bySecond[key{e.Proto, e.Second}] = e
	t.refresh(e)
}

func (t *Table) refresh(e *Entry) {
	d := EstablishedTimeoutOther
	if e.Proto == ProtoTCP {
		d = EstablishedTimeoutTCP
	}
	e.timeout = t.clock.Now() + int64(d)
}

// TCPIn drives the ESTABLISHED transition and refreshes the timeout on
// every observed TCP segment for an entry (spec.md §4.8: "TCP's state
// callback (tcp_in) drives ESTABLISHED transitions").
func (t *Table) TCPIn(e *Entry, establishedNow bool) {
	if establishedNow {
		e.State = Established
		e.Flags &^= Unreplied
		e.Flags |= Assured
	}
	t.refresh(e)
}

// UpdateEntry rewrites e's keys to new tuples — used by NAT to repoint a
// tracked flow after address/port translation (spec.md §4.8).
func (t *Table) UpdateEntry(e *Entry, newFirst, newSecond addr.Quadruple) {
	delete(t.byFirst, key{e.Proto, e.First})
	delete(t.bySecond, key{e.Proto, e.Second})
	e.First = newFirst
	e.Second = newSecond
	t.byFirst[key{e.Proto, e.First}] = e
	t.bySecond[key{e.Proto, e.Second}] = e
}

// Remove evicts e immediately, invoking OnClose if set.
func (t *Table) Remove(e *Entry) {
	delete(t.byFirst, key{e.Proto, e.First})
	delete(t.bySecond, key{e.Proto, e.Second})
	if e.OnClose != nil {
		e.OnClose(e)
	}
}

func (t *Table) flush() {
	now := t.clock.Now()
	for k, e := range t.byFirst {
		if e.timeout <= now {
			delete(t.byFirst, k)
			delete(t.bySecond, key{e.Proto, e.Second})
			if e.OnClose != nil {
				e.OnClose(e)
			}
		}
	}
}
