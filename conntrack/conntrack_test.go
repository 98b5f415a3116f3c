package conntrack

import (
	"testing"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/timer"
)

func quad(a, b byte) addr.Quadruple {
	return addr.Quadruple{
		Src: addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, a), Port: 40000},
		Dst: addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, b), Port: 80},
	}
}

func TestInCreatesUnconfirmedThenLookupFindsEitherDirection(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	q := quad(1, 2)

	e := tb.In(ProtoTCP, q)
	if e == nil || e.State != Unconfirmed || e.Flags&Unreplied == 0 {
		t.Fatalf("In() = %+v, want a fresh UNCONFIRMED|Unreplied entry", e)
	}
	if _, ok := tb.Lookup(ProtoTCP, q); !ok {
		t.Fatal("Lookup by the forward tuple should find the entry")
	}

	// A second In() for the same tuple returns the existing entry, not a
	// new one.
	e2 := tb.In(ProtoTCP, q)
	if e2 != e {
		t.Fatal("In() should return the existing entry on a repeat lookup")
	}
}

func TestConfirmMirrorsIntoReverseIndex(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	q := quad(1, 2)
	e := tb.In(ProtoTCP, q)
	tb.Confirm(e)

	if e.State != StateNew {
		t.Fatalf("state after Confirm = %v, want StateNew", e.State)
	}
	if _, ok := tb.Lookup(ProtoTCP, q.Mirror()); !ok {
		t.Fatal("Lookup by the mirrored tuple should find the entry after Confirm")
	}
}

func TestTCPInDrivesEstablishedAndAssured(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	e := tb.In(ProtoTCP, quad(1, 2))
	tb.Confirm(e)

	tb.TCPIn(e, true)
	if e.State != Established {
		t.Fatalf("state = %v, want Established", e.State)
	}
	if e.Flags&Unreplied != 0 {
		t.Error("Unreplied flag should have been cleared")
	}
	if e.Flags&Assured == 0 {
		t.Error("Assured flag should have been set")
	}
}

func TestFlushEvictsExpiredEntries(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	q := quad(1, 2)
	e := tb.In(ProtoTCP, q)

	closed := false
	e.OnClose = func(*Entry) { closed = true }

	tm.Advance(UnconfirmedTimeout + 1)
	if tb.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after the periodic flush evicted the expired entry", tb.Len())
	}
	if !closed {
		t.Error("OnClose should have been invoked on eviction")
	}
	if _, ok := tb.Lookup(ProtoTCP, q); ok {
		t.Fatal("evicted entry should no longer be found")
	}
}

func TestConfirmedEntryGetsTCPTimeoutNotOtherTimeout(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	e := tb.In(ProtoTCP, quad(1, 2))
	tb.Confirm(e)

	// Just short of the TCP established timeout, the entry should
	// survive; EstablishedTimeoutOther is shorter and would have expired
	// it by now if Confirm had picked the wrong timeout.
	tm.Advance(EstablishedTimeoutTCP - 1)
	if tb.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (not yet expired)", tb.Len())
	}
}

func TestCapacityExhaustionReturnsNil(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(1, fc, tm)
	tb.In(ProtoTCP, quad(1, 2))
	if e := tb.In(ProtoTCP, quad(3, 4)); e != nil {
		t.Fatalf("In() over capacity = %+v, want nil", e)
	}
}

func TestUpdateEntryRepointsBothIndexes(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	q := quad(1, 2)
	e := tb.In(ProtoTCP, q)
	tb.Confirm(e)

	newQ := quad(1, 9)
	tb.UpdateEntry(e, newQ, newQ.Mirror())

	if _, ok := tb.Lookup(ProtoTCP, q); ok {
		t.Fatal("old tuple should no longer resolve after UpdateEntry")
	}
	if got, ok := tb.Lookup(ProtoTCP, newQ); !ok || got != e {
		t.Fatalf("Lookup(newQ) = %v, %v, want the same entry", got, ok)
	}
}

func TestRemoveEvictsImmediately(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	tb := New(0, fc, tm)
	q := quad(1, 2)
	e := tb.In(ProtoTCP, q)
	closed := false
	e.OnClose = func(*Entry) { closed = true }

	tb.Remove(e)
	if tb.Len() != 0 || !closed {
		t.Fatalf("Len()=%d closed=%v, want 0, true", tb.Len(), closed)
	}
}
