// Package tcp implements the TCP connection engine: the eleven RFC 793
// states, the per-connection TCB, New Reno congestion control, SACK,
// retransmission, delayed-ACK, and the Listener/accept path (spec.md
// §4.7 — the central subsystem, roughly 35% of the core).
package tcp

import "fmt"

// State enumerates the eleven states of RFC 793. Unlike a kernel-diagnostic
// enum that only labels a state read out of /proc, this one drives the
// state machine directly: every transition below is this package's own.
type State int8

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

var stateName = map[State]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynSent:     "SYN-SENT",
	SynReceived: "SYN-RECEIVED",
	Established: "ESTABLISHED",
	FinWait1:    "FIN-WAIT-1",
	FinWait2:    "FIN-WAIT-2",
	CloseWait:   "CLOSE-WAIT",
	Closing:     "CLOSING",
	LastAck:     "LAST-ACK",
	TimeWait:    "TIME-WAIT",
}

func (s State) String() string {
	if n, ok := stateName[s]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN_STATE_%d", s)
}

// IsSynchronized reports whether s is one of the states in which a
// sequence-number space has been agreed with the peer — RST in any of
// these delivers a "connection reset" disconnect (spec.md §4.7.1).
func (s State) IsSynchronized() bool {
	switch s {
	case Established, FinWait1, FinWait2, CloseWait, Closing, LastAck, TimeWait:
		return true
	default:
		return false
	}
}

// HandleResult is returned by a state's segment-arrival handler.
type HandleResult int

const (
	// OK means the connection survives (possibly having changed state).
	OK HandleResult = iota
	// ConnClosed means the connection has been driven to CLOSED and must
	// be torn down by the caller.
	ConnClosed
)
