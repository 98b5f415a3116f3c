package tcp

import (
	"errors"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/timer"
)

// ErrSynQueueFull names the condition in which Listener.Receive drops a SYN
// because the bounded half-open backlog is saturated; the SYN is silently
// dropped per RFC 793 rather than answered with RST (spec.md §4.7.7), and
// no function in this package returns this error.
var ErrSynQueueFull = errors.New("tcp: syn queue full")

// AcceptFilter lets an application reject a half-open connection before it
// is even queued (spec.md §4.7.7 "on_accept").
type AcceptFilter func(from addr.Socket4) bool

// Listener owns one bound local port's passive-open backlog: connections
// that have completed the handshake wait in an accept queue for the
// application to claim (spec.md §4.7.7).
type Listener struct {
	local addr.Socket4

	backlog  int
	synQueue map[addr.Quadruple]*Connection
	accepted []*Connection

	onAccept AcceptFilter
	onConn   func(*Connection) // fired once a queued connection reaches ESTABLISHED

	tx    IPTransmitter
	svc   timer.Timers
	clock clock.Source
	rcvBufCap int
	nextISS   func() uint32
}

// NewListener constructs a Listener bound to local, backed by nextISS for
// initial sequence number generation (spec.md §4.7.1 "ISS").
func NewListener(local addr.Socket4, backlog int, rcvBufCap int, tx IPTransmitter, svc timer.Timers, clk clock.Source, nextISS func() uint32) *Listener {
	return &Listener{
		local:     local,
		backlog:   backlog,
		synQueue:  make(map[addr.Quadruple]*Connection),
		tx:        tx,
		svc:       svc,
		clock:     clk,
		rcvBufCap: rcvBufCap,
		nextISS:   nextISS,
	}
}

// SetAcceptFilter installs a predicate run before a SYN is queued.
func (l *Listener) SetAcceptFilter(f AcceptFilter) { l.onAccept = f }

// OnConnection fires f once a backlogged connection completes its
// handshake and is ready for Accept.
func (l *Listener) OnConnection(f func(*Connection)) { l.onConn = f }

// Receive handles one inbound segment addressed to this listener's local
// socket. SYN segments (not already in the half-open table) start a new
// passive-open Connection if the backlog has room; segments for a
// quadruple already in the backlog are forwarded to that Connection.
func (l *Listener) Receive(quad addr.Quadruple, h Header, payload []byte) {
	if c, ok := l.synQueue[quad]; ok {
		if c.Receive(h, payload) == ConnClosed {
			delete(l.synQueue, quad)
			return
		}
		if c.state == Established {
			delete(l.synQueue, quad)
			l.accepted = append(l.accepted, c)
			if l.onConn != nil {
				l.onConn(c)
			}
		}
		return
	}

	if h.Flags&FlagSYN == 0 || h.Flags&FlagACK != 0 {
		return // only a bare SYN starts a new half-open connection
	}
	if len(l.synQueue) >= l.backlog {
		return // silently drop, per RFC 793 §3.4 under a full backlog
	}
	if l.onAccept != nil && !l.onAccept(quad.Src) {
		return
	}

	c := newConnection(quad, l.nextISS(), l.rcvBufCap, l.tx, l.svc, l.clock)
	c.acceptSyn(h)
	l.synQueue[quad] = c
}

// Accept dequeues one fully-established connection, or reports none ready.
func (l *Listener) Accept() (*Connection, bool) {
	if len(l.accepted) == 0 {
		return nil, false
	}
	c := l.accepted[0]
	l.accepted = l.accepted[1:]
	return c, true
}

// Pending reports how many established connections are waiting for
// Accept.
func (l *Listener) Pending() int { return len(l.accepted) }
