package tcp

import (
	"time"

	"github.com/unikernel-go/netstack/timer"
)

// MaxRetransmits is the number of RTO-driven data/FIN retransmits (rtx_
// attempt) attempted before a connection is aborted (spec.md §4.7.4).
const MaxRetransmits = 14

// MaxSynRetransmits caps the separate syn_rtx counter: SYN and SYN-ACK
// retransmits give up sooner than data, since a peer that never answers a
// SYN is far more likely refusing than merely slow (spec.md §3, §4.7.4).
const MaxSynRetransmits = 4

// DelayedACKTimeout is the maximum time a received segment may go
// unacknowledged while waiting to piggyback on outgoing data (spec.md
// §4.7.2, §5).
const DelayedACKTimeout = 40 * time.Millisecond

// TimeWaitDuration is 2*MSL, the quiet time before a TIME-WAIT connection
// is finally discarded (spec.md §4.7.1).
const TimeWaitDuration = 60 * time.Second

// connTimers owns the three timer roles a Connection needs:
// retransmission, delayed ACK and TIME-WAIT. All share the same underlying
// timer.Timers service; retransmission and TIME-WAIT are disjoint in time (a
// connection is never simultaneously retransmitting and in TIME-WAIT) but
// are modeled as separate handles for clarity, matching spec.md §5's
// description of the hardware timer being reused across roles.
type connTimers struct {
	svc timer.Timers

	rtx        timer.ID
	rtxActive  bool
	retries    int // rtx_attempt: data/FIN retransmits
	synRetries int // syn_rtx: SYN/SYN-ACK retransmits

	dack       timer.ID
	dackActive bool

	timeWait       timer.ID
	timeWaitActive bool
}

func newConnTimers(svc timer.Timers) *connTimers {
	return &connTimers{svc: svc}
}

// armRTX (re)starts the retransmission timer at duration d, cancelling
// any timer already running.
func (t *connTimers) armRTX(d time.Duration, fire func()) {
	t.cancelRTX()
	t.rtx = t.svc.Schedule(d, fire)
	t.rtxActive = true
}

func (t *connTimers) cancelRTX() {
	if t.rtxActive {
		t.svc.Stop(t.rtx)
		t.rtxActive = false
	}
}

func (t *connTimers) armDelayedACK(fire func()) {
	if t.dackActive {
		return
	}
	t.dack = t.svc.Schedule(DelayedACKTimeout, func() {
		t.dackActive = false
		fire()
	})
	t.dackActive = true
}

func (t *connTimers) cancelDelayedACK() {
	if t.dackActive {
		t.svc.Stop(t.dack)
		t.dackActive = false
	}
}

func (t *connTimers) armTimeWait(fire func()) {
	t.cancelTimeWait()
	t.timeWait = t.svc.Schedule(TimeWaitDuration, fire)
	t.timeWaitActive = true
}

func (t *connTimers) cancelTimeWait() {
	if t.timeWaitActive {
		t.svc.Stop(t.timeWait)
		t.timeWaitActive = false
	}
}

func (t *connTimers) cancelAll() {
	t.cancelRTX()
	t.cancelDelayedACK()
	t.cancelTimeWait()
}
