package tcp

// New Reno congestion control (RFC 5681, RFC 6582) plus limited transmit
// (RFC 3042), driving TCB.CWnd / SSThresh / Recover (spec.md §4.7.3).

// onNewACK is called whenever SND.UNA advances by ackedBytes with no
// duplicate ACK involved. It implements slow start (cwnd < ssthresh) and
// congestion avoidance (cwnd >= ssthresh), and clears fast-recovery state
// once the recovery point has been fully acknowledged.
func (t *TCB) onNewACK(ackedBytes uint32) {
	if t.InRecovery {
		if seqGreaterEq(t.SndUNA, t.Recover) {
			t.InRecovery = false
			t.DupACKs = 0
			t.CWnd = t.SSThresh // full ACK exits recovery at ssthresh, not the inflated cwnd
			return
		}
		// Partial ACK inside recovery: deflate by the amount acked;
		// Connection.checkAck then retransmits the next unacknowledged
		// segment (NewReno).
		if ackedBytes < t.CWnd {
			t.CWnd -= ackedBytes
		} else {
			t.CWnd = uint32(t.SndMSS)
		}
		return
	}
	t.DupACKs = 0
	if t.CWnd < t.SSThresh {
		growth := ackedBytes
		if growth > uint32(t.SndMSS) {
			growth = uint32(t.SndMSS)
		}
		t.CWnd += growth // slow start: cwnd += min(acked, SMSS)
	} else {
		// Congestion avoidance: roughly +1 MSS per RTT.
		inc := uint32(t.SndMSS) * uint32(t.SndMSS) / t.CWnd
		if inc == 0 {
			inc = 1
		}
		t.CWnd += inc
	}
}

// onDupACK is called for each duplicate ACK received while data remains
// outstanding. It implements the fast-retransmit threshold (3 duplicate
// ACKs) and RFC 3042 limited transmit for the first two.
//
// fastRetransmit reports whether the caller should now retransmit
// SND.UNA, and limitedTransmit reports whether the caller may transmit
// one new segment beyond SND.NXT even though the window wouldn't
// otherwise allow it.
func (t *TCB) onDupACK() (fastRetransmit, limitedTransmit bool) {
	t.DupACKs++
	switch {
	case t.DupACKs < 3:
		return false, true
	case t.DupACKs == 3:
		if !t.InRecovery {
			t.Recover = t.SndNXT
			t.SSThresh = max32(t.FlightSize()/2, 2*uint32(t.SndMSS))
			t.CWnd = t.SSThresh + 3*uint32(t.SndMSS)
			t.InRecovery = true
			return true, false
		}
		return false, false
	default:
		if t.InRecovery {
			t.CWnd += uint32(t.SndMSS)
		}
		return false, false
	}
}

// onLossDetected handles an RTO firing: multiplicative decrease and a
// return to slow start (RFC 5681 §4.1), independent of the duplicate-ACK
// path above.
func (t *TCB) onLossDetected() {
	t.SSThresh = max32(t.FlightSize()/2, 2*uint32(t.SndMSS))
	t.CWnd = uint32(t.SndMSS)
	t.InRecovery = false
	t.DupACKs = 0
	t.Recover = t.SndNXT
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
