package tcp

import "testing"

func TestSlowStartGrowsCwndByAckedBytes(t *testing.T) {
	tcb := NewTCB(0, DefaultWindow)
	before := tcb.CWnd
	tcb.onNewACK(uint32(tcb.SndMSS))
	if tcb.CWnd != before+uint32(tcb.SndMSS) {
		t.Errorf("cwnd after slow-start ack = %d, want %d", tcb.CWnd, before+uint32(tcb.SndMSS))
	}
}

func TestThirdDupACKTriggersFastRetransmit(t *testing.T) {
	tcb := NewTCB(1000, DefaultWindow)
	tcb.SndNXT = 2000
	tcb.SndUNA = 1000

	var fast bool
	for i := 0; i < 3; i++ {
		fast, _ = tcb.onDupACK()
	}
	if !fast {
		t.Fatal("third duplicate ACK should signal fast retransmit")
	}
	if !tcb.InRecovery {
		t.Error("should have entered fast recovery")
	}
	if tcb.Recover != tcb.SndNXT {
		t.Errorf("recover = %d, want SND.NXT = %d", tcb.Recover, tcb.SndNXT)
	}
}

func TestDupACKsOneAndTwoAreLimitedTransmitOnly(t *testing.T) {
	tcb := NewTCB(1000, DefaultWindow)
	fast, limited := tcb.onDupACK()
	if fast {
		t.Error("first dup ACK must not fast-retransmit")
	}
	if !limited {
		t.Error("first dup ACK should allow limited transmit (RFC 3042)")
	}
}

func TestOnLossDetectedHalvesWindowAndResetsToOneSegment(t *testing.T) {
	tcb := NewTCB(0, DefaultWindow)
	tcb.SndUNA = 0
	tcb.SndNXT = 10000
	tcb.onLossDetected()
	if tcb.SSThresh != 5000 {
		t.Errorf("ssthresh after RTO = %d, want half the 10000-byte flight (5000)", tcb.SSThresh)
	}
	if tcb.CWnd != uint32(tcb.SndMSS) {
		t.Errorf("cwnd after RTO = %d, want one MSS (%d)", tcb.CWnd, tcb.SndMSS)
	}
	if tcb.InRecovery {
		t.Error("RTO loss is not NewReno fast recovery")
	}
}
