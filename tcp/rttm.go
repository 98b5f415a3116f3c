package tcp

import "time"

// InitialRTO and MinRTO bound the retransmission timeout (spec.md §3: "initial
// RTO 1s, minimum 1s").
const (
	InitialRTO = 1 * time.Second
	MinRTO     = 1 * time.Second
	MaxRTO     = 60 * time.Second
	clockGranularity = 1 * time.Millisecond
)

// RTTM is the round-trip-time measurer, Jacobson/Karels (spec.md §3).
type RTTM struct {
	SRTT   time.Duration
	RTTVAR time.Duration
	RTO    time.Duration
	hasSample bool
}

// NewRTTM returns an RTTM with the initial RTO of spec.md §3.
func NewRTTM() *RTTM {
	return &RTTM{RTO: InitialRTO}
}

// Sample feeds a new RTT measurement (RFC 6298 2.2/2.3).
func (m *RTTM) Sample(rtt time.Duration) {
	if rtt < clockGranularity {
		rtt = clockGranularity
	}
	if !m.hasSample {
		m.SRTT = rtt
		m.RTTVAR = rtt / 2
		m.hasSample = true
	} else {
		diff := m.SRTT - rtt
		if diff < 0 {
			diff = -diff
		}
		m.RTTVAR = (3*m.RTTVAR + diff) / 4
		m.SRTT = (7*m.SRTT + rtt) / 8
	}
	rto := m.SRTT + max(clockGranularity, 4*m.RTTVAR)
	if rto < MinRTO {
		rto = MinRTO
	}
	if rto > MaxRTO {
		rto = MaxRTO
	}
	m.RTO = rto
}

// BackOff doubles the RTO (Karn's algorithm, spec.md §4.7.4), capped at
// MaxRTO.
func (m *RTTM) BackOff() {
	m.RTO *= 2
	if m.RTO > MaxRTO {
		m.RTO = MaxRTO
	}
}

func max(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
