package tcp

// DefaultMSS is used when the peer's SYN carries no MSS option.
const DefaultMSS = 536

// DefaultWindow is the initial advertised receive window in bytes before
// any Listen/Connect caller overrides it.
const DefaultWindow = 65535

// TCB is the Transmission Control Block: every piece of per-connection
// state RFC 793 §3.2 names, plus the New Reno and RFC 1323 extensions
// this stack carries (spec.md §3 "TCP Connection").
type TCB struct {
	// Send sequence variables.
	SndUNA uint32
	SndNXT uint32
	SndWND uint32
	SndUP  uint32
	SndWL1 uint32
	SndWL2 uint32
	ISS    uint32
	SndMSS uint16

	// PeerMSS is the MSS negotiated at handshake time, before any Path-MTU
	// reduction. RestoreSMSS clamps SndMSS back up to this once a PathTable
	// entry ages out (spec.md §4.4).
	PeerMSS uint16

	// Receive sequence variables.
	RcvNXT uint32
	RcvWND uint32
	RcvUP  uint32
	IRS    uint32

	// RFC 1323 window scaling, negotiated during the handshake.
	SndWindShift uint8
	RcvWindShift uint8
	WindowScaleOK bool

	// RFC 1323 timestamps.
	TSOK     bool
	TSRecent uint32
	LastAckSent uint32

	// RFC 2018 selective acknowledgment.
	SACKPermitted bool
	SACK          SACKList

	// New Reno congestion control (spec.md §4.7.3).
	CWnd      uint32
	SSThresh  uint32
	Recover   uint32
	DupACKs   int
	InRecovery bool

	RTT RTTM

	Out WriteQueue
	In  *ReadRequest
}

// NewTCB builds a TCB for a fresh connection with RTTM and congestion
// state at their RFC-mandated starting points.
func NewTCB(iss uint32, rcvWnd uint32) *TCB {
	t := &TCB{
		ISS:      iss,
		SndUNA:   iss,
		SndNXT:   iss,
		RcvWND:   rcvWnd,
		SndMSS:   DefaultMSS,
		PeerMSS:  DefaultMSS,
		CWnd:     uint32(DefaultMSS), // initial window, RFC 5681
		SSThresh: 1 << 30,            // effectively unbounded until the first loss
	}
	t.RTT = *NewRTTM()
	return t
}

// EffectiveWindow is the lesser of the peer's advertised window and the
// current congestion window — the number of bytes this end may have
// outstanding at once.
func (t *TCB) EffectiveWindow() uint32 {
	if t.SndWND < t.CWnd {
		return t.SndWND
	}
	return t.CWnd
}

// FlightSize is the number of bytes sent but not yet acknowledged.
func (t *TCB) FlightSize() uint32 { return t.SndNXT - t.SndUNA }
