package icmp6

import (
	"encoding/binary"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip6"
	"github.com/unikernel-go/netstack/timer"
)

// MLDv1 robustness/timing constants (RFC 2710, values as carried in the
// original Mld class).
const (
	mldRobustnessVar       = 2
	mldQueryInterval       = 125 * time.Second
	mldQueryResponseIvl    = 10000 * time.Millisecond
	mldUnsolicitedReport   = 10 * time.Second
)

// HostState is one of the three MLDv1 host states (RFC 2710 5.).
type HostState int

const (
	NonListener HostState = iota
	DelayingListener
	IdleListener
)

func (s HostState) String() string {
	switch s {
	case NonListener:
		return "NON_LISTENER"
	case DelayingListener:
		return "DELAYING_LISTENER"
	case IdleListener:
		return "IDLE_LISTENER"
	default:
		return "UNKNOWN"
	}
}

// FilterMode is an MLDv2 source-filter mode (RFC 3810 3.).
type FilterMode int

const (
	Include FilterMode = iota
	Exclude
)

type mldListener struct {
	state    HostState
	timerID  timer.ID
	hasTimer bool

	filterMode FilterMode
	sources    []addr.IPv6
}

// sendFunc matches ICMP6.send's signature, letting MLD reuse the parent's
// checksum-and-transmit path without importing ICMP6 itself.
type sendFunc func(msg []byte, dst addr.IPv6)

// MLD tracks this interface's multicast group memberships as an MLDv1 host
// state machine (RFC 2710) plus MLDv2 per-group source-filter state
// (RFC 3810), reported to routers via the Report/Done messages.
type MLD struct {
	send   sendFunc
	clock  clock.Source
	timers timer.Timers

	listeners map[addr.IPv6]*mldListener
}

// NewMLD constructs an MLD host-side tracker.
func NewMLD(send sendFunc, clk clock.Source, timers timer.Timers) *MLD {
	return &MLD{send: send, clock: clk, timers: timers, listeners: make(map[addr.IPv6]*mldListener)}
}

// Join starts listening to mcast: RFC 2710 unsolicited report followed by
// transition to IDLE_LISTENER, or (if filtermode/sources given) records
// MLDv2 filter state for source-specific multicast.
func (m *MLD) Join(mcast addr.IPv6, mode FilterMode, sources []addr.IPv6) {
	l := &mldListener{state: DelayingListener, filterMode: mode, sources: sources}
	m.listeners[mcast] = l
	m.sendReport(mcast, l)
	l.timerID = m.timers.Schedule(mldUnsolicitedReport, func() { m.toIdle(mcast) })
	l.hasTimer = true
}

// Leave sends a Done message (v1) and removes the listener entry.
func (m *MLD) Leave(mcast addr.IPv6) {
	l, ok := m.listeners[mcast]
	if !ok {
		return
	}
	if l.hasTimer {
		m.timers.Stop(l.timerID)
	}
	msg := make([]byte, HeaderLen+20)
	msg[0] = TypeMLDDone
	copy(msg[8:24], mcast[:])
	m.send(msg, allRoutersMulticast)
	delete(m.listeners, mcast)
}

func (m *MLD) toIdle(mcast addr.IPv6) {
	l, ok := m.listeners[mcast]
	if !ok {
		return
	}
	l.state = IdleListener
	l.hasTimer = false
}

func (m *MLD) sendReport(mcast addr.IPv6, l *mldListener) {
	if l.sources != nil {
		m.sendReportV2(mcast, l)
		return
	}
	msg := make([]byte, HeaderLen+20)
	msg[0] = TypeMLDReport
	copy(msg[8:24], mcast[:])
	m.send(msg, mcast)
}

func (m *MLD) sendReportV2(mcast addr.IPv6, l *mldListener) {
	recordType := uint8(1) // MODE_IS_INCLUDE
	if l.filterMode == Exclude {
		recordType = 2 // MODE_IS_EXCLUDE
	}
	msg := make([]byte, HeaderLen+4+20+len(l.sources)*16)
	msg[0] = TypeMLDv2Report
	binary.BigEndian.PutUint16(msg[6:8], 1) // one multicast address record
	rec := msg[HeaderLen+4:]
	rec[0] = recordType
	binary.BigEndian.PutUint16(rec[2:4], uint16(len(l.sources)))
	copy(rec[4:20], mcast[:])
	for i, s := range l.sources {
		copy(rec[20+i*16:20+i*16+16], s[:])
	}
	m.send(msg, allRoutersMulticast)
}

// receive handles an incoming MLD message (type already known to be one
// of the MLD family by ICMP6.Receive's dispatch).
func (m *MLD) receive(typ uint8, data []byte, h ip6.Header) {
	switch typ {
	case TypeMLDQuery:
		m.receiveQuery(data)
	case TypeMLDReport:
		// Another host already reported for this group; RFC 2710 5.
		// DELAYING_LISTENER would suppress its own report here. The
		// simplified host state above tracks membership, not suppression,
		// since nothing downstream depends on report deduplication.
	case TypeMLDDone, TypeMLDv2Report:
	}
}

func (m *MLD) receiveQuery(data []byte) {
	if len(data) < HeaderLen+20 {
		return
	}
	var mcast addr.IPv6
	copy(mcast[:], data[8:24])
	maxResp := time.Duration(binary.BigEndian.Uint16(data[2:4])) * time.Millisecond
	if maxResp == 0 {
		maxResp = mldQueryResponseIvl
	}

	if mcast.IsUnspecified() {
		for addr, l := range m.listeners {
			m.scheduleQueryResponse(addr, l, maxResp)
		}
		return
	}
	l, ok := m.listeners[mcast]
	if !ok {
		return
	}
	m.scheduleQueryResponse(mcast, l, maxResp)
}

func (m *MLD) scheduleQueryResponse(mcast addr.IPv6, l *mldListener, maxResp time.Duration) {
	if l.state == DelayingListener {
		return // RFC 2710 5.: a timer is already running, never reset it later
	}
	l.state = DelayingListener
	if l.hasTimer {
		m.timers.Stop(l.timerID)
	}
	l.timerID = m.timers.Schedule(maxResp, func() {
		m.sendReport(mcast, l)
		m.toIdle(mcast)
	})
	l.hasTimer = true
}
