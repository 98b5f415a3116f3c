package tcp

import (
	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

// IPTransmitter hands a TCP segment (already built into p) down to IP4,
// addressed from src to dst.
type IPTransmitter func(p *packet.Packet, src, dst addr.IPv4, protocol uint8) bool

// DataCallback delivers newly-contiguous received bytes to the
// application. pushed is true if the data ended at a PSH boundary.
type DataCallback func(data []byte, pushed bool)

// Connection is one TCP connection: the RFC 793 state machine, its TCB,
// timers, and the callbacks an application registers (spec.md §4.7 —
// "the central subsystem").
type Connection struct {
	quad  addr.Quadruple
	state State
	tcb   *TCB

	active bool // we sent the first SYN (vs. spawned from a Listener's SYN queue)

	tx     IPTransmitter
	timers *connTimers
	clock  clock.Source

	onEstablished func()
	onData        DataCallback
	onClose       func()
	onReset       func()

	finSent    bool
	finSeq     uint32
	closeAfter bool // user called Close(); send FIN once the write queue drains

	rcvBufCap int
}

// newConnection builds a Connection in CLOSED state; callers drive it into
// SynSent (active open) or SynReceived (passive, from a Listener).
func newConnection(quad addr.Quadruple, iss uint32, rcvBufCap int, tx IPTransmitter, svc timer.Timers, clk clock.Source) *Connection {
	c := &Connection{
		quad:      quad,
		state:     Closed,
		tcb:       NewTCB(iss, uint32(rcvBufCap)),
		tx:        tx,
		timers:    newConnTimers(svc),
		clock:     clk,
		rcvBufCap: rcvBufCap,
	}
	return c
}

func (c *Connection) State() State            { return c.state }
func (c *Connection) Quad() addr.Quadruple    { return c.quad }
func (c *Connection) OnEstablished(f func())  { c.onEstablished = f }
func (c *Connection) OnData(f DataCallback)   { c.onData = f }
func (c *Connection) OnClose(f func())        { c.onClose = f }
func (c *Connection) OnReset(f func())        { c.onReset = f }

// TCB exposes the transmission control block for read-only inspection —
// archive and metrics reporting read RTT and sequence-space counters off
// of it once a connection closes.
func (c *Connection) TCB() *TCB { return c.tcb }

// Open (active) sends the initial SYN (spec.md §6 "tcp.connect").
func (c *Connection) Open() {
	c.state = SynSent
	c.active = true
	c.tcb.In = NewReadRequest(0, c.rcvBufCap)
	c.sendControl(FlagSYN, nil)
	c.tcb.SndNXT++ // SYN occupies one sequence number
	c.armRTX()
}

// acceptSyn drives a passive connection from LISTEN/SYN-RECEIVED after a
// Listener has validated and dequeued the initial SYN (spec.md §4.7.7).
func (c *Connection) acceptSyn(h Header) {
	c.tcb.IRS = h.Seq
	c.tcb.RcvNXT = h.Seq + 1
	c.tcb.In = NewReadRequest(c.tcb.RcvNXT, c.rcvBufCap)
	c.applyPeerOptions(h.Options)
	c.state = SynReceived
	c.sendControl(FlagSYN|FlagACK, nil)
	c.tcb.SndNXT++ // SYN occupies one sequence number
	c.armRTX()
}

func (c *Connection) applyPeerOptions(o Options) {
	if o.HasMSS && o.MSS > 0 {
		c.tcb.SndMSS = o.MSS
		c.tcb.PeerMSS = o.MSS
	}
	if o.HasWS {
		c.tcb.WindowScaleOK = true
		c.tcb.SndWindShift = o.WindowScale
	}
	if o.SACKPermitted {
		c.tcb.SACKPermitted = true
	}
	if o.HasTimestamp {
		c.tcb.TSOK = true
		c.tcb.TSRecent = o.TSVal
	}
}

// Write queues data for transmission, sending as much as the window
// allows immediately (spec.md §4.7.2 "send" event in ESTABLISHED/CLOSE-
// WAIT).
func (c *Connection) Write(data []byte, onWrite func(int)) bool {
	if c.state != Established && c.state != CloseWait {
		return false
	}
	seq := c.tcb.SndNXT
	if !c.tcb.Out.Empty() {
		seq = c.tcb.Out.End()
	}
	c.tcb.Out.Push(seq, data, onWrite)
	c.pushSendable()
	return true
}

// Close requests a graceful shutdown: once the write queue drains, FIN is
// sent (spec.md §4.7.1 "close" event).
func (c *Connection) Close() {
	switch c.state {
	case SynSent, Closed:
		c.state = Closed
		c.finish()
	case Listen:
		c.state = Closed
	case Established:
		c.closeAfter = true
		if c.tcb.Out.Empty() {
			c.sendFin()
			c.state = FinWait1
		}
	case CloseWait:
		c.sendFin()
		c.state = LastAck
	}
}

// pushSendable transmits as many queued bytes as SND.NXT..window permits.
func (c *Connection) pushSendable() {
	if c.tcb.Out.Empty() {
		if c.closeAfter && c.state == Established {
			c.sendFin()
			c.state = FinWait1
		}
		return
	}
	for {
		win := c.tcb.EffectiveWindow()
		inFlight := c.tcb.FlightSize()
		if inFlight >= win {
			return
		}
		room := win - inFlight
		avail := c.tcb.Out.End() - c.tcb.SndNXT
		if avail == 0 {
			return
		}
		segLen := room
		if segLen > avail {
			segLen = avail
		}
		if segLen > uint32(c.tcb.SndMSS) {
			segLen = uint32(c.tcb.SndMSS)
		}
		if segLen == 0 {
			return
		}
		data := c.tcb.Out.Read(c.tcb.SndNXT, int(segLen))
		c.sendData(data)
	}
}

func (c *Connection) sendFin() {
	c.finSeq = c.tcb.SndNXT
	c.finSent = true
	c.sendControl(FlagACK|FlagFIN, nil)
	c.tcb.SndNXT++
	c.armRTX()
}

func (c *Connection) sendData(data []byte) {
	// PSH on every outgoing segment: each Write call is one application
	// buffer, and without push-coalescing logic there is no reason to
	// delay what the peer should deliver immediately (spec.md §4.7.6).
	c.sendControl(FlagACK|FlagPSH, data)
	c.tcb.SndNXT += uint32(len(data))
	c.armRTX()
}

// sendControl builds and transmits one segment carrying flags and payload
// at the current SND.NXT.
func (c *Connection) sendControl(flags Flags, payload []byte) {
	h := Header{
		SrcPort:    c.quad.Src.Port,
		DstPort:    c.quad.Dst.Port,
		Seq:        c.tcb.SndNXT,
		Ack:        c.tcb.RcvNXT,
		Flags:      flags,
		Window:     c.advertisedWindow(),
		DataOffset: 5,
	}
	if flags&FlagSYN != 0 {
		h.Options.HasMSS = true
		h.Options.MSS = DefaultMSS
		h.Options.SACKPermitted = true
	}
	if flags&FlagACK != 0 {
		c.timers.cancelDelayedACK()
		c.tcb.LastAckSent = h.Ack
	}
	if c.tcb.SACKPermitted && len(c.tcb.SACK.Blocks()) > 0 {
		h.Options.SACKBlocks = c.tcb.SACK.Blocks()
	}

	opts := encodeOptions(h.Options)
	hdrLen := MinHeaderLen + len(opts)
	buf := make([]byte, ip4.MinHeaderLen+hdrLen+len(payload))
	tcpOff := ip4.MinHeaderLen
	Put(buf[tcpOff:], h)
	copy(buf[tcpOff+hdrLen:], payload)

	pseudo := ip4.PseudoSum4(c.quad.Src.Addr, c.quad.Dst.Addr, ip4.ProtoTCP, uint16(hdrLen+len(payload)))
	csum := ip4.ChecksumWithPseudo(pseudo, buf[tcpOff:])
	buf[tcpOff+16] = byte(csum >> 8)
	buf[tcpOff+17] = byte(csum)

	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(hdrLen + len(payload))
	c.tx(pkt, c.quad.Src.Addr, c.quad.Dst.Addr, ip4.ProtoTCP)
}

func (c *Connection) advertisedWindow() uint16 {
	avail := c.tcb.In.Available()
	if avail > 0xffff {
		avail = 0xffff
	}
	c.tcb.RcvWND = uint32(avail)
	return uint16(avail)
}

func (c *Connection) armRTX() {
	c.timers.armRTX(c.tcb.RTT.RTO, c.onRTO)
	c.timers.retries = 0
	c.timers.synRetries = 0
}

// onRTO fires when the retransmission timer expires: back off, re-enter
// slow start, and resend the oldest unacknowledged segment (spec.md
// §4.7.4). SYN/SYN-ACK retransmits count against the separate syn_rtx cap,
// which gives up sooner than data's rtx_attempt cap.
func (c *Connection) onRTO() {
	if c.state == SynSent || c.state == SynReceived {
		c.timers.synRetries++
		if c.timers.synRetries > MaxSynRetransmits {
			c.abort()
			return
		}
	} else {
		c.timers.retries++
		if c.timers.retries > MaxRetransmits {
			c.abort()
			return
		}
	}
	c.tcb.onLossDetected()
	c.tcb.RTT.BackOff()
	if !c.tcb.Out.Empty() {
		data := c.tcb.Out.Read(c.tcb.SndUNA, int(c.tcb.SndMSS))
		c.sendControlAt(c.tcb.SndUNA, FlagACK, data)
	} else if c.finSent && seqLess(c.tcb.SndUNA, c.finSeq+1) {
		c.sendControlAt(c.finSeq, FlagACK|FlagFIN, nil)
	} else if c.state == SynSent {
		c.sendControlAt(c.tcb.ISS, FlagSYN, nil)
	} else if c.state == SynReceived {
		c.sendControlAt(c.tcb.ISS, FlagSYN|FlagACK, nil)
	}
	c.timers.armRTX(c.tcb.RTT.RTO, c.onRTO)
}

// sendControlAt is sendControl with an explicit sequence number, for
// retransmission where SND.NXT must not move.
func (c *Connection) sendControlAt(seq uint32, flags Flags, payload []byte) {
	saved := c.tcb.SndNXT
	c.tcb.SndNXT = seq
	c.sendControl(flags, payload)
	c.tcb.SndNXT = saved
}

func (c *Connection) abort() {
	c.timers.cancelAll()
	c.state = Closed
	c.tcb.Out.DrainUnacked()
	if c.onReset != nil {
		c.onReset()
	}
	c.finish()
}

func (c *Connection) finish() {
	if c.onClose != nil {
		c.onClose()
	}
}

// Receive implements the RFC 793 §4.7.2 segment-arrival algorithm,
// narrowed to the states a Connection (as opposed to a Listener) handles.
func (c *Connection) Receive(h Header, payload []byte) HandleResult {
	switch c.state {
	case SynSent:
		return c.receiveSynSent(h, payload)
	case Closed, Listen:
		return OK
	default:
		return c.receiveGeneral(h, payload)
	}
}

func (c *Connection) receiveSynSent(h Header, payload []byte) HandleResult {
	if h.Flags&FlagACK != 0 {
		if seqLessEq(h.Ack, c.tcb.ISS) || seqGreater(h.Ack, c.tcb.SndNXT) {
			if h.Flags&FlagRST == 0 {
				c.sendControlAt(h.Ack, FlagRST, nil)
			}
			return OK
		}
	}
	if h.Flags&FlagRST != 0 {
		if h.Flags&FlagACK != 0 {
			c.abort()
			return ConnClosed
		}
		return OK
	}
	if h.Flags&FlagSYN == 0 {
		return OK
	}
	c.tcb.IRS = h.Seq
	c.tcb.RcvNXT = h.Seq + 1
	c.tcb.In = NewReadRequest(c.tcb.RcvNXT, c.rcvBufCap)
	c.applyPeerOptions(h.Options)
	if h.Flags&FlagACK != 0 {
		c.tcb.SndUNA = h.Ack
	}
	c.tcb.SndWND = uint32(h.Window)
	c.tcb.SndWL1 = h.Seq
	c.tcb.SndWL2 = h.Ack
	if seqGreater(c.tcb.SndUNA, c.tcb.ISS) {
		c.state = Established
		c.timers.cancelRTX()
		c.sendControl(FlagACK, nil)
		if c.onEstablished != nil {
			c.onEstablished()
		}
	} else {
		c.state = SynReceived
		c.sendControl(FlagSYN|FlagACK, nil)
	}
	return OK
}

// receiveGeneral handles every state from SYN-RECEIVED through TIME-WAIT
// with the shared check_seq / RST / SYN / check_ack / data / FIN pipeline
// RFC 793 describes once and applies everywhere past the handshake.
func (c *Connection) receiveGeneral(h Header, payload []byte) HandleResult {
	if !c.checkSeq(h, len(payload)) {
		if h.Flags&FlagRST == 0 {
			c.sendControl(FlagACK, nil)
		}
		return OK
	}

	if h.Flags&FlagRST != 0 {
		reset := c.state.IsSynchronized()
		c.timers.cancelAll()
		c.state = Closed
		if reset && c.onReset != nil {
			c.onReset()
		}
		c.tcb.Out.DrainUnacked()
		c.finish()
		return ConnClosed
	}

	if h.Flags&FlagSYN != 0 {
		c.sendControl(FlagRST, nil)
		c.abort()
		return ConnClosed
	}

	if h.Flags&FlagACK == 0 {
		return OK
	}
	if res := c.checkAck(h); res == ConnClosed {
		return ConnClosed
	}

	if len(payload) > 0 {
		c.processData(h, payload)
	}

	if h.Flags&FlagFIN != 0 {
		return c.processFin(h)
	}
	return OK
}

// checkSeq validates the incoming segment falls within RCV.NXT..+RCV.WND,
// buffering SACK state for out-of-window-but-plausible data (spec.md
// §4.7.2).
func (c *Connection) checkSeq(h Header, dataLen int) bool {
	segLen := uint32(dataLen)
	if h.Flags&(FlagSYN|FlagFIN) != 0 {
		segLen++
	}
	wnd := c.tcb.RcvWND
	if segLen == 0 {
		if wnd == 0 {
			return h.Seq == c.tcb.RcvNXT
		}
		return seqGreaterEq(h.Seq, c.tcb.RcvNXT) && seqLess(h.Seq, c.tcb.RcvNXT+wnd)
	}
	if wnd == 0 {
		return false
	}
	inStart := seqGreaterEq(h.Seq, c.tcb.RcvNXT) && seqLess(h.Seq, c.tcb.RcvNXT+wnd)
	end := h.Seq + segLen - 1
	inEnd := seqGreaterEq(end, c.tcb.RcvNXT) && seqLess(end, c.tcb.RcvNXT+wnd)
	if !inStart && !inEnd {
		return false
	}
	return true
}

// checkAck advances SND.UNA, drives New Reno, and retires write-queue
// bytes (spec.md §4.7.2, §4.7.3).
func (c *Connection) checkAck(h Header) HandleResult {
	switch c.state {
	case SynReceived:
		if seqGreater(h.Ack, c.tcb.SndUNA) && seqLessEq(h.Ack, c.tcb.SndNXT) {
			c.tcb.SndUNA = h.Ack
			c.tcb.SndWND = uint32(h.Window)
			c.tcb.SndWL1 = h.Seq
			c.tcb.SndWL2 = h.Ack
			c.state = Established
			c.timers.cancelRTX()
			if c.onEstablished != nil {
				c.onEstablished()
			}
		} else {
			c.sendControl(FlagRST, nil)
			return ConnClosed
		}
		return OK
	}

	if seqGreater(h.Ack, c.tcb.SndNXT) {
		c.sendControl(FlagACK, nil) // ACKs something not yet sent
		return OK
	}
	if seqLessEq(h.Ack, c.tcb.SndUNA) {
		if h.Ack == c.tcb.SndUNA && (c.tcb.FlightSize() > 0 || !c.tcb.Out.Empty()) {
			if fast, limited := c.tcb.onDupACK(); fast {
				data := c.tcb.Out.Read(c.tcb.SndUNA, int(c.tcb.SndMSS))
				c.sendControlAt(c.tcb.SndUNA, FlagACK, data)
			} else if limited {
				c.pushSendable()
			}
		}
	} else {
		acked := c.tcb.Out.Ack(h.Ack)
		c.tcb.SndUNA = h.Ack
		if seqLess(c.tcb.SndWL1, h.Seq) || (c.tcb.SndWL1 == h.Seq && seqLessEq(c.tcb.SndWL2, h.Ack)) {
			c.tcb.SndWND = uint32(h.Window)
			c.tcb.SndWL1 = h.Seq
			c.tcb.SndWL2 = h.Ack
		}
		if uint32(acked) > 0 {
			c.tcb.onNewACK(uint32(acked))
			if c.tcb.InRecovery && !c.tcb.Out.Empty() {
				// Partial ACK: retransmit the next unacknowledged segment.
				data := c.tcb.Out.Read(c.tcb.SndUNA, int(c.tcb.SndMSS))
				c.sendControlAt(c.tcb.SndUNA, FlagACK, data)
			}
		}
		if c.tcb.Out.Empty() {
			c.timers.cancelRTX()
			if c.closeAfter && c.state == Established {
				c.sendFin()
				c.state = FinWait1
			}
		} else {
			c.armRTX()
		}
		if c.finSent && seqGreaterEq(h.Ack, c.finSeq+1) {
			switch c.state {
			case FinWait1:
				c.state = FinWait2
			case Closing:
				c.enterTimeWait()
			case LastAck:
				c.timers.cancelAll()
				c.state = Closed
				c.finish()
				return ConnClosed
			}
		}
		c.pushSendable()
	}
	return OK
}

// processData delivers in-window payload to the ReadRequest, updates
// RCV.NXT over the resulting contiguous prefix, and schedules an ACK
// (spec.md §4.7.2, §4.7.6 delayed-ACK).
func (c *Connection) processData(h Header, payload []byte) {
	delivered := c.tcb.In.Insert(h.Seq, payload, h.Flags&FlagPSH != 0)
	if delivered > 0 {
		c.tcb.RcvNXT = c.tcb.In.StartSeq() + uint32(len(c.tcb.In.Data()))
		c.tcb.SACK.RemoveCovered(c.tcb.RcvNXT)
		if c.onData != nil {
			data := append([]byte(nil), c.tcb.In.Data()...)
			c.tcb.In.Consume(len(data))
			c.onData(data, c.tcb.In.PushSeen())
		}
	} else if c.tcb.SACKPermitted {
		c.tcb.SACK.Touch(h.Seq, h.Seq+uint32(len(payload)))
	}

	if h.Flags&FlagPSH != 0 || delivered == 0 {
		c.sendControl(FlagACK, nil)
	} else {
		c.timers.armDelayedACK(func() { c.sendControl(FlagACK, nil) })
	}
}

func (c *Connection) processFin(h Header) HandleResult {
	c.tcb.RcvNXT++
	c.sendControl(FlagACK, nil)
	switch c.state {
	case Established:
		c.state = CloseWait
		if c.onData != nil {
			c.onData(nil, true)
		}
	case FinWait1:
		c.state = Closing
	case FinWait2:
		c.enterTimeWait()
	case TimeWait:
		c.timers.armTimeWait(c.finishTimeWait)
	}
	return OK
}

func (c *Connection) enterTimeWait() {
	c.state = TimeWait
	c.timers.cancelRTX()
	c.timers.armTimeWait(c.finishTimeWait)
}

func (c *Connection) finishTimeWait() {
	c.state = Closed
	c.finish()
}
