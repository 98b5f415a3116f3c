package tcp

import (
	"testing"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

// wiredPair builds two Connections whose transmitted segments are routed
// directly into each other through a FIFO queue (no IP4/NIC layer
// involved — this exercises only the state machine in connection.go).
// pump drains the queue, feeding each segment to its destination and
// collecting whatever that delivery enqueues in turn, up to a generous
// iteration bound so a wiring bug causes a test failure rather than a
// hang.
type wiredPair struct {
	t       *testing.T
	queue   []wireSeg
	client  *Connection
	server  *Connection
	started bool
}

type wireSeg struct {
	h       Header
	payload []byte
	toSrv   bool
}

func newWiredPair(t *testing.T, svc timer.Timers, clk clock.Source) *wiredPair {
	clientAddr := addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, 1), Port: 40000}
	serverAddr := addr.Socket4{Addr: addr.NewIPv4(10, 0, 0, 2), Port: 80}
	quad := addr.Quadruple{Src: clientAddr, Dst: serverAddr}

	wp := &wiredPair{t: t}
	wp.client = newConnection(quad, 1000, DefaultRecvBuffer, nil, svc, clk)
	wp.server = newConnection(quad.Mirror(), 9000, DefaultRecvBuffer, nil, svc, clk)
	wp.client.tx = wp.capture(true)
	wp.server.tx = wp.capture(false)
	return wp
}

func (wp *wiredPair) capture(fromClient bool) IPTransmitter {
	return func(p *packet.Packet, src, dst addr.IPv4, proto uint8) bool {
		h, ok := Parse(p.Data())
		if !ok {
			wp.t.Fatal("sent an unparsable segment")
		}
		payload := append([]byte(nil), p.Data()[h.HeaderLen():]...)
		p.Release()
		wp.queue = append(wp.queue, wireSeg{h: h, payload: payload, toSrv: fromClient})
		return true
	}
}

// pump delivers every queued segment (including ones produced by earlier
// deliveries in this call) until the queue drains or maxSteps is hit.
func (wp *wiredPair) pump(maxSteps int) {
	for i := 0; i < maxSteps && len(wp.queue) > 0; i++ {
		seg := wp.queue[0]
		wp.queue = wp.queue[1:]
		if seg.toSrv {
			if wp.server.state == Closed && seg.h.Flags&FlagSYN != 0 && seg.h.Flags&FlagACK == 0 {
				wp.server.acceptSyn(seg.h)
				continue
			}
			wp.server.Receive(seg.h, seg.payload)
		} else {
			wp.client.Receive(seg.h, seg.payload)
		}
	}
}

func TestConnectionHandshakeReachesEstablished(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	wp := newWiredPair(t, tm, fc)

	var clientUp, serverUp bool
	wp.client.OnEstablished(func() { clientUp = true })
	wp.server.OnEstablished(func() { serverUp = true })

	wp.client.Open()
	wp.pump(20)

	if !clientUp || !serverUp {
		t.Fatalf("handshake incomplete: client=%v (%s) server=%v (%s)",
			clientUp, wp.client.state, serverUp, wp.server.state)
	}
	if wp.client.state != Established || wp.server.state != Established {
		t.Fatalf("states after handshake: client=%s server=%s", wp.client.state, wp.server.state)
	}
	if wp.client.tcb.SndMSS != DefaultMSS || wp.server.tcb.SndMSS != DefaultMSS {
		t.Errorf("MSS option should have been negotiated on both ends")
	}
}

func TestConnectionDataTransferAfterHandshake(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	wp := newWiredPair(t, tm, fc)
	wp.client.Open()
	wp.pump(20)

	var got []byte
	wp.server.OnData(func(data []byte, pushed bool) { got = append(got, data...) })

	wrote := -1
	wp.client.Write([]byte("ping"), func(n int) { wrote = n })
	wp.pump(20)

	if string(got) != "ping" {
		t.Fatalf("server received %q, want %q", got, "ping")
	}
	if wrote != 4 {
		t.Errorf("write completion callback got %d, want 4", wrote)
	}
	if !wp.client.tcb.Out.Empty() {
		t.Error("client write queue should be fully acked")
	}
}

func TestConnectionGracefulCloseReachesTimeWait(t *testing.T) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	wp := newWiredPair(t, tm, fc)
	wp.client.Open()
	wp.pump(20)

	var serverClosed bool
	wp.server.OnClose(func() { serverClosed = true })
	wp.server.OnData(func(data []byte, pushed bool) {
		if pushed && len(data) == 0 {
			wp.server.Close()
		}
	})

	wp.client.Close()
	wp.pump(20)

	if wp.client.state != TimeWait {
		t.Fatalf("client state after close handshake = %s, want TIME-WAIT", wp.client.state)
	}
	if !serverClosed {
		t.Fatal("server should have reached CLOSED after LAST-ACK")
	}

	tm.Advance(TimeWaitDuration)
	if wp.client.state != Closed {
		t.Fatalf("client state after 2MSL = %s, want CLOSED", wp.client.state)
	}
}
