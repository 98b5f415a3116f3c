package dns

import (
	"testing"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/portutil"
	"github.com/unikernel-go/netstack/timer"
	"github.com/unikernel-go/netstack/udp"
)

// wiredResolver builds a dns.Client over a real udp.UDP whose transmitted
// datagrams are answered synchronously by a fake DNS server and fed
// straight back into the same udp.UDP's Receive, bypassing IP4.
type wiredResolver struct {
	t           *testing.T
	client      *Client
	u           *udp.UDP
	clientAddr  addr.IPv4
	serverAddr  addr.IPv4
	serverIP    [4]byte
	clock       *clock.Fake
	timers      *timer.Manual
	dropQueries bool
}

func newWiredResolver(t *testing.T, serverIP [4]byte) *wiredResolver {
	clientAddr := addr.NewIPv4(10, 0, 0, 1)
	serverAddr := addr.NewIPv4(10, 0, 0, 53)
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)

	wr := &wiredResolver{t: t, clientAddr: clientAddr, serverAddr: serverAddr, serverIP: serverIP, clock: fc, timers: tm}
	wr.u = udp.New(clientAddr, portutil.New(), wr.tx, nil, fc, tm)

	client, err := New(wr.u, fc, tm)
	if err != nil {
		t.Fatalf("dns.New: %v", err)
	}
	wr.client = client
	return wr
}

// tx intercepts the client's outgoing query and, unless dropQueries is set
// (to exercise the timeout path), answers it as a fake server would and
// delivers the reply straight back into the client's own UDP layer.
func (wr *wiredResolver) tx(p *packet.Packet, src, dst addr.IPv4, proto uint8) bool {
	uh, ok := udp.Parse(p.Data())
	if !ok {
		wr.t.Fatal("unparsable UDP datagram")
	}
	query := append([]byte(nil), p.Data()[udp.HeaderLen:uh.Length]...)
	p.Release()
	if wr.dropQueries {
		return true
	}

	reply := buildReply(query, wr.serverIP, 60)
	buf := make([]byte, ip4.MinHeaderLen+udp.HeaderLen+len(reply))
	udp.Put(buf[ip4.MinHeaderLen:], udp.Header{SrcPort: ServerPort, DstPort: uh.SrcPort, Length: uint16(udp.HeaderLen + len(reply))})
	copy(buf[ip4.MinHeaderLen+udp.HeaderLen:], reply)
	pkt := packet.New(buf, ip4.MinHeaderLen, nil)
	pkt.SetLen(udp.HeaderLen + len(reply))

	wr.u.Receive(pkt, ip4.Header{Src: wr.serverAddr, Dst: wr.clientAddr}, false)
	return true
}

func TestResolveSendsQueryAndCachesReply(t *testing.T) {
	wr := newWiredResolver(t, [4]byte{203, 0, 113, 5})

	var gotIP addr.IPv4
	var gotErr error
	calls := 0
	wr.client.Resolve(wr.serverAddr, "example.test", func(ip addr.IPv4, err error) {
		calls++
		gotIP, gotErr = ip, err
	}, 0, false)

	if calls != 1 {
		t.Fatalf("callback invoked %d times, want 1", calls)
	}
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotIP != [4]byte{203, 0, 113, 5} {
		t.Errorf("resolved %v, want 203.0.113.5", gotIP)
	}

	calls = 0
	wr.client.Resolve(wr.serverAddr, "example.test", func(ip addr.IPv4, err error) {
		calls++
	}, 0, false)
	if calls != 1 {
		t.Fatal("second resolve should have hit cache synchronously")
	}
	if wr.client.CachedCount() != 1 {
		t.Errorf("cache size = %d, want 1", wr.client.CachedCount())
	}
}

func TestResolveTimesOutWhenServerNeverReplies(t *testing.T) {
	wr := newWiredResolver(t, [4]byte{203, 0, 113, 5})
	wr.dropQueries = true

	var gotErr error
	wr.client.Resolve(wr.serverAddr, "example.test", func(ip addr.IPv4, err error) {
		gotErr = err
	}, 2*time.Second, false)

	if gotErr != nil {
		t.Fatal("callback should not fire before the timeout elapses")
	}
	wr.timers.Advance(2 * time.Second)
	if gotErr != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", gotErr)
	}
}

// buildReply constructs a minimal well-formed response to query carrying
// one A record, reusing query's question section as a compression target.
func buildReply(query []byte, ip [4]byte, ttl uint32) []byte {
	resp := append([]byte(nil), query...)
	resp[2] = 0x81 // QR=1, RD=1
	resp[3] = 0x80 // RA=1
	resp[6] = 0
	resp[7] = 1 // ancount = 1

	rr := make([]byte, 0, 16)
	rr = append(rr, 0xc0, 0x0c) // name = pointer to question at offset 12
	rr = append(rr, 0x00, byte(TypeA))
	rr = append(rr, 0x00, byte(ClassINET))
	rr = append(rr, byte(ttl>>24), byte(ttl>>16), byte(ttl>>8), byte(ttl))
	rr = append(rr, 0x00, 0x04)
	rr = append(rr, ip[:]...)
	return append(resp, rr...)
}
