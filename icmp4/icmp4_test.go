package icmp4

import (
	"encoding/binary"
	"testing"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/ip4"
	"github.com/unikernel-go/netstack/packet"
	"github.com/unikernel-go/netstack/timer"
)

func newTestICMP4(t *testing.T) (*ICMP4, *clock.Fake, *timer.Manual, *[]*packet.Packet) {
	fc := clock.NewFake(0)
	tm := timer.NewManual(fc)
	var sent []*packet.Packet
	c := New(func(p *packet.Packet, dst addr.IPv4) {
		sent = append(sent, p)
	}, fc, tm)
	return c, fc, tm, &sent
}

func TestPingGetsEchoReply(t *testing.T) {
	c, _, _, sent := newTestICMP4(t)
	var got PingReply
	calls := 0
	c.Ping(addr.NewIPv4(10, 0, 0, 2), []byte("payload"), func(r PingReply) {
		calls++
		got = r
	})
	if len(*sent) != 1 {
		t.Fatalf("sent %d packets, want 1 echo request", len(*sent))
	}

	// Flip the outgoing request into a reply, the way a peer would, and
	// feed it back in.
	req := (*sent)[0].Data()
	reply := make([]byte, len(req))
	copy(reply, req)
	reply[0] = TypeEchoReply
	binary.BigEndian.PutUint16(reply[2:4], 0)
	binary.BigEndian.PutUint16(reply[2:4], ip4.Checksum(reply))

	p := packet.New(reply, 0, nil)
	p.SetLen(len(reply))
	c.Receive(p, ip4.Header{Src: addr.NewIPv4(10, 0, 0, 2)}, false, false)

	if calls != 1 || !got.OK || string(got.Payload) != "payload" {
		t.Fatalf("callback = %+v (calls=%d), want OK with payload", got, calls)
	}
}

func TestPingTimesOutWithoutReply(t *testing.T) {
	c, _, tm, _ := newTestICMP4(t)
	var got PingReply
	calls := 0
	c.Ping(addr.NewIPv4(10, 0, 0, 2), nil, func(r PingReply) {
		calls++
		got = r
	})
	tm.Advance(PingTimeout)
	if calls != 1 || got.OK {
		t.Fatalf("callback = %+v (calls=%d), want one OK=false timeout", got, calls)
	}
}

func TestEchoRequestGetsRepliedTo(t *testing.T) {
	c, _, _, sent := newTestICMP4(t)
	req := make([]byte, HeaderLen+4)
	req[0] = TypeEchoRequest
	binary.BigEndian.PutUint16(req[4:6], 7)
	binary.BigEndian.PutUint16(req[6:8], 1)
	binary.BigEndian.PutUint16(req[2:4], ip4.Checksum(req))

	p := packet.New(req, 0, nil)
	p.SetLen(len(req))
	c.Receive(p, ip4.Header{Src: addr.NewIPv4(10, 0, 0, 2)}, false, false)

	if len(*sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(*sent))
	}
	reply := (*sent)[0].Data()
	if reply[0] != TypeEchoReply {
		t.Fatalf("reply type = %d, want TypeEchoReply", reply[0])
	}
	if ip4.Checksum(reply) != 0 {
		t.Error("reply checksum does not sum to zero")
	}
}

func TestEchoRequestToBroadcastIsIgnored(t *testing.T) {
	c, _, _, sent := newTestICMP4(t)
	req := make([]byte, HeaderLen+4)
	req[0] = TypeEchoRequest
	binary.BigEndian.PutUint16(req[2:4], ip4.Checksum(req))
	p := packet.New(req, 0, nil)
	p.SetLen(len(req))
	c.Receive(p, ip4.Header{}, true, false)

	if len(*sent) != 0 {
		t.Fatalf("sent %d replies to a broadcast echo request, want 0", len(*sent))
	}
}

// buildEmbeddedTCPLike constructs a minimal original IPv4+TCP-shaped
// datagram (20-byte IP header + 4 bytes of source/destination port) the
// way a Too-Big report embeds the packet that triggered it.
func buildEmbeddedTCPLike(src, dst addr.IPv4, srcPort, dstPort uint16) []byte {
	buf := make([]byte, ip4.MinHeaderLen+4)
	ip4.Put(buf, ip4.Header{TotalLength: uint16(len(buf)), TTL: 64, Protocol: ip4.ProtoTCP, Src: src, Dst: dst})
	binary.BigEndian.PutUint16(buf[ip4.MinHeaderLen:], srcPort)
	binary.BigEndian.PutUint16(buf[ip4.MinHeaderLen+2:], dstPort)
	return buf
}

// TestTooBigRoundTripsThroughOnUnreachable exercises spec.md §8 scenario 6
// (PMTU black-hole) at the ICMP layer: a peer router's Too-Big report,
// once received, must decode back to the (destination, MTU hint) that
// TooBig originally encoded.
func TestTooBigRoundTripsThroughOnUnreachable(t *testing.T) {
	c, _, _, sent := newTestICMP4(t)
	orig := buildEmbeddedTCPLike(addr.NewIPv4(10, 0, 0, 1), addr.NewIPv4(93, 184, 216, 34), 40000, 443)
	origH, ok := ip4.Parse(orig)
	if !ok {
		t.Fatal("buildEmbeddedTCPLike produced an unparsable header")
	}

	c.TooBig(orig, origH, 1280, false)
	if len(*sent) != 1 {
		t.Fatalf("sent %d Too-Big reports, want 1", len(*sent))
	}

	var got Unreachable
	var calls int
	c.OnUnreachable(func(u Unreachable) { calls++; got = u })
	reportData := (*sent)[0].Data()
	p := packet.New(append([]byte(nil), reportData...), 0, nil)
	p.SetLen(len(reportData))
	c.Receive(p, ip4.Header{Src: addr.NewIPv4(10, 0, 0, 254)}, false, false)

	if calls != 1 {
		t.Fatalf("OnUnreachable called %d times, want 1", calls)
	}
	want := Unreachable{
		OrigSrc:  addr.NewIPv4(10, 0, 0, 1),
		OrigDst:  addr.NewIPv4(93, 184, 216, 34),
		Protocol: ip4.ProtoTCP,
		SrcPort:  40000,
		DstPort:  443,
		Code:     CodeFragNeeded,
		MTUHint:  1280,
		TotalLen: ip4.MinHeaderLen + 4,
	}
	if got != want {
		t.Fatalf("decoded Unreachable = %+v, want %+v", got, want)
	}
}

func TestDestUnreachOtherCodeHasNoMTUHint(t *testing.T) {
	c, _, _, sent := newTestICMP4(t)
	orig := buildEmbeddedTCPLike(addr.NewIPv4(10, 0, 0, 1), addr.NewIPv4(93, 184, 216, 34), 40000, 443)
	origH, _ := ip4.Parse(orig)
	c.DestinationUnreachable(orig, origH, CodePortUnreach, false)

	var got Unreachable
	c.OnUnreachable(func(u Unreachable) { got = u })
	reportData := (*sent)[0].Data()
	p := packet.New(append([]byte(nil), reportData...), 0, nil)
	p.SetLen(len(reportData))
	c.Receive(p, ip4.Header{}, false, false)

	if got.Code != CodePortUnreach || got.MTUHint != 0 {
		t.Fatalf("got = %+v, want Code=CodePortUnreach, MTUHint=0", got)
	}
}

func TestSuppressesErrorsForICMPAndNonInitialFragments(t *testing.T) {
	c, _, _, sent := newTestICMP4(t)
	orig := buildEmbeddedTCPLike(addr.NewIPv4(10, 0, 0, 1), addr.NewIPv4(10, 0, 0, 2), 1, 2)

	c.TimeExceeded(orig, ip4.Header{Protocol: ip4.ProtoICMP}, 0, false)
	if len(*sent) != 0 {
		t.Fatal("must not generate an ICMP error in reply to ICMP")
	}

	c.TimeExceeded(orig, ip4.Header{Protocol: ip4.ProtoUDP, FlagsFragOff: 1}, 0, false)
	if len(*sent) != 0 {
		t.Fatal("must not generate an ICMP error for a non-initial fragment")
	}
}
