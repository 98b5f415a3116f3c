// Command unisim brings up two in-process netstack.Inet instances wired
// together over a zero-latency simnic loopback, then exercises a TCP
// handshake and a DNS resolve end to end — the demo binary replacing the
// teacher's netlink-polling main(), since there is no longer a kernel
// connection table to poll.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"log"
	"os"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/archive"
	"github.com/unikernel-go/netstack/clock"
	"github.com/unikernel-go/netstack/collector"
	"github.com/unikernel-go/netstack/dns"
	"github.com/unikernel-go/netstack/inet"
	"github.com/unikernel-go/netstack/nic/simnic"
	"github.com/unikernel-go/netstack/superstack"
	"github.com/unikernel-go/netstack/tcp"
	"github.com/unikernel-go/netstack/timer"
)

var promAddr = flag.String("prom", ":9090", "Prometheus metrics export address and port")

const (
	clientIdx = 0
	serverIdx = 1
	httpPort  = 7000
	dnsName   = "unisim.local"
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promAddr)
	defer promSrv.Shutdown(ctx)

	reg := superstack.New()
	clientAddr := addr.NewIPv4(10, 0, 0, 1)
	serverAddr := addr.NewIPv4(10, 0, 0, 2)
	netmask := addr.NewIPv4(255, 255, 255, 0)

	clientDrv := simnic.New(addr.MAC{0x02, 0, 0, 0, 0, 1}, 1500, 64)
	serverDrv := simnic.New(addr.MAC{0x02, 0, 0, 0, 0, 2}, 1500, 64)
	simnic.Pair(clientDrv, serverDrv)

	clk := clock.NewSystem()
	timers := timer.New(clk)

	client, err := reg.Create(clientIdx, clientDrv, clk, timers, inet.Config{
		IPAddr: clientAddr, Netmask: netmask, DNSAddr: serverAddr,
	})
	rtx.Must(err, "Could not bring up the client Inet")

	server, err := reg.Create(serverIdx, serverDrv, clk, timers, inet.Config{
		IPAddr: serverAddr, Netmask: netmask,
	})
	rtx.Must(err, "Could not bring up the server Inet")

	go collector.Run(ctx, reg, 5*time.Second)

	arc := archive.New()
	opened := make(map[addr.Quadruple]time.Time)
	server.TCP().OnConnection(func(c *tcp.Connection) {
		opened[c.Quad()] = time.Now()
	})
	server.TCP().OnConnectionClosed(arc.ConnectionObserver(opened))

	runTCPDemo(server, client)
	runDNSDemo(server, client)

	if err := arc.WriteCSV(os.Stdout); err != nil {
		log.Printf("could not write archive CSV: %v", err)
	}
}

// runTCPDemo listens on the server stack, connects from the client stack,
// and writes one message, which the server side logs on receipt. Nothing
// is echoed back to the client.
func runTCPDemo(server, client *inet.Inet) {
	l, err := server.TCP().Listen(httpPort, 4)
	rtx.Must(err, "server Listen failed")

	conn, err := client.TCP().Connect(addr.Socket4{Addr: server.LocalIPv4(), Port: httpPort})
	rtx.Must(err, "client Connect failed")

	accepted, ok := l.Accept()
	if !ok {
		log.Fatal("server never saw the connection complete its handshake")
	}
	accepted.OnData(func(data []byte, pushed bool) {
		log.Printf("unisim: server received %q", data)
	})

	conn.Write([]byte("hello from unisim"), nil)
	conn.Close()
	accepted.Close()
	log.Printf("unisim: TCP handshake + write complete (client=%s server=%s)", conn.State(), accepted.State())
}

// runDNSDemo binds a minimal hand-rolled DNS responder on the server stack
// and resolves dnsName from the client stack through it.
func runDNSDemo(server, client *inet.Inet) {
	sock, err := server.UDP().Bind(dns.ServerPort)
	rtx.Must(err, "server could not bind DNS port")
	sock.OnRead(func(query []byte, from addr.Socket4) {
		reply := buildDNSReply(query, server.LocalIPv4())
		sock.SendTo(from, reply)
	})

	done := make(chan struct{})
	client.Resolve(dnsName, func(ip addr.IPv4, err error) {
		if err != nil {
			log.Printf("unisim: resolve %s failed: %v", dnsName, err)
		} else {
			log.Printf("unisim: resolved %s -> %s", dnsName, ip)
		}
		close(done)
	})
	<-done
}

// buildDNSReply answers query (as produced by dns.EncodeQuery) with a
// single A record pointing at ip, TTL 60s. It exists only to give this
// demo a DNS server to talk to — the netstack module implements a DNS
// client (spec.md §4.9), not a server.
func buildDNSReply(query []byte, ip addr.IPv4) []byte {
	reply := make([]byte, len(query)+16)
	copy(reply, query)
	binary.BigEndian.PutUint16(reply[2:4], 0x8180) // QR|RD|RA
	binary.BigEndian.PutUint16(reply[6:8], 1)       // ancount

	off := len(query)
	binary.BigEndian.PutUint16(reply[off:], 0xc00c) // name: pointer to question at offset 12
	binary.BigEndian.PutUint16(reply[off+2:], dns.TypeA)
	binary.BigEndian.PutUint16(reply[off+4:], dns.ClassINET)
	binary.BigEndian.PutUint32(reply[off+6:], 60)
	binary.BigEndian.PutUint16(reply[off+10:], 4)
	copy(reply[off+12:], ip[:])
	return reply
}
