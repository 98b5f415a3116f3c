// Package tcpevent serves TCP connection lifecycle events (open/close) as
// newline-delimited JSON over a Unix-domain socket, so an external process
// can watch a stack's connection churn without linking against it.
package tcpevent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/metrics"
)

// Event refers to the kind of connection lifecycle event that occurred.
type Event int

const (
	// Opened is sent when a TCP connection is opened: inet.Inet sends it
	// at Connect for an active open, and once the handshake completes for
	// an accepted connection.
	Opened = Event(iota)
	// Closed is sent when a TCP connection is torn down.
	Closed
)

func (e Event) String() string {
	if e == Opened {
		return "opened"
	}
	return "closed"
}

// FlowEvent is the data sent down the socket in JSONL form to clients.
type FlowEvent struct {
	Event     Event
	Timestamp time.Time
	Quad      addr.Quadruple
}

// Server is the interface that has the methods that actually serve the
// events over the unix domain socket. Construct one with New, or use
// NullServer when no one is listening for events.
type Server interface {
	Listen() error
	Serve(context.Context) error
	FlowOpened(timestamp time.Time, quad addr.Quadruple)
	FlowClosed(timestamp time.Time, quad addr.Quadruple)
}

type server struct {
	eventC       chan *FlowEvent
	filename     string
	clients      map[net.Conn]struct{}
	unixListener net.Listener
	mutex        sync.Mutex
	servingWG    sync.WaitGroup
}

// New makes a new Server that serves clients on the provided Unix domain
// socket.
func New(filename string) Server {
	return &server{
		filename: filename,
		eventC:   make(chan *FlowEvent, 100),
		clients:  make(map[net.Conn]struct{}),
	}
}

func (s *server) addClient(c net.Conn) {
	log.Println("Adding new TCP event client", c)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.clients[c] = struct{}{}
}

func (s *server) removeClient(c net.Conn) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
}

func (s *server) sendToAllListeners(data string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		if _, err := fmt.Fprintln(c, data); err != nil {
			log.Println("Write to client", c, "failed:", err, "- removing it.")
			go s.removeClient(c)
			go c.Close()
		}
	}
}

func (s *server) notifyClients(ctx context.Context) {
	s.servingWG.Add(1)
	defer s.servingWG.Done()
	for ctx.Err() == nil {
		event, ok := <-s.eventC
		if !ok {
			return
		}
		b, err := json.Marshal(event)
		if err != nil {
			log.Printf("WARNING: could not marshal event %v: %v\n", event, err)
			continue
		}
		s.sendToAllListeners(string(b))
	}
}

// Listen opens the Unix-domain socket. Serve must be called afterward to
// start accepting connections.
func (s *server) Listen() error {
	s.servingWG.Add(1)
	os.Remove(s.filename) // stale socket from an unclean shutdown
	var err error
	s.unixListener, err = net.Listen("unix", s.filename)
	return err
}

// Serve accepts clients until ctx is cancelled. Call it in a goroutine
// after Listen.
func (s *server) Serve(ctx context.Context) error {
	defer s.servingWG.Done()
	derivedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.notifyClients(derivedCtx)

	s.servingWG.Add(1)
	go func() {
		<-derivedCtx.Done()
		s.unixListener.Close()
		close(s.eventC)
		s.servingWG.Done()
	}()

	var err error
	for derivedCtx.Err() == nil {
		var conn net.Conn
		conn, err = s.unixListener.Accept()
		if err != nil {
			continue
		}
		s.addClient(conn)
	}
	return err
}

// FlowOpened notifies clients that the connection identified by quad was
// opened.
func (s *server) FlowOpened(timestamp time.Time, quad addr.Quadruple) {
	s.eventC <- &FlowEvent{Event: Opened, Timestamp: timestamp, Quad: quad}
	metrics.FlowEventsTotal.WithLabelValues("open").Inc()
}

// FlowClosed notifies clients that the connection identified by quad was
// torn down.
func (s *server) FlowClosed(timestamp time.Time, quad addr.Quadruple) {
	s.eventC <- &FlowEvent{Event: Closed, Timestamp: timestamp, Quad: quad}
	metrics.FlowEventsTotal.WithLabelValues("close").Inc()
}

type nullServer struct{}

func (nullServer) Listen() error                        { return nil }
func (nullServer) Serve(context.Context) error          { return nil }
func (nullServer) FlowOpened(time.Time, addr.Quadruple) {}
func (nullServer) FlowClosed(time.Time, addr.Quadruple) {}

// NullServer returns a Server that does nothing, for callers that want to
// pass a Server unconditionally without a nil check.
func NullServer() Server { return nullServer{} }
