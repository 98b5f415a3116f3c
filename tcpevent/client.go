package tcpevent

import (
	"bufio"
	"context"
	"encoding/json"
	"log"
	"net"
	"strings"

	"github.com/m-lab/go/rtx"
)

// Handler is implemented by users interested in connection lifecycle
// notifications delivered by MustRun.
type Handler interface {
	Opened(ev FlowEvent)
	Closed(ev FlowEvent)
}

// MustRun connects to socket and dispatches events to handler until ctx is
// cancelled. Any connection or protocol error is fatal, matching the
// fail-fast style the rest of this client uses.
func MustRun(ctx context.Context, socket string, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c, err := net.Dial("unix", socket)
	rtx.Must(err, "Could not connect to %q", socket)
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	// The wire protocol is JSONL, which bufio.Scanner's newline-based
	// splitting handles directly.
	s := bufio.NewScanner(c)
	for s.Scan() {
		var event FlowEvent
		rtx.Must(json.Unmarshal(s.Bytes(), &event), "Could not unmarshal tcpevent")
		switch event.Event {
		case Opened:
			handler.Opened(event)
		case Closed:
			handler.Closed(event)
		default:
			log.Println("Unknown tcpevent type:", event.Event)
		}
	}

	// A closed socket surfaces as an unexported error from the net
	// package rather than a plain EOF; treat it the same way bufio
	// already treats EOF, since it means the same thing here.
	if err := s.Err(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
		rtx.Must(err, "Scanning of %q died with a non-EOF error", socket)
	}
}
