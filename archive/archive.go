// Package archive accumulates a summary Record for every TCP connection
// that closes, and can dump the accumulated set to CSV for offline
// analysis — the simulated-connection equivalent of the teacher's
// csvtool, which converted archived kernel tcp_info snapshots to CSV.
package archive

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/unikernel-go/netstack/addr"
	"github.com/unikernel-go/netstack/tcp"
)

// Record is one closed connection's summary, tagged for gocsv marshalling.
type Record struct {
	LocalAddr     string    `csv:"local_addr"`
	LocalPort     uint16    `csv:"local_port"`
	RemoteAddr    string    `csv:"remote_addr"`
	RemotePort    uint16    `csv:"remote_port"`
	OpenedAt      time.Time `csv:"opened_at"`
	ClosedAt      time.Time `csv:"closed_at"`
	FinalState    string    `csv:"final_state"`
	BytesSent     uint32    `csv:"bytes_sent"`
	BytesReceived uint32    `csv:"bytes_received"`
	SRTTMillis    float64   `csv:"srtt_ms"`
}

// NewRecord summarizes c, which must already be in or past TimeWait/Closed.
// Byte counts are derived from the TCB's sequence-space counters (ISS/IRS
// vs. SndNXT/RcvNXT) rather than tracked separately, since a connection's
// sequence space already encodes exactly that distance.
func NewRecord(c *tcp.Connection, openedAt, closedAt time.Time) Record {
	quad := c.Quad()
	tcb := c.TCB()
	return Record{
		LocalAddr:     quad.Src.Addr.String(),
		LocalPort:     quad.Src.Port,
		RemoteAddr:    quad.Dst.Addr.String(),
		RemotePort:    quad.Dst.Port,
		OpenedAt:      openedAt,
		ClosedAt:      closedAt,
		FinalState:    c.State().String(),
		BytesSent:     tcb.SndNXT - tcb.ISS,
		BytesReceived: tcb.RcvNXT - tcb.IRS,
		SRTTMillis:    float64(tcb.RTT.SRTT) / float64(time.Millisecond),
	}
}

// Archive is an in-memory, append-only set of closed-connection Records.
type Archive struct {
	mu      sync.Mutex
	records []Record
}

// New returns an empty Archive.
func New() *Archive { return &Archive{} }

// Add appends r to the archive.
func (a *Archive) Add(r Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
}

// Len returns the number of archived records.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Since returns every record closed at or after t.
func (a *Archive) Since(t time.Time) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		if !r.ClosedAt.Before(t) {
			out = append(out, r)
		}
	}
	return out
}

// WriteCSV marshals every archived record to w.
func (a *Archive) WriteCSV(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return gocsv.Marshal(a.records, w)
}

// sinceLayouts are tried in order by ParseSince, covering the formats a
// --since flag is realistically typed in.
var sinceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseSince parses a user-supplied --since flag value in any of
// sinceLayouts.
func ParseSince(s string) (time.Time, error) {
	var firstErr error
	for _, layout := range sinceLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, fmt.Errorf("archive: could not parse %q as a timestamp: %w", s, firstErr)
}

// ConnectionObserver returns a TCP connection-close observer (for
// tcp.TCP.OnConnectionClosed) that records a Record into a, using the
// clock-independent wall time at which each connection was observed to
// open and close. Callers track opened-at themselves (e.g. via
// tcp.TCP.OnConnection) since Connection does not retain it.
func (a *Archive) ConnectionObserver(openedAt map[addr.Quadruple]time.Time) func(*tcp.Connection) {
	return func(c *tcp.Connection) {
		quad := c.Quad()
		opened, ok := openedAt[quad]
		if !ok {
			opened = time.Now()
		}
		delete(openedAt, quad)
		a.Add(NewRecord(c, opened, time.Now()))
	}
}
