// Package timer implements the central timer service consumed by every
// layer of the core: ARP retries and cache flush, PMTU sweep, TCP
// retransmission/TIME-WAIT/DACK, conntrack flush, and DNS timeouts.
//
// A timer handle is an opaque ID rather than the source's multimap
// iterator (see spec.md Design Notes, "Timer identity"); the service is
// free to back it with a binary heap, which is what Service does.
package timer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/unikernel-go/netstack/clock"
)

// ID identifies a scheduled timer, returned by Schedule/Periodic and
// accepted by Stop.
type ID uint64

// Callback is invoked when a timer fires. It runs on the Service's single
// dispatch goroutine — never concurrently with another callback — mirroring
// the single-threaded cooperative event loop of spec.md §5.
type Callback func()

type entry struct {
	id       ID
	deadline int64 // ns, per clock.Source
	period   int64 // 0 for one-shot
	fn       Callback
	index    int // heap index
	canceled bool
}

type queue []*entry

func (q queue) Len() int            { return len(q) }
func (q queue) Less(i, j int) bool  { return q[i].deadline < q[j].deadline }
func (q queue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *queue) Push(x interface{}) { e := x.(*entry); e.index = len(*q); *q = append(*q, e) }
func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// Service is a heap-backed timer service. The zero value is not usable;
// construct with New.
type Service struct {
	clock clock.Source

	mu      sync.Mutex
	q       queue
	byID    map[ID]*entry
	nextID  ID
	wake    chan struct{}
	stopped chan struct{}
}

// New starts a Service's dispatch goroutine against the given clock.
func New(c clock.Source) *Service {
	s := &Service{
		clock:   c,
		byID:    make(map[ID]*entry),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// Schedule arranges for fn to run once, delay nanoseconds from now.
func (s *Service) Schedule(delay time.Duration, fn Callback) ID {
	return s.add(delay, 0, fn)
}

// Periodic arranges for fn to run every interval, starting after
// initialDelay.
func (s *Service) Periodic(interval, initialDelay time.Duration, fn Callback) ID {
	return s.add(initialDelay, interval, fn)
}

func (s *Service) add(delay, period time.Duration, fn Callback) ID {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	e := &entry{
		id:       id,
		deadline: s.clock.Now() + int64(delay),
		period:   int64(period),
		fn:       fn,
	}
	s.byID[id] = e
	heap.Push(&s.q, e)
	s.mu.Unlock()
	s.poke()
	return id
}

// Stop cancels a pending timer. Stopping an already-fired one-shot timer,
// or an unknown ID, is a no-op.
func (s *Service) Stop(id ID) {
	s.mu.Lock()
	if e, ok := s.byID[id]; ok {
		e.canceled = true
		delete(s.byID, id)
	}
	s.mu.Unlock()
}

// Close stops the dispatch goroutine. No further callbacks fire afterward.
func (s *Service) Close() {
	close(s.stopped)
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) run() {
	t := time.NewTimer(time.Hour)
	defer t.Stop()
	for {
		s.mu.Lock()
		var due time.Duration = time.Hour
		if len(s.q) > 0 {
			delta := s.q[0].deadline - s.clock.Now()
			if delta <= 0 {
				due = 0
			} else {
				due = time.Duration(delta)
			}
		}
		s.mu.Unlock()

		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(due)

		select {
		case <-s.stopped:
			return
		case <-s.wake:
			continue
		case <-t.C:
		}

		s.fireDue()
	}
}

func (s *Service) fireDue() {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if len(s.q) == 0 || s.q[0].deadline > now {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.q).(*entry)
		if e.canceled {
			s.mu.Unlock()
			continue
		}
		if e.period > 0 {
			e.deadline = now + e.period
			heap.Push(&s.q, e)
		} else {
			delete(s.byID, e.id)
		}
		s.mu.Unlock()

		e.fn()
	}
}
