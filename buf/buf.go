// Package buf implements BufferStore (spec.md §4.1): a fixed-size packet
// buffer pool, one per NIC, safe for concurrent use when SMP is enabled.
package buf

import "sync"

// Store owns a contiguous pool of N buffers of Size bytes each and a
// free-list of them. Every pointer returned by Get lies in the pool and is
// exactly Size bytes; Release returns a buffer to the store that owns it.
//
// A Store elides its lock when built with NewSingleThreaded, matching
// spec.md's "single-threaded builds elide the lock."
type Store struct {
	size  int
	pool  [][]byte // backing allocations, used only to recognize ownership
	free  [][]byte
	mu    *sync.Mutex // nil => no locking
	next  *Store      // overflow chain for SMP per-CPU stores
	drops int
}

// New creates a Store with room for n buffers of size bytes, guarded by a
// lock (suitable for sharing across CPUs).
func New(n, size int) *Store {
	return newStore(n, size, &sync.Mutex{})
}

// NewSingleThreaded creates a Store with no internal locking, for
// single-CPU builds where BufferStore access is never contended.
func NewSingleThreaded(n, size int) *Store {
	return newStore(n, size, nil)
}

func newStore(n, size int, mu *sync.Mutex) *Store {
	s := &Store{size: size, mu: mu}
	s.pool = make([][]byte, n)
	s.free = make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		b := make([]byte, size)
		s.pool[i] = b
		s.free = append(s.free, b)
	}
	return s
}

// Size returns the fixed buffer size of this store.
func (s *Store) Size() int { return s.size }

// Chain links an overflow store, consulted by Get when this store is
// empty — the SMP per-CPU overflow list of spec.md §3.
func (s *Store) Chain(next *Store) { s.next = next }

func (s *Store) lock() {
	if s.mu != nil {
		s.mu.Lock()
	}
}

func (s *Store) unlock() {
	if s.mu != nil {
		s.mu.Unlock()
	}
}

// Get removes and returns one buffer from the free list, walking the
// overflow chain on local exhaustion. It returns nil when every store in
// the chain is empty (resource exhaustion — spec.md §7).
func (s *Store) Get() []byte {
	s.lock()
	if n := len(s.free); n > 0 {
		b := s.free[n-1]
		s.free = s.free[:n-1]
		s.unlock()
		return b
	}
	s.drops++
	s.unlock()
	if s.next != nil {
		return s.next.Get()
	}
	return nil
}

// Release returns ptr to the store that owns it, walking the chain to find
// the owner by pointer-range/identity.
func (s *Store) Release(ptr []byte) {
	if s.owns(ptr) {
		s.lock()
		s.free = append(s.free, ptr)
		s.unlock()
		return
	}
	if s.next != nil {
		s.next.Release(ptr)
	}
}

func (s *Store) owns(ptr []byte) bool {
	for _, b := range s.pool {
		if &b[0] == &ptr[0] {
			return true
		}
	}
	return false
}

// Available reports the number of free buffers in this store alone (not
// counting the overflow chain), used by backpressure signals.
func (s *Store) Available() int {
	s.lock()
	defer s.unlock()
	return len(s.free)
}

// Drops returns the count of exhaustion events observed by this store.
func (s *Store) Drops() int {
	s.lock()
	defer s.unlock()
	return s.drops
}
