// Package packet implements the Packet handle that threads through every
// layer of the stack (spec.md §3): a single contiguous buffer with an
// immutable capacity and a mutable [data_begin, data_end) cursor that each
// layer advances instead of copying.
package packet

import (
	"sync"
)

// Release returns a Packet's backing buffer to whatever pool produced it.
// It must be idempotent from the Packet's point of view — Packet itself
// guarantees the single call, Release need not re-check.
type Release func(buf []byte)

// Packet is a buffer handle plus layer cursors. The zero value is not
// usable; construct with New.
//
// Invariant (spec.md §8, property 1): 0 <= dataBegin <= dataEnd <= len(buf)
// at every observation point, enforced by every mutator below.
type Packet struct {
	buf       []byte
	dataBegin int
	dataEnd   int

	// NextHop carries the resolved link-layer-relevant destination (an
	// addr.IPv4 or addr.IPv6) down from IP to ARP/NDP. Stored as
	// interface{} to avoid this low-level package importing addr twice
	// over (v4/v6); callers type-assert.
	NextHop interface{}

	// ChainNext links Packets into a singly-linked batch, mirroring the
	// source's packet->chain(p). Most internal queues (Write_queue, ARP
	// pending queue) use plain Go slices instead (see spec.md Design
	// Notes, "Chained packet handles"); this field exists for API parity
	// at the NIC boundary, where a driver may deliver a batch of frames.
	ChainNext *Packet

	release  Release
	once     sync.Once
	released bool
}

// New wraps buf as a Packet. headroom is the number of bytes at the front
// reserved for lower-layer headers that will be prepended later by
// PrependHeader; data begins immediately after it and initially spans the
// rest of buf.
func New(buf []byte, headroom int, release Release) *Packet {
	if headroom > len(buf) {
		headroom = len(buf)
	}
	return &Packet{
		buf:       buf,
		dataBegin: headroom,
		dataEnd:   headroom,
		release:   release,
	}
}

// Cap returns the total buffer capacity (buf_end - buf_begin).
func (p *Packet) Cap() int { return len(p.buf) }

// Data returns the current [data_begin, data_end) view.
func (p *Packet) Data() []byte { return p.buf[p.dataBegin:p.dataEnd] }

// Headroom returns how many bytes remain before data_begin, available to a
// future PrependHeader call.
func (p *Packet) Headroom() int { return p.dataBegin }

// Tailroom returns how many bytes remain after data_end, available to grow
// the payload without reallocating.
func (p *Packet) Tailroom() int { return len(p.buf) - p.dataEnd }

// PrependHeader moves data_begin back by n bytes and returns that region,
// zero-length on failure (not enough headroom) so a receive path never
// needs separate error-handling: a truncated append simply carries no
// header.
func (p *Packet) PrependHeader(n int) []byte {
	if n < 0 || n > p.dataBegin {
		return nil
	}
	p.dataBegin -= n
	return p.buf[p.dataBegin : p.dataBegin+n]
}

// ConsumeHeader advances data_begin by n bytes (a receive-path layer
// peeling off its header) and returns the consumed region. Returns nil if
// fewer than n bytes of data remain.
func (p *Packet) ConsumeHeader(n int) []byte {
	if n < 0 || p.dataBegin+n > p.dataEnd {
		return nil
	}
	hdr := p.buf[p.dataBegin : p.dataBegin+n]
	p.dataBegin += n
	return hdr
}

// PeekHeader is like ConsumeHeader but does not advance data_begin.
func (p *Packet) PeekHeader(n int) []byte {
	if n < 0 || p.dataBegin+n > p.dataEnd {
		return nil
	}
	return p.buf[p.dataBegin : p.dataBegin+n]
}

// Append grows data_end by len(b), copying b into the freed tail space.
// Returns false if there isn't enough tailroom.
func (p *Packet) Append(b []byte) bool {
	if len(b) > p.Tailroom() {
		return false
	}
	n := copy(p.buf[p.dataEnd:], b)
	p.dataEnd += n
	return true
}

// SetLen sets data_end = data_begin + n directly; used when the payload
// length is already known (e.g. echoing an incoming frame's body).
func (p *Packet) SetLen(n int) bool {
	if n < 0 || p.dataBegin+n > len(p.buf) {
		return false
	}
	p.dataEnd = p.dataBegin + n
	return true
}

// Len returns the current payload length, data_end - data_begin.
func (p *Packet) Len() int { return p.dataEnd - p.dataBegin }

// Release runs the buffer's release callback exactly once (spec.md §8,
// property 2), regardless of how many times Release is called.
func (p *Packet) Release() {
	p.once.Do(func() {
		p.released = true
		if p.release != nil {
			p.release(p.buf)
		}
	})
}

// Released reports whether Release has already run, for invariant checks.
func (p *Packet) Released() bool { return p.released }
