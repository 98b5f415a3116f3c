package tcp

import "sort"

// oooSegment is one out-of-order segment buffered ahead of a hole, waiting
// for the missing bytes to arrive.
type oooSegment struct {
	seq  uint32
	data []byte
}

// ReadRequest is the receive-side holding area for one connection: a ring
// of capacity bytes starting at startSeq, the contiguous prefix of which
// (filled bytes) is ready for the application to read, with any
// out-of-order arrivals past a hole buffered separately until the hole
// closes (spec.md §3 "Read_request": start_seq/capacity/filled/
// hole_bytes/push_seen).
type ReadRequest struct {
	startSeq  uint32
	capacity  int
	buf       []byte
	holes     []oooSegment
	pushSeen  bool
	sawPushAt uint32 // seq just past the last byte of the segment that carried PSH
}

// NewReadRequest allocates a receive window starting at startSeq.
func NewReadRequest(startSeq uint32, capacity int) *ReadRequest {
	return &ReadRequest{startSeq: startSeq, capacity: capacity}
}

// StartSeq is RCV.NXT as last observed by this request — the sequence
// number of the first byte not yet delivered to the application.
func (r *ReadRequest) StartSeq() uint32 { return r.startSeq }

// Filled is the number of contiguous, deliverable bytes currently held.
func (r *ReadRequest) Filled() int { return len(r.buf) }

// HoleBytes is the total size of out-of-order segments buffered past the
// current hole (diagnostic / SACK-generation input).
func (r *ReadRequest) HoleBytes() int {
	n := 0
	for _, h := range r.holes {
		n += len(h.data)
	}
	return n
}

// Capacity is the configured receive buffer size (drives RCV.WND).
func (r *ReadRequest) Capacity() int { return r.capacity }

// Available is remaining room before the ring is full, accounting for
// both filled and held-out-of-order bytes.
func (r *ReadRequest) Available() int {
	used := len(r.buf) + r.HoleBytes()
	if used >= r.capacity {
		return 0
	}
	return r.capacity - used
}

// PushSeen reports whether a PSH-flagged segment's data has become part
// of the deliverable prefix.
func (r *ReadRequest) PushSeen() bool { return r.pushSeen }

// Insert accepts a received data segment at absolute sequence seq. It
// appends in-order data directly to the deliverable buffer, stashes
// out-of-order data in holes, and merges any holes that the new data (or
// a resulting merge) makes contiguous. Returns the number of bytes that
// became newly deliverable.
func (r *ReadRequest) Insert(seq uint32, data []byte, psh bool) int {
	if len(data) == 0 {
		return 0
	}
	// Trim any leading overlap with what's already been delivered/queued.
	end := r.startSeq + uint32(len(r.buf))
	if seqLess(seq, end) {
		skip := end - seq
		if int(skip) >= len(data) {
			return 0
		}
		seq = end
		data = data[skip:]
	}

	if seq == end {
		r.buf = append(r.buf, data...)
		if psh {
			r.pushSeen = true
		}
		delivered := len(data)
		delivered += r.drainHoles()
		return delivered
	}

	r.holes = append(r.holes, oooSegment{seq: seq, data: data})
	if psh {
		r.sawPushAt = seq + uint32(len(data))
	}
	sort.Slice(r.holes, func(i, j int) bool { return seqLess(r.holes[i].seq, r.holes[j].seq) })
	return r.drainHoles()
}

// drainHoles merges any buffered out-of-order segments that have become
// contiguous with the deliverable prefix, repeatedly, and returns the
// number of bytes newly delivered.
func (r *ReadRequest) drainHoles() int {
	delivered := 0
	for {
		end := r.startSeq + uint32(len(r.buf))
		merged := false
		for i, h := range r.holes {
			if seqGreater(h.seq, end) {
				continue
			}
			skip := uint32(0)
			if seqLess(h.seq, end) {
				skip = end - h.seq
			}
			if int(skip) < len(h.data) {
				piece := h.data[skip:]
				r.buf = append(r.buf, piece...)
				delivered += len(piece)
				if h.seq+uint32(len(h.data)) == r.sawPushAt {
					r.pushSeen = true
				}
			}
			r.holes = append(r.holes[:i], r.holes[i+1:]...)
			merged = true
			break
		}
		if !merged {
			break
		}
	}
	return delivered
}

// Consume removes n delivered bytes from the front of the buffer
// (application has read them) and advances startSeq accordingly.
func (r *ReadRequest) Consume(n int) {
	if n > len(r.buf) {
		n = len(r.buf)
	}
	r.startSeq += uint32(n)
	r.buf = r.buf[n:]
	if len(r.buf) == 0 {
		r.pushSeen = false
	}
}

// Data returns the currently deliverable prefix without consuming it.
func (r *ReadRequest) Data() []byte { return r.buf }
