package tcp

// writeItem is one queued outgoing buffer, keyed by its absolute starting
// sequence number (spec.md §3: "each carries (buffer, offset,
// acknowledged)").
type writeItem struct {
	seq     uint32
	data    []byte
	onWrite func(n int) // fired once the whole item is acknowledged
}

func (w *writeItem) end() uint32 { return w.seq + uint32(len(w.data)) }

// WriteQueue is the ordered sequence of outgoing buffers for one
// connection (spec.md §3 "Write_queue").
type WriteQueue struct {
	items []*writeItem
}

// Push appends data as a new item starting at seq (must equal the queue's
// current End()). onWrite, if non-nil, fires with len(data) once every
// byte of this item has been acknowledged.
func (q *WriteQueue) Push(seq uint32, data []byte, onWrite func(n int)) {
	if len(data) == 0 {
		if onWrite != nil {
			onWrite(0)
		}
		return
	}
	q.items = append(q.items, &writeItem{seq: seq, data: data, onWrite: onWrite})
}

// Empty reports whether every queued byte has been acknowledged and
// removed.
func (q *WriteQueue) Empty() bool { return len(q.items) == 0 }

// End returns the sequence number one past the last queued byte — the
// natural next Push seq, and the ceiling beyond which SND.NXT must not
// advance.
func (q *WriteQueue) End() uint32 {
	if len(q.items) == 0 {
		return 0
	}
	return q.items[len(q.items)-1].end()
}

// Start returns the sequence number of the first unacknowledged byte still
// queued.
func (q *WriteQueue) Start() uint32 {
	if len(q.items) == 0 {
		return 0
	}
	return q.items[0].seq
}

// Read returns up to maxLen bytes of already-queued data starting at seq,
// concatenating across item boundaries transparently. It never returns
// bytes beyond what has been queued (i.e. beyond End()).
func (q *WriteQueue) Read(seq uint32, maxLen int) []byte {
	out := make([]byte, 0, maxLen)
	for _, it := range q.items {
		if len(out) >= maxLen {
			break
		}
		if seqLess(seq, it.seq) || seqGreaterEq(seq, it.end()) {
			if seqLessEq(it.end(), seq) {
				continue
			}
		}
		// seq falls within or before this item.
		var from int
		if seqLess(seq, it.seq) {
			from = 0
		} else {
			from = int(seq - it.seq)
		}
		if from >= len(it.data) {
			continue
		}
		need := maxLen - len(out)
		avail := it.data[from:]
		if need < len(avail) {
			avail = avail[:need]
		}
		out = append(out, avail...)
		seq = it.seq + uint32(from+len(avail))
	}
	return out
}

// Ack advances the acknowledged prefix to newUna, dropping and firing
// onWrite for every item fully covered, trimming any partially-acked
// front item. Returns the number of newly-acknowledged bytes.
func (q *WriteQueue) Ack(newUna uint32) int {
	acked := 0
	for len(q.items) > 0 {
		it := q.items[0]
		if seqLessEq(it.end(), newUna) {
			acked += len(it.data)
			q.items = q.items[1:]
			if it.onWrite != nil {
				it.onWrite(len(it.data))
			}
			continue
		}
		if seqGreater(newUna, it.seq) {
			n := int(newUna - it.seq)
			acked += n
			it.data = it.data[n:]
			it.seq = newUna
		}
		break
	}
	return acked
}

// DrainUnacked invokes onWrite(0) for every remaining item and clears the
// queue — used on connection teardown (spec.md §5 "Cancellation":
// "invokes its user-visible write callbacks with the bytes-written-so-
// far").
func (q *WriteQueue) DrainUnacked() {
	for _, it := range q.items {
		if it.onWrite != nil {
			it.onWrite(0)
		}
	}
	q.items = nil
}
