package tcp

// SACKList holds up to 3 non-overlapping received-but-not-contiguous
// sequence blocks, most-recently-touched first (spec.md §3, §4.7.5).
//
// Insertion uses a splice-to-front on touch and silently drops a new block
// on overflow rather than evicting the least-recent one — this reproduces
// observed IncludeOS wire behavior (spec.md §9 Open Questions,
// "Fixed_list ... silently drops on overflow; preserve this behavior").
type SACKList struct {
	blocks []SACKBlock
}

const maxSACKBlocks = 3

// Touch records that [left, right) has been received. If it overlaps or
// abuts an existing block, the blocks are merged and moved to the front.
// A genuinely new block is prepended; once the list already holds
// maxSACKBlocks distinct blocks, a new one is dropped (no feedback to the
// sender — see the type doc).
func (s *SACKList) Touch(left, right uint32) {
	for i, b := range s.blocks {
		if overlaps(b, left, right) {
			nl, nr := b.Left, b.Right
			if seqLess(left, nl) {
				nl = left
			}
			if seqLess(nr, right) {
				nr = right
			}
			s.blocks = append(s.blocks[:i], s.blocks[i+1:]...)
			s.spliceFront(SACKBlock{Left: nl, Right: nr})
			return
		}
	}
	if len(s.blocks) >= maxSACKBlocks {
		return
	}
	s.spliceFront(SACKBlock{Left: left, Right: right})
}

func (s *SACKList) spliceFront(b SACKBlock) {
	s.blocks = append([]SACKBlock{b}, s.blocks...)
}

func overlaps(b SACKBlock, left, right uint32) bool {
	return !(seqLess(right, b.Left) || seqLess(b.Right, left))
}

// RemoveCovered drops any block fully covered by [0, upTo) — called once
// RCV.NXT has advanced past it, since it's no longer "out of order."
func (s *SACKList) RemoveCovered(upTo uint32) {
	kept := s.blocks[:0]
	for _, b := range s.blocks {
		if !seqLess(b.Right, upTo+1) && b.Right != upTo {
			kept = append(kept, b)
		} else if seqLess(upTo, b.Left) {
			kept = append(kept, b)
		}
	}
	s.blocks = kept
}

// Blocks returns the current list, most-recently-touched first, capped at
// maxSACKBlocks (always true by construction).
func (s *SACKList) Blocks() []SACKBlock { return s.blocks }

func (s *SACKList) Len() int { return len(s.blocks) }

// seqLess compares sequence numbers with wraparound, per the two's
// complement interpretation noted in spec.md §9 Open Questions.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqLessEq(a, b uint32) bool {
	return a == b || seqLess(a, b)
}

func seqGreater(a, b uint32) bool { return seqLess(b, a) }

func seqGreaterEq(a, b uint32) bool { return seqLessEq(b, a) }
