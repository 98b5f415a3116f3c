package tcp

import "testing"

func TestSACKListTouchMergesAdjacent(t *testing.T) {
	var s SACKList
	s.Touch(100, 200)
	s.Touch(200, 300)
	if s.Len() != 1 {
		t.Fatalf("expected merge into one block, got %d: %+v", s.Len(), s.Blocks())
	}
	b := s.Blocks()[0]
	if b.Left != 100 || b.Right != 300 {
		t.Errorf("merged block = [%d,%d), want [100,300)", b.Left, b.Right)
	}
}

func TestSACKListSpliceToFront(t *testing.T) {
	var s SACKList
	s.Touch(100, 200)
	s.Touch(500, 600)
	s.Touch(100, 250) // touches the first block again
	if s.Blocks()[0].Right != 250 {
		t.Errorf("touched block should move to front, got %+v", s.Blocks())
	}
}

func TestSACKListOverflowSilentlyDropped(t *testing.T) {
	var s SACKList
	s.Touch(100, 200)
	s.Touch(300, 400)
	s.Touch(500, 600)
	s.Touch(700, 800) // fourth distinct block: dropped, not evicting an old one
	if s.Len() != maxSACKBlocks {
		t.Fatalf("expected list capped at %d, got %d", maxSACKBlocks, s.Len())
	}
	for _, b := range s.Blocks() {
		if b.Left == 700 {
			t.Errorf("overflow block should have been dropped, not replace an existing one")
		}
	}
}

func TestSACKListRemoveCovered(t *testing.T) {
	var s SACKList
	s.Touch(100, 200)
	s.Touch(300, 400)
	s.RemoveCovered(250)
	if s.Len() != 1 || s.Blocks()[0].Left != 300 {
		t.Fatalf("expected only [300,400) to survive, got %+v", s.Blocks())
	}
}

func TestSeqWraparoundComparisons(t *testing.T) {
	var max32 uint32 = 0xffffffff
	if !seqLess(max32, 1) {
		t.Error("seqLess should treat sequence space as wrapping")
	}
	if seqLess(1, max32) {
		t.Error("seqLess got wraparound backwards")
	}
	if !seqGreater(1, max32) {
		t.Error("seqGreater should agree with seqLess's wraparound")
	}
}
