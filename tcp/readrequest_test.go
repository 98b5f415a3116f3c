package tcp

import "testing"

func TestReadRequestInOrderDelivery(t *testing.T) {
	r := NewReadRequest(1000, 4096)
	n := r.Insert(1000, []byte("hello"), false)
	if n != 5 {
		t.Fatalf("Insert in-order = %d, want 5", n)
	}
	if string(r.Data()) != "hello" {
		t.Errorf("Data() = %q", r.Data())
	}
	r.Consume(5)
	if r.StartSeq() != 1005 {
		t.Errorf("StartSeq after consume = %d, want 1005", r.StartSeq())
	}
}

func TestReadRequestOutOfOrderThenFillsHole(t *testing.T) {
	r := NewReadRequest(1000, 4096)

	n := r.Insert(1005, []byte("world"), false)
	if n != 0 {
		t.Fatalf("out-of-order insert should deliver nothing yet, got %d", n)
	}
	if r.HoleBytes() != 5 {
		t.Errorf("HoleBytes = %d, want 5", r.HoleBytes())
	}

	n = r.Insert(1000, []byte("hello"), false)
	if n != 10 {
		t.Fatalf("closing the hole should deliver both segments, got %d", n)
	}
	if string(r.Data()) != "helloworld" {
		t.Fatalf("Data() = %q, want %q", r.Data(), "helloworld")
	}
	if r.HoleBytes() != 0 {
		t.Errorf("HoleBytes after merge = %d, want 0", r.HoleBytes())
	}
}

func TestReadRequestDuplicateBytesIgnored(t *testing.T) {
	r := NewReadRequest(1000, 4096)
	r.Insert(1000, []byte("hello"), false)
	r.Consume(5)
	n := r.Insert(1000, []byte("hello"), false)
	if n != 0 {
		t.Errorf("re-delivered bytes should not count again, got %d", n)
	}
}

func TestReadRequestPushSeenOnDeliveredSegment(t *testing.T) {
	r := NewReadRequest(1000, 4096)
	r.Insert(1000, []byte("hi"), true)
	if !r.PushSeen() {
		t.Error("PushSeen should be true once the PSH segment's data is deliverable")
	}
}
