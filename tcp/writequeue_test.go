package tcp

import "testing"

func TestWriteQueuePushReadAck(t *testing.T) {
	var q WriteQueue
	q.Push(1000, []byte("hello "), nil)
	q.Push(1006, []byte("world"), nil)

	if got := string(q.Read(1000, 11)); got != "hello world" {
		t.Fatalf("Read across items = %q, want %q", got, "hello world")
	}
	if got := string(q.Read(1003, 4)); got != "lo w" {
		t.Fatalf("Read with offset = %q, want %q", got, "lo w")
	}
	if q.End() != 1011 {
		t.Errorf("End() = %d, want 1011", q.End())
	}

	acked := q.Ack(1006)
	if acked != 6 {
		t.Errorf("Ack partial = %d, want 6", acked)
	}
	if q.Start() != 1006 {
		t.Errorf("Start() after partial ack = %d, want 1006", q.Start())
	}
	if got := string(q.Read(1006, 5)); got != "world" {
		t.Errorf("Read after ack = %q, want %q", got, "world")
	}
}

func TestWriteQueueFullAckFiresCallback(t *testing.T) {
	var q WriteQueue
	var wrote int
	q.Push(1, []byte("abc"), func(n int) { wrote = n })
	q.Ack(4)
	if wrote != 3 {
		t.Errorf("onWrite callback got %d, want 3", wrote)
	}
	if !q.Empty() {
		t.Error("queue should be empty after full ack")
	}
}

func TestWriteQueueDrainUnackedFiresZero(t *testing.T) {
	var q WriteQueue
	got := -1
	q.Push(1, []byte("abc"), func(n int) { got = n })
	q.DrainUnacked()
	if got != 0 {
		t.Errorf("DrainUnacked callback got %d, want 0", got)
	}
	if !q.Empty() {
		t.Error("queue should be empty after drain")
	}
}
