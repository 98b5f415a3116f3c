package dns

import (
	"testing"

	"github.com/go-test/deep"
)

func TestNameRoundTrip(t *testing.T) {
	names := []string{"example.test", "a.b.c.example.com", "x"}
	for _, name := range names {
		enc, err := EncodeName(name)
		if err != nil {
			t.Fatalf("EncodeName(%q): %v", name, err)
		}
		msg := append(make([]byte, HeaderLen), enc...)
		got, _, err := DecodeName(msg, HeaderLen)
		if err != nil {
			t.Fatalf("DecodeName(%q): %v", name, err)
		}
		if got != name {
			t.Errorf("round trip %q -> %q", name, got)
		}
	}
}

func TestEncodeNameRejectsOversizedLabel(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := EncodeName(string(long) + ".test"); err != ErrBadName {
		t.Fatalf("err = %v, want ErrBadName", err)
	}
}

func TestDecodeNameFollowsCompressionPointer(t *testing.T) {
	msg := make([]byte, HeaderLen)
	tail, _ := EncodeName("example.test")
	msg = append(msg, tail...)
	pointerOff := len(msg)
	msg = append(msg, 0xc0, byte(HeaderLen))

	name, next, err := DecodeName(msg, pointerOff)
	if err != nil {
		t.Fatalf("DecodeName: %v", err)
	}
	if name != "example.test" {
		t.Errorf("name = %q, want example.test", name)
	}
	if next != pointerOff+2 {
		t.Errorf("next = %d, want %d (pointer is 2 bytes)", next, pointerOff+2)
	}
}

func TestEncodeQueryThenDecodeResponse(t *testing.T) {
	query, err := EncodeQuery(0x1234, "example.test")
	if err != nil {
		t.Fatalf("EncodeQuery: %v", err)
	}

	resp := buildReply(query, [4]byte{203, 0, 113, 5}, 60)
	decoded, err := DecodeResponse(resp)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	want := Response{
		ID:    0x1234,
		RCode: 0,
		Answers: []ARecord{
			{Name: "example.test", TTL: 60, Addr: [4]byte{203, 0, 113, 5}},
		},
	}
	if diff := deep.Equal(decoded, want); diff != nil {
		t.Error("decoded response differed from expected:", diff)
	}
}
