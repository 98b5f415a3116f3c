package tcp

import "encoding/binary"

// Flag bits of the 6-bit flags field. Parse keeps only these six bits, so
// the ECN bits (ECE, CWR) are dropped.
type Flags uint8

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

// MinHeaderLen is the fixed 20-byte TCP header, excluding options.
const MinHeaderLen = 20

// Option kinds (spec.md §6).
const (
	OptEnd          = 0
	OptNOP          = 1
	OptMSS          = 2
	OptWindowScale  = 3
	OptSACKPermit   = 4
	OptSACK         = 5
	OptTimestamp    = 8
)

// Options carries the subset of TCP options this stack understands.
type Options struct {
	MSS          uint16
	HasMSS       bool
	WindowScale  uint8
	HasWS        bool
	SACKPermitted bool
	SACKBlocks   []SACKBlock // (left, right) pairs, up to 3 per spec.md §4.7.5
	TSVal, TSEcr uint32
	HasTimestamp bool
}

// SACKBlock is one non-overlapping received block.
type SACKBlock struct {
	Left, Right uint32
}

// Header is the parsed fixed portion of a TCP segment.
type Header struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // in 32-bit words, >= 5
	Flags      Flags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    Options
}

func (h Header) HeaderLen() int { return int(h.DataOffset) * 4 }

// Parse decodes a TCP header (fixed fields + options) from b.
func Parse(b []byte) (Header, bool) {
	var h Header
	if len(b) < MinHeaderLen {
		return h, false
	}
	h.SrcPort = binary.BigEndian.Uint16(b[0:2])
	h.DstPort = binary.BigEndian.Uint16(b[2:4])
	h.Seq = binary.BigEndian.Uint32(b[4:8])
	h.Ack = binary.BigEndian.Uint32(b[8:12])
	h.DataOffset = b[12] >> 4
	h.Flags = Flags(b[13] & 0x3f)
	h.Window = binary.BigEndian.Uint16(b[14:16])
	h.Checksum = binary.BigEndian.Uint16(b[16:18])
	h.Urgent = binary.BigEndian.Uint16(b[18:20])
	hl := h.HeaderLen()
	if hl < MinHeaderLen || hl > len(b) {
		return h, false
	}
	h.Options = parseOptions(b[MinHeaderLen:hl])
	return h, true
}

func parseOptions(b []byte) Options {
	var o Options
	i := 0
	for i < len(b) {
		kind := b[i]
		switch kind {
		case OptEnd:
			return o
		case OptNOP:
			i++
			continue
		}
		if i+1 >= len(b) {
			return o
		}
		length := int(b[i+1])
		if length < 2 || i+length > len(b) {
			return o
		}
		data := b[i+2 : i+length]
		switch kind {
		case OptMSS:
			if len(data) == 2 {
				o.MSS = binary.BigEndian.Uint16(data)
				o.HasMSS = true
			}
		case OptWindowScale:
			if len(data) == 1 {
				o.WindowScale = data[0]
				o.HasWS = true
			}
		case OptSACKPermit:
			o.SACKPermitted = true
		case OptSACK:
			for j := 0; j+8 <= len(data); j += 8 {
				o.SACKBlocks = append(o.SACKBlocks, SACKBlock{
					Left:  binary.BigEndian.Uint32(data[j : j+4]),
					Right: binary.BigEndian.Uint32(data[j+4 : j+8]),
				})
				if len(o.SACKBlocks) == 3 {
					break
				}
			}
		case OptTimestamp:
			if len(data) == 8 {
				o.TSVal = binary.BigEndian.Uint32(data[0:4])
				o.TSEcr = binary.BigEndian.Uint32(data[4:8])
				o.HasTimestamp = true
			}
		}
		i += length
	}
	return o
}

// encodeOptions serializes o, padding with NOPs to a 4-byte boundary, and
// returns the bytes; callers derive DataOffset from their length.
func encodeOptions(o Options) []byte {
	var buf []byte
	if o.HasMSS {
		buf = append(buf, OptMSS, 4)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], o.MSS)
		buf = append(buf, b[:]...)
	}
	if o.SACKPermitted {
		buf = append(buf, OptSACKPermit, 2)
	}
	if o.HasWS {
		buf = append(buf, OptWindowScale, 3, o.WindowScale)
	}
	if o.HasTimestamp {
		buf = append(buf, OptTimestamp, 10)
		var b [8]byte
		binary.BigEndian.PutUint32(b[0:4], o.TSVal)
		binary.BigEndian.PutUint32(b[4:8], o.TSEcr)
		buf = append(buf, b[:]...)
	}
	if len(o.SACKBlocks) > 0 {
		n := len(o.SACKBlocks)
		if n > 3 {
			n = 3
		}
		buf = append(buf, OptSACK, byte(2+8*n))
		for _, blk := range o.SACKBlocks[:n] {
			var b [8]byte
			binary.BigEndian.PutUint32(b[0:4], blk.Left)
			binary.BigEndian.PutUint32(b[4:8], blk.Right)
			buf = append(buf, b[:]...)
		}
	}
	for len(buf)%4 != 0 {
		buf = append(buf, OptNOP)
	}
	return buf
}

// Put serializes h (with options) into dst, which must be at least
// h.HeaderLen() bytes after options are encoded into it. It returns the
// total header length written.
func Put(dst []byte, h Header) int {
	opts := encodeOptions(h.Options)
	hl := MinHeaderLen + len(opts)
	binary.BigEndian.PutUint16(dst[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(dst[2:4], h.DstPort)
	binary.BigEndian.PutUint32(dst[4:8], h.Seq)
	binary.BigEndian.PutUint32(dst[8:12], h.Ack)
	dst[12] = byte(hl/4) << 4
	dst[13] = byte(h.Flags)
	binary.BigEndian.PutUint16(dst[14:16], h.Window)
	binary.BigEndian.PutUint16(dst[16:18], 0)
	binary.BigEndian.PutUint16(dst[18:20], h.Urgent)
	copy(dst[MinHeaderLen:hl], opts)
	return hl
}
