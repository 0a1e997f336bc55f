package codec

import (
	"encoding/binary"
	"fmt"
)

// TCP flag bits (spec.md §4.4); only the six low bits are meaningful.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// TCPHeader is the parsed subset of a TCP segment header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // header length in bytes
	Flags      uint8
}

func (h TCPHeader) HasFlag(f uint8) bool { return h.Flags&f != 0 }

// ParseTCP parses buf (the IPv4 payload) as a TCP segment and returns the
// header plus the application payload that follows the (possibly
// option-bearing) header.
func ParseTCP(buf []byte) (TCPHeader, []byte, error) {
	var h TCPHeader
	if len(buf) < 20 {
		return h, nil, fmt.Errorf("codec: tcp buffer too short: %d bytes", len(buf))
	}
	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.Seq = binary.BigEndian.Uint32(buf[4:8])
	h.Ack = binary.BigEndian.Uint32(buf[8:12])
	offsetWords := int(buf[12] >> 4)
	h.DataOffset = offsetWords * 4
	h.Flags = buf[13] & 0x3f
	if h.DataOffset < 20 || len(buf) < h.DataOffset {
		return h, nil, fmt.Errorf("codec: tcp data offset %d invalid for buffer of %d bytes", h.DataOffset, len(buf))
	}
	return h, buf[h.DataOffset:], nil
}

// TCPSegment describes a reply TCP segment to emit toward the device.
type TCPSegment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Payload []byte
}

// EmitTCP builds a full IPv4+TCP reply packet: a fresh 20-byte IPv4 header
// (via EmitIPv4) followed by a fresh 20-byte TCP header (no options,
// window=65535, urgent=0) and the payload, with both checksums computed so
// recomputing each over the returned bytes yields zero.
func EmitTCP(srcIP, dstIP [4]byte, seg TCPSegment) []byte {
	tcpLen := 20 + len(seg.Payload)
	tcp := make([]byte, tcpLen)
	binary.BigEndian.PutUint16(tcp[0:2], seg.SrcPort)
	binary.BigEndian.PutUint16(tcp[2:4], seg.DstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seg.Seq)
	binary.BigEndian.PutUint32(tcp[8:12], seg.Ack)
	tcp[12] = 5 << 4 // data offset=5, no options
	tcp[13] = seg.Flags & 0x3f
	binary.BigEndian.PutUint16(tcp[14:16], 65535) // window
	binary.BigEndian.PutUint16(tcp[16:18], 0)      // checksum placeholder
	binary.BigEndian.PutUint16(tcp[18:20], 0)      // urgent pointer
	copy(tcp[20:], seg.Payload)

	sum := checksumWithPseudoHeader(srcIP, dstIP, ProtoTCP, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], sum)

	ip := EmitIPv4(ProtoTCP, srcIP, dstIP, len(tcp))
	return append(ip, tcp...)
}
