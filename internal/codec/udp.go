package codec

import (
	"encoding/binary"
	"fmt"
)

// UDPHeader is the parsed subset of a UDP datagram header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  int // UDP length field, header+payload
}

// ParseUDP parses buf (the IPv4 payload) as a UDP datagram and returns the
// header plus the payload. The checksum field is ignored, matching the
// documented behaviour that input checksums are never verified.
func ParseUDP(buf []byte) (UDPHeader, []byte, error) {
	var h UDPHeader
	if len(buf) < 8 {
		return h, nil, fmt.Errorf("codec: udp buffer too short: %d bytes", len(buf))
	}
	h.SrcPort = binary.BigEndian.Uint16(buf[0:2])
	h.DstPort = binary.BigEndian.Uint16(buf[2:4])
	h.Length = int(binary.BigEndian.Uint16(buf[4:6]))
	end := len(buf)
	if h.Length >= 8 && h.Length <= len(buf) {
		end = h.Length
	}
	return h, buf[8:end], nil
}

// EmitUDP builds a full IPv4+UDP reply packet for a DNS response: a fresh
// IPv4 header (via EmitIPv4) followed by an 8-byte UDP header and the
// payload. The UDP checksum is left as 0, which is a valid "unused"
// checksum per RFC 768 and explicitly permitted by spec.md §4.4.
func EmitUDP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) []byte {
	udpLen := 8 + len(payload)
	udp := make([]byte, udpLen)
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	binary.BigEndian.PutUint16(udp[6:8], 0) // checksum: unused
	copy(udp[8:], payload)

	ip := EmitIPv4(ProtoUDP, srcIP, dstIP, len(udp))
	return append(ip, udp...)
}
