// Package codec parses and emits IPv4+TCP and IPv4+UDP packets, including
// the header and checksum arithmetic spec.md §4.4 requires. Checksums on
// parsed input are never verified — the OS already accepted the packet onto
// the TUN before handing it to us. Checksums on emitted packets are always
// computed fresh; emission never mutates the caller's buffer.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Protocol numbers this codec understands; anything else is passed through
// by the engine as "ignored".
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// IPv4Header is the parsed subset of an IPv4 header the engine needs.
// Options are skipped (never retained) by honouring IHL.
type IPv4Header struct {
	IHL         int // header length in bytes
	TotalLength int
	Protocol    uint8
	Src         [4]byte
	Dst         [4]byte
}

// ParseIPv4 parses buf as an IPv4 packet and returns the header plus the
// remaining bytes after the (possibly option-bearing) header. It rejects
// buffers shorter than 20 bytes or whose version nibble is not 4.
func ParseIPv4(buf []byte) (IPv4Header, []byte, error) {
	var h IPv4Header
	if len(buf) < 20 {
		return h, nil, fmt.Errorf("codec: ipv4 buffer too short: %d bytes", len(buf))
	}
	version := buf[0] >> 4
	if version != 4 {
		return h, nil, fmt.Errorf("codec: not ipv4, version nibble %d", version)
	}
	ihlWords := int(buf[0] & 0x0f)
	h.IHL = ihlWords * 4
	if h.IHL < 20 || len(buf) < h.IHL {
		return h, nil, fmt.Errorf("codec: ipv4 ihl %d invalid for buffer of %d bytes", h.IHL, len(buf))
	}
	h.TotalLength = int(binary.BigEndian.Uint16(buf[2:4]))
	h.Protocol = buf[9]
	copy(h.Src[:], buf[12:16])
	copy(h.Dst[:], buf[16:20])

	end := len(buf)
	if h.TotalLength > 0 && h.TotalLength <= len(buf) {
		end = h.TotalLength
	}
	return h, buf[h.IHL:end], nil
}

// EmitIPv4 builds a fresh 20-byte IPv4 header (no options) for a
// client-bound reply. Flags+fragment is fixed at 0x4000 (DF set),
// identification at 0, TTL at 64, DSCP/ECN at 0. The header checksum is
// computed so that recomputing it over the returned bytes yields zero.
func EmitIPv4(protocol uint8, src, dst [4]byte, payloadLen int) []byte {
	totalLength := 20 + payloadLen
	h := make([]byte, 20)
	h[0] = 0x45 // version=4, IHL=5
	h[1] = 0x00 // DSCP/ECN
	binary.BigEndian.PutUint16(h[2:4], uint16(totalLength))
	binary.BigEndian.PutUint16(h[4:6], 0) // identification
	binary.BigEndian.PutUint16(h[6:8], 0x4000) // flags=DF, fragment offset=0
	h[8] = 64 // TTL
	h[9] = protocol
	binary.BigEndian.PutUint16(h[10:12], 0) // checksum placeholder
	copy(h[12:16], src[:])
	copy(h[16:20], dst[:])

	sum := checksum16(h)
	binary.BigEndian.PutUint16(h[10:12], sum)
	return h
}
