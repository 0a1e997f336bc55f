package engine

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/liseipi/SecureProxy-android/internal/codec"
	"github.com/liseipi/SecureProxy-android/internal/errs"
	"github.com/liseipi/SecureProxy-android/internal/flowtable"
)

// handleUDP implements spec.md §4.6's DNS handling: only UDP/53 is
// forwarded; everything else on UDP is silently dropped (explicitly a
// non-goal — "UDP flows other than DNS").
func (e *Engine) handleUDP(ipH codec.IPv4Header, payload []byte) {
	udpH, query, err := codec.ParseUDP(payload)
	if err != nil {
		e.log.Printf("udp parse error: %v", err)
		return
	}
	if udpH.DstPort != dnsPort || len(query) < 2 {
		return
	}

	queryID := binary.BigEndian.Uint16(query[:2])
	key := flowtable.DNSKey{ClientSrcPort: udpH.SrcPort, QueryID: queryID}
	ctx := e.dns.Begin(key, flowtable.DefaultDNSTimeout)

	deviceIP, resolverFacingIP, clientPort := ipH.Src, ipH.Dst, udpH.SrcPort
	go e.resolveDNS(ctx, key, deviceIP, resolverFacingIP, clientPort, query)
}

// resolveDNS forwards query to the configured upstream resolver and injects
// the response back into the TUN with swapped endpoints, passing the query
// ID through untouched. A timed-out or failed exchange just drops the
// query; the device is expected to retry (spec.md §4.6's failure policy).
func (e *Engine) resolveDNS(ctx context.Context, key flowtable.DNSKey, deviceIP, queriedAddr [4]byte, clientPort uint16, query []byte) {
	defer e.dns.End(key)

	conn, err := net.Dial("udp", e.resolver)
	if err != nil {
		e.log.Printf("dns dial %s: %v", e.resolver, err)
		return
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(query); err != nil {
		e.log.Printf("dns query write: %v", err)
		return
	}

	buf := make([]byte, maxDNSReply)
	n, err := conn.Read(buf)
	if err != nil {
		e.log.Printf("%v: upstream %s: %v", errs.ErrDNSTimeout, e.resolver, err)
		return
	}

	reply := codec.EmitUDP(queriedAddr, deviceIP, dnsPort, clientPort, buf[:n])
	e.writePacket(reply)
}
