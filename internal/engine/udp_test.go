package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/liseipi/SecureProxy-android/internal/codec"
	"github.com/liseipi/SecureProxy-android/internal/flowtable"
	"github.com/liseipi/SecureProxy-android/internal/tundevice"
)

// TestDNSForwarding covers spec.md §4.6's DNS handling: a UDP/53 query is
// forwarded to the configured resolver verbatim and the reply is injected
// back into the device with swapped endpoints and the query ID untouched.
func TestDNSForwarding(t *testing.T) {
	resolver, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer resolver.Close()
	go func() {
		buf := make([]byte, 512)
		n, addr, err := resolver.ReadFrom(buf)
		if err != nil {
			return
		}
		resolver.WriteTo(buf[:n], addr) // fake resolver: echoes the query as its "answer"
	}()

	device := tundevice.NewLoopback("tun0")
	defer device.Close()
	flows := flowtable.NewTable()
	dns := flowtable.NewDNSTable()
	eng := New(device, nil, flows, dns, resolver.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go eng.Run(ctx)

	query := []byte{0x12, 0x34, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0}
	deviceIP := [4]byte{10, 0, 0, 2}
	upstreamIP := [4]byte{8, 8, 8, 8}
	const clientPort = 54000
	device.Inject(codec.EmitUDP(deviceIP, upstreamIP, clientPort, 53, query))

	require.Eventually(t, func() bool {
		return len(device.Written()) > 0
	}, time.Second, 10*time.Millisecond)

	written := device.Written()[0]
	ipH, payload, err := codec.ParseIPv4(written)
	require.NoError(t, err)
	require.Equal(t, upstreamIP, ipH.Src)
	require.Equal(t, deviceIP, ipH.Dst)

	udpH, body, err := codec.ParseUDP(payload)
	require.NoError(t, err)
	require.Equal(t, uint16(53), udpH.SrcPort)
	require.Equal(t, uint16(clientPort), udpH.DstPort)
	require.Equal(t, query, body)
}

// TestNonDNSUDPIsDropped covers the "non-DNS UDP is silently dropped" rule.
func TestNonDNSUDPIsDropped(t *testing.T) {
	device := tundevice.NewLoopback("tun0")
	defer device.Close()
	flows := flowtable.NewTable()
	dns := flowtable.NewDNSTable()
	eng := New(device, nil, flows, dns, "127.0.0.1:1") // unreachable; must not matter

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go eng.Run(ctx)

	device.Inject(codec.EmitUDP([4]byte{10, 0, 0, 2}, [4]byte{1, 1, 1, 1}, 5000, 12345, []byte("not dns")))
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, device.Written())
}
