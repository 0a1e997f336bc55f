package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/liseipi/SecureProxy-android/internal/cryptoutil"
	"github.com/liseipi/SecureProxy-android/internal/proxyconfig"
	"github.com/liseipi/SecureProxy-android/internal/tundevice"
)

// newHandshakeOnlyRelay accepts the PSK handshake and then just holds the
// connection open; the supervisor's pool only needs sessions to reach
// Ready, not to CONNECT anywhere.
func newHandshakeOnlyRelay(t *testing.T, psk [32]byte) *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, clientPublic, err := conn.ReadMessage()
		if err != nil || len(clientPublic) != 32 {
			return
		}
		serverPublic, err := cryptoutil.NewRandom32()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, serverPublic[:]); err != nil {
			return
		}
		salt := append(append([]byte{}, clientPublic...), serverPublic[:]...)
		_, serverSendKey, err := cryptoutil.DeriveKeys(psk[:], salt)
		if err != nil {
			return
		}
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		okTag := cryptoutil.HMACTag(serverSendKey[:], []byte("ok"))
		if err := conn.WriteMessage(websocket.BinaryMessage, okTag); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	server := httptest.NewTLSServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testConfig(t *testing.T, server *httptest.Server, psk [32]byte) proxyconfig.ProxyConfig {
	u := strings.TrimPrefix(server.URL, "https://")
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	cfg, err := proxyconfig.New(host, host, port, "/ws", strings.Repeat("00", 32))
	require.NoError(t, err)
	cfg.InsecureSkipVerify = true
	return cfg
}

func TestStartRunStop(t *testing.T) {
	var psk [32]byte
	relay := newHandshakeOnlyRelay(t, psk)
	cfg := testConfig(t, relay, psk)
	device := tundevice.NewLoopback("tun0")

	sup := New(cfg, device, 1, "")
	require.Equal(t, StateIdle, sup.State())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx))
	require.Equal(t, StateRunning, sup.State())

	require.NoError(t, sup.Stop())
	require.Equal(t, StateStopped, sup.State())
}

func TestRevokeStopsSupervisor(t *testing.T) {
	var psk [32]byte
	relay := newHandshakeOnlyRelay(t, psk)
	cfg := testConfig(t, relay, psk)
	device := tundevice.NewLoopback("tun0")

	sup := New(cfg, device, 1, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Start(ctx))

	require.NoError(t, sup.Revoke())
	require.Equal(t, StateStopped, sup.State())
}
