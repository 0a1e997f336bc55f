package wsconn

import (
	"context"
	"encoding/binary"
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
)

// mockRelay runs a minimal relay implementing the handshake and CONNECT
// reply from spec.md §6, for use against the real Session client code.
type mockRelay struct {
	server       *httptest.Server
	psk          [32]byte
	connectReply byte // byte returned for the first post-handshake frame
	upgrader     websocket.Upgrader
	holdOpen     time.Duration // how long the relay keeps the conn open post-reply
}

func newMockRelay(t *testing.T, psk [32]byte, connectReply byte) *mockRelay {
	return newMockRelayHeldOpen(t, psk, connectReply, 50*time.Millisecond)
}

// newMockRelayHeldOpen is newMockRelay with an explicit post-reply hold-open
// duration, for tests that need the transport to stay up long enough to
// observe client-side behaviour (e.g. the idle watchdog) before the relay
// itself tears the connection down.
func newMockRelayHeldOpen(t *testing.T, psk [32]byte, connectReply byte, holdOpen time.Duration) *mockRelay {
	r := &mockRelay{psk: psk, connectReply: connectReply, holdOpen: holdOpen}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", r.handle)
	r.server = httptest.NewTLSServer(mux)
	t.Cleanup(r.server.Close)
	return r
}

func (r *mockRelay) hostPort(t *testing.T) (string, int) {
	u := r.server.URL
	u = strings.TrimPrefix(u, "https://")
	host, portStr, err := net.SplitHostPort(u)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func (r *mockRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
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
	firstHalf, secondHalf, err := cryptoutil.DeriveKeys(r.psk[:], salt)
	if err != nil {
		return
	}
	// Mirrored split: the client's send_key is our recv_key, and the
	// client's recv_key is our send_key.
	serverRecvKey := firstHalf
	serverSendKey := secondHalf

	_, clientAuthTag, err := conn.ReadMessage()
	if err != nil {
		return
	}
	wantClientTag := cryptoutil.HMACTag(serverRecvKey[:], []byte("auth"))
	if !cryptoutil.ConstantTimeEqual(clientAuthTag, wantClientTag) {
		return
	}
	okTag := cryptoutil.HMACTag(serverSendKey[:], []byte("ok"))
	if err := conn.WriteMessage(websocket.BinaryMessage, okTag); err != nil {
		return
	}

	// Post-handshake: read the CONNECT payload, reply with connectReply.
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if _, err := cryptoutil.Open(serverRecvKey, frame); err != nil {
		return
	}
	reply, err := cryptoutil.Seal(serverSendKey, []byte{r.connectReply})
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.BinaryMessage, reply)

	// Keep the connection open so client-side keepalive/recv loops observe a
	// clean EOF instead of a reset, rather than tearing down immediately.
	time.Sleep(r.holdOpen)
}

func testConfig(t *testing.T, relay *mockRelay, psk [32]byte) proxyconfig.ProxyConfig {
	host, port := relay.hostPort(t)
	cfg, err := proxyconfig.New(host, host, port, "/ws", pskHex(psk))
	require.NoError(t, err)
	cfg.InsecureSkipVerify = true
	return cfg
}

func pskHex(psk [32]byte) string {
	const hexdigits = "0123456789abcdef"
	var sb strings.Builder
	for _, b := range psk {
		sb.WriteByte(hexdigits[b>>4])
		sb.WriteByte(hexdigits[b&0xf])
	}
	return sb.String()
}

// TestConnectAndConnectSuccess is scenarios A+B from spec.md §8.
func TestConnectAndConnectSuccess(t *testing.T) {
	var psk [32]byte
	relay := newMockRelay(t, psk, 0x00)
	cfg := testConfig(t, relay, psk)

	sess := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	require.True(t, sess.IsConnected())
	defer sess.Close()

	require.NoError(t, sess.SendConnect("example.com", 443))
}

// TestConnectFailure is scenario C from spec.md §8.
func TestConnectFailure(t *testing.T) {
	var psk [32]byte
	relay := newMockRelay(t, psk, 0x02)
	cfg := testConfig(t, relay, psk)

	sess := New(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	err := sess.SendConnect("example.com", 443)
	require.Error(t, err)
}

// TestIdleWatchdogClosesSession is invariant 7 from spec.md §8: a session
// idle for >= IdleTimeout transitions to Closed within one PingInterval
// tick of the watchdog.
func TestIdleWatchdogClosesSession(t *testing.T) {
	var psk [32]byte
	relay := newMockRelayHeldOpen(t, psk, 0x00, time.Second)
	cfg := testConfig(t, relay, psk)

	sess := New(cfg)
	sess.PingInterval = 10 * time.Millisecond
	sess.IdleTimeout = 30 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sess.Connect(ctx))
	defer sess.Close()

	require.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestSendConnectPayloadFormat(t *testing.T) {
	target := "example.com:443"
	payload := make([]byte, 2+len(target))
	binary.BigEndian.PutUint16(payload[:2], uint16(len(target)))
	copy(payload[2:], target)

	require.Equal(t, []byte{0x00, 0x0f}, payload[:2])
	require.Equal(t, target, string(payload[2:]))
}
