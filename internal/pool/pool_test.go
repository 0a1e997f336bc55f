package pool

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
)

// echoRelay accepts any number of handshakes and keeps each connection open
// until the test closes it, so pool tests can exercise acquire/release
// against real Session objects without a real remote relay.
func newEchoRelay(t *testing.T, psk [32]byte) *httptest.Server {
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
		firstHalf, secondHalf, err := cryptoutil.DeriveKeys(psk[:], salt)
		if err != nil {
			return
		}
		serverRecvKey, serverSendKey := firstHalf, secondHalf

		_, _, err = conn.ReadMessage() // client auth tag, not re-verified here
		if err != nil {
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

func TestPoolInitBoundsIdleCount(t *testing.T) {
	var psk [32]byte
	relay := newEchoRelay(t, psk)
	cfg := testConfig(t, relay, psk)

	p := New(cfg, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Init(ctx))

	require.LessOrEqual(t, p.IdleCount(), 3)
	require.Equal(t, 0, p.InUseCount())
	p.Cleanup()
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	var psk [32]byte
	relay := newEchoRelay(t, psk)
	cfg := testConfig(t, relay, psk)

	p := New(cfg, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Init(ctx))
	initialIdle := p.IdleCount()

	sess, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, p.InUseCount())
	require.Equal(t, initialIdle-1, p.IdleCount())

	p.Release(sess)
	require.Equal(t, 0, p.InUseCount())
	require.LessOrEqual(t, p.IdleCount(), 2)

	p.Cleanup()
}

func TestAcquireCreatesFreshSessionWhenIdleEmpty(t *testing.T) {
	var psk [32]byte
	relay := newEchoRelay(t, psk)
	cfg := testConfig(t, relay, psk)

	p := New(cfg, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, sess.IsConnected())
	p.Cleanup()
}

// TestIdleSessionReplacedOnAcquire is scenario F from spec.md §8: once an
// idle session's watchdog has closed it, a subsequent Acquire notices it is
// no longer connected, discards it and creates a fresh one instead.
func TestIdleSessionReplacedOnAcquire(t *testing.T) {
	var psk [32]byte
	relay := newEchoRelay(t, psk)
	cfg := testConfig(t, relay, psk)

	p := New(cfg, 1)
	p.SessionPingInterval = 10 * time.Millisecond
	p.SessionIdleTimeout = 30 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Init(ctx))
	require.Equal(t, 1, p.IdleCount())

	idled := p.idle[0]
	require.Eventually(t, func() bool {
		return !idled.IsConnected()
	}, time.Second, 5*time.Millisecond)

	sess, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotSame(t, idled, sess)
	require.True(t, sess.IsConnected())
	require.Equal(t, 0, p.IdleCount())

	p.Release(sess)
	p.Cleanup()
}

func TestDropClosesAndUntracksSession(t *testing.T) {
	var psk [32]byte
	relay := newEchoRelay(t, psk)
	cfg := testConfig(t, relay, psk)

	p := New(cfg, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Drop(sess)
	require.Equal(t, 0, p.InUseCount())
	require.False(t, sess.IsConnected())
	p.Cleanup()
}
