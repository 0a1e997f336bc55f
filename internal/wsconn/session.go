// Package wsconn implements the secure session (spec.md §4.2): one TLS+
// WebSocket connection to the relay, the PSK-derived handshake that turns it
// into a pair of AEAD-framed channels, and the keepalive/idle-expiry
// machinery that keeps the connection pool's view of "ready" accurate.
//
// The shape follows the teacher's tunnel.Session/Handler (idempotent Close,
// one *log.Logger per session, background goroutines), but where
// the teacher only ever accepted an already-upgraded connection, Session
// dials out and performs the handshake itself.
package wsconn

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liseipi/SecureProxy-android/internal/cryptoutil"
	"github.com/liseipi/SecureProxy-android/internal/errs"
	"github.com/liseipi/SecureProxy-android/internal/proxyconfig"
)

// SessionState mirrors spec.md §3: Fresh -> Handshaking -> Ready during
// connect, and Ready -> Closing -> Closed on error, idle expiry, explicit
// close, or transport EOF.
type SessionState int32

const (
	StateFresh SessionState = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	handshakeDeadline   = 60 * time.Second
	handshakeMaxRetries = 2
	connectMaxAttempts  = 3
	firstRecvDeadline   = 30 * time.Second
	recvQueueDepth      = 32

	// defaultPingInterval and defaultIdleTimeout seed Session.PingInterval
	// and Session.IdleTimeout; spec.md §8 invariant 7 names the 120s idle
	// bound explicitly, by value, so both are kept overridable per-Session
	// rather than baked in as unexported constants, letting a test shrink
	// them to exercise the watchdog without waiting minutes.
	defaultPingInterval = 20 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	userAgent        = "SecureProxy-Android/1.0"
	protocolVersion  = "1"
	authChallengeMsg = "auth"
	authOkMsg        = "ok"
)

var connectBackoff = []time.Duration{1 * time.Second, 2 * time.Second}

// Session owns one TLS+WebSocket connection to the relay and the two
// per-direction AEAD keys derived for it. It is created by the pool and
// moves through SessionState as connect/close are driven.
type Session struct {
	cfg proxyconfig.ProxyConfig
	log *log.Logger

	// PingInterval is how often pingLoop sends a WebSocket-layer ping, and
	// how often watchdogLoop checks idle time. IdleTimeout is how long the
	// session may go without inbound/outbound plaintext before watchdogLoop
	// collapses it (spec.md §8 invariant 7). Both default to the package
	// defaults in New and may be overridden before Connect.
	PingInterval time.Duration
	IdleTimeout  time.Duration

	mu    sync.Mutex // guards connect/close re-entry and conn
	conn  *websocket.Conn
	state atomic.Int32

	sendKey [32]byte
	recvKey [32]byte

	lastActivity atomic.Int64 // unix nanoseconds

	recvQueue chan []byte
	readErr   chan error

	closeOnce sync.Once
	done      chan struct{} // closed when the session's background goroutines should stop

	statusCh chan SessionState
}

// New creates a Fresh session bound to cfg. Call Connect before using it.
func New(cfg proxyconfig.ProxyConfig) *Session {
	s := &Session{
		cfg:          cfg,
		log:          log.New(os.Stderr, "[wsconn] ", log.LstdFlags),
		PingInterval: defaultPingInterval,
		IdleTimeout:  defaultIdleTimeout,
		recvQueue:    make(chan []byte, recvQueueDepth),
		readErr:      make(chan error, 1),
		done:         make(chan struct{}),
		statusCh:     make(chan SessionState, 8),
	}
	s.state.Store(int32(StateFresh))
	return s
}

// Status returns a read-only channel of state transitions, per the design
// note replacing callback-heavy lifecycle notification with a channel
// external observers subscribe to.
func (s *Session) Status() <-chan SessionState { return s.statusCh }

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
	select {
	case s.statusCh <- state:
	default:
		// Slow/absent observer: state is still authoritative via isConnected.
	}
}

// State returns the session's current SessionState.
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// IsConnected reports whether the session is Ready.
func (s *Session) IsConnected() bool { return s.State() == StateReady }

// Connect dials the relay and runs the handshake, retrying the whole
// dial+handshake operation up to connectMaxAttempts times with backoff
// between attempts (spec.md §4.2 "Connect retries"). An auth failure is not
// retried: it closes the session and is returned at once.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < connectMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(connectBackoff[attempt-1]):
			case <-ctx.Done():
				return fmt.Errorf("%w: connect cancelled: %v", errs.ErrTransport, ctx.Err())
			}
		}

		s.setState(StateHandshaking)
		if err := s.dialAndHandshake(ctx); err != nil {
			lastErr = err
			s.log.Printf("connect attempt %d/%d failed: %v", attempt+1, connectMaxAttempts, err)
			if isFatalHandshakeError(err) {
				s.setState(StateClosed)
				return fmt.Errorf("secure session: connect: %w", err)
			}
			continue
		}

		s.setState(StateReady)
		s.lastActivity.Store(time.Now().UnixNano())
		go s.readLoop()
		go s.pingLoop()
		go s.watchdogLoop()
		return nil
	}

	s.setState(StateClosed)
	return fmt.Errorf("secure session: all %d connect attempts failed: %w", connectMaxAttempts, lastErr)
}

func (s *Session) dialAndHandshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, handshakeDeadline)
	defer cancel()

	conn, err := s.dial(hsCtx)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", errs.ErrTransport, err)
	}

	var lastErr error
	for attempt := 0; attempt <= handshakeMaxRetries; attempt++ {
		if attempt > 0 {
			s.log.Printf("handshake retry %d/%d", attempt, handshakeMaxRetries)
		}
		if err := s.runHandshake(hsCtx, conn); err != nil {
			lastErr = err
			if isFatalHandshakeError(err) {
				conn.Close()
				return err
			}
			continue
		}
		s.conn = conn
		return nil
	}
	conn.Close()
	return fmt.Errorf("handshake failed after %d attempts: %w", handshakeMaxRetries+1, lastErr)
}

// isFatalHandshakeError reports whether err should abort retries rather
// than be retried within the same handshake deadline (AuthError is
// non-retriable per spec.md §7).
func isFatalHandshakeError(err error) bool {
	return errors.Is(err, errs.ErrAuth)
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{
			ServerName:         s.cfg.SNIHost,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
		HandshakeTimeout: handshakeDeadline,
	}

	header := http.Header{}
	header.Set("Host", s.cfg.SNIHost)
	header.Set("User-Agent", userAgent)
	header.Set("X-Protocol-Version", protocolVersion)

	conn, _, err := dialer.DialContext(ctx, s.cfg.RelayURL(), header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// runHandshake performs the five-step PSK handshake described in spec.md
// §4.2 and §6 over an already-dialed WebSocket connection.
func (s *Session) runHandshake(ctx context.Context, conn *websocket.Conn) error {
	deadline, _ := ctx.Deadline()
	conn.SetWriteDeadline(deadline)
	conn.SetReadDeadline(deadline)

	clientPublic, err := cryptoutil.NewRandom32()
	if err != nil {
		return fmt.Errorf("%w: generate client_public: %v", errs.ErrTransport, err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, clientPublic[:]); err != nil {
		return fmt.Errorf("%w: send client_public: %v", errs.ErrTransport, err)
	}

	_, serverPublic, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: read server_public: %v", errs.ErrTransport, err)
	}
	if len(serverPublic) != 32 {
		return fmt.Errorf("%w: server_public length %d, want 32", errs.ErrProtocol, len(serverPublic))
	}

	salt := make([]byte, 0, 64)
	salt = append(salt, clientPublic[:]...)
	salt = append(salt, serverPublic...)
	sendKey, recvKey, err := cryptoutil.DeriveKeys(s.cfg.PSK[:], salt)
	if err != nil {
		return fmt.Errorf("%w: derive keys: %v", errs.ErrTransport, err)
	}

	authTag := cryptoutil.HMACTag(sendKey[:], []byte(authChallengeMsg))
	if err := conn.WriteMessage(websocket.BinaryMessage, authTag); err != nil {
		return fmt.Errorf("%w: send auth tag: %v", errs.ErrTransport, err)
	}

	_, okTag, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: read ok tag: %v", errs.ErrTransport, err)
	}
	want := cryptoutil.HMACTag(recvKey[:], []byte(authOkMsg))
	if !cryptoutil.ConstantTimeEqual(okTag, want) {
		return fmt.Errorf("%w: server auth tag mismatch", errs.ErrAuth)
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	s.sendKey = sendKey
	s.recvKey = recvKey
	return nil
}

// Send seals plaintext with the send key and writes it as one binary frame.
func (s *Session) Send(plaintext []byte) error {
	frame, err := cryptoutil.Seal(s.sendKey, plaintext)
	if err != nil {
		return fmt.Errorf("%w: seal: %v", errs.ErrFlow, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: send on unconnected session", errs.ErrFlow)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		s.collapse()
		return fmt.Errorf("%w: write: %v", errs.ErrFlow, err)
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// Recv waits for the next inbound frame (honouring ctx cancellation, no
// other deadline) and returns the opened plaintext.
func (s *Session) Recv(ctx context.Context) ([]byte, error) {
	select {
	case frame, ok := <-s.recvQueue:
		if !ok {
			return nil, fmt.Errorf("%w: session closed", errs.ErrFlow)
		}
		return s.openFrame(frame)
	case err := <-s.readErr:
		return nil, fmt.Errorf("%w: read loop: %v", errs.ErrFlow, err)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: session closed", errs.ErrFlow)
	}
}

// RecvWithDeadline is Recv with an explicit deadline, for the
// request/response exchanges (e.g. the CONNECT reply) that need one.
func (s *Session) RecvWithDeadline(d time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Recv(ctx)
}

func (s *Session) openFrame(frame []byte) ([]byte, error) {
	plaintext, err := cryptoutil.Open(s.recvKey, frame)
	if err != nil {
		s.collapse()
		return nil, fmt.Errorf("%w: open: %v", errs.ErrAuth, err)
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return plaintext, nil
}

// SendConnect is the CONNECT composite operation (spec.md §4.2, §6): it
// writes the 2-byte length-prefixed "host:port" payload and waits for the
// relay's one-byte reply, applying the 30 s first-frame deadline. It returns
// nil for a 0x00 reply and a *errs.ConnectError carrying any other status.
func (s *Session) SendConnect(host string, port int) error {
	target := host + ":" + strconv.Itoa(port)
	payload := make([]byte, 2+len(target))
	binary.BigEndian.PutUint16(payload[:2], uint16(len(target)))
	copy(payload[2:], target)

	if err := s.Send(payload); err != nil {
		return err
	}

	resp, err := s.RecvWithDeadline(firstRecvDeadline)
	if err != nil {
		return fmt.Errorf("%w: connect response: %v", errs.ErrConnect, err)
	}
	if len(resp) != 1 {
		return fmt.Errorf("%w: connect response length %d, want 1", errs.ErrProtocol, len(resp))
	}
	if resp[0] != 0x00 {
		return &errs.ConnectError{Code: resp[0]}
	}
	return nil
}

// readLoop pulls binary frames off the WebSocket connection and pushes them
// onto the bounded recv queue in arrival order, preserving the "session's
// recv queue preserves inbound frame order" guarantee (spec.md §5).
func (s *Session) readLoop() {
	defer close(s.recvQueue)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case s.readErr <- err:
			default:
			}
			s.collapse()
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		select {
		case s.recvQueue <- data:
		case <-s.done:
			return
		}
	}
}

// pingLoop sends a WebSocket-layer ping every PingInterval while the
// session is Ready.
func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.collapse()
				return
			}
		case <-s.done:
			return
		}
	}
}

// watchdogLoop transitions the session to Closing once it has had no
// inbound or outbound plaintext traffic for IdleTimeout (spec.md §8
// invariant 7).
func (s *Session) watchdogLoop() {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if time.Since(last) >= s.IdleTimeout {
				s.log.Printf("session idle for %s, closing", time.Since(last))
				s.collapse()
				return
			}
		case <-s.done:
			return
		}
	}
}

// collapse transitions the session toward Closing/Closed without blocking
// on external callers; it is safe to call from any goroutine and any
// number of times.
func (s *Session) collapse() {
	if s.State() == StateClosed {
		return
	}
	s.setState(StateClosing)
	s.Close()
}

// Close idempotently tears down the transport and stops all background
// goroutines.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}
