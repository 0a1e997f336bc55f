// Package errs defines the error kinds the core surfaces at its interfaces.
//
// Each kind is a sentinel that callers match with errors.Is; concrete errors
// wrap one of these with fmt.Errorf("...: %w", ...) so the originating
// context survives alongside the classification. This replaces the
// exception-style control flow of the original handshake with an explicit,
// loop-driven retry around fallible operations (see design note in §9).
package errs

import "errors"

var (
	// ErrConfig marks an invalid ProxyConfig: bad PSK length/encoding, port
	// out of range, malformed WebSocket path.
	ErrConfig = errors.New("config error")

	// ErrTransport marks a TLS or WebSocket transport failure. Recoverable
	// at the connect layer via retry; fatal to the session otherwise.
	ErrTransport = errors.New("transport error")

	// ErrProtocol marks an unexpected handshake message size or order.
	// Fatal to the session.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth marks an HMAC mismatch during the handshake. Fatal and
	// non-retriable.
	ErrAuth = errors.New("auth error")

	// ErrConnect marks a relay-refused CONNECT request. Reported to the
	// originating flow as an RST toward the device.
	ErrConnect = errors.New("connect error")

	// ErrFlow marks a session failure observed mid-flow. Reported as RST.
	ErrFlow = errors.New("flow error")

	// ErrDNSTimeout marks an upstream DNS exchange that exceeded its
	// deadline. The query is dropped; the device is expected to retry.
	ErrDNSTimeout = errors.New("dns timeout")
)

// ConnectError wraps ErrConnect with the one-byte status code the relay
// returned for a CONNECT request.
type ConnectError struct {
	Code byte
}

func (e *ConnectError) Error() string {
	return "connect error: relay returned status " + byteToHex(e.Code)
}

func (e *ConnectError) Unwrap() error { return ErrConnect }

func byteToHex(b byte) string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[b>>4], hex[b&0xf]})
}
