package proxyconfig

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func validPSK() string {
	return strings.Repeat("00", 32)
}

func TestNewValid(t *testing.T) {
	cfg, err := New("relay.example.com", "203.0.113.5", 443, "/ws", validPSK())
	require.NoError(t, err)
	require.Equal(t, "wss://203.0.113.5:443/ws", cfg.RelayURL())
	require.True(t, cfg.InsecureSkipVerify)
}

func TestNewRejectsBadPort(t *testing.T) {
	_, err := New("relay.example.com", "203.0.113.5", 0, "/ws", validPSK())
	require.Error(t, err)
	_, err = New("relay.example.com", "203.0.113.5", 65536, "/ws", validPSK())
	require.Error(t, err)
}

func TestNewRejectsBadPath(t *testing.T) {
	_, err := New("relay.example.com", "203.0.113.5", 443, "ws", validPSK())
	require.Error(t, err)
}

func TestNewRejectsBadPSK(t *testing.T) {
	_, err := New("relay.example.com", "203.0.113.5", 443, "/ws", "deadbeef")
	require.Error(t, err)

	_, err = New("relay.example.com", "203.0.113.5", 443, "/ws", strings.Repeat("zz", 32))
	require.Error(t, err)
}

func TestNewRejectsEmptyHosts(t *testing.T) {
	_, err := New("", "203.0.113.5", 443, "/ws", validPSK())
	require.Error(t, err)

	_, err = New("relay.example.com", "", 443, "/ws", validPSK())
	require.Error(t, err)
}
