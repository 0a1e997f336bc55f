// Package proxyconfig validates the immutable configuration handed to the
// core before a Supervisor is started. The core itself never persists or
// reloads configuration; see config.go in the original ssh-ify tunnel for
// the directory-resolution convention this package keeps for the one piece
// of local state the core optionally writes — a debug log file.
package proxyconfig

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/liseipi/SecureProxy-android/internal/errs"
)

// PSKHexLen is the length of the pre-shared key encoded as hex (32 raw
// bytes -> 64 hex characters).
const PSKHexLen = 64

// ProxyConfig is the immutable input to the core (spec.md §3). All fields
// are validated by New before the core ever sees them; the core assumes
// validity and never re-checks.
type ProxyConfig struct {
	// SNIHost is shown in the TLS handshake and used as the WebSocket
	// upgrade request's Host header.
	SNIHost string
	// RelayAddress is the IPv4 literal or domain name the client connects
	// to.
	RelayAddress string
	// RelayPort is 1-65535.
	RelayPort int
	// WSPath is the WebSocket upgrade path; must begin with "/".
	WSPath string
	// PSK is the 32 raw pre-shared-key bytes, parsed from 64 hex
	// characters.
	PSK [32]byte

	// InsecureSkipVerify controls whether the TLS dial accepts any server
	// certificate. Default true, matching the documented source behaviour
	// (the PSK handshake step provides endpoint authentication); a caller
	// wanting certificate validation may set this false without any
	// protocol change (spec.md §9).
	InsecureSkipVerify bool
}

// New validates the given fields and returns a ProxyConfig, or a
// ConfigError-wrapped error describing the first invalid field found.
func New(sniHost, relayAddress string, relayPort int, wsPath, pskHex string) (ProxyConfig, error) {
	cfg := ProxyConfig{
		SNIHost:            sniHost,
		RelayAddress:       relayAddress,
		RelayPort:          relayPort,
		WSPath:             wsPath,
		InsecureSkipVerify: true,
	}

	if strings.TrimSpace(sniHost) == "" {
		return ProxyConfig{}, fmt.Errorf("%w: sni host must not be empty", errs.ErrConfig)
	}
	if strings.TrimSpace(relayAddress) == "" {
		return ProxyConfig{}, fmt.Errorf("%w: relay address must not be empty", errs.ErrConfig)
	}
	if relayPort < 1 || relayPort > 65535 {
		return ProxyConfig{}, fmt.Errorf("%w: relay port %d out of range 1-65535", errs.ErrConfig, relayPort)
	}
	if !strings.HasPrefix(wsPath, "/") {
		return ProxyConfig{}, fmt.Errorf("%w: websocket path %q must begin with \"/\"", errs.ErrConfig, wsPath)
	}
	if len(pskHex) != PSKHexLen {
		return ProxyConfig{}, fmt.Errorf("%w: psk must be %d hex characters, got %d", errs.ErrConfig, PSKHexLen, len(pskHex))
	}
	raw, err := hex.DecodeString(pskHex)
	if err != nil {
		return ProxyConfig{}, fmt.Errorf("%w: psk is not valid hex: %v", errs.ErrConfig, err)
	}
	if len(raw) != 32 {
		return ProxyConfig{}, fmt.Errorf("%w: psk decodes to %d bytes, want 32", errs.ErrConfig, len(raw))
	}
	copy(cfg.PSK[:], raw)

	return cfg, nil
}

// RelayURL returns the wss:// URL the session dials, per spec.md §6.
func (c ProxyConfig) RelayURL() string {
	return fmt.Sprintf("wss://%s:%d%s", c.RelayAddress, c.RelayPort, c.WSPath)
}

// GetConfigDir returns the directory the core may use for optional local
// state (currently: a debug log file). It follows the same platform
// convention the teacher's config package used for its user database:
//   - Windows: %APPDATA%\secureproxy-core
//   - Unix-like: $XDG_CONFIG_HOME/secureproxy-core or $HOME/.config/secureproxy-core
func GetConfigDir() (string, error) {
	var configDir string

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		configDir = filepath.Join(xdgConfig, "secureproxy-core")
	} else if appData := os.Getenv("APPDATA"); appData != "" {
		configDir = filepath.Join(appData, "secureproxy-core")
	} else if homeDir, err := os.UserHomeDir(); err == nil {
		configDir = filepath.Join(homeDir, ".config", "secureproxy-core")
	} else {
		return "", err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}

	return configDir, nil
}
