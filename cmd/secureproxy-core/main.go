// Package main is a thin demo entry point for the secure proxy core: it
// reads a ProxyConfig from the environment, opens a real TUN device, and
// runs the supervisor until interrupted.
//
// The host application (out of scope per spec.md §1) is expected to
// provision the TUN device, persist configuration and drive start/stop
// through its own UI; this binary exists so the core can be exercised
// standalone during development.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/liseipi/SecureProxy-android/internal/pool"
	"github.com/liseipi/SecureProxy-android/internal/proxyconfig"
	"github.com/liseipi/SecureProxy-android/internal/supervisor"
	"github.com/liseipi/SecureProxy-android/internal/tundevice"
)

// Environment variables read at startup, following the teacher's
// SSH_IFY_DEFAULT_USER/SSH_IFY_DEFAULT_PASSWORD env-var configuration
// pattern (internal/usermgmt.CreateDefaultUserFromEnv).
const (
	envSNIHost      = "SECUREPROXY_SNI_HOST"
	envRelayAddress = "SECUREPROXY_RELAY_ADDRESS"
	envRelayPort    = "SECUREPROXY_RELAY_PORT"
	envWSPath       = "SECUREPROXY_WS_PATH"
	envPSKHex       = "SECUREPROXY_PSK_HEX"
	envTUNName      = "SECUREPROXY_TUN_NAME"
	envPoolCapacity = "SECUREPROXY_POOL_CAPACITY"
	envDNSResolver  = "SECUREPROXY_DNS_RESOLVER"
	envDebugLog     = "SECUREPROXY_DEBUG_LOG"

	debugLogFileName = "debug.log"
)

// enableDebugLog tees the standard logger's output to a debug log file in
// proxyconfig.GetConfigDir, alongside stderr, when envDebugLog is set.
func enableDebugLog() error {
	if os.Getenv(envDebugLog) == "" {
		return nil
	}
	dir, err := proxyconfig.GetConfigDir()
	if err != nil {
		return fmt.Errorf("debug log: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, debugLogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("debug log: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return nil
}

func main() {
	if err := enableDebugLog(); err != nil {
		log.Fatalf("%v", err)
	}

	cfg, err := configFromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tunName := os.Getenv(envTUNName)
	if tunName == "" {
		tunName = "tun0"
	}
	device, err := tundevice.OpenWater(tunName)
	if err != nil {
		log.Fatalf("open tun device %q: %v", tunName, err)
	}

	poolCapacity := pool.DefaultCapacity
	if v := os.Getenv(envPoolCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			log.Fatalf("%s: %v", envPoolCapacity, err)
		}
		poolCapacity = n
	}

	sup := supervisor.New(cfg, device, poolCapacity, os.Getenv(envDNSResolver))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	log.Printf("secureproxy-core running on %s, state=%s", tunName, sup.State())

	<-ctx.Done()
	log.Printf("shutdown requested")
	if err := sup.Stop(); err != nil {
		log.Fatalf("stop: %v", err)
	}
}

func configFromEnv() (proxyconfig.ProxyConfig, error) {
	sniHost := os.Getenv(envSNIHost)
	relayAddress := os.Getenv(envRelayAddress)
	wsPath := os.Getenv(envWSPath)
	pskHex := os.Getenv(envPSKHex)

	portStr := os.Getenv(envRelayPort)
	if portStr == "" {
		return proxyconfig.ProxyConfig{}, fmt.Errorf("%s is required", envRelayPort)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return proxyconfig.ProxyConfig{}, fmt.Errorf("%s: %w", envRelayPort, err)
	}

	return proxyconfig.New(sniHost, relayAddress, port, wsPath, pskHex)
}
