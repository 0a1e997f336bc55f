// Package engine implements the packet engine (spec.md §4.6): the TUN read
// loop, protocol dispatch, the TCP state machine driver (tcp.go) and the
// DNS forwarder (udp.go). It owns the TUN device and the flow table and is
// the component the supervisor starts and cancels.
//
// The per-connection relay shape follows the teacher's
// tunnel.Handler.Relay, adapted: each TCP flow has one persistent
// peer->device forwarder goroutine, while device->peer bytes are sent from
// the shared TUN read loop, and destroying the flow cancels its forwarder.
// Here the "other side" is a WebSocket session instead of a second net.Conn.
package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/liseipi/SecureProxy-android/internal/codec"
	"github.com/liseipi/SecureProxy-android/internal/flowtable"
	"github.com/liseipi/SecureProxy-android/internal/pool"
	"github.com/liseipi/SecureProxy-android/internal/tundevice"
	"github.com/liseipi/SecureProxy-android/internal/wsconn"
)

const (
	mtu             = tundevice.DefaultMTU
	emptyReadPause  = 10 * time.Millisecond
	dnsPort         = 53
	maxDNSReply     = 4096
	defaultResolver = "8.8.8.8:53"
)

// Engine owns the TUN device and drives the flow table from packets read
// off it. One Engine is created per supervisor run.
type Engine struct {
	device   tundevice.Device
	pool     *pool.Pool
	flows    *flowtable.Table
	dns      *flowtable.DNSTable
	resolver string
	log      *log.Logger

	writeMu sync.Mutex

	rootCtx context.Context
	cancel  context.CancelFunc

	fatalMu  sync.Mutex
	fatalErr error
}

// New returns an Engine reading from device and dispatching flows through
// p, using flows/dns as its bookkeeping tables. resolver is the upstream
// DNS server address (host:port); an empty string falls back to
// defaultResolver.
func New(device tundevice.Device, p *pool.Pool, flows *flowtable.Table, dns *flowtable.DNSTable, resolver string) *Engine {
	if resolver == "" {
		resolver = defaultResolver
	}
	return &Engine{
		device:   device,
		pool:     p,
		flows:    flows,
		dns:      dns,
		resolver: resolver,
		log:      log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Run reads packets from the TUN device until ctx is cancelled or a TUN
// write fails, dispatching each one to the TCP or UDP handler. It returns
// ctx.Err() on ordinary cancellation or the fatal write error that aborted
// the engine (spec.md §4.6's "TUN write error: abort engine").
//
// On return, every live flow is destroyed and its session released, per
// spec.md §3's "destroyed ... on engine shutdown".
func (e *Engine) Run(ctx context.Context) error {
	e.rootCtx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()
	defer e.teardownFlows()

	go e.sweepDNSPeriodically()

	for {
		select {
		case <-e.rootCtx.Done():
			return e.exitError()
		default:
		}

		buf := getReadBuf()
		n, err := e.device.Read(*buf)
		if err != nil {
			putReadBuf(buf)
			if e.rootCtx.Err() != nil {
				return e.exitError()
			}
			e.log.Printf("tun read error: %v", err)
			continue
		}
		if n == 0 {
			putReadBuf(buf)
			time.Sleep(emptyReadPause)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, (*buf)[:n])
		putReadBuf(buf)

		e.dispatch(pkt)
	}
}

func (e *Engine) exitError() error {
	e.fatalMu.Lock()
	defer e.fatalMu.Unlock()
	if e.fatalErr != nil {
		return e.fatalErr
	}
	return e.rootCtx.Err()
}

func (e *Engine) dispatch(pkt []byte) {
	ipH, payload, err := codec.ParseIPv4(pkt)
	if err != nil {
		return // non-IPv4, or malformed: dropped silently
	}
	switch ipH.Protocol {
	case codec.ProtoTCP:
		e.handleTCP(ipH, payload)
	case codec.ProtoUDP:
		e.handleUDP(ipH, payload)
	default:
		e.log.Printf("dropping packet with unsupported protocol %d", ipH.Protocol)
	}
}

// writePacket serialises all writes to the TUN device behind one mutex, per
// spec.md §4.6's "the TUN write must be serialised". A write failure aborts
// the whole engine.
func (e *Engine) writePacket(pkt []byte) {
	e.writeMu.Lock()
	_, err := e.device.Write(pkt)
	e.writeMu.Unlock()
	if err != nil {
		e.log.Printf("tun write error: %v", err)
		e.fatalMu.Lock()
		if e.fatalErr == nil {
			e.fatalErr = fmt.Errorf("engine: tun write: %w", err)
		}
		e.fatalMu.Unlock()
		e.cancel()
	}
}

// releaseSession returns sess to the pool if healthy, otherwise drops it.
// Flows call this through TcpFlow.Destroy rather than touching the pool
// directly, keeping the pool a detail of the engine rather than the flow.
func (e *Engine) releaseSession(sess *wsconn.Session, healthy bool) {
	if healthy {
		e.pool.Release(sess)
	} else {
		e.pool.Drop(sess)
	}
}

func dotted(ip [4]byte) string {
	return net.IP(ip[:]).String()
}

// sweepDNSPeriodically is the backstop for DNS transactions whose
// resolveDNS goroutine never called DNSTable.End (e.g. it was abandoned
// mid-exchange). It runs until rootCtx is cancelled.
func (e *Engine) sweepDNSPeriodically() {
	ticker := time.NewTicker(flowtable.DefaultDNSTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-e.rootCtx.Done():
			return
		case <-ticker.C:
			if swept := e.dns.SweepExpired(flowtable.DefaultDNSTimeout); len(swept) > 0 {
				e.log.Printf("swept %d stale dns transactions", len(swept))
			}
		}
	}
}

// teardownFlows destroys every flow still in the table when Run returns,
// releasing each one's session back to the pool.
func (e *Engine) teardownFlows() {
	for _, key := range e.flows.Keys() {
		flow, ok := e.flows.Get(key)
		if !ok {
			continue
		}
		e.flows.Delete(key)
		flow.Destroy(true, e.releaseSession)
	}
}
