// Package supervisor implements the core's top-level lifecycle (spec.md
// §4.7): it is the only top-level holder of the pool, the flow/DNS tables,
// the engine and the TUN device — no process-wide statics, per the design
// note in spec.md §9 against global singletons.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/liseipi/SecureProxy-android/internal/engine"
	"github.com/liseipi/SecureProxy-android/internal/flowtable"
	"github.com/liseipi/SecureProxy-android/internal/pool"
	"github.com/liseipi/SecureProxy-android/internal/proxyconfig"
	"github.com/liseipi/SecureProxy-android/internal/tundevice"
)

// State is the supervisor's lifecycle state machine (spec.md §4.7).
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Supervisor brings up the pool and the packet engine over a caller-supplied
// TUN device, and tears both down in reverse order on Stop or Revoke.
type Supervisor struct {
	cfg          proxyconfig.ProxyConfig
	device       tundevice.Device
	poolCapacity int
	resolver     string
	log          *log.Logger

	mu     sync.Mutex // guards start/stop re-entry
	state  atomic.Int32
	pool   *pool.Pool
	engine *engine.Engine
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New returns an Idle Supervisor. device must already be open; obtaining it
// is a host-OS concern out of scope for the core (spec.md §1).
func New(cfg proxyconfig.ProxyConfig, device tundevice.Device, poolCapacity int, resolver string) *Supervisor {
	s := &Supervisor{
		cfg:          cfg,
		device:       device,
		poolCapacity: poolCapacity,
		resolver:     resolver,
		log:          log.New(os.Stderr, "[supervisor] ", log.LstdFlags),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the supervisor's current State.
func (s *Supervisor) State() State { return State(s.state.Load()) }

func (s *Supervisor) setState(state State) { s.state.Store(int32(state)) }

// Start builds the pool, then spawns the packet engine reading from the
// already-open TUN device, per spec.md §4.7's Starting transition.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateIdle && s.State() != StateStopped {
		return fmt.Errorf("supervisor: start called in state %s", s.State())
	}
	s.setState(StateStarting)

	p := pool.New(s.cfg, s.poolCapacity)
	if err := p.Init(ctx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("supervisor: pool init: %w", err)
	}

	flows := flowtable.NewTable()
	dns := flowtable.NewDNSTable()
	eng := engine.New(s.device, p, flows, dns, s.resolver)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return eng.Run(gctx) })

	s.pool = p
	s.engine = eng
	s.cancel = cancel
	s.group = g
	s.setState(StateRunning)
	s.log.Printf("started, pool capacity %d", s.poolCapacity)
	return nil
}

// Wait blocks until the engine goroutine returns, e.g. after Stop/Revoke or
// a fatal TUN write error, and returns its error.
func (s *Supervisor) Wait() error {
	s.mu.Lock()
	g := s.group
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Stop cancels the engine, closes the TUN device to unblock its read loop,
// waits for the engine to drain its flows, then cleans up the pool
// (spec.md §4.7's Stopping transition).
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.setState(StateStopping)

	// Cancelling rootCtx alone cannot interrupt an in-flight device.Read: the
	// TUN read loop only checks ctx at the top of each iteration, never while
	// blocked inside Read itself (engine.Engine.Run). Closing the device is
	// what actually unblocks that call, so it must happen before (or
	// alongside) group.Wait rather than after — otherwise a Read with no
	// packet arriving during shutdown blocks Wait forever.
	s.cancel()
	closeErr := s.device.Close()
	err := s.group.Wait() // engine.Run's defer destroys every remaining flow

	s.pool.Cleanup()

	// engine.Run always returns a non-nil error: ctx.Err() on the ordinary
	// cancellation path above, or a fatal TUN-write error. Only the latter
	// is a real failure; an intentional Stop's own cancellation is expected.
	if err != nil && !errors.Is(err, context.Canceled) {
		s.setState(StateError)
		return fmt.Errorf("supervisor: engine: %w", err)
	}
	if closeErr != nil {
		s.setState(StateError)
		return fmt.Errorf("supervisor: device close: %w", closeErr)
	}
	s.setState(StateStopped)
	s.log.Printf("stopped")
	return nil
}

// Revoke is called when the host revokes the permission the TUN device
// depends on; it is handled identically to an explicit Stop (spec.md §4.7:
// "observed as an external signal that causes an immediate Stopping
// transition").
func (s *Supervisor) Revoke() error {
	s.log.Printf("permission revoked by host, stopping")
	return s.Stop()
}
