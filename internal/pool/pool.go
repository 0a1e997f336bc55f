// Package pool implements the bounded connection pool (spec.md §4.3): a
// fixed-capacity cache of idle, Ready sessions that amortises handshake
// cost across flows. One mutex serialises acquire/release/cleanup
// bookkeeping; session construction itself runs outside the lock.
package pool

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/liseipi/SecureProxy-android/internal/proxyconfig"
	"github.com/liseipi/SecureProxy-android/internal/wsconn"
)

// DefaultCapacity is the default number of idle sessions the pool caches.
const DefaultCapacity = 5

// Pool is a bounded cache of idle Ready sessions plus a count of sessions
// currently on loan to flows. No session is simultaneously idle and
// in-use.
type Pool struct {
	cfg      proxyconfig.ProxyConfig
	capacity int
	log      *log.Logger

	// SessionPingInterval/SessionIdleTimeout, when non-zero, override the
	// wsconn.Session defaults on every session the pool creates — used by
	// tests to shrink the idle watchdog (spec.md §8 scenario F: an idled-out
	// session is dropped and a subsequent Acquire creates a fresh one).
	SessionPingInterval time.Duration
	SessionIdleTimeout  time.Duration

	mu          sync.Mutex
	idle        []*wsconn.Session
	inUse       map[*wsconn.Session]struct{}
	initialized bool
}

// New returns a Pool bound to cfg with the given idle capacity. Capacity
// <= 0 falls back to DefaultCapacity.
func New(cfg proxyconfig.ProxyConfig, capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{
		cfg:      cfg,
		capacity: capacity,
		log:      log.New(os.Stderr, "[pool] ", log.LstdFlags),
		inUse:    make(map[*wsconn.Session]struct{}),
	}
}

// Init eagerly creates up to capacity sessions, tolerating individual
// handshake failures — the pool may start with fewer than capacity idle
// sessions.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	capacity := p.capacity
	p.mu.Unlock()

	created := 0
	for i := 0; i < capacity; i++ {
		sess, err := p.newSession(ctx)
		if err != nil {
			p.log.Printf("init: session %d/%d failed: %v", i+1, capacity, err)
			continue
		}
		p.mu.Lock()
		p.idle = append(p.idle, sess)
		p.mu.Unlock()
		created++
	}
	p.log.Printf("init: %d/%d idle sessions ready", created, capacity)
	return nil
}

func (p *Pool) newSession(ctx context.Context) (*wsconn.Session, error) {
	sess := wsconn.New(p.cfg)
	if p.SessionPingInterval > 0 {
		sess.PingInterval = p.SessionPingInterval
	}
	if p.SessionIdleTimeout > 0 {
		sess.IdleTimeout = p.SessionIdleTimeout
	}
	if err := sess.Connect(ctx); err != nil {
		return nil, fmt.Errorf("pool: connect: %w", err)
	}
	return sess, nil
}

// Acquire returns a Ready session: an idle one if available and healthy, or
// a freshly connected one otherwise. The returned session is recorded as
// in-use until Release or Drop is called with it.
func (p *Pool) Acquire(ctx context.Context) (*wsconn.Session, error) {
	p.mu.Lock()
	var candidate *wsconn.Session
	if n := len(p.idle); n > 0 {
		candidate = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if candidate != nil {
		if candidate.IsConnected() {
			p.mu.Lock()
			p.inUse[candidate] = struct{}{}
			p.mu.Unlock()
			return candidate, nil
		}
		candidate.Close()
	}

	sess, err := p.newSession(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.inUse[sess] = struct{}{}
	p.mu.Unlock()
	return sess, nil
}

// Release returns sess to the idle set if it is still Ready and the idle
// set has room; otherwise it is closed. Either way sess is no longer
// tracked as in-use.
func (p *Pool) Release(sess *wsconn.Session) {
	p.mu.Lock()
	delete(p.inUse, sess)
	if sess.IsConnected() && len(p.idle) < p.capacity {
		p.idle = append(p.idle, sess)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	sess.Close()
}

// Drop removes sess from in-use bookkeeping and closes it unconditionally.
// Flows call Drop instead of Release when they know the session is
// unhealthy (e.g. after a FlowError).
func (p *Pool) Drop(sess *wsconn.Session) {
	p.mu.Lock()
	delete(p.inUse, sess)
	p.mu.Unlock()
	sess.Close()
}

// IdleCount returns the number of idle sessions currently cached. Invariant
// 6 (spec.md §8) requires this never exceed the pool's capacity.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// InUseCount returns the number of sessions currently on loan to flows.
func (p *Pool) InUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Cleanup closes all idle and in-use sessions and resets the initialized
// flag, so a subsequent Init starts fresh.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	inUse := make([]*wsconn.Session, 0, len(p.inUse))
	for sess := range p.inUse {
		inUse = append(inUse, sess)
	}
	p.inUse = make(map[*wsconn.Session]struct{})
	p.initialized = false
	p.mu.Unlock()

	for _, sess := range idle {
		sess.Close()
	}
	for _, sess := range inUse {
		sess.Close()
	}
}
