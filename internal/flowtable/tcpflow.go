package flowtable

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/liseipi/SecureProxy-android/internal/wsconn"
)

// FlowState is the TCP flow's local state machine (spec.md §3).
type FlowState int32

const (
	FlowSynReceived FlowState = iota
	FlowEstablished
	FlowCloseWait
	FlowLastAck
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowSynReceived:
		return "syn-received"
	case FlowEstablished:
		return "established"
	case FlowCloseWait:
		return "close-wait"
	case FlowLastAck:
		return "last-ack"
	case FlowClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TcpFlow is one TCP connection as observed on the TUN. It exclusively owns
// its SecureSession handle for its lifetime (spec.md §3's ownership rules);
// the session is released (or dropped, if unhealthy) when the flow is
// destroyed.
type TcpFlow struct {
	Key     Key
	Session *wsconn.Session

	// SrcIP/DstIP are the original device-observed addresses, needed to
	// build reply packets with the correct (swapped) endpoints.
	SrcIP [4]byte
	DstIP [4]byte

	mu         sync.Mutex
	state      FlowState
	clientSeq  uint32 // next expected byte from the device
	serverSeq  uint32 // next byte we emit toward the device
	alive      atomic.Bool
	cancelPeer context.CancelFunc // cancels the peer->device forwarder task
}

// New constructs a TcpFlow in SynReceived, with clientSeq set to the byte
// following the device's SYN and serverSeq set to the byte following our
// chosen ISN, per the SYN/SYN-ACK transition in spec.md §4.5.
func New(key Key, session *wsconn.Session, srcIP, dstIP [4]byte, clientSynSeq, isn uint32) *TcpFlow {
	f := &TcpFlow{
		Key:       key,
		Session:   session,
		SrcIP:     srcIP,
		DstIP:     dstIP,
		state:     FlowSynReceived,
		clientSeq: clientSynSeq + 1,
		serverSeq: isn + 1,
	}
	f.alive.Store(true)
	return f
}

// State returns the flow's current FlowState.
func (f *TcpFlow) State() FlowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// SetState transitions the flow to state.
func (f *TcpFlow) SetState(state FlowState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
}

// SetPeerCancel stores the cancel function for the flow's peer->device
// forwarder task, so Destroy can stop it without the task holding a strong
// reference back to the flow (spec.md §9's cyclic-ownership note).
func (f *TcpFlow) SetPeerCancel(cancel context.CancelFunc) {
	f.mu.Lock()
	f.cancelPeer = cancel
	f.mu.Unlock()
}

// ClientSeq returns the next expected byte from the device (used as the ack
// value on emitted segments).
func (f *TcpFlow) ClientSeq() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientSeq
}

// ServerSeq returns the next byte we will emit toward the device.
func (f *TcpFlow) ServerSeq() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.serverSeq
}

// AdvanceClientSeq records n more bytes received from the device and
// returns the updated clientSeq (the ack value for the next emitted
// segment). Out-of-order or lost segments are not buffered or checked —
// clientSeq advances by the observed payload length regardless of whether
// it was contiguous (spec.md §9's documented, uncorrected behaviour).
func (f *TcpFlow) AdvanceClientSeq(n int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clientSeq += uint32(n)
	return f.clientSeq
}

// NextServerSeq returns the seq value to stamp on the next emitted segment
// carrying n bytes, then advances serverSeq by n. Invariant 5 (spec.md §8):
// across a flow, the seq values handed out here are non-decreasing.
func (f *TcpFlow) NextServerSeq(n int) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq := f.serverSeq
	f.serverSeq += uint32(n)
	return seq
}

// IsAlive reports whether the flow has not yet been destroyed.
func (f *TcpFlow) IsAlive() bool { return f.alive.Load() }

// Destroy marks the flow dead, cancels its peer->device forwarder task if
// one was registered, and releases its session to pool (healthy=true) or
// drops it (healthy=false). The caller is responsible for removing the
// flow from the Table.
func (f *TcpFlow) Destroy(healthy bool, release func(sess *wsconn.Session, healthy bool)) {
	if !f.alive.CompareAndSwap(true, false) {
		return // already destroyed
	}
	f.SetState(FlowClosed)

	f.mu.Lock()
	cancel := f.cancelPeer
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if release != nil && f.Session != nil {
		release(f.Session, healthy)
	}
}
