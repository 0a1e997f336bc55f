// Package flowtable implements the flow table and TCP state machine
// (spec.md §4.5 and §3's TcpFlow) plus the ephemeral DNS transaction table
// (§3's DnsTransaction). All access to the flow map is safe for concurrent
// use; lookups and insert-if-absent are atomic with respect to each other.
//
// A single coarse-grained mutex guards the map rather than a sharded map,
// which spec.md §9's design note explicitly permits "for N <= a few
// thousand flows".
package flowtable

import "sync"

// Key identifies one TCP flow as observed on the TUN: the client source
// port plus the flow's destination (spec.md §3, §4.5).
type Key struct {
	ClientSrcPort uint16
	DstIP         string // dotted-quad string, per spec's "dst_ip_str"
	DstPort       uint16
}

// Table is the concurrent-safe set of live TcpFlow state machines.
type Table struct {
	mu    sync.RWMutex
	flows map[Key]*TcpFlow
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{flows: make(map[Key]*TcpFlow)}
}

// Get returns the flow for key, if any.
func (t *Table) Get(key Key) (*TcpFlow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, ok := t.flows[key]
	return f, ok
}

// LoadOrStore returns the existing flow for key if present (loaded=true),
// otherwise stores and returns the flow built by newFlow (loaded=false).
// newFlow is only invoked when no entry exists, and the whole
// check-then-store is atomic with respect to other Table callers —
// invariant 4 (spec.md §8): the table never holds two entries for the same
// key.
func (t *Table) LoadOrStore(key Key, newFlow func() *TcpFlow) (flow *TcpFlow, loaded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.flows[key]; ok {
		return f, true
	}
	f := newFlow()
	t.flows[key] = f
	return f, false
}

// Delete removes the flow for key, if present.
func (t *Table) Delete(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, key)
}

// Len returns the number of live flows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// Range calls f for every flow in the table; iteration stops early if f
// returns false. f must not call back into the Table (LoadOrStore/Delete)
// while Range holds the read lock — collect keys first if mutation is
// needed.
func (t *Table) Range(f func(key Key, flow *TcpFlow) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, v := range t.flows {
		if !f(k, v) {
			return
		}
	}
}

// Keys returns a snapshot of all keys currently in the table, safe to use
// for a subsequent Delete pass (e.g. during engine shutdown).
func (t *Table) Keys() []Key {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]Key, 0, len(t.flows))
	for k := range t.flows {
		keys = append(keys, k)
	}
	return keys
}
