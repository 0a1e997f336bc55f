package flowtable

import (
	"context"
	"sync"
	"time"
)

// DefaultDNSTimeout is the default ephemeral lifetime of a DnsTransaction
// (spec.md §3).
const DefaultDNSTimeout = 5 * time.Second

// DNSKey identifies one in-flight DNS query (spec.md §3).
type DNSKey struct {
	ClientSrcPort uint16
	QueryID       uint16
}

// DNSTransaction is the bookkeeping record for one in-flight UDP/53 query:
// ephemeral, created when the query is observed and destroyed when the
// response is written back or the transaction times out.
type DNSTransaction struct {
	Key       DNSKey
	CreatedAt time.Time
	cancel    context.CancelFunc
}

// DNSTable tracks in-flight DNS transactions, keyed by (client_src_port,
// query_id), so timed-out transactions can be swept. A duplicate query for
// the same key replaces the earlier entry and cancels its context; it does
// not stop an exchange that ignores that cancellation, and End removes
// whichever entry is stored under the key at the time.
type DNSTable struct {
	mu   sync.Mutex
	txns map[DNSKey]*DNSTransaction
}

// NewDNSTable returns an empty DNSTable.
func NewDNSTable() *DNSTable {
	return &DNSTable{txns: make(map[DNSKey]*DNSTransaction)}
}

// Begin registers a new in-flight transaction for key, cancelling any prior
// transaction for the same key, and returns a context bound to timeout.
// Callers must call End(key) when the exchange completes (success or
// failure) so the table doesn't accumulate stale entries between sweeps.
func (d *DNSTable) Begin(key DNSKey, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	d.mu.Lock()
	if prev, ok := d.txns[key]; ok {
		prev.cancel()
	}
	d.txns[key] = &DNSTransaction{Key: key, CreatedAt: time.Now(), cancel: cancel}
	d.mu.Unlock()

	return ctx
}

// End removes the transaction for key, if present, and releases its
// context's resources.
func (d *DNSTable) End(key DNSKey) {
	d.mu.Lock()
	txn, ok := d.txns[key]
	if ok {
		delete(d.txns, key)
	}
	d.mu.Unlock()
	if ok {
		txn.cancel()
	}
}

// Len returns the number of in-flight transactions.
func (d *DNSTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.txns)
}

// SweepExpired removes transactions older than timeout and cancels their
// contexts, returning the keys that were swept. The engine runs this
// periodically as a backstop against queries whose upstream exchange
// goroutine never called End (e.g. it panicked or was killed).
func (d *DNSTable) SweepExpired(timeout time.Duration) []DNSKey {
	now := time.Now()
	d.mu.Lock()
	var expired []*DNSTransaction
	for key, txn := range d.txns {
		if now.Sub(txn.CreatedAt) >= timeout {
			expired = append(expired, txn)
			delete(d.txns, key)
		}
	}
	d.mu.Unlock()

	keys := make([]DNSKey, 0, len(expired))
	for _, txn := range expired {
		txn.cancel()
		keys = append(keys, txn.Key)
	}
	return keys
}
