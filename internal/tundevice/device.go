// Package tundevice defines the TUN device abstraction the packet engine
// reads from and writes to. Obtaining the underlying file descriptor (the
// address/route/MTU/DNS provisioning spec.md §6 describes) is a host-OS
// concern and stays out of scope for this package: callers construct a
// Device elsewhere and hand it to the supervisor already open.
package tundevice

import "io"

// DefaultMTU is the MTU the host is expected to configure on the TUN
// interface (spec.md §6).
const DefaultMTU = 1500

// Device is a bidirectional byte stream delivering and accepting raw IPv4
// packets, as described in spec.md §6's TUN interface contract.
// *water.Interface (github.com/songgao/water) satisfies this interface for
// a real Linux deployment.
type Device interface {
	io.ReadWriteCloser
	// Name returns the host-assigned interface name (e.g. "tun0"), used
	// only for logging.
	Name() string
}
