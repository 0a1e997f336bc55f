package tundevice

import (
	"fmt"

	"github.com/songgao/water"
)

// OpenWater opens a TUN device via github.com/songgao/water and returns it
// as a Device. This is the convenience path a real deployment's host-side
// provisioner would use; the core never calls it itself — supervisor.New
// always takes an already-open Device, keeping fd provisioning a host-OS
// concern per spec.md §1.
func OpenWater(name string) (Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tundevice: open water TUN %q: %w", name, err)
	}
	return waterDevice{iface}, nil
}

// waterDevice adapts *water.Interface (which already implements
// io.ReadWriteCloser and Name() string) to Device.
type waterDevice struct {
	*water.Interface
}
