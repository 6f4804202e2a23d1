package msc

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// DriverName is the registry name of the mass-storage driver.
const DriverName = "usb-storage"

// Driver binds Bulk-Only SCSI interfaces and exposes each as a
// StorageDevice.
type Driver struct {
	handleOpts []Option
	pipeOpts   []host.PipeOption

	// OnAttach, if set, is called after a device completes discovery.
	OnAttach func(*StorageDevice)

	mu      sync.Mutex
	devices map[*host.Interface]*StorageDevice
}

// NewDriver creates a driver. opts apply to every Handle it creates.
func NewDriver(opts ...Option) *Driver {
	return &Driver{
		handleOpts: opts,
		devices:    make(map[*host.Interface]*StorageDevice),
	}
}

// WithPipeOptions sets the options used when opening interface pipes.
func (d *Driver) WithPipeOptions(opts ...host.PipeOption) *Driver {
	d.pipeOpts = opts
	return d
}

// Name implements host.Driver.
func (d *Driver) Name() string { return DriverName }

// Match implements host.Driver. Interfaces declaring the SCSI transparent
// command set over Bulk-Only Transport match. QEMU's usb-storage, which
// does not always declare them, matches by vendor and product ID when the
// interface has a bulk endpoint in each direction.
func (d *Driver) Match(dev *host.Device, iface *host.Interface) bool {
	if iface.Class() == ClassMSC &&
		iface.SubClass() == SubclassSCSI &&
		iface.Protocol() == ProtocolBulkOnly {
		return true
	}
	if dev.VendorID() == QEMUVendorID && dev.ProductID() == QEMUProductID && hasBulkPair(iface) {
		pkg.LogDebug(pkg.ComponentMSC, "matched by QEMU vendor and product ID",
			"interface", iface.String())
		return true
	}
	return false
}

func hasBulkPair(iface *host.Interface) bool {
	var in, out bool
	for _, ep := range iface.Endpoints() {
		if ep.TransferType() != hal.TransferBulk {
			continue
		}
		switch ep.Direction() {
		case hal.DirectionIn:
			in = true
		case hal.DirectionOut:
			out = true
		}
	}
	return in && out
}

// Probe implements host.Driver. It opens the interface and runs discovery;
// the interface is closed again if discovery fails.
func (d *Driver) Probe(ctx context.Context, dev *host.Device, iface *host.Interface) error {
	if err := iface.Open(d.pipeOpts...); err != nil {
		return err
	}

	s, err := d.attach(ctx, dev, iface)
	if err != nil {
		if cerr := iface.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
		return err
	}

	d.mu.Lock()
	d.devices[iface] = s
	d.mu.Unlock()

	if d.OnAttach != nil {
		d.OnAttach(s)
	}
	return nil
}

func (d *Driver) attach(ctx context.Context, dev *host.Device, iface *host.Interface) (*StorageDevice, error) {
	h, err := NewHandle(dev, iface, d.handleOpts...)
	if err != nil {
		return nil, err
	}
	return Attach(ctx, h)
}

// Disconnect implements host.Driver.
func (d *Driver) Disconnect(dev *host.Device, iface *host.Interface) {
	d.mu.Lock()
	s, ok := d.devices[iface]
	delete(d.devices, iface)
	d.mu.Unlock()
	if !ok {
		return
	}

	if err := iface.Close(); err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "interface close failed",
			"interface", iface.String(),
			"error", err)
	}
	pkg.LogInfo(pkg.ComponentMSC, "storage detached",
		"device", dev.Address(),
		"product", s.Product)
}

// Devices returns the attached storage devices.
func (d *Driver) Devices() []*StorageDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*StorageDevice, 0, len(d.devices))
	for _, s := range d.devices {
		out = append(out, s)
	}
	return out
}

// Device returns the storage device bound to iface, or nil.
func (d *Driver) Device(iface *host.Interface) *StorageDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[iface]
}

var _ host.Driver = (*Driver)(nil)
