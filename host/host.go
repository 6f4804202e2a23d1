package host

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Driver binds to interfaces of attached devices.
type Driver interface {
	// Name identifies the driver in the registry.
	Name() string

	// Match reports whether the driver handles iface.
	Match(dev *Device, iface *Interface) bool

	// Probe binds the driver to iface. A driver that returns an error does
	// not own the interface.
	Probe(ctx context.Context, dev *Device, iface *Interface) error

	// Disconnect releases whatever Probe acquired.
	Disconnect(dev *Device, iface *Interface)
}

type binding struct {
	driver Driver
	iface  *Interface
}

// Registry holds the registered drivers and controllers and the bindings
// between drivers and attached devices. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mutex       sync.RWMutex
	drivers     []Driver
	controllers []hal.Controller
	bindings    map[*Device][]binding
	closed      bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[*Device][]binding)}
}

// RegisterDriver adds a driver. Drivers are probed in registration order.
func (r *Registry) RegisterDriver(d Driver) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return pkg.ErrClosed
	}
	for _, existing := range r.drivers {
		if existing.Name() == d.Name() {
			return fmt.Errorf("%w: driver %q already registered", pkg.ErrInvalidParameter, d.Name())
		}
	}
	r.drivers = append(r.drivers, d)

	pkg.LogDebug(pkg.ComponentRegistry, "driver registered", "driver", d.Name())
	return nil
}

// UnregisterDriver removes a driver by name, disconnecting its bindings.
// It reports whether the driver was registered.
func (r *Registry) UnregisterDriver(name string) bool {
	r.mutex.Lock()
	idx := -1
	for i, d := range r.drivers {
		if d.Name() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mutex.Unlock()
		return false
	}
	r.drivers = append(r.drivers[:idx], r.drivers[idx+1:]...)

	type unbind struct {
		dev *Device
		b   binding
	}
	var gone []unbind
	for dev, bs := range r.bindings {
		kept := bs[:0]
		for _, b := range bs {
			if b.driver.Name() == name {
				gone = append(gone, unbind{dev, b})
			} else {
				kept = append(kept, b)
			}
		}
		r.bindings[dev] = kept
	}
	r.mutex.Unlock()

	for _, u := range gone {
		u.b.driver.Disconnect(u.dev, u.b.iface)
	}
	pkg.LogDebug(pkg.ComponentRegistry, "driver unregistered",
		"driver", name,
		"disconnected", len(gone))
	return true
}

// Drivers returns the registered drivers in probe order.
func (r *Registry) Drivers() []Driver {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]Driver(nil), r.drivers...)
}

// RegisterController adds a controller. Controllers that implement io.Closer
// are closed with the registry.
func (r *Registry) RegisterController(c hal.Controller) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return pkg.ErrClosed
	}
	for _, existing := range r.controllers {
		if existing == c {
			return fmt.Errorf("%w: controller already registered", pkg.ErrInvalidParameter)
		}
	}
	r.controllers = append(r.controllers, c)
	return nil
}

// Controllers returns the registered controllers.
func (r *Registry) Controllers() []hal.Controller {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]hal.Controller(nil), r.controllers...)
}

// Attach offers each interface of dev to the registered drivers. The first
// driver whose Match and Probe both succeed owns the interface. It returns
// the number of interfaces bound, or an error wrapping pkg.ErrNoDriver when
// none were.
func (r *Registry) Attach(ctx context.Context, dev *Device) (int, error) {
	r.mutex.RLock()
	if r.closed {
		r.mutex.RUnlock()
		return 0, pkg.ErrClosed
	}
	if _, ok := r.bindings[dev]; ok {
		r.mutex.RUnlock()
		return 0, fmt.Errorf("%w: device %d already attached", pkg.ErrInvalidState, dev.Address())
	}
	drivers := append([]Driver(nil), r.drivers...)
	r.mutex.RUnlock()

	var (
		bound  []binding
		failed *multierror.Error
	)
	for _, iface := range dev.Interfaces() {
		for _, d := range drivers {
			if !d.Match(dev, iface) {
				continue
			}
			if err := d.Probe(ctx, dev, iface); err != nil {
				pkg.LogWarn(pkg.ComponentRegistry, "probe failed",
					"driver", d.Name(),
					"interface", iface.String(),
					"error", err)
				failed = multierror.Append(failed, fmt.Errorf("%s: %w", d.Name(), err))
				continue
			}
			pkg.LogInfo(pkg.ComponentRegistry, "driver bound",
				"driver", d.Name(),
				"interface", iface.String())
			bound = append(bound, binding{driver: d, iface: iface})
			break
		}
	}

	if len(bound) == 0 {
		if err := failed.ErrorOrNil(); err != nil {
			return 0, fmt.Errorf("device %d: %w: %w", dev.Address(), pkg.ErrNoDriver, err)
		}
		return 0, fmt.Errorf("device %d: %w", dev.Address(), pkg.ErrNoDriver)
	}

	r.mutex.Lock()
	r.bindings[dev] = bound
	r.mutex.Unlock()
	return len(bound), nil
}

// Devices returns the attached devices.
func (r *Registry) Devices() []*Device {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	result := make([]*Device, 0, len(r.bindings))
	for dev := range r.bindings {
		result = append(result, dev)
	}
	return result
}

// Detach disconnects every driver bound to dev and closes the device.
func (r *Registry) Detach(dev *Device) error {
	r.mutex.Lock()
	bs, ok := r.bindings[dev]
	delete(r.bindings, dev)
	r.mutex.Unlock()
	if !ok {
		return fmt.Errorf("%w: device %d not attached", pkg.ErrInvalidState, dev.Address())
	}

	for i := len(bs) - 1; i >= 0; i-- {
		bs[i].driver.Disconnect(dev, bs[i].iface)
	}
	pkg.LogInfo(pkg.ComponentRegistry, "device detached",
		"address", dev.Address(),
		"bindings", len(bs))
	return dev.Close()
}

// Close detaches every device and closes the registered controllers.
func (r *Registry) Close() error {
	r.mutex.Lock()
	if r.closed {
		r.mutex.Unlock()
		return nil
	}
	r.closed = true
	devices := make([]*Device, 0, len(r.bindings))
	for dev := range r.bindings {
		devices = append(devices, dev)
	}
	controllers := r.controllers
	r.controllers = nil
	r.mutex.Unlock()

	var merr *multierror.Error
	for _, dev := range devices {
		if err := r.Detach(dev); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	for _, c := range controllers {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}
