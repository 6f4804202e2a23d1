package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Interface is one interface of a configured Device. Opening it creates a
// Pipe for each of its endpoints; closing it destroys them.
type Interface struct {
	device           *Device
	descriptor       InterfaceDescriptor
	endpoints        []EndpointDescriptor
	classDescriptors [][]byte

	mutex   sync.Mutex
	pipes   map[uint8]*Pipe
	claimed bool
}

func newInterface(d *Device, desc InterfaceDescriptor) *Interface {
	return &Interface{
		device:     d,
		descriptor: desc,
		endpoints:  make([]EndpointDescriptor, 0, desc.NumEndpoints),
	}
}

// Device returns the device the interface belongs to.
func (i *Interface) Device() *Device { return i.device }

// Descriptor returns the interface descriptor.
func (i *Interface) Descriptor() InterfaceDescriptor { return i.descriptor }

// Number returns bInterfaceNumber.
func (i *Interface) Number() uint8 { return i.descriptor.InterfaceNumber }

// Class returns bInterfaceClass.
func (i *Interface) Class() uint8 { return i.descriptor.InterfaceClass }

// SubClass returns bInterfaceSubClass.
func (i *Interface) SubClass() uint8 { return i.descriptor.InterfaceSubClass }

// Protocol returns bInterfaceProtocol.
func (i *Interface) Protocol() uint8 { return i.descriptor.InterfaceProtocol }

// Endpoints returns the endpoint descriptors of the interface.
// The returned slice references internal storage; do not modify.
func (i *Interface) Endpoints() []EndpointDescriptor { return i.endpoints }

// ClassDescriptors returns class-specific descriptors that followed the
// interface descriptor.
func (i *Interface) ClassDescriptors() [][]byte { return i.classDescriptors }

// IsOpen reports whether the interface's pipes exist.
func (i *Interface) IsOpen() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.pipes != nil
}

// Open claims the interface, if the controller requires it, and creates a
// pipe per endpoint. Opening an open interface is a no-op.
func (i *Interface) Open(opts ...PipeOption) error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.pipes != nil {
		return nil
	}

	d := i.device
	if c, ok := d.ctrl.(hal.InterfaceClaimer); ok {
		if err := c.ClaimInterface(d.address, i.Number()); err != nil {
			return fmt.Errorf("claim interface %d: %w", i.Number(), err)
		}
		i.claimed = true
	}

	opts = append(append([]PipeOption(nil), d.opts...), opts...)
	pipes := make(map[uint8]*Pipe, len(i.endpoints))
	for k := range i.endpoints {
		ep := &i.endpoints[k]
		p, err := NewPipeFromEndpoint(d.ctrl, d.address, ep, opts...)
		if err != nil {
			merr := multierror.Append(nil, fmt.Errorf("open interface %d: %w", i.Number(), err))
			for _, q := range pipes {
				if cerr := q.Close(); cerr != nil {
					merr = multierror.Append(merr, cerr)
				}
			}
			if rerr := i.releaseLocked(); rerr != nil {
				merr = multierror.Append(merr, rerr)
			}
			return merr.ErrorOrNil()
		}
		pipes[p.EndpointAddress()] = p
	}
	i.pipes = pipes

	pkg.LogDebug(pkg.ComponentHost, "interface opened",
		"device", d.address,
		"interface", i.Number(),
		"class", i.Class(),
		"pipes", len(pipes))
	return nil
}

// Close destroys the interface's pipes and releases the claim.
func (i *Interface) Close() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	var merr *multierror.Error
	for _, p := range i.pipes {
		if err := p.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	i.pipes = nil
	if err := i.releaseLocked(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

func (i *Interface) releaseLocked() error {
	if !i.claimed {
		return nil
	}
	i.claimed = false
	c := i.device.ctrl.(hal.InterfaceClaimer)
	if err := c.ReleaseInterface(i.device.address, i.Number()); err != nil {
		return fmt.Errorf("release interface %d: %w", i.Number(), err)
	}
	return nil
}

// Pipe returns the open pipe of an endpoint address.
func (i *Interface) Pipe(endpoint uint8) (*Pipe, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	if i.pipes == nil {
		return nil, fmt.Errorf("interface %d: %w", i.Number(), pkg.ErrInvalidState)
	}
	p, ok := i.pipes[endpoint]
	if !ok {
		return nil, fmt.Errorf("interface %d: %w: %#02x", i.Number(), pkg.ErrInvalidEndpoint, endpoint)
	}
	return p, nil
}

// firstPipe returns the open pipe of the first endpoint of the given type
// and direction, in descriptor order.
func (i *Interface) firstPipe(typ hal.TransferType, dir hal.Direction) (*Pipe, error) {
	for k := range i.endpoints {
		ep := &i.endpoints[k]
		if ep.TransferType() == typ && ep.Direction() == dir {
			return i.Pipe(ep.EndpointAddress)
		}
	}
	return nil, fmt.Errorf("interface %d: %w: no %s %s endpoint",
		i.Number(), pkg.ErrInvalidEndpoint, typ, dir)
}

// BulkInPipe returns the first bulk IN pipe.
func (i *Interface) BulkInPipe() (*BulkInPipe, error) {
	p, err := i.firstPipe(hal.TransferBulk, hal.DirectionIn)
	if err != nil {
		return nil, err
	}
	return p.asBulkIn()
}

// BulkOutPipe returns the first bulk OUT pipe.
func (i *Interface) BulkOutPipe() (*BulkOutPipe, error) {
	p, err := i.firstPipe(hal.TransferBulk, hal.DirectionOut)
	if err != nil {
		return nil, err
	}
	return p.asBulkOut()
}

// InterruptInPipe returns the first interrupt IN pipe.
func (i *Interface) InterruptInPipe() (*InterruptInPipe, error) {
	p, err := i.firstPipe(hal.TransferInterrupt, hal.DirectionIn)
	if err != nil {
		return nil, err
	}
	return p.asInterruptIn()
}

// InterruptOutPipe returns the first interrupt OUT pipe.
func (i *Interface) InterruptOutPipe() (*InterruptOutPipe, error) {
	p, err := i.firstPipe(hal.TransferInterrupt, hal.DirectionOut)
	if err != nil {
		return nil, err
	}
	return p.asInterruptOut()
}

// ReadEndpoint reads from a bulk or interrupt IN endpoint.
func (i *Interface) ReadEndpoint(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	p, err := i.Pipe(endpoint)
	if err != nil {
		return 0, err
	}
	if p.Direction() != hal.DirectionIn {
		return 0, p.mismatch("in")
	}
	return p.submit(ctx, nil, data, true)
}

// WriteEndpoint writes to a bulk or interrupt OUT endpoint.
func (i *Interface) WriteEndpoint(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	p, err := i.Pipe(endpoint)
	if err != nil {
		return 0, err
	}
	if p.Direction() != hal.DirectionOut {
		return 0, p.mismatch("out")
	}
	return p.submit(ctx, nil, data, false)
}

// AsyncReadEndpoint arms a repeating read on an interrupt IN endpoint.
func (i *Interface) AsyncReadEndpoint(endpoint uint8, length int, interval time.Duration, cb hal.CompletionFunc) (*hal.AsyncTransfer, error) {
	p, err := i.Pipe(endpoint)
	if err != nil {
		return nil, err
	}
	ip, err := p.asInterruptIn()
	if err != nil {
		return nil, err
	}
	return ip.InterruptTransfer(length, interval, cb)
}

func (i *Interface) String() string {
	return fmt.Sprintf("dev %d if %d (%02x/%02x/%02x)", i.device.address, i.Number(),
		i.Class(), i.SubClass(), i.Protocol())
}
