package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Device is an addressed USB device and its parsed descriptors. It owns the
// default control pipe and the Interfaces of the active configuration.
type Device struct {
	ctrl    hal.Controller
	address hal.DeviceAddress
	opts    []PipeOption

	control *ControlPipe

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor
	interfaces []*Interface

	// String descriptors cache (indexed by string index)
	strings [MaxStringsPerDevice]string

	configurationValue uint8
	state              DeviceState
	mutex              sync.RWMutex
}

// NewDevice builds a Device from raw device and configuration descriptors
// and opens its default control pipe. opts apply to every pipe the device
// and its interfaces create.
func NewDevice(ctrl hal.Controller, address hal.DeviceAddress, deviceDesc, configDesc []byte, opts ...PipeOption) (*Device, error) {
	d := &Device{ctrl: ctrl, address: address, opts: opts, state: DeviceStateAddress}
	if !d.parseDeviceDescriptor(deviceDesc) {
		return nil, fmt.Errorf("device %d: %w: device descriptor", address, pkg.ErrDescriptorTooShort)
	}
	if err := d.parseConfigurationTree(configDesc); err != nil {
		return nil, fmt.Errorf("device %d: %w", address, err)
	}
	if err := d.openControl(d.descriptor.MaxPacketSize0); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) openControl(maxPacket uint8) error {
	if maxPacket == 0 {
		maxPacket = 8
	}
	cp, err := NewControlPipe(d.ctrl, d.address, uint16(maxPacket), d.opts...)
	if err != nil {
		return fmt.Errorf("device %d: control pipe: %w", d.address, err)
	}
	d.control = cp
	return nil
}

// Address returns the device address.
func (d *Device) Address() hal.DeviceAddress {
	return d.address
}

// Controller returns the controller the device is attached to.
func (d *Device) Controller() hal.Controller {
	return d.ctrl
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// DeviceClass returns the device class.
func (d *Device) DeviceClass() uint8 {
	return d.descriptor.DeviceClass
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the configuration descriptor.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// Interfaces returns the interfaces of the configuration.
// The returned slice references internal storage; do not modify.
func (d *Device) Interfaces() []*Interface {
	return d.interfaces
}

// Interface returns the interface with the given number, or nil.
func (d *Device) Interface(num uint8) *Interface {
	for _, iface := range d.interfaces {
		if iface.descriptor.InterfaceNumber == num {
			return iface
		}
	}
	return nil
}

// ControlPipe returns the default control pipe.
func (d *Device) ControlPipe() *ControlPipe {
	return d.control
}

// GetString returns a cached string descriptor.
func (d *Device) GetString(index uint8) string {
	if index == 0 || int(index) >= len(d.strings) {
		return ""
	}
	return d.strings[index]
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return d.GetString(d.descriptor.ManufacturerIndex)
}

// Product returns the product string.
func (d *Device) Product() string {
	return d.GetString(d.descriptor.ProductIndex)
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return d.GetString(d.descriptor.SerialNumberIndex)
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// ControlTransfer issues a request on the default control pipe.
func (d *Device) ControlTransfer(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	return d.control.ControlTransfer(ctx, requestType, request, value, index, data)
}

// SetConfiguration selects a configuration.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	_, err := d.ControlTransfer(ctx,
		RequestTypeOut|RequestTypeStandard|RequestTypeDevice,
		RequestSetConfiguration, uint16(value), 0, nil)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	d.configurationValue = value
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()

	return nil
}

// GetConfiguration asks the device for its active configuration value.
func (d *Device) GetConfiguration(ctx context.Context) (uint8, error) {
	var buf [1]byte
	n, err := d.ControlTransfer(ctx,
		RequestTypeIn|RequestTypeStandard|RequestTypeDevice,
		RequestGetConfiguration, 0, 0, buf[:])
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("device %d: %w: empty GET_CONFIGURATION", d.address, pkg.ErrProtocol)
	}
	return buf[0], nil
}

// GetDescriptor performs a GET_DESCRIPTOR request.
func (d *Device) GetDescriptor(ctx context.Context, descType, descIndex uint8, langID uint16, data []byte) (int, error) {
	return d.ControlTransfer(ctx,
		RequestTypeIn|RequestTypeStandard|RequestTypeDevice,
		RequestGetDescriptor, uint16(descType)<<8|uint16(descIndex), langID, data)
}

// GetStatus performs a GET_STATUS request.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	var buf [2]byte
	_, err := d.ControlTransfer(ctx,
		RequestTypeIn|RequestTypeStandard|RequestTypeDevice,
		RequestGetStatus, 0, 0, buf[:])
	if err != nil {
		return 0, err
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// ClearEndpointHalt clears the halt condition on an endpoint and resets the
// data toggle of any open pipe bound to it.
func (d *Device) ClearEndpointHalt(ctx context.Context, endpoint uint8) error {
	_, err := d.ControlTransfer(ctx,
		RequestTypeOut|RequestTypeStandard|RequestTypeEndpoint,
		RequestClearFeature, FeatureEndpointHalt, uint16(endpoint), nil)
	if err != nil {
		return err
	}
	for _, iface := range d.interfaces {
		if p, err := iface.Pipe(endpoint); err == nil {
			p.ResetDataToggle()
		}
	}
	return nil
}

// Close closes every interface and the control pipe.
func (d *Device) Close() error {
	d.mutex.Lock()
	if d.state == DeviceStateDetached {
		d.mutex.Unlock()
		return nil
	}
	d.state = DeviceStateDetached
	d.mutex.Unlock()

	var merr *multierror.Error
	for _, iface := range d.interfaces {
		if err := iface.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if d.control != nil {
		if err := d.control.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// parseDeviceDescriptor parses a device descriptor from raw bytes.
// Returns true if successful.
func (d *Device) parseDeviceDescriptor(data []byte) bool {
	return ParseDeviceDescriptor(data, &d.descriptor)
}

// parseConfigurationTree parses the full configuration descriptor tree.
// Endpoint and class-specific descriptors attach to the interface that
// precedes them. Alternate settings other than zero are skipped.
func (d *Device) parseConfigurationTree(data []byte) error {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return fmt.Errorf("%w: configuration descriptor", pkg.ErrDescriptorTooShort)
	}

	d.interfaces = make([]*Interface, 0, d.config.NumInterfaces)

	var current *Interface
	offset := ConfigurationDescriptorSize
	for offset < len(data) && offset < int(d.config.TotalLength) {
		if offset+2 > len(data) {
			break
		}

		length := int(data[offset])
		descType := data[offset+1]

		if length < 2 || offset+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			var desc InterfaceDescriptor
			current = nil
			if ParseInterfaceDescriptor(data[offset:], &desc) && desc.AlternateSetting == 0 {
				if len(d.interfaces) >= MaxInterfacesPerConfiguration {
					return fmt.Errorf("%w: more than %d interfaces",
						pkg.ErrNotSupported, MaxInterfacesPerConfiguration)
				}
				current = newInterface(d, desc)
				d.interfaces = append(d.interfaces, current)
			}

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if current != nil && ParseEndpointDescriptor(data[offset:], &ep) &&
				len(current.endpoints) < MaxEndpointsPerInterface {
				current.endpoints = append(current.endpoints, ep)
			}

		default:
			// Class-specific or other descriptor
			if current != nil {
				descData := make([]byte, length)
				copy(descData, data[offset:offset+length])
				current.classDescriptors = append(current.classDescriptors, descData)
			}
		}

		offset += length
	}
	return nil
}
