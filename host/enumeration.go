package host

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// ErrEnumerationFailed indicates a device returned incomplete descriptors.
var ErrEnumerationFailed = errors.New("enumeration failed")

// Enumerate reads the descriptors of the device at address, caches its
// strings and selects its first configuration unless it is already active.
// Address assignment belongs to the controller; address must already be set.
func Enumerate(ctx context.Context, ctrl hal.Controller, address hal.DeviceAddress, opts ...PipeOption) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "address", address)

	d := &Device{ctrl: ctrl, address: address, opts: opts, state: DeviceStateAddress}

	// Read the first 8 bytes to learn bMaxPacketSize0.
	if err := d.openControl(8); err != nil {
		return nil, err
	}
	var buf [MaxDescriptorSize]byte
	n, err := d.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		return nil, d.abort(err)
	}
	if n < 8 {
		return nil, d.abort(ErrEnumerationFailed)
	}
	if mps := buf[7]; mps != 8 && mps != 0 {
		_ = d.control.Close()
		if err := d.openControl(mps); err != nil {
			return nil, err
		}
	}

	n, err = d.GetDescriptor(ctx, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, d.abort(err)
	}
	if !d.parseDeviceDescriptor(buf[:n]) {
		return nil, d.abort(ErrEnumerationFailed)
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", fmt.Sprintf("%04x", d.descriptor.VendorID),
		"productID", fmt.Sprintf("%04x", d.descriptor.ProductID),
		"class", d.descriptor.DeviceClass)

	// Read configuration descriptor (just header first to get total length)
	n, err = d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, d.abort(err)
	}
	if n < ConfigurationDescriptorSize {
		return nil, d.abort(ErrEnumerationFailed)
	}

	totalLength := int(buf[2]) | int(buf[3])<<8
	if totalLength > len(buf) {
		totalLength = len(buf)
	}
	n, err = d.GetDescriptor(ctx, DescriptorTypeConfiguration, 0, 0, buf[:totalLength])
	if err != nil {
		return nil, d.abort(err)
	}
	if err := d.parseConfigurationTree(buf[:n]); err != nil {
		return nil, d.abort(err)
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"numInterfaces", d.config.NumInterfaces,
		"configValue", d.config.ConfigurationValue)

	d.readStringDescriptors(ctx, buf[:])

	if value := d.config.ConfigurationValue; value > 0 {
		active, err := d.GetConfiguration(ctx)
		if err != nil || active != value {
			if err := d.SetConfiguration(ctx, value); err != nil {
				return nil, d.abort(err)
			}
		} else {
			d.mutex.Lock()
			d.configurationValue = value
			d.state = DeviceStateConfigured
			d.mutex.Unlock()
		}
	}

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"address", address,
		"vendor", fmt.Sprintf("%04x", d.descriptor.VendorID),
		"product", fmt.Sprintf("%04x", d.descriptor.ProductID),
		"interfaces", len(d.interfaces))

	return d, nil
}

// abort releases the control pipe of a device that failed enumeration.
func (d *Device) abort(err error) error {
	_ = d.control.Close()
	return fmt.Errorf("enumerate device %d: %w", d.address, err)
}

// readStringDescriptors caches the manufacturer, product and serial strings.
// Failures are logged and otherwise ignored.
func (d *Device) readStringDescriptors(ctx context.Context, buf []byte) {
	readString := func(index uint8) (string, error) {
		if index == 0 {
			return "", nil
		}

		n, err := d.GetDescriptor(ctx, DescriptorTypeString, index, LangIDUSEnglish, buf)
		if err != nil {
			return "", err
		}
		if n < 2 {
			return "", nil
		}

		length := int(buf[0])
		if length > n {
			length = n
		}

		// UTF-16LE to ASCII, dropping anything else
		result := make([]byte, 0, (length-2)/2)
		for i := 2; i < length-1; i += 2 {
			if buf[i+1] == 0 && buf[i] >= 0x20 && buf[i] < 0x7F {
				result = append(result, buf[i])
			}
		}
		return string(result), nil
	}

	for _, index := range []uint8{
		d.descriptor.ManufacturerIndex,
		d.descriptor.ProductIndex,
		d.descriptor.SerialNumberIndex,
	} {
		if index == 0 || int(index) >= len(d.strings) {
			continue
		}
		s, err := readString(index)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
				"index", index,
				"error", err)
			continue
		}
		d.strings[index] = s
	}
}
