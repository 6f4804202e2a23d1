package msc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/class/msc"
	"github.com/ardnew/usbcore/host/class/msc/msctest"
	"github.com/ardnew/usbcore/host/hal/sim"
	"github.com/ardnew/usbcore/pkg"
)

func TestDriverMatch(t *testing.T) {
	tests := []struct {
		name string
		cfg  msctest.Config
		want bool
	}{
		{"declared", msctest.Config{}, true},
		{"declared with QEMU IDs", msctest.Config{VendorID: msc.QEMUVendorID, ProductID: msc.QEMUProductID}, true},
		{"undeclared QEMU", msctest.Config{VendorID: msc.QEMUVendorID, ProductID: msc.QEMUProductID, Undeclared: true}, true},
		{"undeclared other vendor", msctest.Config{VendorID: msc.QEMUVendorID, ProductID: 0x0002, Undeclared: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := require.New(t)
			dev, err := host.NewDevice(sim.New(), 1,
				msctest.DeviceDescriptor(tt.cfg), msctest.ConfigurationDescriptor(tt.cfg))
			assert.NoError(err)
			t.Cleanup(func() { _ = dev.Close() })

			assert.Equal(tt.want, msc.NewDriver().Match(dev, dev.Interface(0)))
		})
	}
}

func TestDriverIgnoresQEMUWithoutBulkPair(t *testing.T) {
	assert := require.New(t)

	cfg := msctest.Config{VendorID: msc.QEMUVendorID, ProductID: msc.QEMUProductID}
	config := make([]byte, host.ConfigurationDescriptorSize+host.InterfaceDescriptorSize+host.EndpointDescriptorSize)
	c := host.ConfigurationDescriptor{TotalLength: uint16(len(config)), NumInterfaces: 1, ConfigurationValue: 1}
	i := host.InterfaceDescriptor{NumEndpoints: 1, InterfaceClass: host.ClassHID}
	e := host.EndpointDescriptor{EndpointAddress: 0x81, Attributes: host.EndpointTypeInterrupt, MaxPacketSize: 8, Interval: 1}
	off := c.MarshalTo(config)
	off += i.MarshalTo(config[off:])
	e.MarshalTo(config[off:])

	dev, err := host.NewDevice(sim.New(), 1, msctest.DeviceDescriptor(cfg), config)
	assert.NoError(err)
	assert.False(msc.NewDriver().Match(dev, dev.Interface(0)))
}

func TestDriverRegistry(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	c := sim.New()
	disk := msctest.New(msctest.Config{Vendor: "SerenityOS", Product: "VirtualDisk"})
	disk.Plug(c, diskAddr)

	reg := host.NewRegistry()
	assert.NoError(reg.RegisterController(c))
	t.Cleanup(func() { _ = reg.Close() })

	var attached []*msc.StorageDevice
	drv := msc.NewDriver(msc.WithRetries(4))
	drv.OnAttach = func(s *msc.StorageDevice) { attached = append(attached, s) }
	assert.NoError(reg.RegisterDriver(drv))

	dev, err := host.Enumerate(ctx, c, diskAddr)
	assert.NoError(err)

	n, err := reg.Attach(ctx, dev)
	assert.NoError(err)
	assert.Equal(1, n)

	assert.Len(attached, 1)
	s := drv.Device(dev.Interface(0))
	assert.Same(attached[0], s)
	assert.Len(drv.Devices(), 1)
	assert.Equal("VirtualDisk", s.Product)
	assert.Equal(4, s.Handle().Retries())
	assert.True(dev.Interface(0).IsOpen())

	block := make([]byte, s.BlockSize)
	copy(block, "hello")
	assert.NoError(s.Write(ctx, 1, block))
	assert.Equal(block, disk.Storage().Block(1))

	assert.NoError(reg.Detach(dev))
	assert.Empty(drv.Devices())
	assert.False(dev.Interface(0).IsOpen())

	assert.ErrorIs(s.Read(ctx, 1, block), pkg.ErrClosed)
}

func TestDriverProbeFailure(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	c := sim.New()
	t.Cleanup(func() { _ = c.Close() })
	msctest.New(msctest.Config{NotReady: true}).Plug(c, diskAddr)

	reg := host.NewRegistry()
	drv := msc.NewDriver()
	assert.NoError(reg.RegisterDriver(drv))

	dev, err := host.Enumerate(ctx, c, diskAddr)
	assert.NoError(err)

	_, err = reg.Attach(ctx, dev)
	assert.ErrorIs(err, pkg.ErrNoDriver)
	assert.ErrorIs(err, pkg.ErrBusy)
	assert.Empty(drv.Devices())
	assert.False(dev.Interface(0).IsOpen())
}

func TestDriverPipeOptions(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()

	c := sim.New()
	t.Cleanup(func() { _ = c.Close() })
	msctest.New(msctest.Config{}).Plug(c, diskAddr)

	drv := msc.NewDriver().WithPipeOptions(host.WithPoolDepth(2))
	assert.Equal(msc.DriverName, drv.Name())

	dev, err := host.Enumerate(ctx, c, diskAddr)
	assert.NoError(err)
	assert.NoError(drv.Probe(ctx, dev, dev.Interface(0)))

	p, err := dev.Interface(0).BulkInPipe()
	assert.NoError(err)
	assert.Equal(2, p.PoolStats().Capacity)

	drv.Disconnect(dev, dev.Interface(0))
	assert.False(dev.Interface(0).IsOpen())
	assert.Nil(drv.Device(dev.Interface(0)))
}
