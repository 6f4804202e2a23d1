// Package linux provides a hal.Controller for Linux backed by usbfs.
//
// Devices are found through sysfs (/sys/bus/usb/devices) and driven through
// their usbfs nodes (/dev/bus/usb/BBB/DDD) with the synchronous USBDEVFS
// ioctls. No cgo is required.
//
// # Requirements
//
// The process needs read/write access to the device node, either by running
// as root or through a udev rule granting the user access.
//
// # Architecture
//
// A Controller owns one file descriptor per opened device, keyed by the
// kernel's device number, which doubles as the hal.DeviceAddress the host
// stack uses:
//
//	ctrl := linux.New()
//	devs, _ := linux.FindDevices(linux.SysfsUSBPath, 0x08)
//	addr, err := ctrl.Open(devs[0])
//	dev, err := host.Enumerate(ctx, ctrl, addr)
//
// Control and bulk transfers map onto USBDEVFS_CONTROL and USBDEVFS_BULK.
// A standard CLEAR_FEATURE(ENDPOINT_HALT) request is issued with
// USBDEVFS_CLEAR_HALT so the kernel resets its own toggle as well.
// Interrupt IN transfers are polled by one goroutine per armed transfer.
// ClaimInterface detaches any kernel driver bound to the interface and
// ReleaseInterface reattaches it.
//
// A blocking ioctl cannot be interrupted by a context; the context deadline
// bounds the ioctl timeout instead.
//
// Transfer failures are reported with the pkg sentinel errors: EPIPE is
// pkg.ErrStall, ETIMEDOUT is pkg.ErrTimeout, ENODEV is pkg.ErrNoDevice, and
// so on. The original errno stays in the error chain.
package linux
