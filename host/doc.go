// Package host implements the transfer core of a USB host stack.
//
// It is platform-agnostic and executes transfers through the [hal.Controller]
// interface defined in the github.com/ardnew/usbcore/host/hal package.
//
// # Architecture
//
// The package is organized into several layers:
//
//   - Pipe is a logical channel to one endpoint of one device. It owns a
//     buffer pool and the endpoint's data toggle, and serializes its
//     synchronous transfers. ControlPipe, BulkInPipe, BulkOutPipe,
//     InterruptInPipe and InterruptOutPipe expose the operations valid for
//     each endpoint kind.
//   - Device holds the parsed descriptors and the default control pipe of an
//     addressed device. Enumerate reads them from the bus.
//   - Interface owns the pipes of its endpoints between Open and Close.
//   - Registry binds class drivers to the interfaces of attached devices.
//
// # Transfers
//
// Control, bulk and interrupt OUT transfers are synchronous: the call
// returns once the controller reports completion and the buffer slot has
// gone back to the pipe's pool. Interrupt IN transfers are asynchronous and
// re-arm every poll interval until cancelled:
//
//	t, err := pipe.InterruptTransfer(8, 0, func(data []byte, err error) {
//	    // runs on the controller's goroutine
//	})
//	...
//	pipe.CancelAsyncTransfer(t)
//
// # Example
//
//	dev, err := host.Enumerate(ctx, ctrl, addr)
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	iface := dev.Interface(0)
//	if err := iface.Open(); err != nil {
//	    return err
//	}
//	in, err := iface.BulkInPipe()
//	...
//	n, err := in.BulkInTransfer(ctx, buf)
//
// An in-process controller for tests is available in
// [github.com/ardnew/usbcore/host/hal/sim].
package host
