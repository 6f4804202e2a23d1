//go:build linux

package linux

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbcore/pkg"
)

// =============================================================================
// Kernel Structures
// =============================================================================

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        uintptr
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     uintptr
}

// ioctlRequest matches struct usbdevfs_ioctl, which forwards a request to
// the driver bound to an interface.
type ioctlRequest struct {
	ifno int32
	code int32
	data uintptr
}

// =============================================================================
// Syscall Wrappers
// =============================================================================

// openDevice opens a usbfs node for read/write access.
func openDevice(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
}

// ioctl performs an ioctl and returns its result value.
func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// =============================================================================
// USBDEVFS Operations
// =============================================================================

// doControlTransfer performs a synchronous control transfer. data is the
// data stage; its length is wLength.
func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeoutMs uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeoutMs,
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(fd, usbdevfsControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// doBulkTransfer performs a synchronous bulk or interrupt transfer. The
// kernel picks the pipe type from the endpoint descriptor.
func doBulkTransfer(fd int, endpoint uint8, data []byte, timeoutMs uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMs,
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(fd, usbdevfsBulk, unsafe.Pointer(&bulk))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// clearHalt clears a halted endpoint and resets the host-side toggle.
func clearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctl(fd, usbdevfsClearHalt, unsafe.Pointer(&ep))
	return err
}

// claimInterface claims exclusive access to an interface.
func claimInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, usbdevfsClaimInterface, unsafe.Pointer(&n))
	return err
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, usbdevfsReleaseInterface, unsafe.Pointer(&n))
	return err
}

// disconnectDriver detaches the kernel driver bound to an interface. An
// interface without a driver is not an error.
func disconnectDriver(fd int, iface uint8) error {
	req := ioctlRequest{ifno: int32(iface), code: usbdevfsDisconnect}
	_, err := ioctl(fd, usbdevfsIoctl, unsafe.Pointer(&req))
	if errors.Is(err, unix.ENODATA) {
		return nil
	}
	return err
}

// connectDriver asks the kernel to rebind a driver to an interface.
func connectDriver(fd int, iface uint8) error {
	req := ioctlRequest{ifno: int32(iface), code: usbdevfsConnect}
	_, err := ioctl(fd, usbdevfsIoctl, unsafe.Pointer(&req))
	return err
}

// =============================================================================
// Error Mapping
// =============================================================================

// errnoSentinels maps the usbfs completion codes documented in
// Documentation/driver-api/usb/error-codes.rst onto the pkg sentinels.
var errnoSentinels = map[unix.Errno]error{
	unix.EPIPE:      pkg.ErrStall,
	unix.ETIMEDOUT:  pkg.ErrTimeout,
	unix.ENODEV:     pkg.ErrNoDevice,
	unix.ESHUTDOWN:  pkg.ErrNoDevice,
	unix.EOVERFLOW:  pkg.ErrBabble,
	unix.EPROTO:     pkg.ErrCRC,
	unix.EILSEQ:     pkg.ErrCRC,
	unix.ECOMM:      pkg.ErrOverrun,
	unix.ENOSR:      pkg.ErrUnderrun,
	unix.ECONNRESET: pkg.ErrCancelled,
	unix.ENOENT:     pkg.ErrCancelled,
	unix.EBUSY:      pkg.ErrBusy,
	unix.ENOMEM:     pkg.ErrNoMemory,
	unix.EINVAL:     pkg.ErrInvalidParameter,
}

// mapErrno translates a usbfs error into the pkg taxonomy, keeping the errno
// in the chain. Errors without a mapping are returned unchanged.
func mapErrno(err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	if sentinel, ok := errnoSentinels[errno]; ok {
		return fmt.Errorf("%w: %w", sentinel, errno)
	}
	return err
}
