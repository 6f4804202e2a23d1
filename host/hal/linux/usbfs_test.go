//go:build linux

package linux

import (
	"errors"
	"fmt"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbcore/pkg"
)

func TestIoctlNumbers(t *testing.T) {
	switch runtime.GOARCH {
	case "amd64", "arm64", "riscv64", "loong64":
	default:
		t.Skipf("reference values are for 64-bit asm-generic layouts, not %s", runtime.GOARCH)
	}

	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"CONTROL", usbdevfsControl, 0xC0185500},
		{"BULK", usbdevfsBulk, 0xC0185502},
		{"CLAIMINTERFACE", usbdevfsClaimInterface, 0x8004550F},
		{"RELEASEINTERFACE", usbdevfsReleaseInterface, 0x80045510},
		{"IOCTL", usbdevfsIoctl, 0xC0105512},
		{"CLEAR_HALT", usbdevfsClearHalt, 0x80045515},
		{"DISCONNECT", usbdevfsDisconnect, 0x5516},
		{"CONNECT", usbdevfsConnect, 0x5517},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.got, "USBDEVFS_%s", tt.name)
	}
}

func TestKernelStructSizes(t *testing.T) {
	ptr := unsafe.Sizeof(uintptr(0))
	header := (12 + ptr - 1) &^ (ptr - 1) // padded to pointer alignment
	require.Equal(t, header+ptr, unsafe.Sizeof(ctrlTransfer{}))
	require.Equal(t, unsafe.Sizeof(ctrlTransfer{}), unsafe.Sizeof(bulkTransfer{}))
	require.Equal(t, 8+ptr, unsafe.Sizeof(ioctlRequest{}))
}

func TestMapErrno(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		want  error
	}{
		{unix.EPIPE, pkg.ErrStall},
		{unix.ETIMEDOUT, pkg.ErrTimeout},
		{unix.ENODEV, pkg.ErrNoDevice},
		{unix.ESHUTDOWN, pkg.ErrNoDevice},
		{unix.EOVERFLOW, pkg.ErrBabble},
		{unix.EPROTO, pkg.ErrCRC},
		{unix.EILSEQ, pkg.ErrCRC},
		{unix.ECOMM, pkg.ErrOverrun},
		{unix.ENOSR, pkg.ErrUnderrun},
		{unix.ECONNRESET, pkg.ErrCancelled},
		{unix.EBUSY, pkg.ErrBusy},
	}
	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			assert := require.New(t)
			err := mapErrno(tt.errno)
			assert.ErrorIs(err, tt.want)
			assert.ErrorIs(err, tt.errno)
		})
	}
}

func TestMapErrnoPassthrough(t *testing.T) {
	assert := require.New(t)

	assert.NoError(mapErrno(nil))
	assert.Equal(unix.ENOTTY, mapErrno(unix.ENOTTY))

	plain := errors.New("plain")
	assert.Equal(plain, mapErrno(plain))

	wrapped := mapErrno(fmt.Errorf("ioctl: %w", unix.EPIPE))
	assert.ErrorIs(wrapped, pkg.ErrStall)
	assert.True(pkg.IsTransportError(wrapped))
}
