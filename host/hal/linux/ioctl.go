//go:build linux

package linux

import "unsafe"

const (
	iocNRBits   = 8
	iocTypeBits = 8

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

const usbdevfsType = 'U'

// USBDEVFS request numbers, from linux/usbdevice_fs.h.
const (
	usbdevfsControl = (iocRead|iocWrite)<<iocDirShift | usbdevfsType<<iocTypeShift |
		0<<iocNRShift | unsafe.Sizeof(ctrlTransfer{})<<iocSizeShift
	usbdevfsBulk = (iocRead|iocWrite)<<iocDirShift | usbdevfsType<<iocTypeShift |
		2<<iocNRShift | unsafe.Sizeof(bulkTransfer{})<<iocSizeShift
	usbdevfsClaimInterface = iocRead<<iocDirShift | usbdevfsType<<iocTypeShift |
		15<<iocNRShift | unsafe.Sizeof(uint32(0))<<iocSizeShift
	usbdevfsReleaseInterface = iocRead<<iocDirShift | usbdevfsType<<iocTypeShift |
		16<<iocNRShift | unsafe.Sizeof(uint32(0))<<iocSizeShift
	usbdevfsIoctl = (iocRead|iocWrite)<<iocDirShift | usbdevfsType<<iocTypeShift |
		18<<iocNRShift | unsafe.Sizeof(ioctlRequest{})<<iocSizeShift
	usbdevfsClearHalt = iocRead<<iocDirShift | usbdevfsType<<iocTypeShift |
		21<<iocNRShift | unsafe.Sizeof(uint32(0))<<iocSizeShift
	usbdevfsDisconnect = iocNone<<iocDirShift | usbdevfsType<<iocTypeShift | 22<<iocNRShift
	usbdevfsConnect    = iocNone<<iocDirShift | usbdevfsType<<iocTypeShift | 23<<iocNRShift
)
