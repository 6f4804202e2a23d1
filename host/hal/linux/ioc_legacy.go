//go:build linux && (mips || mipsle || mips64 || mips64le || ppc || ppc64 || ppc64le || sparc64)

package linux

// ioctl number layout of the architectures with a 3-bit direction field.
const (
	iocSizeBits = 13

	iocNone  = 1
	iocRead  = 2
	iocWrite = 4
)
