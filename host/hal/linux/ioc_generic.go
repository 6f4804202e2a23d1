//go:build linux && !(mips || mipsle || mips64 || mips64le || ppc || ppc64 || ppc64le || sparc64)

package linux

// asm-generic ioctl number layout.
const (
	iocSizeBits = 14

	iocNone  = 0
	iocWrite = 1
	iocRead  = 2
)
