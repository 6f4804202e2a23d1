package linux

import "time"

// =============================================================================
// System Paths
// =============================================================================

// SysfsUSBPath is the base path for USB devices in sysfs.
const SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
const DevfsUSBPath = "/dev/bus/usb"

// DevfsPathMaxLen is the maximum length of a devfs path built by this package.
const DevfsPathMaxLen = 64

// =============================================================================
// Transfer Configuration
// =============================================================================

// DefaultTimeout bounds every synchronous transfer without a context deadline.
const DefaultTimeout = 5 * time.Second

// DefaultPollTimeout bounds each poll of an armed interrupt transfer, so a
// cancelled transfer is noticed within this period.
const DefaultPollTimeout = 100 * time.Millisecond

// MaxControlTransferSize is the largest data stage usbfs accepts in one
// USBDEVFS_CONTROL request.
const MaxControlTransferSize = 4096

// =============================================================================
// Speed
// =============================================================================

// Speed is a device's signalling rate as reported by sysfs.
type Speed uint8

// Device speeds.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
	SpeedSuper         // 5 Gbit/s and above
)

// String returns the speed in the units sysfs uses.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "1.5M"
	case SpeedFull:
		return "12M"
	case SpeedHigh:
		return "480M"
	case SpeedSuper:
		return "5G+"
	default:
		return "unknown"
	}
}
