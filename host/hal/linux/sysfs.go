package linux

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// USB Device Information
// =============================================================================

// DeviceInfo describes a USB device discovered via sysfs.
type DeviceInfo struct {
	SysfsPath    string // Path in /sys/bus/usb/devices
	DevfsPath    string // Path of the usbfs node
	Bus          uint8
	DevNum       uint8
	VendorID     uint16
	ProductID    uint16
	Class        uint8 // bDeviceClass
	Speed        Speed
	Manufacturer string
	Product      string
	Interfaces   []InterfaceInfo
}

// InterfaceInfo describes one interface of the active configuration.
type InterfaceInfo struct {
	Number   uint8
	Class    uint8
	SubClass uint8
	Protocol uint8
	Driver   string // Bound kernel driver, empty when unbound
}

// HasInterfaceClass reports whether any interface has the given class code.
func (d *DeviceInfo) HasInterfaceClass(class uint8) bool {
	for _, iface := range d.Interfaces {
		if iface.Class == class {
			return true
		}
	}
	return false
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// ScanDevices lists the USB devices under the sysfs root, sorted by bus and
// device number. Entries that cannot be parsed are skipped.
func ScanDevices(root string) ([]DeviceInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var devices []DeviceInfo
	for _, entry := range entries {
		name := entry.Name()

		// Devices are named like "1-1" or "1-1.2"; skip root hubs ("usb1")
		// and interfaces ("1-1:1.0").
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := ParseDevice(filepath.Join(root, name))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}

	sort.Slice(devices, func(i, j int) bool {
		if devices[i].Bus != devices[j].Bus {
			return devices[i].Bus < devices[j].Bus
		}
		return devices[i].DevNum < devices[j].DevNum
	})
	return devices, nil
}

// FindDevices lists the devices under root with an interface of the given
// class.
func FindDevices(root string, class uint8) ([]DeviceInfo, error) {
	devices, err := ScanDevices(root)
	if err != nil {
		return nil, err
	}
	var found []DeviceInfo
	for _, dev := range devices {
		if dev.HasInterfaceClass(class) {
			found = append(found, dev)
		}
	}
	return found, nil
}

// ParseDevice reads one device directory. busnum and devnum are required;
// every other attribute is optional.
func ParseDevice(sysfsPath string) (DeviceInfo, error) {
	info := DeviceInfo{SysfsPath: sysfsPath}

	bus, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return info, err
	}
	info.Bus = bus

	dev, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return info, err
	}
	info.DevNum = dev
	info.DevfsPath = formatDevfsPath(DevfsUSBPath, info.Bus, info.DevNum)

	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idVendor")); err == nil {
		info.VendorID = v
	}
	if v, err := readSysfsHexUint16(filepath.Join(sysfsPath, "idProduct")); err == nil {
		info.ProductID = v
	}
	if v, err := readSysfsHexUint8(filepath.Join(sysfsPath, "bDeviceClass")); err == nil {
		info.Class = v
	}
	if s, err := readSysfsString(filepath.Join(sysfsPath, "speed")); err == nil {
		info.Speed = parseSpeed(s)
	}
	info.Manufacturer, _ = readSysfsString(filepath.Join(sysfsPath, "manufacturer"))
	info.Product, _ = readSysfsString(filepath.Join(sysfsPath, "product"))

	info.Interfaces = scanInterfaces(sysfsPath)
	return info, nil
}

// scanInterfaces reads the interface directories of a device.
func scanInterfaces(devicePath string) []InterfaceInfo {
	entries, err := os.ReadDir(devicePath)
	if err != nil {
		return nil
	}

	var interfaces []InterfaceInfo
	prefix := filepath.Base(devicePath) + ":"

	for _, entry := range entries {
		// <device>:<config>.<interface>
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		iface, err := parseInterface(filepath.Join(devicePath, entry.Name()))
		if err != nil {
			continue
		}
		interfaces = append(interfaces, iface)
	}

	sort.Slice(interfaces, func(i, j int) bool {
		return interfaces[i].Number < interfaces[j].Number
	})
	return interfaces
}

// parseInterface reads one interface directory.
func parseInterface(sysfsPath string) (InterfaceInfo, error) {
	info := InterfaceInfo{}

	num, err := readSysfsHexUint8(filepath.Join(sysfsPath, "bInterfaceNumber"))
	if err != nil {
		return info, err
	}
	info.Number = num

	if v, err := readSysfsHexUint8(filepath.Join(sysfsPath, "bInterfaceClass")); err == nil {
		info.Class = v
	}
	if v, err := readSysfsHexUint8(filepath.Join(sysfsPath, "bInterfaceSubClass")); err == nil {
		info.SubClass = v
	}
	if v, err := readSysfsHexUint8(filepath.Join(sysfsPath, "bInterfaceProtocol")); err == nil {
		info.Protocol = v
	}
	if target, err := os.Readlink(filepath.Join(sysfsPath, "driver")); err == nil {
		info.Driver = filepath.Base(target)
	}
	return info, nil
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
}

func readSysfsHexUint8(path string) (uint8, error) {
	v, err := readSysfsHex(path, 8)
	return uint8(v), err
}

func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	return uint16(v), err
}

// =============================================================================
// Path Helpers
// =============================================================================

// formatDevfsPath builds root/BBB/DDD with zero-padded bus and device numbers.
func formatDevfsPath(root string, busNum, devNum uint8) string {
	buf := make([]byte, 0, DevfsPathMaxLen)
	buf = append(buf, root...)
	buf = append(buf, '/')
	buf = appendPadded(buf, busNum, 3)
	buf = append(buf, '/')
	buf = appendPadded(buf, devNum, 3)
	return string(buf)
}

// appendPadded appends val zero-padded to width digits.
func appendPadded(buf []byte, val uint8, width int) []byte {
	s := strconv.FormatUint(uint64(val), 10)
	for i := len(s); i < width; i++ {
		buf = append(buf, '0')
	}
	return append(buf, s...)
}

// parseSpeed converts a sysfs speed string (Mbit/s) to a Speed.
func parseSpeed(s string) Speed {
	switch s {
	case "1.5":
		return SpeedLow
	case "12":
		return SpeedFull
	case "480":
		return SpeedHigh
	case "5000", "10000", "20000":
		return SpeedSuper
	default:
		return SpeedUnknown
	}
}
